// Package registry opens the real replica connections behind domain.Connector.
package registry

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/go-sql-driver/mysql"
	"github.com/hashicorp/go-multierror"
	"github.com/lib/pq"

	"github.com/mir00r/dbbalancer/internal/config"
	"github.com/mir00r/dbbalancer/internal/domain"
	lberrors "github.com/mir00r/dbbalancer/internal/errors"
	"github.com/mir00r/dbbalancer/pkg/logger"
)

// Registry opens and owns one *sql.DB per replica
type Registry struct {
	mu         sync.Mutex
	connectors map[string]*SQLConnector
	logger     *logger.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		connectors: make(map[string]*SQLConnector),
		logger:     log,
	}
}

// Open validates the replica DSN and prepares a lazily connecting handle.
// No network traffic happens until the first Ping or Execute.
func (r *Registry) Open(rc config.ReplicaConfig) (domain.Connector, error) {
	if err := validateDSN(rc.Driver, rc.DSN); err != nil {
		return nil, lberrors.WrapError(err, lberrors.ErrCodeConfigLoad, "registry",
			fmt.Sprintf("invalid dsn for replica %s", rc.Name)).WithReplica(rc.Name)
	}

	db, err := sql.Open(rc.Driver, rc.DSN)
	if err != nil {
		return nil, lberrors.WrapError(err, lberrors.ErrCodeConfigLoad, "registry",
			fmt.Sprintf("failed to open replica %s", rc.Name)).WithReplica(rc.Name)
	}
	if rc.MaxOpenConns > 0 {
		db.SetMaxOpenConns(rc.MaxOpenConns)
		db.SetMaxIdleConns(rc.MaxOpenConns)
	}

	conn := &SQLConnector{name: rc.Name, driver: rc.Driver, db: db}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, exists := r.connectors[rc.Name]; exists {
		_ = old.Close()
	}
	r.connectors[rc.Name] = conn

	r.logger.ReplicaLogger(rc.Name).WithField("driver", rc.Driver).Debug("Replica handle opened")
	return conn, nil
}

// Close closes every opened replica handle
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result *multierror.Error
	for name, conn := range r.connectors {
		if err := conn.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("replica %s: %w", name, err))
		}
	}
	r.connectors = make(map[string]*SQLConnector)
	return result.ErrorOrNil()
}

// Stats returns database/sql pool statistics per replica
func (r *Registry) Stats() map[string]sql.DBStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make(map[string]sql.DBStats, len(r.connectors))
	for name, conn := range r.connectors {
		stats[name] = conn.db.Stats()
	}
	return stats
}

func validateDSN(driverName, dsn string) error {
	switch driverName {
	case config.DriverMySQL:
		_, err := mysql.ParseDSN(dsn)
		return err
	case config.DriverPostgres:
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			_, err := pq.ParseURL(dsn)
			return err
		}
		return nil
	default:
		return fmt.Errorf("unsupported driver %q", driverName)
	}
}

// SQLConnector runs statements on one replica through database/sql
type SQLConnector struct {
	name   string
	driver string
	db     *sql.DB
}

// Ping (re)establishes a connection to the replica
func (c *SQLConnector) Ping(ctx context.Context) error {
	err := c.db.PingContext(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || IsOperational(err) {
		return lberrors.NewReplicaUnreachableError(c.name, err)
	}
	return lberrors.WrapError(err, lberrors.ErrCodeInternalError, "registry", "ping failed").WithReplica(c.name)
}

// Execute decodes a Statement payload and runs it. Reads return the result
// set; writes return the affected row count.
func (c *SQLConnector) Execute(ctx context.Context, kind domain.QueryKind, payload []byte) ([]byte, error) {
	stmt, err := DecodeStatement(payload)
	if err != nil {
		return nil, lberrors.NewQueryExecutionError(c.name, err)
	}

	var out *Rows
	if kind == domain.KindWrite {
		out, err = c.exec(ctx, stmt)
	} else {
		out, err = c.query(ctx, stmt)
	}
	if err != nil {
		return nil, c.classify(err)
	}

	value, err := EncodeRows(out)
	if err != nil {
		return nil, lberrors.NewQueryExecutionError(c.name, err)
	}
	return value, nil
}

func (c *SQLConnector) exec(ctx context.Context, stmt *Statement) (*Rows, error) {
	res, err := c.db.ExecContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, err
	}

	out := &Rows{}
	if n, err := res.RowsAffected(); err == nil {
		out.RowsAffected = n
	}
	// lib/pq does not support LastInsertId
	if id, err := res.LastInsertId(); err == nil {
		out.LastInsertID = id
	}
	return out, nil
}

func (c *SQLConnector) query(ctx context.Context, stmt *Statement) (*Rows, error) {
	rows, err := c.db.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := &Rows{Columns: columns}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i := range values {
			values[i] = normalizeColumn(values[i])
		}
		out.Rows = append(out.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out.RowsAffected = int64(len(out.Rows))
	return out, nil
}

func (c *SQLConnector) classify(err error) error {
	if IsOperational(err) {
		return lberrors.NewReplicaUnreachableError(c.name, err)
	}
	return lberrors.NewQueryExecutionError(c.name, err)
}

// Close closes the connection pool
func (c *SQLConnector) Close() error {
	return c.db.Close()
}

// Name returns the replica name
func (c *SQLConnector) Name() string {
	return c.name
}

// IsOperational reports whether err means the replica connection is lost or
// cannot be established. Errors the server raised for the statement itself
// are not operational, and neither are context deadlines or cancellations.
func IsOperational(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "08": // connection_exception
			return true
		case pqErr.Code == "57P01", pqErr.Code == "57P02", pqErr.Code == "57P03":
			// admin_shutdown, crash_shutdown, cannot_connect_now
			return true
		}
		return false
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		// ER_SERVER_SHUTDOWN
		return myErr.Number == 1053
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
