package registry

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/dbbalancer/internal/config"
	"github.com/mir00r/dbbalancer/internal/domain"
	lberrors "github.com/mir00r/dbbalancer/internal/errors"
	"github.com/mir00r/dbbalancer/pkg/logger"
)

func TestIsOperational(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad conn", driver.ErrBadConn, true},
		{"conn done", fmt.Errorf("exec: %w", sql.ErrConnDone), true},
		{"mysql invalid conn", mysql.ErrInvalidConn, true},
		{"eof", io.ErrUnexpectedEOF, true},
		{"dial refused", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, true},
		{"pq connection failure", &pq.Error{Code: "08006"}, true},
		{"pq admin shutdown", &pq.Error{Code: "57P01"}, true},
		{"pq undefined table", &pq.Error{Code: "42P01", Message: `relation "t" does not exist`}, false},
		{"pq unique violation", &pq.Error{Code: "23505"}, false},
		{"mysql syntax", &mysql.MySQLError{Number: 1064, Message: "syntax"}, false},
		{"mysql shutdown", &mysql.MySQLError{Number: 1053}, true},
		{"plain", errors.New("boom"), false},
		{"statement deadline", context.DeadlineExceeded, false},
		{"statement deadline on the socket", &net.OpError{Op: "read", Net: "tcp", Err: context.DeadlineExceeded}, false},
		{"canceled", fmt.Errorf("exec: %w", context.Canceled), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsOperational(tt.err))
		})
	}
}

func TestStatementCodecWidensArguments(t *testing.T) {
	payload, err := EncodeStatement("SELECT * FROM t WHERE a = $1 AND b = $2 AND c = $3", 7, float32(1.5), "x")
	require.NoError(t, err)

	stmt, err := DecodeStatement(payload)
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2 AND c = $3", stmt.SQL)
	assert.Equal(t, []interface{}{int64(7), float64(1.5), "x"}, stmt.Args)
}

func TestDecodeStatementRejectsGarbage(t *testing.T) {
	_, err := DecodeStatement([]byte{0xc1})
	assert.Error(t, err)

	empty, err := EncodeStatement("")
	require.NoError(t, err)
	_, err = DecodeStatement(empty)
	assert.Error(t, err)
}

func TestRowsCodec(t *testing.T) {
	value, err := EncodeRows(&Rows{
		Columns: []string{"id", "name"},
		Rows:    [][]interface{}{{int64(1), normalizeColumn([]byte("ann"))}},
	})
	require.NoError(t, err)

	rows, err := DecodeRows(value)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, rows.Columns)
	require.Len(t, rows.Rows, 1)
	assert.Equal(t, "ann", rows.Rows[0][1])
}

func TestRegistryOpenValidatesDSN(t *testing.T) {
	reg := NewRegistry(logger.NewNop())
	defer reg.Close()

	_, err := reg.Open(config.ReplicaConfig{Name: "a", Driver: "mysql", DSN: "no-slash-here"})
	require.Error(t, err)
	assert.Equal(t, lberrors.ErrCodeConfigLoad, lberrors.GetErrorCode(err))

	_, err = reg.Open(config.ReplicaConfig{Name: "b", Driver: "sqlite", DSN: "file.db"})
	assert.Error(t, err)

	conn, err := reg.Open(config.ReplicaConfig{
		Name: "c", Driver: "postgres", DSN: "postgres://app@127.0.0.1:1/app?sslmode=disable", MaxOpenConns: 2,
	})
	require.NoError(t, err)
	assert.Contains(t, reg.Stats(), "c")
	assert.Equal(t, 2, reg.Stats()["c"].MaxOpenConnections)
	assert.NotNil(t, conn)
}

func TestExecuteRejectsMalformedPayloadWithoutConnecting(t *testing.T) {
	reg := NewRegistry(logger.NewNop())
	defer reg.Close()

	conn, err := reg.Open(config.ReplicaConfig{Name: "a", Driver: "postgres", DSN: "postgres://app@127.0.0.1:1/app"})
	require.NoError(t, err)

	_, err = conn.Execute(context.Background(), domain.KindRead, []byte("not msgpack"))
	require.Error(t, err)
	assert.Equal(t, lberrors.ErrCodeQueryExecution, lberrors.GetErrorCode(err))
}

func TestPingUnreachableReplica(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	reg := NewRegistry(logger.NewNop())
	defer reg.Close()

	conn, err := reg.Open(config.ReplicaConfig{
		Name: "gone", Driver: "postgres", DSN: "postgres://app@" + addr + "/app?sslmode=disable",
	})
	require.NoError(t, err)

	err = conn.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, lberrors.IsReplicaUnreachable(err))
}
