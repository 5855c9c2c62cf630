package domain

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	lberrors "github.com/mir00r/dbbalancer/internal/errors"
)

// Status represents the health status of a replica
type Status int32

const (
	// StatusRunning indicates the replica is reachable and may receive queries
	StatusRunning Status = iota
	// StatusDown indicates the replica is unreachable and must not receive new queries
	StatusDown
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusDown:
		return "DOWN"
	default:
		return "UNKNOWN"
	}
}

// QueryKind tells the load balancer which routing role handles a query
type QueryKind string

const (
	KindRead  QueryKind = "READ"
	KindWrite QueryKind = "WRITE"
)

// Valid reports whether k is a known kind
func (k QueryKind) Valid() bool {
	return k == KindRead || k == KindWrite
}

// Query is an opaque unit of work submitted by a client. Payload is never
// interpreted by the load balancer; only the Connector understands it.
type Query struct {
	ID      string    `msgpack:"id"`
	Kind    QueryKind `msgpack:"kind"`
	Payload []byte    `msgpack:"payload"`
}

// ResultError is the wire form of a failed query
type ResultError struct {
	Code    string `msgpack:"code"`
	Message string `msgpack:"message"`
}

// Result is produced once per Query, either a value or an error
type Result struct {
	ID      string       `msgpack:"id"`
	Value   []byte       `msgpack:"value,omitempty"`
	Error   *ResultError `msgpack:"error,omitempty"`
	Replica string       `msgpack:"replica,omitempty"`
}

// OK reports whether the result carries a value rather than an error
func (r Result) OK() bool {
	return r.Error == nil
}

// Err converts the wire error back into a BalancerError
func (r Result) Err() error {
	if r.Error == nil {
		return nil
	}
	return lberrors.NewError(lberrors.ErrorCode(r.Error.Code), "result", r.Error.Message).
		WithQueryID(r.ID).
		WithReplica(r.Replica)
}

// ValueResult builds a successful result
func ValueResult(id, replica string, value []byte) Result {
	return Result{ID: id, Value: value, Replica: replica}
}

// ErrorResult builds a failed result. Query execution failures carry the
// replica's own message verbatim.
func ErrorResult(id string, err error) Result {
	res := Result{ID: id, Error: &ResultError{
		Code:    string(lberrors.GetErrorCode(err)),
		Message: err.Error(),
	}}

	var lbErr *lberrors.BalancerError
	if errors.As(err, &lbErr) {
		res.Replica = lbErr.Replica
		if lbErr.Code == lberrors.ErrCodeQueryExecution && lbErr.Cause != nil {
			res.Error.Message = lbErr.Cause.Error()
		}
	}
	return res
}

// Connector is the handle to one replica's real database connection
type Connector interface {
	// Ping attempts to (re)establish the connection. Unreachable replicas
	// must be reported with an ErrCodeReplicaUnreachable error.
	Ping(ctx context.Context) error
	// Execute runs an opaque payload and returns an opaque result
	Execute(ctx context.Context, kind QueryKind, payload []byte) ([]byte, error)
	Close() error
}

// Database is one replica: its identity, connection, health status and a
// single-slot admission queue drained by exactly one worker.
type Database struct {
	Name    string `json:"name" yaml:"name"`
	Weight  int    `json:"weight" yaml:"weight"`
	Primary bool   `json:"primary" yaml:"primary"`

	conn  Connector
	queue chan *Task

	status     atomic.Int32
	busy       atomic.Bool
	lastProbe  atomic.Int64
	probeFails atomic.Int64
	totalTasks atomic.Int64
}

// NewDatabase creates a RUNNING, idle replica around conn
func NewDatabase(name string, conn Connector) *Database {
	return &Database{
		Name:   name,
		Weight: 1,
		conn:   conn,
		queue:  make(chan *Task, 1),
	}
}

// Probe exercises the underlying connection. It is the only operation that
// touches the database outside query execution.
func (d *Database) Probe(ctx context.Context) error {
	d.lastProbe.Store(time.Now().UnixNano())
	err := d.conn.Ping(ctx)
	if err != nil {
		d.probeFails.Add(1)
	} else {
		d.probeFails.Store(0)
	}
	return err
}

// IsOperationalError reports whether err means the replica is unreachable,
// as opposed to a failure of the query or of the probe machinery.
func (d *Database) IsOperationalError(err error) bool {
	return lberrors.IsReplicaUnreachable(err)
}

// SetStatus updates the replica status
func (d *Database) SetStatus(s Status) {
	d.status.Store(int32(s))
}

// GetStatus returns the current replica status
func (d *Database) GetStatus() Status {
	return Status(d.status.Load())
}

// IsRunning returns true if the replica is RUNNING
func (d *Database) IsRunning() bool {
	return d.GetStatus() == StatusRunning
}

// IsIdle returns true if no query is admitted on this replica
func (d *Database) IsIdle() bool {
	return !d.busy.Load()
}

// Enqueue admits task if the replica holds no other query. It never blocks.
func (d *Database) Enqueue(task *Task) bool {
	if !d.busy.CompareAndSwap(false, true) {
		return false
	}
	task.Database = d
	d.totalTasks.Add(1)
	d.queue <- task
	return true
}

// Queue is drained by the replica's worker; a receive is the "has queries" signal.
func (d *Database) Queue() <-chan *Task {
	return d.queue
}

// Release frees the admission slot once the admitted query has finished
func (d *Database) Release() {
	d.busy.Store(false)
}

// Execute runs payload on the replica connection
func (d *Database) Execute(ctx context.Context, kind QueryKind, payload []byte) ([]byte, error) {
	return d.conn.Execute(ctx, kind, payload)
}

// Close closes the underlying connection
func (d *Database) Close() error {
	return d.conn.Close()
}

// LastProbe returns the time of the most recent probe, zero if never probed
func (d *Database) LastProbe() time.Time {
	ns := d.lastProbe.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// ProbeFailures returns the number of consecutive failed probes
func (d *Database) ProbeFailures() int64 {
	return d.probeFails.Load()
}

// TotalTasks returns how many queries were admitted on this replica
func (d *Database) TotalTasks() int64 {
	return d.totalTasks.Load()
}

// HealthCheckConfig defines the health probe cadence
type HealthCheckConfig struct {
	WaitTime time.Duration `json:"wait_time" yaml:"wait_time"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
}

// BackoffConfig bounds how a router waits for a replica to become available
type BackoffConfig struct {
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval" yaml:"max_interval"`
}

// LoadBalancerConfig defines the configuration for the load balancer
type LoadBalancerConfig struct {
	ReadAlgorithm  AlgorithmType `json:"read_algorithm" yaml:"read_algorithm"`
	WriteAlgorithm AlgorithmType `json:"write_algorithm" yaml:"write_algorithm"`
	RouteTimeout   time.Duration `json:"route_timeout" yaml:"route_timeout"`
	QueryTimeout   time.Duration `json:"query_timeout" yaml:"query_timeout"`
	MaxRetries     int           `json:"max_retries" yaml:"max_retries"`
	Backoff        BackoffConfig `json:"backoff" yaml:"backoff"`
}
