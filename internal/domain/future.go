package domain

import (
	"context"
	"sync"
	"time"
)

// Future is a handle for a query admitted on one replica. It is completed
// exactly once, by the replica's worker or by the balancer on shutdown.
type Future struct {
	queryID string
	replica string
	created time.Time

	once   sync.Once
	ready  chan struct{}
	result Result
}

// NewFuture returns an empty future for the query on the given replica
func NewFuture(queryID, replica string) *Future {
	return &Future{
		queryID: queryID,
		replica: replica,
		created: time.Now(),
		ready:   make(chan struct{}),
	}
}

// Complete fills the future. Only the first call has an effect; it reports
// whether this call was the one that filled it.
func (f *Future) Complete(res Result) bool {
	done := false
	f.once.Do(func() {
		f.result = res
		close(f.ready)
		done = true
	})
	return done
}

// Get waits for the future to be filled or for ctx to end
func (f *Future) Get(ctx context.Context) (Result, error) {
	select {
	case <-f.ready:
		return f.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// WaitChan returns a channel closed when the result is ready
func (f *Future) WaitChan() <-chan struct{} {
	return f.ready
}

// QueryID returns the correlation id of the query
func (f *Future) QueryID() string { return f.queryID }

// Replica returns the replica the query was admitted on
func (f *Future) Replica() string { return f.replica }

// Age returns how long the future has been pending
func (f *Future) Age() time.Duration { return time.Since(f.created) }

// Task is a Query admitted on a Database together with its Future
type Task struct {
	Query    *Query
	Database *Database
	Future   *Future
	// Timeout bounds execution on the replica; zero means no bound
	Timeout time.Duration
}

// NewTask prepares a task for q bound for db. The task only occupies db's
// queue once db.Enqueue accepts it.
func NewTask(q *Query, db *Database, timeout time.Duration) *Task {
	return &Task{
		Query:   q,
		Future:  NewFuture(q.ID, db.Name),
		Timeout: timeout,
	}
}
