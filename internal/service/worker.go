package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mir00r/dbbalancer/internal/domain"
	lberrors "github.com/mir00r/dbbalancer/internal/errors"
	"github.com/mir00r/dbbalancer/pkg/logger"
)

// WorkerPool runs exactly one worker per replica. A worker sleeps on its
// replica queue, executes each admitted task and delivers the result.
type WorkerPool struct {
	databases []*domain.Database
	reporter  domain.StatusReporter
	metrics   *Metrics
	logger    *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewWorkerPool creates a pool over databases. Operational failures seen
// while executing are reported to reporter.
func NewWorkerPool(databases []*domain.Database, reporter domain.StatusReporter, metrics *Metrics, log *logger.Logger) *WorkerPool {
	return &WorkerPool{
		databases: databases,
		reporter:  reporter,
		metrics:   metrics,
		logger:    log,
	}
}

// Start launches one worker goroutine per replica
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("worker pool is already running")
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for _, db := range p.databases {
		p.wg.Add(1)
		go p.run(ctx, db)
	}
	p.running = true
	return nil
}

// Stop signals every worker and waits for in-flight executions to return
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *WorkerPool) run(ctx context.Context, db *domain.Database) {
	defer p.wg.Done()

	log := p.logger.WorkerLogger(db.Name)
	log.Debug("Worker started")

	for {
		select {
		case <-ctx.Done():
			p.drain(db)
			log.Debug("Worker stopped")
			return
		case task := <-db.Queue():
			p.execute(ctx, db, task, log)
		}
	}
}

// drain fails a task admitted after the pool was stopped
func (p *WorkerPool) drain(db *domain.Database) {
	select {
	case task := <-db.Queue():
		db.Release()
		task.Future.Complete(domain.ErrorResult(task.Query.ID, lberrors.NewClosedError()))
	default:
	}
}

func (p *WorkerPool) execute(ctx context.Context, db *domain.Database, task *domain.Task, log *logger.Logger) {
	var result domain.Result
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).WithField("query_id", task.Query.ID).Error("Query execution panicked")
			result = domain.ErrorResult(task.Query.ID, lberrors.NewError(
				lberrors.ErrCodeInternalError, "worker", fmt.Sprintf("execution panicked: %v", r),
			).WithReplica(db.Name))
		}

		p.metrics.RecordExecution(db.Name, time.Since(start), !result.OK())

		// free the slot before delivering, so a caller that sees the result
		// can route its next query here
		db.Release()
		task.Future.Complete(result)
	}()

	execCtx := ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	value, err := db.Execute(execCtx, task.Query.Kind, task.Query.Payload)
	if err == nil {
		result = domain.ValueResult(task.Query.ID, db.Name, value)
		return
	}

	switch {
	case db.IsOperationalError(err):
		log.WithError(err).WithField("query_id", task.Query.ID).Warn("Replica lost during query")
		p.reporter.MarkDown(db, err)
		result = domain.ErrorResult(task.Query.ID, err)
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		p.metrics.IncrementTimeouts(db.Name)
		timeoutErr := lberrors.NewQueryTimeoutError(db.Name, task.Timeout)
		p.reporter.MarkDown(db, timeoutErr)
		result = domain.ErrorResult(task.Query.ID, timeoutErr)
	case ctx.Err() != nil:
		result = domain.ErrorResult(task.Query.ID, lberrors.NewClosedError().WithReplica(db.Name))
	case lberrors.IsBalancerError(err):
		result = domain.ErrorResult(task.Query.ID, err)
	default:
		result = domain.ErrorResult(task.Query.ID, lberrors.NewQueryExecutionError(db.Name, err))
	}
	if result.Replica == "" {
		result.Replica = db.Name
	}
}

// IsRunning reports whether workers are active
func (p *WorkerPool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
