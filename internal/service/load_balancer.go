package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/mir00r/dbbalancer/internal/domain"
	lberrors "github.com/mir00r/dbbalancer/internal/errors"
	"github.com/mir00r/dbbalancer/internal/repository"
	"github.com/mir00r/dbbalancer/pkg/logger"
)

// LoadBalancer routes queries to replicas and waits for their results
type LoadBalancer struct {
	config  domain.LoadBalancerConfig
	repo    *repository.DatabaseRepository
	reader  domain.ReadAlgorithm
	writer  domain.WriteAlgorithm
	probe   *HealthProbe
	workers *WorkerPool
	metrics *Metrics
	logger  *logger.Logger
	closer  io.Closer

	pendingMu sync.Mutex
	pending   map[*domain.Future]struct{}

	closed    atomic.Bool
	cancel    context.CancelFunc
	startedAt time.Time
	stopOnce  sync.Once
	stopErr   error
}

// ReplicaInfo is a point-in-time view of one replica
type ReplicaInfo struct {
	Name          string                 `json:"name"`
	Status        string                 `json:"status"`
	Idle          bool                   `json:"idle"`
	Weight        int                    `json:"weight"`
	Primary       bool                   `json:"primary"`
	LastProbe     time.Time              `json:"last_probe"`
	ProbeFailures int64                  `json:"probe_failures"`
	TotalTasks    int64                  `json:"total_tasks"`
	Metrics       map[string]interface{} `json:"metrics"`
}

// NewLoadBalancer assembles a load balancer from already built parts.
// Factory.Create is the usual way to obtain one.
func NewLoadBalancer(
	config domain.LoadBalancerConfig,
	repo *repository.DatabaseRepository,
	reader domain.ReadAlgorithm,
	writer domain.WriteAlgorithm,
	probe *HealthProbe,
	workers *WorkerPool,
	metrics *Metrics,
	log *logger.Logger,
) *LoadBalancer {
	return &LoadBalancer{
		config:  config,
		repo:    repo,
		reader:  reader,
		writer:  writer,
		probe:   probe,
		workers: workers,
		metrics: metrics,
		logger:  log.LoadBalancerLogger(),
		pending: make(map[*domain.Future]struct{}),
	}
}

// Start launches the workers and the probe loop. Their lifetime is bound to
// Stop, not to ctx cancellation.
func (lb *LoadBalancer) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	lb.cancel = cancel
	lb.startedAt = time.Now()

	if err := lb.workers.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if err := lb.probe.Start(runCtx); err != nil {
		lb.workers.Stop()
		cancel()
		return err
	}

	lb.logger.WithField("replicas", lb.repo.Count()).
		WithField("read_algorithm", lb.reader.Name()).
		WithField("write_algorithm", lb.writer.Name()).
		Info("Load balancer started")
	return nil
}

// RunQuery routes q by kind and returns its result. Errors are reported in
// the result, never as a panic or a second return value.
func (lb *LoadBalancer) RunQuery(ctx context.Context, q *domain.Query) domain.Result {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if lb.closed.Load() {
		return domain.ErrorResult(q.ID, lberrors.NewClosedError().WithQueryID(q.ID))
	}

	var res domain.Result
	switch q.Kind {
	case domain.KindRead:
		lb.metrics.IncrementQueries(false)
		res = lb.runRead(ctx, q)
	case domain.KindWrite:
		lb.metrics.IncrementQueries(true)
		res = lb.runWrite(ctx, q)
	default:
		res = domain.ErrorResult(q.ID, lberrors.NewProtocolError(fmt.Sprintf("unknown query kind %q", q.Kind), nil))
	}

	res.ID = q.ID
	if !res.OK() {
		lb.metrics.IncrementFailures()
		if res.Error.Code == string(lberrors.ErrCodeNoAvailableReplica) {
			lb.metrics.IncrementNoReplica()
		}
		lb.logger.WithField("query_id", q.ID).
			WithField("kind", q.Kind).
			WithField("code", res.Error.Code).
			Debug("Query failed")
	}
	return res
}

// runRead re-routes a read that lost its replica, up to MaxRetries times
func (lb *LoadBalancer) runRead(ctx context.Context, q *domain.Query) domain.Result {
	var lost error
	attempts := lb.config.MaxRetries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			lb.metrics.IncrementRetries()
		}

		task, err := lb.reader.RouteRead(ctx, q)
		if err != nil {
			return domain.ErrorResult(q.ID, err)
		}
		lb.metrics.IncrementRouted(task.Database.Name)

		res, err := lb.await(ctx, task)
		if err != nil {
			return domain.ErrorResult(q.ID, err)
		}
		if res.Error != nil && res.Error.Code == string(lberrors.ErrCodeReplicaUnreachable) {
			lost = multierror.Append(lost, res.Err())
			lb.logger.WithField("query_id", q.ID).
				WithField("replica", task.Database.Name).
				WithField("attempt", attempt+1).
				Debug("Replica lost during read, re-routing")
			continue
		}
		return res
	}

	return domain.ErrorResult(q.ID, lberrors.WrapError(lost, lberrors.ErrCodeNoAvailableReplica, "load_balancer",
		fmt.Sprintf("read lost its replica on %d attempts", attempts)))
}

// runWrite waits for every admitted copy of a write. A query error from any
// replica wins, then a timeout, then the first value. Replicas lost
// mid-write are already DOWN; if none applied the write it fails with
// NO_AVAILABLE_REPLICA.
func (lb *LoadBalancer) runWrite(ctx context.Context, q *domain.Query) domain.Result {
	tasks, admitErr := lb.writer.RouteWrite(ctx, q)
	if len(tasks) == 0 {
		if admitErr == nil {
			admitErr = lberrors.NewNoAvailableReplicaError(lb.config.RouteTimeout)
		}
		return domain.ErrorResult(q.ID, admitErr)
	}
	if admitErr != nil {
		lb.markMissedWrite(q, admitErr)
	}

	results := make([]domain.Result, len(tasks))
	waitErrs := make([]error, len(tasks))

	var wg sync.WaitGroup
	for i, task := range tasks {
		lb.metrics.IncrementRouted(task.Database.Name)
		wg.Add(1)
		go func(i int, task *domain.Task) {
			defer wg.Done()
			results[i], waitErrs[i] = lb.await(ctx, task)
		}(i, task)
	}
	wg.Wait()

	var failures *multierror.Error
	var value, queryErr *domain.Result
	var timeoutErr error

	for i := range tasks {
		if waitErrs[i] != nil {
			failures = multierror.Append(failures, waitErrs[i])
			if timeoutErr == nil {
				timeoutErr = waitErrs[i]
			}
			continue
		}

		r := &results[i]
		switch {
		case r.OK():
			if value == nil {
				value = r
			}
		case r.Error.Code == string(lberrors.ErrCodeReplicaUnreachable):
			failures = multierror.Append(failures, r.Err())
		default:
			failures = multierror.Append(failures, r.Err())
			if queryErr == nil {
				queryErr = r
			}
		}
	}

	if failures != nil {
		lb.logger.WithField("query_id", q.ID).
			WithField("replicas", len(tasks)).
			WithError(failures).
			Warn("Write did not succeed on every replica")
	}

	switch {
	case queryErr != nil:
		return *queryErr
	case timeoutErr != nil:
		return domain.ErrorResult(q.ID, timeoutErr)
	case value != nil:
		return *value
	default:
		return domain.ErrorResult(q.ID, lberrors.WrapError(failures.ErrorOrNil(), lberrors.ErrCodeNoAvailableReplica,
			"load_balancer", "write reached no replica"))
	}
}

// markMissedWrite takes replicas that could not be admitted out of rotation
// until the probe sees them again
func (lb *LoadBalancer) markMissedWrite(q *domain.Query, admitErr error) {
	var merr *multierror.Error
	if !errors.As(admitErr, &merr) {
		return
	}
	for _, e := range merr.Errors {
		var lbErr *lberrors.BalancerError
		if !errors.As(e, &lbErr) || lbErr.Replica == "" {
			continue
		}
		if db, err := lb.repo.GetByName(lbErr.Replica); err == nil {
			lb.probe.MarkDown(db, lbErr.WithQueryID(q.ID))
		}
	}
}

// await waits for task's future within the query timeout. A timeout marks
// the replica DOWN and fails with QUERY_TIMEOUT.
func (lb *LoadBalancer) await(ctx context.Context, task *domain.Task) (domain.Result, error) {
	lb.track(task.Future)
	defer lb.untrack(task.Future)

	if lb.closed.Load() {
		task.Future.Complete(domain.ErrorResult(task.Query.ID, lberrors.NewClosedError()))
	}

	waitCtx := ctx
	if lb.config.QueryTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, lb.config.QueryTimeout)
		defer cancel()
	}

	res, err := task.Future.Get(waitCtx)
	if err == nil {
		return res, nil
	}

	db := task.Database
	if ctx.Err() != nil {
		return domain.Result{}, lberrors.WrapError(ctx.Err(), lberrors.ErrCodeClosed, "load_balancer",
			"query abandoned by caller").WithReplica(db.Name).WithQueryID(task.Query.ID)
	}

	lb.metrics.IncrementTimeouts(db.Name)
	timeoutErr := lberrors.NewQueryTimeoutError(db.Name, lb.config.QueryTimeout).WithQueryID(task.Query.ID)
	lb.probe.MarkDown(db, timeoutErr)
	return domain.Result{}, timeoutErr
}

func (lb *LoadBalancer) track(f *domain.Future) {
	lb.pendingMu.Lock()
	lb.pending[f] = struct{}{}
	lb.pendingMu.Unlock()
}

func (lb *LoadBalancer) untrack(f *domain.Future) {
	lb.pendingMu.Lock()
	delete(lb.pending, f)
	lb.pendingMu.Unlock()
}

// Pending returns the number of futures currently awaited
func (lb *LoadBalancer) Pending() int {
	lb.pendingMu.Lock()
	defer lb.pendingMu.Unlock()
	return len(lb.pending)
}

func (lb *LoadBalancer) failPending() int {
	lb.pendingMu.Lock()
	defer lb.pendingMu.Unlock()

	failed := 0
	for f := range lb.pending {
		if f.Complete(domain.ErrorResult(f.QueryID(), lberrors.NewClosedError().WithReplica(f.Replica()))) {
			failed++
		}
	}
	return failed
}

// Stop rejects new queries, fails pending ones with BALANCER_CLOSED, stops
// the probe and the workers and closes the replica connections.
func (lb *LoadBalancer) Stop() error {
	lb.stopOnce.Do(func() {
		lb.closed.Store(true)

		failed := lb.failPending()
		lb.probe.Stop()
		lb.workers.Stop()
		if lb.cancel != nil {
			lb.cancel()
		}

		var result *multierror.Error
		if lb.closer != nil {
			if err := lb.closer.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		lb.stopErr = result.ErrorOrNil()

		lb.logger.WithField("failed_pending", failed).Info("Load balancer stopped")
	})
	return lb.stopErr
}

// IsClosed reports whether Stop was called
func (lb *LoadBalancer) IsClosed() bool {
	return lb.closed.Load()
}

// Replicas returns a view of every replica in configuration order
func (lb *LoadBalancer) Replicas() []ReplicaInfo {
	databases := lb.repo.GetAll()
	infos := make([]ReplicaInfo, 0, len(databases))
	for _, db := range databases {
		infos = append(infos, lb.replicaInfo(db))
	}
	return infos
}

// Replica returns a view of the named replica
func (lb *LoadBalancer) Replica(name string) (ReplicaInfo, error) {
	db, err := lb.repo.GetByName(name)
	if err != nil {
		return ReplicaInfo{}, err
	}
	return lb.replicaInfo(db), nil
}

func (lb *LoadBalancer) replicaInfo(db *domain.Database) ReplicaInfo {
	return ReplicaInfo{
		Name:          db.Name,
		Status:        db.GetStatus().String(),
		Idle:          db.IsIdle(),
		Weight:        db.Weight,
		Primary:       db.Primary,
		LastProbe:     db.LastProbe(),
		ProbeFailures: db.ProbeFailures(),
		TotalTasks:    db.TotalTasks(),
		Metrics:       lb.metrics.GetReplicaStats(db.Name),
	}
}

// Healthy reports whether at least one replica is RUNNING
func (lb *LoadBalancer) Healthy() bool {
	return !lb.closed.Load() && lb.repo.CountByStatus(domain.StatusRunning) > 0
}

// Stats returns load balancer statistics
func (lb *LoadBalancer) Stats() map[string]interface{} {
	return map[string]interface{}{
		"read_algorithm":  lb.reader.GetStats(),
		"write_algorithm": lb.writer.GetStats(),
		"health_probe":    lb.probe.GetStats(),
		"replicas":        lb.repo.GetStats(),
		"metrics":         lb.metrics.GetStats(),
		"pending":         lb.Pending(),
		"closed":          lb.closed.Load(),
		"started_at":      lb.startedAt,
	}
}

// Probe returns the health probe
func (lb *LoadBalancer) Probe() *HealthProbe {
	return lb.probe
}

// Metrics returns the metrics collector
func (lb *LoadBalancer) Metrics() *Metrics {
	return lb.metrics
}
