package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"

	"github.com/mir00r/dbbalancer/internal/domain"
	lberrors "github.com/mir00r/dbbalancer/internal/errors"
)

var (
	_ domain.ReadAlgorithm  = (*RoundRobin)(nil)
	_ domain.ReadAlgorithm  = (*WeightedRoundRobin)(nil)
	_ domain.WriteAlgorithm = (*FanOutWrite)(nil)
	_ domain.WriteAlgorithm = (*PrimaryWrite)(nil)
)

var errNotAdmitted = errors.New("no eligible replica yet")

// routePolicy bounds how long a router polls for an eligible replica
type routePolicy struct {
	routeTimeout    time.Duration
	queryTimeout    time.Duration
	initialInterval time.Duration
	maxInterval     time.Duration
}

func newRoutePolicy(cfg domain.LoadBalancerConfig) routePolicy {
	p := routePolicy{
		routeTimeout:    cfg.RouteTimeout,
		queryTimeout:    cfg.QueryTimeout,
		initialInterval: cfg.Backoff.InitialInterval,
		maxInterval:     cfg.Backoff.MaxInterval,
	}
	if p.initialInterval <= 0 {
		p.initialInterval = 5 * time.Millisecond
	}
	if p.maxInterval < p.initialInterval {
		p.maxInterval = p.initialInterval
	}
	return p
}

// wait calls try until it reports success, backing off exponentially between
// attempts. It fails with NO_AVAILABLE_REPLICA once routeTimeout elapses or
// ctx ends.
func (p routePolicy) wait(ctx context.Context, try func() bool) error {
	start := time.Now()
	if try() {
		return nil
	}
	if p.routeTimeout <= 0 {
		return lberrors.NewNoAvailableReplicaError(0)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialInterval
	b.MaxInterval = p.maxInterval
	b.MaxElapsedTime = p.routeTimeout
	b.Reset()

	err := backoff.Retry(func() error {
		if try() {
			return nil
		}
		return errNotAdmitted
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return lberrors.NewNoAvailableReplicaError(time.Since(start))
	}
	return nil
}

// StrategyStats holds thread-safe statistics for routing algorithms
type StrategyStats struct {
	TotalRoutes int64
	Admitted    int64
	Exhausted   int64
	LastUsed    int64 // Unix timestamp
}

// IncrementTotal atomically increments the route attempt count
func (s *StrategyStats) IncrementTotal() {
	atomic.AddInt64(&s.TotalRoutes, 1)
	atomic.StoreInt64(&s.LastUsed, time.Now().Unix())
}

// IncrementAdmitted atomically increments the admitted task count
func (s *StrategyStats) IncrementAdmitted(n int) {
	atomic.AddInt64(&s.Admitted, int64(n))
}

// IncrementExhausted atomically increments the count of routes that gave up
func (s *StrategyStats) IncrementExhausted() {
	atomic.AddInt64(&s.Exhausted, 1)
}

// GetStats returns a snapshot of current statistics
func (s *StrategyStats) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"total_routes": atomic.LoadInt64(&s.TotalRoutes),
		"admitted":     atomic.LoadInt64(&s.Admitted),
		"exhausted":    atomic.LoadInt64(&s.Exhausted),
		"last_used":    atomic.LoadInt64(&s.LastUsed),
	}
}

// BaseAlgorithm provides common functionality for all algorithms
type BaseAlgorithm struct {
	name      string
	algorithm domain.AlgorithmType
	databases []*domain.Database
	policy    routePolicy
	stats     StrategyStats
}

func (b *BaseAlgorithm) Name() string {
	return b.name
}

func (b *BaseAlgorithm) Type() domain.AlgorithmType {
	return b.algorithm
}

// RoundRobin admits each read on the next RUNNING idle replica after the
// previously chosen one, skipping DOWN and busy replicas.
type RoundRobin struct {
	BaseAlgorithm
	mu        sync.Mutex
	nextIndex int
}

// NewRoundRobin creates a round robin read router over databases
func NewRoundRobin(databases []*domain.Database, cfg domain.LoadBalancerConfig) *RoundRobin {
	return &RoundRobin{
		BaseAlgorithm: BaseAlgorithm{
			name:      "Round Robin",
			algorithm: domain.RoundRobinAlgorithm,
			databases: databases,
			policy:    newRoutePolicy(cfg),
		},
	}
}

func (rr *RoundRobin) RouteRead(ctx context.Context, q *domain.Query) (*domain.Task, error) {
	rr.stats.IncrementTotal()

	var task *domain.Task
	err := rr.policy.wait(ctx, func() bool {
		task = rr.tryRoute(q)
		return task != nil
	})
	if err != nil {
		rr.stats.IncrementExhausted()
		return nil, err
	}

	rr.stats.IncrementAdmitted(1)
	return task, nil
}

// tryRoute scans at most one full rotation starting at nextIndex
func (rr *RoundRobin) tryRoute(q *domain.Query) *domain.Task {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	n := len(rr.databases)
	for i := 0; i < n; i++ {
		idx := (rr.nextIndex + i) % n
		db := rr.databases[idx]
		if !db.IsRunning() || !db.IsIdle() {
			continue
		}

		task := domain.NewTask(q, db, rr.policy.queryTimeout)
		if !db.Enqueue(task) {
			// a concurrent write took the slot
			continue
		}
		rr.nextIndex = (idx + 1) % n
		return task
	}
	return nil
}

func (rr *RoundRobin) Reset() {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.nextIndex = 0
}

// NextIndex returns the position the next scan starts from
func (rr *RoundRobin) NextIndex() int {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return rr.nextIndex
}

func (rr *RoundRobin) GetStats() map[string]interface{} {
	stats := rr.stats.GetStats()
	stats["next_index"] = rr.NextIndex()
	return stats
}

// WeightedRoundRobin is smooth weighted round robin over RUNNING idle replicas
type WeightedRoundRobin struct {
	BaseAlgorithm
	mu             sync.Mutex
	currentWeights map[string]int64
}

// NewWeightedRoundRobin creates a weighted read router over databases
func NewWeightedRoundRobin(databases []*domain.Database, cfg domain.LoadBalancerConfig) *WeightedRoundRobin {
	return &WeightedRoundRobin{
		BaseAlgorithm: BaseAlgorithm{
			name:      "Weighted Round Robin",
			algorithm: domain.WeightedRoundRobinAlgorithm,
			databases: databases,
			policy:    newRoutePolicy(cfg),
		},
		currentWeights: make(map[string]int64),
	}
}

func (w *WeightedRoundRobin) RouteRead(ctx context.Context, q *domain.Query) (*domain.Task, error) {
	w.stats.IncrementTotal()

	var task *domain.Task
	err := w.policy.wait(ctx, func() bool {
		task = w.tryRoute(q)
		return task != nil
	})
	if err != nil {
		w.stats.IncrementExhausted()
		return nil, err
	}

	w.stats.IncrementAdmitted(1)
	return task, nil
}

func (w *WeightedRoundRobin) tryRoute(q *domain.Query) *domain.Task {
	w.mu.Lock()
	defer w.mu.Unlock()

	candidates := (&domain.EligibleFilter{}).Filter(w.databases)
	for len(candidates) > 0 {
		var total int64
		selected := -1
		for i, db := range candidates {
			weight := int64(db.Weight)
			if weight <= 0 {
				weight = 1
			}
			total += weight
			w.currentWeights[db.Name] += weight
			if selected < 0 || w.currentWeights[db.Name] > w.currentWeights[candidates[selected].Name] {
				selected = i
			}
		}

		db := candidates[selected]
		w.currentWeights[db.Name] -= total

		task := domain.NewTask(q, db, w.policy.queryTimeout)
		if db.Enqueue(task) {
			return task
		}
		candidates = append(candidates[:selected], candidates[selected+1:]...)
	}
	return nil
}

func (w *WeightedRoundRobin) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.currentWeights = make(map[string]int64)
}

func (w *WeightedRoundRobin) GetStats() map[string]interface{} {
	stats := w.stats.GetStats()

	w.mu.Lock()
	weights := make(map[string]int64, len(w.currentWeights))
	for name, cw := range w.currentWeights {
		weights[name] = cw
	}
	w.mu.Unlock()

	stats["current_weights"] = weights
	return stats
}

// FanOutWrite admits every write on every RUNNING replica. Writes are
// admitted one at a time so every replica applies them in the same order.
type FanOutWrite struct {
	BaseAlgorithm

	turn     chan struct{}
	slotWait routePolicy
}

// NewFanOutWrite creates a write router that broadcasts to all RUNNING replicas
func NewFanOutWrite(databases []*domain.Database, cfg domain.LoadBalancerConfig) *FanOutWrite {
	policy := newRoutePolicy(cfg)

	// a busy slot is held for at most one query timeout
	slotWait := policy
	slotWait.routeTimeout += policy.queryTimeout

	return &FanOutWrite{
		BaseAlgorithm: BaseAlgorithm{
			name:      "Fan-out Write",
			algorithm: domain.FanOutWriteAlgorithm,
			databases: databases,
			policy:    policy,
		},
		turn:     make(chan struct{}, 1),
		slotWait: slotWait,
	}
}

// RouteWrite waits for its turn and for at least one RUNNING replica, then
// admits q on every RUNNING replica concurrently. A busy replica is waited
// for up to the query timeout plus the route timeout. Replicas that go DOWN
// while waiting are dropped; replicas still busy after that are reported in
// the returned error alongside the admitted tasks.
func (f *FanOutWrite) RouteWrite(ctx context.Context, q *domain.Query) ([]*domain.Task, error) {
	f.stats.IncrementTotal()

	select {
	case f.turn <- struct{}{}:
	case <-ctx.Done():
		f.stats.IncrementExhausted()
		return nil, lberrors.WrapError(ctx.Err(), lberrors.ErrCodeClosed, "fan_out_write",
			"write abandoned while waiting for its turn").WithQueryID(q.ID)
	}
	defer func() { <-f.turn }()

	var targets []*domain.Database
	if err := f.policy.wait(ctx, func() bool {
		targets = (&domain.RunningFilter{}).Filter(f.databases)
		return len(targets) > 0
	}); err != nil {
		f.stats.IncrementExhausted()
		return nil, err
	}

	admitted := make([]*domain.Task, len(targets))
	failures := make([]error, len(targets))

	var wg sync.WaitGroup
	for i, db := range targets {
		wg.Add(1)
		go func(i int, db *domain.Database) {
			defer wg.Done()

			task := domain.NewTask(q, db, f.policy.queryTimeout)
			dropped := false
			err := f.slotWait.wait(ctx, func() bool {
				if !db.IsRunning() {
					dropped = true
					return true
				}
				return db.Enqueue(task)
			})
			switch {
			case err != nil:
				failures[i] = lberrors.NewNoAvailableReplicaError(f.slotWait.routeTimeout).WithReplica(db.Name)
			case !dropped:
				admitted[i] = task
			}
		}(i, db)
	}
	wg.Wait()

	var tasks []*domain.Task
	var result *multierror.Error
	for i := range targets {
		if admitted[i] != nil {
			tasks = append(tasks, admitted[i])
		}
		if failures[i] != nil {
			result = multierror.Append(result, failures[i])
		}
	}

	if len(tasks) == 0 {
		f.stats.IncrementExhausted()
		return nil, lberrors.NewNoAvailableReplicaError(f.policy.routeTimeout)
	}

	f.stats.IncrementAdmitted(len(tasks))
	return tasks, result.ErrorOrNil()
}

func (f *FanOutWrite) GetStats() map[string]interface{} {
	return f.stats.GetStats()
}

// PrimaryWrite admits every write on the single replica flagged primary
type PrimaryWrite struct {
	BaseAlgorithm
	primary *domain.Database
}

// NewPrimaryWrite creates a write router for the primary among databases
func NewPrimaryWrite(databases []*domain.Database, cfg domain.LoadBalancerConfig) (*PrimaryWrite, error) {
	var primary *domain.Database
	for _, db := range databases {
		if db.Primary {
			if primary != nil {
				return nil, fmt.Errorf("replicas %s and %s are both flagged primary", primary.Name, db.Name)
			}
			primary = db
		}
	}
	if primary == nil {
		return nil, fmt.Errorf("no replica is flagged primary")
	}

	return &PrimaryWrite{
		BaseAlgorithm: BaseAlgorithm{
			name:      "Primary Write",
			algorithm: domain.PrimaryWriteAlgorithm,
			databases: databases,
			policy:    newRoutePolicy(cfg),
		},
		primary: primary,
	}, nil
}

func (p *PrimaryWrite) RouteWrite(ctx context.Context, q *domain.Query) ([]*domain.Task, error) {
	p.stats.IncrementTotal()

	task := domain.NewTask(q, p.primary, p.policy.queryTimeout)
	if err := p.policy.wait(ctx, func() bool {
		return p.primary.IsRunning() && p.primary.Enqueue(task)
	}); err != nil {
		p.stats.IncrementExhausted()
		return nil, err
	}

	p.stats.IncrementAdmitted(1)
	return []*domain.Task{task}, nil
}

// Primary returns the replica receiving writes
func (p *PrimaryWrite) Primary() *domain.Database {
	return p.primary
}

func (p *PrimaryWrite) GetStats() map[string]interface{} {
	stats := p.stats.GetStats()
	stats["primary"] = p.primary.Name
	return stats
}

// NewReadAlgorithm builds the read router named by algorithm
func NewReadAlgorithm(algorithm domain.AlgorithmType, databases []*domain.Database, cfg domain.LoadBalancerConfig) (domain.ReadAlgorithm, error) {
	switch algorithm {
	case domain.RoundRobinAlgorithm:
		return NewRoundRobin(databases, cfg), nil
	case domain.WeightedRoundRobinAlgorithm:
		return NewWeightedRoundRobin(databases, cfg), nil
	default:
		return nil, lberrors.NewAlgorithmError("read", string(algorithm))
	}
}

// NewWriteAlgorithm builds the write router named by algorithm
func NewWriteAlgorithm(algorithm domain.AlgorithmType, databases []*domain.Database, cfg domain.LoadBalancerConfig) (domain.WriteAlgorithm, error) {
	switch algorithm {
	case domain.FanOutWriteAlgorithm:
		return NewFanOutWrite(databases, cfg), nil
	case domain.PrimaryWriteAlgorithm:
		pw, err := NewPrimaryWrite(databases, cfg)
		if err != nil {
			return nil, lberrors.WrapError(err, lberrors.ErrCodeInvalidAlgorithm, "factory", "cannot build primary write")
		}
		return pw, nil
	default:
		return nil, lberrors.NewAlgorithmError("write", string(algorithm))
	}
}
