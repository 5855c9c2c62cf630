package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mir00r/dbbalancer/internal/domain"
	"github.com/mir00r/dbbalancer/pkg/logger"
)

// HealthProbe periodically probes every replica and is the only writer of
// replica status. Other components report evidence through MarkDown.
type HealthProbe struct {
	config    domain.HealthCheckConfig
	databases []*domain.Database
	logger    *logger.Logger
	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.RWMutex

	cycles    atomic.Int64
	markDowns atomic.Int64
}

// NewHealthProbe creates a probe over databases. wait_time must be positive.
func NewHealthProbe(config domain.HealthCheckConfig, databases []*domain.Database, log *logger.Logger) (*HealthProbe, error) {
	if config.WaitTime <= 0 {
		return nil, fmt.Errorf("health probe wait time must be positive, got %v", config.WaitTime)
	}
	if config.Timeout <= 0 {
		config.Timeout = config.WaitTime
	}

	return &HealthProbe{
		config:    config,
		databases: databases,
		logger:    log.ProbeLogger(),
		stopChan:  make(chan struct{}),
	}, nil
}

// Start runs the probe loop until Stop or ctx cancellation
func (hp *HealthProbe) Start(ctx context.Context) error {
	hp.mu.Lock()
	defer hp.mu.Unlock()

	if hp.isRunning {
		return fmt.Errorf("health probe is already running")
	}

	hp.isRunning = true
	hp.logger.Infof("Starting health probe with wait time %v", hp.config.WaitTime)

	hp.wg.Add(1)
	go hp.loop(ctx)
	return nil
}

// Stop stops the probe loop and waits for the current cycle to finish
func (hp *HealthProbe) Stop() {
	hp.mu.Lock()
	defer hp.mu.Unlock()

	if !hp.isRunning {
		return
	}

	close(hp.stopChan)
	hp.wg.Wait()
	hp.isRunning = false
	hp.stopChan = make(chan struct{})
	hp.logger.Info("Health probe stopped")
}

func (hp *HealthProbe) loop(ctx context.Context) {
	defer hp.wg.Done()

	// sleep then probe, so a slow cycle delays the next one
	timer := time.NewTimer(hp.config.WaitTime)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-hp.stopChan:
			return
		case <-timer.C:
			hp.RunCycle(ctx)
			timer.Reset(hp.config.WaitTime)
		}
	}
}

// RunCycle probes every replica once, in order. A failing probe never stops
// the cycle.
func (hp *HealthProbe) RunCycle(ctx context.Context) {
	for _, db := range hp.databases {
		if ctx.Err() != nil {
			return
		}
		hp.probe(ctx, db)
	}
	hp.cycles.Add(1)
}

func (hp *HealthProbe) probe(ctx context.Context, db *domain.Database) {
	log := hp.logger.ReplicaLogger(db.Name)

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Probe panicked, status left unchanged")
		}
	}()

	probeCtx, cancel := context.WithTimeout(ctx, hp.config.Timeout)
	defer cancel()

	start := time.Now()
	err := db.Probe(probeCtx)
	duration := time.Since(start)

	switch {
	case err == nil:
		if db.GetStatus() != domain.StatusRunning {
			db.SetStatus(domain.StatusRunning)
			log.WithField("duration_ms", duration.Milliseconds()).Info("Replica recovered and marked RUNNING")
		}
	case db.IsOperationalError(err) || (errors.Is(err, context.DeadlineExceeded) && probeCtx.Err() != nil):
		if db.GetStatus() != domain.StatusDown {
			db.SetStatus(domain.StatusDown)
			log.WithError(err).WithField("failures", db.ProbeFailures()).Warn("Replica unreachable, marked DOWN")
		} else {
			log.WithError(err).Debug("Replica still unreachable")
		}
	default:
		log.WithError(err).Error("Probe failed with unexpected error, status left unchanged")
	}
}

// MarkDown records out-of-band evidence that db is unreachable. The next
// successful probe brings it back.
func (hp *HealthProbe) MarkDown(db *domain.Database, cause error) {
	hp.markDowns.Add(1)
	if db.GetStatus() == domain.StatusDown {
		return
	}
	db.SetStatus(domain.StatusDown)
	hp.logger.ReplicaLogger(db.Name).WithError(cause).Warn("Replica marked DOWN")
}

// GetStats returns health probe statistics
func (hp *HealthProbe) GetStats() map[string]interface{} {
	hp.mu.RLock()
	defer hp.mu.RUnlock()

	return map[string]interface{}{
		"running":    hp.isRunning,
		"wait_time":  hp.config.WaitTime.String(),
		"timeout":    hp.config.Timeout.String(),
		"cycles":     hp.cycles.Load(),
		"mark_downs": hp.markDowns.Load(),
	}
}

// IsRunning returns true if the probe loop is active
func (hp *HealthProbe) IsRunning() bool {
	hp.mu.RLock()
	defer hp.mu.RUnlock()
	return hp.isRunning
}

// Cycles returns the number of completed probe cycles
func (hp *HealthProbe) Cycles() int64 {
	return hp.cycles.Load()
}
