package service

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks query outcomes overall and per replica
type Metrics struct {
	startedAt time.Time

	reads     int64
	writes    int64
	failures  int64
	noReplica int64
	retries   int64

	mu       sync.RWMutex
	replicas map[string]*ReplicaMetrics
}

// ReplicaMetrics holds metrics for a specific replica
type ReplicaMetrics struct {
	Routed       int64     `json:"routed"`
	Succeeded    int64     `json:"succeeded"`
	Failed       int64     `json:"failed"`
	Timeouts     int64     `json:"timeouts"`
	TotalLatency int64     `json:"total_latency_ms"`
	MinLatency   int64     `json:"min_latency_ms"`
	MaxLatency   int64     `json:"max_latency_ms"`
	LastQuery    time.Time `json:"last_query"`
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		startedAt: time.Now(),
		replicas:  make(map[string]*ReplicaMetrics),
	}
}

func (m *Metrics) replica(name string) *ReplicaMetrics {
	rm := m.replicas[name]
	if rm == nil {
		rm = &ReplicaMetrics{MinLatency: int64(^uint64(0) >> 1)}
		m.replicas[name] = rm
	}
	return rm
}

// IncrementQueries counts a query accepted by the load balancer
func (m *Metrics) IncrementQueries(write bool) {
	if write {
		atomic.AddInt64(&m.writes, 1)
	} else {
		atomic.AddInt64(&m.reads, 1)
	}
}

// IncrementFailures counts a query that ended with an error result
func (m *Metrics) IncrementFailures() {
	atomic.AddInt64(&m.failures, 1)
}

// IncrementNoReplica counts a query that found no eligible replica
func (m *Metrics) IncrementNoReplica() {
	atomic.AddInt64(&m.noReplica, 1)
}

// IncrementRetries counts a read re-routed after losing its replica
func (m *Metrics) IncrementRetries() {
	atomic.AddInt64(&m.retries, 1)
}

// IncrementRouted counts a query admitted on a replica
func (m *Metrics) IncrementRouted(replica string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm := m.replica(replica)
	rm.Routed++
	rm.LastQuery = time.Now()
}

// IncrementTimeouts counts a query that timed out on a replica
func (m *Metrics) IncrementTimeouts(replica string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replica(replica).Timeouts++
}

// RecordExecution records the outcome and latency of a query on a replica
func (m *Metrics) RecordExecution(replica string, duration time.Duration, failed bool) {
	latencyMs := duration.Milliseconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	rm := m.replica(replica)
	if failed {
		rm.Failed++
	} else {
		rm.Succeeded++
	}
	rm.TotalLatency += latencyMs
	if latencyMs < rm.MinLatency {
		rm.MinLatency = latencyMs
	}
	if latencyMs > rm.MaxLatency {
		rm.MaxLatency = latencyMs
	}
}

func replicaStats(rm *ReplicaMetrics) map[string]interface{} {
	executed := rm.Succeeded + rm.Failed

	var avgLatency float64
	var successRate float64
	minLatency := rm.MinLatency
	if executed > 0 {
		avgLatency = float64(rm.TotalLatency) / float64(executed)
		successRate = float64(rm.Succeeded) / float64(executed) * 100
	} else {
		minLatency = 0
	}

	return map[string]interface{}{
		"routed":         rm.Routed,
		"succeeded":      rm.Succeeded,
		"failed":         rm.Failed,
		"timeouts":       rm.Timeouts,
		"success_rate":   successRate,
		"avg_latency_ms": avgLatency,
		"min_latency_ms": minLatency,
		"max_latency_ms": rm.MaxLatency,
		"last_query":     rm.LastQuery,
	}
}

// GetStats returns current statistics
func (m *Metrics) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	replicas := make(map[string]interface{}, len(m.replicas))
	for name, rm := range m.replicas {
		replicas[name] = replicaStats(rm)
	}

	return map[string]interface{}{
		"reads":          atomic.LoadInt64(&m.reads),
		"writes":         atomic.LoadInt64(&m.writes),
		"failures":       atomic.LoadInt64(&m.failures),
		"no_replica":     atomic.LoadInt64(&m.noReplica),
		"retries":        atomic.LoadInt64(&m.retries),
		"uptime_seconds": time.Since(m.startedAt).Seconds(),
		"replicas":       replicas,
	}
}

// GetReplicaStats returns statistics for a specific replica
func (m *Metrics) GetReplicaStats(name string) map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rm, exists := m.replicas[name]
	if !exists {
		return replicaStats(&ReplicaMetrics{})
	}
	return replicaStats(rm)
}

// Reset resets all metrics
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	atomic.StoreInt64(&m.reads, 0)
	atomic.StoreInt64(&m.writes, 0)
	atomic.StoreInt64(&m.failures, 0)
	atomic.StoreInt64(&m.noReplica, 0)
	atomic.StoreInt64(&m.retries, 0)
	m.replicas = make(map[string]*ReplicaMetrics)
}

// GetTotalQueries returns the number of queries accepted
func (m *Metrics) GetTotalQueries() int64 {
	return atomic.LoadInt64(&m.reads) + atomic.LoadInt64(&m.writes)
}

// GetTotalFailures returns the number of failed queries
func (m *Metrics) GetTotalFailures() int64 {
	return atomic.LoadInt64(&m.failures)
}
