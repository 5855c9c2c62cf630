package domain

import (
	"context"
)

// AlgorithmType names a routing algorithm in configuration
type AlgorithmType string

const (
	// RoundRobinAlgorithm rotates reads over RUNNING idle replicas
	RoundRobinAlgorithm AlgorithmType = "round_robin"
	// WeightedRoundRobinAlgorithm rotates reads proportionally to replica weight
	WeightedRoundRobinAlgorithm AlgorithmType = "weighted_round_robin"
	// FanOutWriteAlgorithm sends every write to every RUNNING replica
	FanOutWriteAlgorithm AlgorithmType = "fan_out"
	// PrimaryWriteAlgorithm sends every write to the replica flagged primary
	PrimaryWriteAlgorithm AlgorithmType = "primary"
)

// ReadAlgorithms lists the algorithms usable for RouteRead
func ReadAlgorithms() []AlgorithmType {
	return []AlgorithmType{RoundRobinAlgorithm, WeightedRoundRobinAlgorithm}
}

// WriteAlgorithms lists the algorithms usable for RouteWrite
func WriteAlgorithms() []AlgorithmType {
	return []AlgorithmType{FanOutWriteAlgorithm, PrimaryWriteAlgorithm}
}

// ReadAlgorithm admits a read query on exactly one replica
type ReadAlgorithm interface {
	// RouteRead enqueues q on a RUNNING idle replica and returns the admitted
	// task. It fails with ErrCodeNoAvailableReplica once its wait is exhausted.
	RouteRead(ctx context.Context, q *Query) (*Task, error)
	Name() string
	Type() AlgorithmType
	// Reset returns the algorithm to its initial rotation state
	Reset()
	GetStats() map[string]interface{}
}

// WriteAlgorithm admits a write query on every replica that must apply it
type WriteAlgorithm interface {
	// RouteWrite returns the admitted tasks. A non-nil error alongside tasks
	// lists the replicas the write could not be admitted on.
	RouteWrite(ctx context.Context, q *Query) ([]*Task, error)
	Name() string
	Type() AlgorithmType
	GetStats() map[string]interface{}
}

// StatusReporter receives out-of-band evidence that a replica is unreachable.
// The health probe implements it and remains the only writer of Status.
type StatusReporter interface {
	MarkDown(db *Database, cause error)
}

// EligibleFilter keeps replicas that are RUNNING and idle
type EligibleFilter struct{}

func (f *EligibleFilter) Filter(databases []*Database) []*Database {
	var eligible []*Database
	for _, db := range databases {
		if db.IsRunning() && db.IsIdle() {
			eligible = append(eligible, db)
		}
	}
	return eligible
}

func (f *EligibleFilter) Name() string {
	return "running_idle"
}

// RunningFilter keeps replicas that are RUNNING regardless of occupancy
type RunningFilter struct{}

func (f *RunningFilter) Filter(databases []*Database) []*Database {
	var running []*Database
	for _, db := range databases {
		if db.IsRunning() {
			running = append(running, db)
		}
	}
	return running
}

func (f *RunningFilter) Name() string {
	return "running"
}
