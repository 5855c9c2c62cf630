package repository

import (
	"fmt"
	"sync"

	"github.com/mir00r/dbbalancer/internal/domain"
)

// DatabaseRepository holds the replica set in configuration order. The set
// is fixed once the load balancer starts; routing relies on stable indexes.
type DatabaseRepository struct {
	mu        sync.RWMutex
	databases []*domain.Database
	byName    map[string]int
}

// NewDatabaseRepository creates an empty replica repository
func NewDatabaseRepository() *DatabaseRepository {
	return &DatabaseRepository{
		byName: make(map[string]int),
	}
}

// GetAll returns all replicas in configuration order
func (r *DatabaseRepository) GetAll() []*domain.Database {
	r.mu.RLock()
	defer r.mu.RUnlock()

	databases := make([]*domain.Database, len(r.databases))
	copy(databases, r.databases)
	return databases
}

// GetByName returns a replica by its name
func (r *DatabaseRepository) GetByName(name string) (*domain.Database, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, exists := r.byName[name]
	if !exists {
		return nil, fmt.Errorf("replica '%s' not found", name)
	}
	return r.databases[idx], nil
}

// Save appends a replica, or replaces the one with the same name in place
func (r *DatabaseRepository) Save(db *domain.Database) error {
	if db == nil {
		return fmt.Errorf("replica cannot be nil")
	}
	if db.Name == "" {
		return fmt.Errorf("replica name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if idx, exists := r.byName[db.Name]; exists {
		r.databases[idx] = db
		return nil
	}
	r.byName[db.Name] = len(r.databases)
	r.databases = append(r.databases, db)
	return nil
}

// SaveAll saves multiple replicas in order, rejecting the batch if any is invalid
func (r *DatabaseRepository) SaveAll(databases []*domain.Database) error {
	if databases == nil {
		return fmt.Errorf("replicas slice cannot be nil")
	}

	seen := make(map[string]bool, len(databases))
	for i, db := range databases {
		if db == nil {
			return fmt.Errorf("replica at index %d cannot be nil", i)
		}
		if db.Name == "" {
			return fmt.Errorf("replica at index %d has empty name", i)
		}
		if seen[db.Name] {
			return fmt.Errorf("replica at index %d has duplicate name '%s'", i, db.Name)
		}
		seen[db.Name] = true
	}

	for _, db := range databases {
		if err := r.Save(db); err != nil {
			return err
		}
	}
	return nil
}

// GetRunning returns RUNNING replicas in configuration order
func (r *DatabaseRepository) GetRunning() []*domain.Database {
	return (&domain.RunningFilter{}).Filter(r.GetAll())
}

// GetPrimary returns the replica flagged primary
func (r *DatabaseRepository) GetPrimary() (*domain.Database, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, db := range r.databases {
		if db.Primary {
			return db, nil
		}
	}
	return nil, fmt.Errorf("no primary replica configured")
}

// Count returns the total number of replicas
func (r *DatabaseRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.databases)
}

// CountByStatus returns the number of replicas with the specified status
func (r *DatabaseRepository) CountByStatus(status domain.Status) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, db := range r.databases {
		if db.GetStatus() == status {
			count++
		}
	}
	return count
}

// Exists checks if a replica with the given name exists
func (r *DatabaseRepository) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.byName[name]
	return exists
}

// GetStats returns repository statistics
func (r *DatabaseRepository) GetStats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	running, down, busy := 0, 0, 0
	for _, db := range r.databases {
		switch db.GetStatus() {
		case domain.StatusRunning:
			running++
		case domain.StatusDown:
			down++
		}
		if !db.IsIdle() {
			busy++
		}
	}

	return map[string]interface{}{
		"total_replicas":   len(r.databases),
		"running_replicas": running,
		"down_replicas":    down,
		"busy_replicas":    busy,
	}
}
