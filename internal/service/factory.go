package service

import (
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"

	"github.com/mir00r/dbbalancer/internal/config"
	"github.com/mir00r/dbbalancer/internal/domain"
	lberrors "github.com/mir00r/dbbalancer/internal/errors"
	"github.com/mir00r/dbbalancer/internal/repository"
	"github.com/mir00r/dbbalancer/pkg/logger"
)

// ConnectorOpener turns a replica configuration into a live connection handle
type ConnectorOpener interface {
	Open(rc config.ReplicaConfig) (domain.Connector, error)
}

// Factory is the single place where a LoadBalancer is wired together
type Factory struct {
	opener ConnectorOpener
	logger *logger.Logger
}

// NewFactory creates a factory that opens replicas through opener
func NewFactory(opener ConnectorOpener, log *logger.Logger) *Factory {
	return &Factory{opener: opener, logger: log}
}

// Create validates cfg, opens every replica, builds the routers, runs one
// probe cycle so unreachable replicas start DOWN, then starts the workers and
// the probe loop.
func (f *Factory) Create(ctx context.Context, cfg *config.Config) (*LoadBalancer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	databases, err := f.openReplicas(cfg.Replicas)
	if err != nil {
		return nil, err
	}

	lb, err := f.assemble(cfg, databases)
	if err != nil {
		closeAll(databases)
		return nil, err
	}

	lb.probe.RunCycle(ctx)
	for _, db := range databases {
		f.logger.ReplicaLogger(db.Name).WithField("status", db.GetStatus().String()).Info("Initial probe")
	}

	if err := lb.Start(ctx); err != nil {
		closeAll(databases)
		return nil, lberrors.WrapError(err, lberrors.ErrCodeInternalError, "factory", "failed to start load balancer")
	}
	return lb, nil
}

func (f *Factory) openReplicas(replicas []config.ReplicaConfig) ([]*domain.Database, error) {
	databases := make([]*domain.Database, 0, len(replicas))
	for _, rc := range replicas {
		conn, err := f.opener.Open(rc)
		if err != nil {
			closeAll(databases)
			return nil, err
		}

		db := domain.NewDatabase(rc.Name, conn)
		db.Weight = rc.Weight
		db.Primary = rc.Primary
		databases = append(databases, db)
	}
	return databases, nil
}

func (f *Factory) assemble(cfg *config.Config, databases []*domain.Database) (*LoadBalancer, error) {
	repo := repository.NewDatabaseRepository()
	if err := repo.SaveAll(databases); err != nil {
		return nil, lberrors.WrapError(err, lberrors.ErrCodeConfigLoad, "factory", "invalid replica set")
	}

	lbConfig := cfg.ToLoadBalancerConfig()
	ordered := repo.GetAll()

	reader, err := NewReadAlgorithm(lbConfig.ReadAlgorithm, ordered, lbConfig)
	if err != nil {
		return nil, err
	}
	writer, err := NewWriteAlgorithm(lbConfig.WriteAlgorithm, ordered, lbConfig)
	if err != nil {
		return nil, err
	}

	probe, err := NewHealthProbe(cfg.HealthCheck, ordered, f.logger)
	if err != nil {
		return nil, lberrors.WrapError(err, lberrors.ErrCodeConfigLoad, "factory", "invalid health check")
	}

	metrics := NewMetrics()
	workers := NewWorkerPool(ordered, probe, metrics, f.logger)

	lb := NewLoadBalancer(lbConfig, repo, reader, writer, probe, workers, metrics, f.logger)
	lb.closer = &replicaCloser{databases: ordered}
	if c, ok := f.opener.(io.Closer); ok {
		lb.closer = c
	}
	return lb, nil
}

// replicaCloser closes connectors not owned by a closable opener
type replicaCloser struct {
	databases []*domain.Database
}

func (c *replicaCloser) Close() error {
	return closeAll(c.databases)
}

func closeAll(databases []*domain.Database) error {
	var result *multierror.Error
	for _, db := range databases {
		if err := db.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("replica %s: %w", db.Name, err))
		}
	}
	return result.ErrorOrNil()
}
