package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/mir00r/dbbalancer/internal/domain"
	lberrors "github.com/mir00r/dbbalancer/internal/errors"
)

// ConfigBuilder provides a fluent interface for building configurations
type ConfigBuilder struct {
	config *Config
	errs   *multierror.Error
}

// NewConfigBuilder creates a new configuration builder starting from DefaultConfig
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{config: DefaultConfig()}
}

// WithServer configures the IPC listener
func (b *ConfigBuilder) WithServer(host string, port int, authkey string) *ConfigBuilder {
	if port <= 0 || port > 65535 {
		b.errs = multierror.Append(b.errs, fmt.Errorf("invalid port number: %d", port))
		return b
	}
	if authkey == "" {
		b.errs = multierror.Append(b.errs, fmt.Errorf("authkey cannot be empty"))
		return b
	}

	b.config.Server.Host = host
	b.config.Server.Port = port
	b.config.Server.Authkey = authkey
	return b
}

// WithAlgorithms selects the read and write routing algorithms
func (b *ConfigBuilder) WithAlgorithms(read, write domain.AlgorithmType) *ConfigBuilder {
	if !knownAlgorithm(string(read), domain.ReadAlgorithms()) {
		b.errs = multierror.Append(b.errs, lberrors.NewAlgorithmError("read", string(read)))
	}
	if !knownAlgorithm(string(write), domain.WriteAlgorithms()) {
		b.errs = multierror.Append(b.errs, lberrors.NewAlgorithmError("write", string(write)))
	}

	b.config.LoadBalancer.ReadAlgorithm = string(read)
	b.config.LoadBalancer.WriteAlgorithm = string(write)
	return b
}

// WithTimeouts configures routing wait, query timeout and read retries
func (b *ConfigBuilder) WithTimeouts(routeTimeout, queryTimeout time.Duration, maxRetries int) *ConfigBuilder {
	if routeTimeout <= 0 || queryTimeout <= 0 {
		b.errs = multierror.Append(b.errs, fmt.Errorf("timeouts must be positive"))
		return b
	}
	if maxRetries < 0 {
		b.errs = multierror.Append(b.errs, fmt.Errorf("max retries cannot be negative: %d", maxRetries))
		return b
	}

	b.config.LoadBalancer.RouteTimeout = routeTimeout
	b.config.LoadBalancer.QueryTimeout = queryTimeout
	b.config.LoadBalancer.MaxRetries = maxRetries
	return b
}

// WithBackoff configures how routers poll for an idle replica
func (b *ConfigBuilder) WithBackoff(initial, max time.Duration) *ConfigBuilder {
	if initial <= 0 || max < initial {
		b.errs = multierror.Append(b.errs, fmt.Errorf("invalid backoff %v..%v", initial, max))
		return b
	}

	b.config.LoadBalancer.Backoff = BackoffConfig{InitialInterval: initial, MaxInterval: max}
	return b
}

// WithHealthCheck configures the probe cadence
func (b *ConfigBuilder) WithHealthCheck(waitTime, timeout time.Duration) *ConfigBuilder {
	if waitTime <= 0 {
		b.errs = multierror.Append(b.errs, fmt.Errorf("health check wait time must be positive"))
		return b
	}
	if timeout <= 0 {
		b.errs = multierror.Append(b.errs, fmt.Errorf("health check timeout must be positive"))
		return b
	}

	b.config.HealthCheck = domain.HealthCheckConfig{WaitTime: waitTime, Timeout: timeout}
	return b
}

// WithReplica appends a replica
func (b *ConfigBuilder) WithReplica(name, driver, dsn string, weight int, primary bool) *ConfigBuilder {
	if name == "" || dsn == "" {
		b.errs = multierror.Append(b.errs, fmt.Errorf("replica name and dsn cannot be empty"))
		return b
	}
	if weight <= 0 {
		weight = 1
	}

	b.config.Replicas = append(b.config.Replicas, ReplicaConfig{
		Name:    name,
		Driver:  driver,
		DSN:     dsn,
		Weight:  weight,
		Primary: primary,
	})
	return b
}

// Build validates and returns the final configuration
func (b *ConfigBuilder) Build() (*Config, error) {
	if err := b.errs.ErrorOrNil(); err != nil {
		return nil, lberrors.WrapError(
			err,
			lberrors.ErrCodeConfigLoad,
			"config_builder",
			fmt.Sprintf("configuration validation failed with %d errors", len(b.errs.Errors)),
		)
	}

	if err := b.config.Validate(); err != nil {
		return nil, err
	}

	return b.config, nil
}

// GetConfig returns the configuration built so far without validating it
func (b *ConfigBuilder) GetConfig() *Config {
	return b.config
}
