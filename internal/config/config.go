package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mir00r/dbbalancer/internal/domain"
	lberrors "github.com/mir00r/dbbalancer/internal/errors"
	"gopkg.in/yaml.v2"
)

// Config represents the main configuration structure
type Config struct {
	Server       ServerConfig             `yaml:"server"`
	LoadBalancer LoadBalancerConfig       `yaml:"load_balancer"`
	HealthCheck  domain.HealthCheckConfig `yaml:"health_check"`
	Replicas     []ReplicaConfig          `yaml:"replicas"`
	Logging      LoggingConfig            `yaml:"logging"`
	Admin        AdminConfig              `yaml:"admin"`
}

// ServerConfig contains IPC server specific configuration
type ServerConfig struct {
	Host           string          `yaml:"host"`
	Port           int             `yaml:"port"`
	Authkey        string          `yaml:"authkey"`
	MaxConnections int             `yaml:"max_connections"`
	IdleTimeout    time.Duration   `yaml:"idle_timeout"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

// Address returns the host:port the IPC server listens on
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RateLimitConfig bounds the request rate of a single IPC connection
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// LoadBalancerConfig contains routing configuration
type LoadBalancerConfig struct {
	ReadAlgorithm  string        `yaml:"read_algorithm"`
	WriteAlgorithm string        `yaml:"write_algorithm"`
	RouteTimeout   time.Duration `yaml:"route_timeout"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	Backoff        BackoffConfig `yaml:"backoff"`
}

// BackoffConfig controls how routers poll for an idle replica
type BackoffConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// ReplicaConfig describes one replica connection
type ReplicaConfig struct {
	Name         string `yaml:"name"`
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	Weight       int    `yaml:"weight"`
	Primary      bool   `yaml:"primary"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// AdminConfig contains admin API configuration
type AdminConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Supported replica drivers
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// DefaultConfig returns a configuration with sensible defaults. It has no
// replicas and no authkey, so it does not validate on its own.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           6000,
			MaxConnections: 256,
			IdleTimeout:    5 * time.Minute,
			RateLimit: RateLimitConfig{
				Enabled:           false,
				RequestsPerSecond: 100,
				BurstSize:         200,
			},
		},
		LoadBalancer: LoadBalancerConfig{
			ReadAlgorithm:  string(domain.RoundRobinAlgorithm),
			WriteAlgorithm: string(domain.FanOutWriteAlgorithm),
			RouteTimeout:   5 * time.Second,
			QueryTimeout:   30 * time.Second,
			MaxRetries:     2,
			Backoff: BackoffConfig{
				InitialInterval: 5 * time.Millisecond,
				MaxInterval:     250 * time.Millisecond,
			},
		},
		HealthCheck: domain.HealthCheckConfig{
			WaitTime: 5 * time.Second,
			Timeout:  2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Admin: AdminConfig{
			Enabled: false,
			Address: "127.0.0.1:6080",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, lberrors.WrapError(err, lberrors.ErrCodeConfigLoad, "config",
			fmt.Sprintf("failed to read config file %s", filename))
	}

	config, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Parse decodes YAML on top of DefaultConfig without validating
func Parse(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, lberrors.WrapError(err, lberrors.ErrCodeConfigLoad, "config", "failed to parse config")
	}
	for i := range config.Replicas {
		if config.Replicas[i].Weight == 0 {
			config.Replicas[i].Weight = 1
		}
	}
	return config, nil
}

// Validate validates the configuration for correctness
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return lberrors.WrapError(err, lberrors.ErrCodeConfigLoad, "config", "invalid configuration")
	}
	return nil
}

func (c *Config) validate() error {
	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Server.Authkey == "" {
		return fmt.Errorf("server.authkey cannot be empty")
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections cannot be negative: %d", c.Server.MaxConnections)
	}
	if c.Server.IdleTimeout < 0 {
		return fmt.Errorf("server.idle_timeout cannot be negative: %v", c.Server.IdleTimeout)
	}
	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limit.requests_per_second must be positive")
		}
		if c.Server.RateLimit.BurstSize <= 0 {
			return fmt.Errorf("rate_limit.burst_size must be positive")
		}
	}

	// Load balancer
	lb := c.LoadBalancer
	if !knownAlgorithm(lb.ReadAlgorithm, domain.ReadAlgorithms()) {
		return fmt.Errorf("unsupported read algorithm: %s", lb.ReadAlgorithm)
	}
	if !knownAlgorithm(lb.WriteAlgorithm, domain.WriteAlgorithms()) {
		return fmt.Errorf("unsupported write algorithm: %s", lb.WriteAlgorithm)
	}
	if lb.RouteTimeout <= 0 {
		return fmt.Errorf("route_timeout must be positive: %v", lb.RouteTimeout)
	}
	if lb.QueryTimeout <= 0 {
		return fmt.Errorf("query_timeout must be positive: %v", lb.QueryTimeout)
	}
	if lb.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative: %d", lb.MaxRetries)
	}
	if lb.Backoff.InitialInterval <= 0 || lb.Backoff.MaxInterval < lb.Backoff.InitialInterval {
		return fmt.Errorf("backoff intervals must be positive and max_interval >= initial_interval")
	}

	// Health check
	if c.HealthCheck.WaitTime <= 0 {
		return fmt.Errorf("health_check.wait_time must be positive")
	}
	if c.HealthCheck.Timeout <= 0 {
		return fmt.Errorf("health_check.timeout must be positive")
	}

	// Replicas
	if len(c.Replicas) == 0 {
		return fmt.Errorf("at least one replica must be configured")
	}

	names := make(map[string]bool)
	primaries := 0
	for i, replica := range c.Replicas {
		if replica.Name == "" {
			return fmt.Errorf("replica[%d]: name cannot be empty", i)
		}
		if names[replica.Name] {
			return fmt.Errorf("replica[%d]: duplicate name '%s'", i, replica.Name)
		}
		names[replica.Name] = true

		switch replica.Driver {
		case DriverPostgres, DriverMySQL:
		default:
			return fmt.Errorf("replica[%d]: unsupported driver '%s'", i, replica.Driver)
		}
		if replica.DSN == "" {
			return fmt.Errorf("replica[%d]: dsn cannot be empty", i)
		}
		if replica.Weight <= 0 {
			return fmt.Errorf("replica[%d]: weight must be positive", i)
		}
		if replica.MaxOpenConns < 0 {
			return fmt.Errorf("replica[%d]: max_open_conns cannot be negative", i)
		}
		if replica.Primary {
			primaries++
		}
	}
	if lb.WriteAlgorithm == string(domain.PrimaryWriteAlgorithm) && primaries != 1 {
		return fmt.Errorf("write algorithm 'primary' needs exactly one primary replica, found %d", primaries)
	}

	// Logging
	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid log output: %s", c.Logging.Output)
	}

	// Admin
	if c.Admin.Enabled && c.Admin.Address == "" {
		return fmt.Errorf("admin.address cannot be empty when admin is enabled")
	}

	return nil
}

func knownAlgorithm(name string, known []domain.AlgorithmType) bool {
	for _, k := range known {
		if string(k) == name {
			return true
		}
	}
	return false
}

// ToLoadBalancerConfig converts to domain LoadBalancerConfig
func (c *Config) ToLoadBalancerConfig() domain.LoadBalancerConfig {
	return domain.LoadBalancerConfig{
		ReadAlgorithm:  domain.AlgorithmType(c.LoadBalancer.ReadAlgorithm),
		WriteAlgorithm: domain.AlgorithmType(c.LoadBalancer.WriteAlgorithm),
		RouteTimeout:   c.LoadBalancer.RouteTimeout,
		QueryTimeout:   c.LoadBalancer.QueryTimeout,
		MaxRetries:     c.LoadBalancer.MaxRetries,
		Backoff: domain.BackoffConfig{
			InitialInterval: c.LoadBalancer.Backoff.InitialInterval,
			MaxInterval:     c.LoadBalancer.Backoff.MaxInterval,
		},
	}
}

// SaveToFile saves the configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filename, err)
	}

	return nil
}
