package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/dbbalancer/internal/domain"
	lberrors "github.com/mir00r/dbbalancer/internal/errors"
)

const sampleYAML = `
server:
  host: 0.0.0.0
  port: 7000
  authkey: s3cret
  max_connections: 10
load_balancer:
  read_algorithm: weighted_round_robin
  write_algorithm: primary
  route_timeout: 2s
  query_timeout: 10s
  max_retries: 1
health_check:
  wait_time: 500ms
  timeout: 200ms
replicas:
  - name: a
    driver: postgres
    dsn: postgres://app@db-a/app?sslmode=disable
    weight: 3
    primary: true
  - name: b
    driver: mysql
    dsn: app@tcp(db-b:3306)/app
logging:
  level: debug
  format: text
  output: stderr
`

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Server.Authkey = "key"
	cfg.Replicas = []ReplicaConfig{
		{Name: "a", Driver: DriverPostgres, DSN: "postgres://a", Weight: 1},
		{Name: "b", Driver: DriverMySQL, DSN: "b@tcp(b)/app", Weight: 1},
	}
	return cfg
}

func TestParseAppliesFileOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:7000", cfg.Server.Address())
	assert.Equal(t, 10, cfg.Server.MaxConnections)
	assert.Equal(t, 5*time.Minute, cfg.Server.IdleTimeout, "unset keys keep defaults")
	assert.Equal(t, 500*time.Millisecond, cfg.HealthCheck.WaitTime)
	require.Len(t, cfg.Replicas, 2)
	assert.Equal(t, 3, cfg.Replicas[0].Weight)
	assert.Equal(t, 1, cfg.Replicas[1].Weight, "missing weight defaults to 1")

	lb := cfg.ToLoadBalancerConfig()
	assert.Equal(t, domain.WeightedRoundRobinAlgorithm, lb.ReadAlgorithm)
	assert.Equal(t, domain.PrimaryWriteAlgorithm, lb.WriteAlgorithm)
	assert.Equal(t, 2*time.Second, lb.RouteTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(c *Config) {}, true},
		{"missing authkey", func(c *Config) { c.Server.Authkey = "" }, false},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, false},
		{"zero wait time", func(c *Config) { c.HealthCheck.WaitTime = 0 }, false},
		{"unknown read algorithm", func(c *Config) { c.LoadBalancer.ReadAlgorithm = "random" }, false},
		{"write algorithm used for reads", func(c *Config) { c.LoadBalancer.ReadAlgorithm = "fan_out" }, false},
		{"no replicas", func(c *Config) { c.Replicas = nil }, false},
		{"duplicate replica", func(c *Config) { c.Replicas[1].Name = "a" }, false},
		{"unknown driver", func(c *Config) { c.Replicas[0].Driver = "sqlite" }, false},
		{"primary write without primary", func(c *Config) { c.LoadBalancer.WriteAlgorithm = "primary" }, false},
		{"primary write with primary", func(c *Config) {
			c.LoadBalancer.WriteAlgorithm = "primary"
			c.Replicas[0].Primary = true
		}, true},
		{"rate limit without burst", func(c *Config) {
			c.Server.RateLimit.Enabled = true
			c.Server.RateLimit.BurstSize = 0
		}, false},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, lberrors.ErrCodeConfigLoad, lberrors.GetErrorCode(err))
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dbbalancer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Server.Authkey)

	_, err = LoadFromFile(filepath.Join(dir, "missing.yaml"))
	assert.Equal(t, lberrors.ErrCodeConfigLoad, lberrors.GetErrorCode(err))

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("server: [oops"), 0600))
	_, err = LoadFromFile(broken)
	assert.Error(t, err)
}

func TestSaveToFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := validConfig()
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Replicas, loaded.Replicas)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dbbalancer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0600))

	t.Setenv("DBLB_PORT", "7100")
	t.Setenv("DBLB_AUTHKEY", "from-env")
	t.Setenv("DBLB_READ_ALGORITHM", "round_robin")
	t.Setenv("DBLB_HEALTH_CHECK_WAIT_TIME", "1s")
	t.Setenv("DBLB_LOG_LEVEL", "warn")

	cfg, err := LoadConfigFrom(path)
	require.NoError(t, err)

	assert.Equal(t, 7100, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Server.Authkey)
	assert.Equal(t, "round_robin", cfg.LoadBalancer.ReadAlgorithm)
	assert.Equal(t, time.Second, cfg.HealthCheck.WaitTime)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "primary", cfg.LoadBalancer.WriteAlgorithm, "file values survive")
}

func TestLoadConfigFromEnvironmentOnly(t *testing.T) {
	t.Setenv("DBLB_AUTHKEY", "k")
	t.Setenv("DBLB_REPLICAS", "a|postgres|host=db-a user=app|2|primary, b|mysql|app@tcp(db-b)/app")

	cfg, err := LoadConfigFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	require.Len(t, cfg.Replicas, 2)
	assert.Equal(t, ReplicaConfig{Name: "a", Driver: "postgres", DSN: "host=db-a user=app", Weight: 2, Primary: true}, cfg.Replicas[0])
	assert.Equal(t, "b", cfg.Replicas[1].Name)
	assert.False(t, cfg.Replicas[1].Primary)
}

func TestConfigBuilder(t *testing.T) {
	cfg, err := NewConfigBuilder().
		WithServer("127.0.0.1", 6001, "key").
		WithAlgorithms(domain.RoundRobinAlgorithm, domain.FanOutWriteAlgorithm).
		WithTimeouts(time.Second, 2*time.Second, 3).
		WithHealthCheck(100*time.Millisecond, 50*time.Millisecond).
		WithReplica("a", DriverPostgres, "postgres://a", 0, false).
		Build()
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Replicas[0].Weight)
	assert.Equal(t, 3, cfg.LoadBalancer.MaxRetries)

	_, err = NewConfigBuilder().
		WithServer("127.0.0.1", 0, "").
		WithAlgorithms("random", "broadcast").
		Build()
	require.Error(t, err)
	assert.Equal(t, lberrors.ErrCodeConfigLoad, lberrors.GetErrorCode(err))
	assert.Contains(t, err.Error(), "3 errors")
}
