package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	lberrors "github.com/mir00r/dbbalancer/internal/errors"
)

// ApplyEnvironment overrides c with DBLB_* environment variables. Unset or
// unparsable variables leave the current value in place.
func ApplyEnvironment(c *Config) {
	// Server
	if host := getEnv("DBLB_HOST", ""); host != "" {
		c.Server.Host = host
	}
	if port := getEnvInt("DBLB_PORT", 0); port > 0 && port <= 65535 {
		c.Server.Port = port
	}
	if authkey := getEnv("DBLB_AUTHKEY", ""); authkey != "" {
		c.Server.Authkey = authkey
	}
	if maxConns := getEnvInt("DBLB_MAX_CONNECTIONS", -1); maxConns >= 0 {
		c.Server.MaxConnections = maxConns
	}
	c.Server.IdleTimeout = getEnvDuration("DBLB_IDLE_TIMEOUT", c.Server.IdleTimeout)

	if enabled := getEnv("DBLB_RATE_LIMIT_ENABLED", ""); enabled != "" {
		c.Server.RateLimit.Enabled = strings.ToLower(enabled) == "true"
	}
	if rps := getEnv("DBLB_RATE_LIMIT_RPS", ""); rps != "" {
		if r, err := strconv.ParseFloat(rps, 64); err == nil && r > 0 {
			c.Server.RateLimit.RequestsPerSecond = r
		}
	}
	if burst := getEnvInt("DBLB_RATE_LIMIT_BURST", 0); burst > 0 {
		c.Server.RateLimit.BurstSize = burst
	}

	// Load balancer
	if read := getEnv("DBLB_READ_ALGORITHM", ""); read != "" {
		c.LoadBalancer.ReadAlgorithm = read
	}
	if write := getEnv("DBLB_WRITE_ALGORITHM", ""); write != "" {
		c.LoadBalancer.WriteAlgorithm = write
	}
	c.LoadBalancer.RouteTimeout = getEnvDuration("DBLB_ROUTE_TIMEOUT", c.LoadBalancer.RouteTimeout)
	c.LoadBalancer.QueryTimeout = getEnvDuration("DBLB_QUERY_TIMEOUT", c.LoadBalancer.QueryTimeout)
	if retries := getEnvInt("DBLB_MAX_RETRIES", -1); retries >= 0 {
		c.LoadBalancer.MaxRetries = retries
	}

	// Health check
	c.HealthCheck.WaitTime = getEnvDuration("DBLB_HEALTH_CHECK_WAIT_TIME", c.HealthCheck.WaitTime)
	c.HealthCheck.Timeout = getEnvDuration("DBLB_HEALTH_CHECK_TIMEOUT", c.HealthCheck.Timeout)

	// Replicas replace the file list completely if specified
	if replicas := getEnv("DBLB_REPLICAS", ""); replicas != "" {
		c.Replicas = parseReplicasFromEnv(replicas)
	}

	// Logging
	if level := getEnv("DBLB_LOG_LEVEL", ""); level != "" {
		c.Logging.Level = level
	}
	if format := getEnv("DBLB_LOG_FORMAT", ""); format != "" {
		c.Logging.Format = format
	}
	if output := getEnv("DBLB_LOG_OUTPUT", ""); output != "" {
		c.Logging.Output = output
	}
	if file := getEnv("DBLB_LOG_FILE", ""); file != "" {
		c.Logging.File = file
	}

	// Admin
	if enabled := getEnv("DBLB_ADMIN_ENABLED", ""); enabled != "" {
		c.Admin.Enabled = strings.ToLower(enabled) == "true"
	}
	if addr := getEnv("DBLB_ADMIN_ADDRESS", ""); addr != "" {
		c.Admin.Address = addr
	}
	if secret := getEnv("DBLB_ADMIN_JWT_SECRET", ""); secret != "" {
		c.Admin.JWTSecret = secret
	}
}

// getEnv gets environment variable with fallback to default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets environment variable as integer with fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration gets environment variable as duration with fallback
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// parseReplicasFromEnv parses replicas from an environment variable.
// Format: "name|driver|dsn[|weight[|primary]]" entries separated by commas.
// Example: "a|postgres|postgres://u:p@db-a/app?sslmode=disable|2|primary,b|mysql|u:p@tcp(db-b)/app"
func parseReplicasFromEnv(value string) []ReplicaConfig {
	var replicas []ReplicaConfig

	for _, entry := range strings.Split(value, ",") {
		parts := strings.Split(strings.TrimSpace(entry), "|")
		if len(parts) < 3 {
			continue
		}

		weight := 1
		if len(parts) >= 4 {
			if w, err := strconv.Atoi(parts[3]); err == nil && w > 0 {
				weight = w
			}
		}

		replicas = append(replicas, ReplicaConfig{
			Name:         parts[0],
			Driver:       parts[1],
			DSN:          parts[2],
			Weight:       weight,
			Primary:      len(parts) >= 5 && parts[4] == "primary",
			MaxOpenConns: getEnvInt("DBLB_REPLICA_MAX_OPEN_CONNS", 0),
		})
	}

	return replicas
}

// LoadConfig loads configuration with priority: env vars > config file > defaults.
// The file is named by CONFIG_FILE and defaults to dbbalancer.yaml.
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(getEnv("CONFIG_FILE", "dbbalancer.yaml"))
}

// LoadConfigFrom is LoadConfig with an explicit file. A missing file falls
// back to defaults; a present but broken file is an error.
func LoadConfigFrom(configFile string) (*Config, error) {
	config := DefaultConfig()

	if configFile != "" {
		if data, err := os.ReadFile(configFile); err == nil {
			if config, err = Parse(data); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, lberrors.WrapError(err, lberrors.ErrCodeConfigLoad, "config",
				"failed to read config file "+configFile)
		}
	}

	ApplyEnvironment(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}
