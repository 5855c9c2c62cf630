package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mir00r/dbbalancer/internal/config"
	"github.com/mir00r/dbbalancer/internal/middleware"
	"github.com/mir00r/dbbalancer/internal/registry"
	"github.com/mir00r/dbbalancer/pkg/logger"
)

const tokenIssuer = "dbbalancer"

// runHealthCheck probes every configured replica once and reports the result
func runHealthCheck() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	reg := registry.NewRegistry(logger.NewNop())
	defer reg.Close()

	fmt.Printf("Checking %d replicas...\n", len(cfg.Replicas))

	unreachable := 0
	for _, rc := range cfg.Replicas {
		conn, err := reg.Open(rc)
		if err != nil {
			unreachable++
			fmt.Printf("Replica %s (%s): invalid: %v\n", rc.Name, rc.Driver, err)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.HealthCheck.Timeout)
		err = conn.Ping(ctx)
		cancel()

		status := "RUNNING"
		if err != nil {
			unreachable++
			status = fmt.Sprintf("DOWN: %v", err)
		}
		fmt.Printf("Replica %s (%s): %s\n", rc.Name, rc.Driver, status)
	}

	if unreachable == len(cfg.Replicas) {
		return fmt.Errorf("no replica is reachable")
	}
	return nil
}

// runConfigValidation validates the current configuration
func runConfigValidation() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	fmt.Println("Configuration validation passed")
	fmt.Printf("Address: %s\n", cfg.Server.Address())
	fmt.Printf("Read algorithm: %s\n", cfg.LoadBalancer.ReadAlgorithm)
	fmt.Printf("Write algorithm: %s\n", cfg.LoadBalancer.WriteAlgorithm)
	fmt.Printf("Probe wait time: %s\n", cfg.HealthCheck.WaitTime)
	fmt.Printf("Replicas: %d\n", len(cfg.Replicas))
	for _, rc := range cfg.Replicas {
		fmt.Printf("  %s (%s, weight %d, primary %t)\n", rc.Name, rc.Driver, rc.Weight, rc.Primary)
	}
	fmt.Printf("Rate limiting: %t\n", cfg.Server.RateLimit.Enabled)
	fmt.Printf("Admin API: %t\n", cfg.Admin.Enabled)
	return nil
}

// runIssueToken prints an admin API bearer token signed with the configured secret
func runIssueToken() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Admin.JWTSecret == "" {
		return fmt.Errorf("admin.jwt_secret is not set")
	}

	subject := "admin"
	if len(os.Args) > 3 {
		subject = os.Args[3]
	}

	token, err := middleware.IssueToken(cfg.Admin.JWTSecret, tokenIssuer, subject, 24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// runAdminProcess handles admin process execution
func runAdminProcess() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: dbbalancer -admin <command>")
		fmt.Println("Commands:")
		fmt.Println("  validate-config     - Validate configuration")
		fmt.Println("  health-check        - Probe every replica once")
		fmt.Println("  issue-token [subj]  - Print an admin API token")
		os.Exit(1)
	}

	command := os.Args[2]
	var err error

	switch command {
	case "health-check":
		err = runHealthCheck()
	case "validate-config", "validate":
		err = runConfigValidation()
	case "issue-token":
		err = runIssueToken()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command failed: %v\n", err)
		os.Exit(1)
	}
}

// checkIfAdminMode checks if running in admin mode
func checkIfAdminMode() bool {
	for _, arg := range os.Args {
		if arg == "-admin" {
			return true
		}
	}
	return false
}
