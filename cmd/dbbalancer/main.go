package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mir00r/dbbalancer/internal/config"
	"github.com/mir00r/dbbalancer/internal/handler"
	"github.com/mir00r/dbbalancer/internal/ipc"
	"github.com/mir00r/dbbalancer/internal/middleware"
	"github.com/mir00r/dbbalancer/internal/registry"
	"github.com/mir00r/dbbalancer/internal/service"
	"github.com/mir00r/dbbalancer/pkg/logger"
)

const (
	version         = "1.0.0"
	shutdownTimeout = 30 * time.Second
)

func newLogger(cfg config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:  cfg.Level,
		Format: cfg.Format,
		Output: cfg.Output,
		File:   cfg.File,
	})
}

func main() {
	if checkIfAdminMode() {
		runAdminProcess()
		return
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.WithFields(map[string]interface{}{
		"version":         version,
		"read_algorithm":  cfg.LoadBalancer.ReadAlgorithm,
		"write_algorithm": cfg.LoadBalancer.WriteAlgorithm,
		"replicas":        len(cfg.Replicas),
		"address":         cfg.Server.Address(),
		"config_source":   getConfigSource(),
		"process":         getProcessInfo(),
	}).Info("Starting database load balancer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory := service.NewFactory(registry.NewRegistry(log), log)
	lb, err := factory.Create(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to create load balancer")
	}

	server := ipc.NewServer(ipc.ConfigFrom(cfg.Server), lb, log)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	var adminServer *http.Server
	if cfg.Admin.Enabled {
		adminServer, err = newAdminServer(cfg.Admin, lb, server, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to configure admin API")
		}
		go func() {
			log.WithField("address", cfg.Admin.Address).Info("Starting admin API")
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("Admin API failed")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.WithError(err).Error("IPC server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error shutting down IPC server")
	}
	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Error shutting down admin API")
		}
	}
	if err := lb.Stop(); err != nil {
		log.WithError(err).Error("Error stopping load balancer")
	}

	log.Info("Database load balancer stopped gracefully")
}

func newAdminServer(cfg config.AdminConfig, lb *service.LoadBalancer, ipcServer *ipc.Server, log *logger.Logger) (*http.Server, error) {
	h := handler.NewAdminHandler(lb, log)
	h.AddStatsSource("ipc", ipcServer)

	var auth *middleware.JWTAuthMiddleware
	if cfg.JWTSecret != "" {
		var err error
		auth, err = middleware.NewJWTAuthMiddleware(middleware.JWTAuthConfig{
			Secret:      cfg.JWTSecret,
			Issuer:      tokenIssuer,
			ClockSkew:   30 * time.Second,
			PublicPaths: []string{"/api/v1/health"},
		}, log.AdminLogger())
		if err != nil {
			return nil, err
		}
	}

	return &http.Server{
		Addr:         cfg.Address,
		Handler:      handler.NewRouter(h, auth, log.AdminLogger()),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, nil
}
