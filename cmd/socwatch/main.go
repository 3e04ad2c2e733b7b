// Package main is the entry point for the socwatch service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"socwatch/internal/api"
	"socwatch/internal/blocklist"
	"socwatch/internal/config"
	"socwatch/internal/correlation"
	"socwatch/internal/engine"
	apperrors "socwatch/internal/errors"
	"socwatch/internal/logging"
	"socwatch/internal/notify"
	"socwatch/internal/secrets"
	"socwatch/internal/startup"
	"socwatch/internal/stream"
)

func main() {
	if err := run(); err != nil {
		slog.Error("socwatch exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format}, os.Stdout)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	apperrors.SetProductionMode(cfg.Server.Production)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Credentials may be given as env: or file: references
	resolver := secrets.NewResolver(cfg.Server.SecretsDir, logger)
	if err := resolver.ResolveAll(ctx, &cfg.Kafka.SASLPassword, &cfg.Redis.Password); err != nil {
		return fmt.Errorf("failed to resolve credentials: %w", err)
	}

	diag := startup.NewDiagnostics(cfg, logger.With("component", "startup"))
	diag.RunAll(ctx)
	if diag.HasErrors() {
		return errors.New("startup diagnostics failed")
	}

	logger.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"partitions", cfg.Engine.Partitions,
		"queue_size", cfg.Engine.QueueSize,
		"kafka_enabled", cfg.Kafka.Enabled,
		"redis_enabled", cfg.Redis.Enabled,
	)

	bus := notify.NewBus()

	eng, err := engine.New(cfg.EngineOptions(), nil, bus, logger.With("component", "engine"))
	if err != nil {
		return err
	}

	if path := cfg.Correlation.RulesFile; path != "" {
		if err := eng.Correlator().LoadRules(path); err != nil {
			return fmt.Errorf("failed to load correlation rules: %w", err)
		}
		logger.Info("correlation rules loaded", "path", path, "rules", len(eng.Correlator().Rules()))

		if cfg.Correlation.WatchRules {
			watcher, err := correlation.NewRuleWatcher(path, eng.Correlator(), logger.With("component", "rules"))
			if err != nil {
				return err
			}
			go watcher.Run(ctx)
		}
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	hub := api.NewHub(ctx, bus, cfg.Server.StreamBuffer, logger.With("component", "websocket"))
	go hub.Start()

	// Optional Kafka intake and notification stream
	var consumer *stream.Consumer
	var producer *stream.Producer

	if cfg.Kafka.Enabled {
		streamCfg := stream.NewConfig(cfg.Kafka)

		consumer, err = stream.NewConsumer(streamCfg, eng, logger.With("component", "kafka-consumer"))
		if err != nil {
			return err
		}
		if err := consumer.Start(ctx); err != nil {
			return err
		}

		if streamCfg.NotificationTopic != "" {
			producer, err = stream.NewProducer(streamCfg, logger.With("component", "kafka-producer"))
			if err != nil {
				return err
			}
			updates, unsubscribe := bus.Subscribe(cfg.Server.StreamBuffer)
			defer unsubscribe()
			go producer.Run(ctx, updates)
		}
	}

	// Optional Redis block-list mirror
	var mirror *blocklist.Mirror

	if cfg.Redis.Enabled {
		mirror, err = blocklist.New(ctx, blocklist.OptionsFrom(cfg.Redis), logger.With("component", "blocklist"))
		if err != nil {
			return err
		}
		updates, unsubscribe := bus.Subscribe(cfg.Server.StreamBuffer)
		defer unsubscribe()
		go mirror.Run(ctx, updates, eng.BlockedSources, cfg.Redis.SyncInterval)
	}

	srv := api.NewServer(cfg, eng, hub, logger.With("component", "api"))
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting API server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "error", err)
		runErr = err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting new requests and events first
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	srv.Close()

	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.Error("kafka consumer close error", "error", err)
		}
	}

	// Drain the pipeline, then stop the notification sinks
	eng.Stop()
	stats := eng.Stats()

	cancel()
	hub.Stop()

	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Error("kafka producer close error", "error", err)
		}
	}
	if mirror != nil {
		if err := mirror.Close(); err != nil {
			logger.Error("redis close error", "error", err)
		}
	}
	bus.Close()

	logger.Info("shutdown complete",
		"events_submitted", stats.Submitted,
		"events_processed", stats.Processed,
		"events_rejected", stats.Rejected,
	)
	return runErr
}
