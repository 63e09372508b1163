package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/promptlane/promptlane-go"
	"github.com/promptlane/promptlane-go/internal/config"
	"github.com/promptlane/promptlane-go/internal/dashboard"
	"github.com/promptlane/promptlane-go/internal/observability"
)

// demoConn stands in for the SDK's transport handle so the exporter can run
// the engine without a live prompt-serving backend.
type demoConn struct {
	id      int64
	created time.Time
}

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.Int("cache_max_size", cfg.Cache.MaxSize),
		zap.Duration("cache_default_ttl", cfg.Cache.DefaultTTL),
		zap.Int("retry_max_attempts", cfg.Retry.MaxAttempts),
		zap.String("retry_strategy", string(cfg.Retry.Strategy)),
		zap.Int("pool_min_size", cfg.Pool.MinSize),
		zap.Int("pool_max_size", cfg.Pool.MaxSize),
	)

	// --- Tracing ---
	if cfg.EnableTracing {
		shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "promptlane-dashboard")
		if err != nil {
			logger.Fatal("failed to init tracer", zap.Error(err))
		}
		defer shutdown(context.Background())
	}

	// --- Engine ---
	var connSeq atomic.Int64
	collaborators := promptlane.Collaborators[*demoConn]{
		Fetch: func(ctx context.Context, key string) (any, error) {
			return fmt.Sprintf("prompt:%s", key), nil
		},
		NewConnection: func(ctx context.Context) (*demoConn, error) {
			return &demoConn{id: connSeq.Add(1), created: time.Now()}, nil
		},
		CloseConnection: func(*demoConn) error { return nil },
		CheckConnection: func(*demoConn) bool { return true },
	}

	engine, err := promptlane.New(cfg, collaborators, logger)
	if err != nil {
		logger.Fatal("failed to build engine", zap.Error(err))
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := engine.Start(startCtx); err != nil {
		cancel()
		logger.Fatal("failed to start engine", zap.Error(err))
	}
	cancel()
	defer engine.Stop()

	// --- Router ---
	router := dashboard.NewRouter(
		logger,
		engine.Metrics.Registry,
		engine.SnapshotJSON,
		func() any { return engine.GetSummary() },
	)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("dashboard server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
