package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/linechat/internal/config"
	"github.com/adred-codev/linechat/internal/limits"
	"github.com/adred-codev/linechat/internal/logging"
	"github.com/adred-codev/linechat/internal/metrics"
	"github.com/adred-codev/linechat/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Environment,
		Service:     "chatd",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// automaxprocs has already matched GOMAXPROCS to the container CPU
	// limit by the time main runs.
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	guard, err := limits.NewResourceGuard(limits.GuardConfig{
		CPURejectThreshold: cfg.CPURejectThreshold,
		MemoryLimit:        cfg.MemoryLimit,
		SampleInterval:     cfg.MetricsInterval,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create resource guard")
		os.Exit(1)
	}
	guard.StartMonitoring(ctx)

	srv := server.New(cfg, guard, metrics.NewRegistry(), logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("Server failed")
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Shutdown finished with error")
	}
}
