package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sheikh-saqib/property-ledger-core/internal/app"
	"github.com/sheikh-saqib/property-ledger-core/internal/config"
	"github.com/sheikh-saqib/property-ledger-core/internal/httpapi"
	"github.com/sheikh-saqib/property-ledger-core/internal/observability"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry, err := observability.Setup(ctx, observability.Options{
		ServiceName:    "property-ledger-core",
		TracingEnabled: cfg.OTelEnabled,
		Endpoint:       cfg.OTelEndpoint,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	org, err := app.New(ctx, app.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if err := org.Close(); err != nil {
			logger.Warn("close organization", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.New(org, telemetry, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return ignoreCancel(org.Worker.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(org.Monitor.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(org.Diagnostics.Watch(ctx, cfg.DiagnosticsInterval)) })
	if cfg.PeriodCheckInterval > 0 {
		g.Go(func() error { return ignoreCancel(schedulePeriodCloses(ctx, org, cfg.PeriodCheckInterval, logger)) })
	}

	err = g.Wait()
	logger.Info("shutting down")
	return err
}

// schedulePeriodCloses announces ended periods on every tick.
func schedulePeriodCloses(ctx context.Context, org *app.Org, interval time.Duration, logger *zap.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := org.ScheduleCloses(ctx, "scheduler")
		if err != nil {
			logger.Error("period close scan failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("period close requested", zap.Int("periods", n))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
