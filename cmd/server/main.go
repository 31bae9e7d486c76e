package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cachemir/memlru/internal/logging"
	"github.com/cachemir/memlru/internal/metrics"
	"github.com/cachemir/memlru/internal/server"
	"github.com/cachemir/memlru/pkg/cache"
	"github.com/cachemir/memlru/pkg/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadServerConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ServerConfig, logger *zap.Logger) error {
	logger.Info("starting memlru server", zap.Any("config", cfg))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	c, err := cache.New(cfg.CapacityBytes, cache.WithLogger(logger), cache.WithHooks(m))
	if err != nil {
		return fmt.Errorf("create cache: %w", err)
	}

	srv, err := server.New(cfg,
		server.WithLogger(logger),
		server.WithMetrics(m),
		server.WithCache(c),
	)
	if err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, server.ErrServerClosed) {
			return nil
		}
		return err
	})

	if metricsSrv != nil {
		g.Go(func() error {
			logger.Info("metrics endpoint listening", zap.String("addr", cfg.MetricsAddr))
			err := metricsSrv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("metrics server: %w", err)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown metrics: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
