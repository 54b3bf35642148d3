package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/growthops/countsync/internal/adapter"
	"github.com/growthops/countsync/internal/adapter/source"
	"github.com/growthops/countsync/internal/api"
	"github.com/growthops/countsync/internal/bulk"
	"github.com/growthops/countsync/internal/counter"
	"github.com/growthops/countsync/internal/domain"
	"github.com/growthops/countsync/internal/fanout"
	"github.com/growthops/countsync/internal/metrics"
	"github.com/growthops/countsync/internal/refresh"
	"github.com/growthops/countsync/internal/store"
	"github.com/growthops/countsync/internal/transport"
)

// Version is set at build time via -ldflags
var Version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	var (
		showVersion bool
		configPath  string
		once        bool
	)
	flag.BoolVar(&showVersion, "v", false, "print version")
	flag.BoolVar(&showVersion, "version", false, "print version")
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.BoolVar(&once, "once", false, "run a single refresh cycle and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("countsync %s\n", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, configPath, once); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, once bool) error {
	// Load configuration
	cfg, err := adapter.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Setup logger
	logger, err := adapter.SetupLogger(&cfg.Logging)
	if err != nil {
		// Fall back to null logger if file logging fails
		logger = adapter.NullLogger()
	}
	slog.SetDefault(logger)

	logger.Info("starting countsync", "version", Version)

	m := metrics.New(nil)
	hub := fanout.NewHub(cfg.Fanout.Buffer, logger)
	defer hub.Close()

	storePath, err := adapter.ExpandPath(cfg.Store.Path)
	if err != nil {
		return err
	}
	counts, err := store.Open(storePath, hub, logger)
	if err != nil {
		return fmt.Errorf("failed to open count store: %w", err)
	}
	defer counts.Close()

	// Both call sites share one pacing budget against the catalog.
	limiter := transport.NewLimiter(cfg.Remote.RequestsPerSecond)

	workerPolicy := cfg.WorkerPolicy()
	if once {
		// a one-off sync has no next cycle to fall back on
		workerPolicy = transport.SyncPolicy
		workerPolicy.Timeout = cfg.Worker.RequestTimeout
	}
	workerCatalog, err := source.NewClientFromConfig(cfg, workerPolicy, limiter, m.RetryHook("worker"), logger)
	if err != nil {
		return fmt.Errorf("failed to create catalog client: %w", err)
	}
	bulkCatalog, err := source.NewClientFromConfig(cfg, cfg.BulkPolicy(), limiter, m.RetryHook("bulk"), logger)
	if err != nil {
		return fmt.Errorf("failed to create catalog client: %w", err)
	}

	worker := refresh.NewWorker(
		counter.New(workerCatalog, cfg.WorkerCounter(), logger),
		source.CategorySource(cfg, workerCatalog),
		counts,
		m,
		refresh.Options{
			Bounds: refresh.Bounds{
				Min:              cfg.Worker.MinBatch,
				Max:              cfg.Worker.MaxBatch,
				SuccessThreshold: cfg.Worker.SuccessThreshold,
			},
			Substores:       cfg.Catalog.Substores,
			InterBatchDelay: cfg.Worker.InterBatchDelay,
			CyclePause:      cfg.Worker.CyclePause,
			ErrorCooldown:   cfg.Worker.ErrorCooldown,
			ProgressEvery:   cfg.Worker.ProgressEvery,
		},
		logger,
	)

	if once {
		report, err := worker.RunCycle(ctx)
		if err != nil {
			return fmt.Errorf("refresh cycle failed: %w", err)
		}
		fmt.Printf("cycle %d: %d combinations, %d updated, %d failed in %s\n",
			report.Cycle, report.Combinations, report.Updated, report.Failed, report.Duration.Round(time.Millisecond))
		return nil
	}

	bulkSvc := bulk.NewService(counter.New(bulkCatalog, cfg.BulkCounter(), logger), counts, bulk.Options{
		Bounds: refresh.Bounds{
			Min:              cfg.Bulk.MinBatch,
			Max:              cfg.Bulk.MaxBatch,
			SuccessThreshold: cfg.Bulk.SuccessThreshold,
		},
		LookupTTL: cfg.Bulk.LookupTTL,
	}, logger)

	m.WatchSubscribers(hub.Subscribers)
	m.WatchStore(func() (domain.Stats, error) {
		return counts.Stats(context.Background())
	})

	server := api.NewServer(ctx, api.Deps{
		Store:   counts,
		Bulk:    bulkSvc,
		Worker:  worker,
		Hub:     hub,
		Metrics: m.Handler(),
	}, api.Options{
		MaxAge:    cfg.Store.MaxAge,
		Heartbeat: cfg.Fanout.Heartbeat,
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	if cfg.Worker.Enabled {
		worker.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	worker.Stop()
	hub.Close() // ends open streams so Shutdown does not wait on them
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := worker.Wait(shutdownCtx); err != nil {
		logger.Error("refresh worker did not stop in time", "error", err)
	}
	return nil
}
