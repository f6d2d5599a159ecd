// Command swcache runs the offline cache and sync worker in front of the
// Stavanger digital twin app.
//
// Every request reaching the listener is a fetch event; platform events
// (install, activate, sync, push, notificationclick, message) arrive on the
// /__worker/ control endpoints, or as JSON lines on stdin with -stdio.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/stavanger-twin/swcache/backends"
	"github.com/stavanger-twin/swcache/pkg/config"
	"github.com/stavanger-twin/swcache/pkg/metrics"
	"github.com/stavanger-twin/swcache/pkg/queue"
	"github.com/stavanger-twin/swcache/pkg/telemetry"
	"github.com/stavanger-twin/swcache/worker"
)

const serviceName = "swcache"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "swcache: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a YAML config file")
	listen := fs.String("listen", "", "listen address (overrides config)")
	origin := fs.String("origin", "", "app origin, e.g. https://twin.example (overrides config)")
	stdio := fs.Bool("stdio", false, "read platform events as JSON lines on stdin")
	debug := fs.Bool("debug", false, "debug logging and storage tracing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *origin != "" {
		cfg.Origin = *origin
	}
	if *debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// stdout carries the event protocol in -stdio mode; logs always go to stderr.
	lvl := slog.LevelInfo
	if cfg.Debug {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTELEndpoint)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	originURL, err := url.Parse(cfg.Origin)
	if err != nil {
		return err
	}

	storage, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if cfg.Debug {
		storage = backends.NewDebug(storage, stderr)
	}

	q, err := queue.OpenSQLite(cfg.QueuePath)
	if err != nil {
		storage.Close()
		return err
	}

	var notifier worker.Notifier = worker.NewLogNotifier(logger)
	if cfg.NotifyWebhook != "" {
		notifier = worker.NewWebhookNotifier(cfg.NotifyWebhook, &http.Client{Timeout: 10 * time.Second})
	}

	tracker := metrics.NewTracker(0.01)
	c := NewController(worker.Options{
		Version:         cfg.Version,
		Origin:          originURL,
		Manifest:        cfg.Manifest,
		OfflineURL:      cfg.OfflineURL,
		APIPrefix:       cfg.APIPrefix,
		VotesEndpoint:   cfg.VotesEndpoint,
		ReportsEndpoint: cfg.ReportsEndpoint,
		Storage:         storage,
		Queue:           q,
		Network:         worker.NewHTTPNetwork(&http.Client{Timeout: 30 * time.Second}, originURL),
		Notifier:        notifier,
		Metrics:         tracker,
		Logger:          logger,
	}, cfg.SkipWaitingOnInstall)
	// Deferred so it runs after srv.Shutdown below.
	defer func() {
		if err := c.Close(); err != nil {
			logger.Error("failed to close worker", "error", err)
		}
		logStats(logger, tracker)
	}()

	if w, err := c.Install(ctx, ""); err != nil {
		// Requests pass through to the network until an install succeeds.
		logger.Error("initial install failed", "error", err)
	} else {
		logger.Info("worker ready", "version", w.Version(), "state", w.State())
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           h2c.NewHandler(NewHandler(c, originURL, logger), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	logger.Info("listening", "addr", cfg.Listen, "origin", cfg.Origin)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	loopDone := make(chan error, 1)
	if *stdio {
		go func() {
			loopDone <- NewEventLoop(c, stdin, stdout).Run(ctx)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = err
	case err := <-loopDone:
		runErr = err
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	return runErr
}

func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backends.Storage, error) {
	switch cfg.Storage.Kind {
	case config.StorageMemory:
		return backends.NewMemory(), nil
	case config.StorageDisk:
		return backends.NewDiskWithLocking(cfg.Storage.Dir, cfg.Storage.Locking, logger)
	case config.StorageS3:
		return backends.NewS3(ctx, backends.S3Config{
			Bucket:   cfg.Storage.S3.Bucket,
			Prefix:   cfg.Storage.S3.Prefix,
			Region:   cfg.Storage.S3.Region,
			Endpoint: cfg.Storage.S3.Endpoint,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage kind %q", cfg.Storage.Kind)
	}
}

func logStats(logger *slog.Logger, tracker *metrics.Tracker) {
	snap := tracker.Snapshot()
	for _, s := range snap.Latencies {
		logger.Info("latency", "stats", strings.TrimSpace(s.String()))
	}
	for name, n := range snap.Counters {
		logger.Info("counter", "name", name, "value", n)
	}
}
