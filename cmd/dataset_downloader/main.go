package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"

	"github.com/DavideF99/Multithread-file-downloader/internal/cleanup"
	"github.com/DavideF99/Multithread-file-downloader/internal/config"
	"github.com/DavideF99/Multithread-file-downloader/internal/dataset"
	"github.com/DavideF99/Multithread-file-downloader/internal/downloader"
	dlhttp "github.com/DavideF99/Multithread-file-downloader/internal/http"
	"github.com/DavideF99/Multithread-file-downloader/internal/http/rest"
	"github.com/DavideF99/Multithread-file-downloader/internal/logctx"
	"github.com/DavideF99/Multithread-file-downloader/internal/notifier"
	"github.com/DavideF99/Multithread-file-downloader/internal/progress"
	"github.com/DavideF99/Multithread-file-downloader/internal/telemetry"
)

var version = "0.1.0"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	var (
		forceChunked bool
		only         []string
	)

	rootCmd := &cobra.Command{
		Use:           "dataset_downloader <manifest.yaml>",
		Short:         "Resumable, integrity-checked bulk downloader for ML dataset files.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, closeLogs, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer closeLogs()

			slog.SetDefault(logger)
			logger = logger.With("run_id", uuid.New().String())

			logger.Info("dataset downloader starting...", "log_level", cfg.LogLevel, "manifest", args[0])

			return run(logctx.WithLogger(cmd.Context(), logger), cfg, args[0], forceChunked, only)
		},
	}

	flags := rootCmd.Flags()
	flags.BoolVar(&forceChunked, "chunked", false, "force chunked downloads for single-file datasets")
	flags.IntVar(&cfg.NumChunks, "chunks", cfg.NumChunks, "chunk count per chunked download")
	flags.IntVar(&cfg.MaxRetries, "retries", cfg.MaxRetries, "retry budget per transfer")
	flags.IntVar(&cfg.MaxWorkers, "workers", cfg.MaxWorkers, "parallel transfers within a multi-file dataset")
	flags.StringSliceVar(&only, "datasets", nil, "download only the named datasets (repeatable)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: DEBUG, INFO, WARN or ERROR")
	flags.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "mirror logs to this file in addition to stdout")
	flags.StringVar(&cfg.ProgressDir, "progress-dir", cfg.ProgressDir, "directory holding resume records")
	flags.StringVar(&cfg.Web.BindAddress, "status-addr", cfg.Web.BindAddress, "bind address for the status API, empty disables it")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		slog.Warn("received interrupt, shutting down")
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, manifestPath string, forceChunked bool, only []string) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Load Manifest
	manifest, err := config.LoadManifest(manifestPath)
	if err != nil {
		return err
	}

	datasets := manifest.Datasets

	if len(only) > 0 {
		datasets = manifest.Filter(only)
		if len(datasets) == 0 {
			return fmt.Errorf("no datasets in %s match %v", manifestPath, only)
		}
	}

	logger.Info("manifest loaded", "path", manifestPath, "datasets", len(datasets))

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "dataset_downloader",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Progress Store
	store := progress.NewStore(cfg.ProgressDir)

	if removed := store.CleanupStale(ctx, cfg.StaleAfter); removed > 0 {
		logger.Info("removed stale progress records", "count", removed, "older_than", cfg.StaleAfter.String())
	}

	for _, root := range destinationRoots(datasets) {
		cleanup.RemoveOrphanedChunkDirs(ctx, root, downloader.ChunkDirSuffix, cfg.StaleAfter)
	}

	// =========================================================================
	// Start Download Engine
	clientOpts := dlhttp.DefaultOptions()
	clientOpts.UserAgent = cfg.UserAgent

	dl := downloader.New(dlhttp.NewClient(clientOpts), store, downloader.Options{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay,
		MaxDelay:   cfg.MaxDelay,
		OnBytes:    tel.AddDownloadedBytes,
		OnRetry:    tel.RecordRetry,
	})

	sched := downloader.NewScheduler(dl, cfg.MaxWorkers)

	// =========================================================================
	// Start Status API
	var (
		server       *http.Server
		serverErrors chan error
	)

	if cfg.Web.BindAddress != "" {
		server = setupServer(ctx, cfg, store, sched, tel)
		serverErrors = make(chan error, 1)

		go func() {
			logger.Info("status API listening", "addr", cfg.Web.BindAddress)
			serverErrors <- server.ListenAndServe()
		}()
	}

	// =========================================================================
	// Run Datasets
	var notif notifier.Notifier
	if cfg.WebhookURL != "" {
		notif = notifier.NewWebhook(cfg.WebhookURL)
	}

	orch := dataset.New(dl, sched, dataset.Options{
		ForceChunked: forceChunked,
		NumChunks:    cfg.NumChunks,
		Telemetry:    tel,
		Notifier:     notif,
	})

	summary := orch.Run(ctx, datasets)

	// =========================================================================
	// Shutdown
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err := server.Close(); err != nil {
				logger.Error("could not stop server", "err", err)
			}
		}

		if err := <-serverErrors; err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server error", "err", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run interrupted: %w", err)
	}

	if failed := summary.Failed(); failed > 0 {
		return fmt.Errorf("%d of %d datasets failed", failed, len(summary.Results))
	}

	logger.Info("all datasets ready", "count", summary.Succeeded())

	return nil
}

// destinationRoots returns the distinct destination folders of the
// given datasets, in first-seen order.
func destinationRoots(datasets []config.Dataset) []string {
	seen := make(map[string]bool, len(datasets))

	var roots []string

	for _, ds := range datasets {
		if !seen[ds.DestinationFolder] {
			seen[ds.DestinationFolder] = true
			roots = append(roots, ds.DestinationFolder)
		}
	}

	return roots
}

// setupLogger builds the process logger: JSON to stdout, mirrored to
// the configured log file when one is set, with trace correlation when
// telemetry is active.
func setupLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	stdout := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})

	if cfg.LogFile == "" {
		return slog.New(logctx.NewTraceHandler(stdout)), func() {}, nil
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	handler := slogmulti.Fanout(
		stdout,
		slog.NewJSONHandler(f, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	)

	return slog.New(logctx.NewTraceHandler(handler)), func() { _ = f.Close() }, nil
}

// setupServer prepares the status API server: progress and active-task
// endpoints plus the Prometheus scrape handler.
func setupServer(ctx context.Context, cfg *config.Config, store *progress.Store, sched *downloader.Scheduler, tel *telemetry.Telemetry) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)

	r.Method(http.MethodGet, "/metrics", tel.Handler())
	r.Mount("/", rest.NewStatusHandler(store, sched, tel).Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
