package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/vidforge/core/internal/assets"
	"github.com/vidforge/core/internal/assets/content"
	"github.com/vidforge/core/internal/assets/fileblob"
	"github.com/vidforge/core/internal/assets/retention"
	"github.com/vidforge/core/internal/assets/s3blob"
	"github.com/vidforge/core/internal/circuit"
	"github.com/vidforge/core/internal/dlq"
	"github.com/vidforge/core/internal/idempotency/badgerstore"
	"github.com/vidforge/core/internal/jobstore/surreal"
	ledgerstore "github.com/vidforge/core/internal/ledger/badgerstore"
	"github.com/vidforge/core/internal/ledger/reconciler"
	"github.com/vidforge/core/internal/ledger/refundsweeper"
	"github.com/vidforge/core/internal/orchestrator"
	"github.com/vidforge/core/internal/platform/clock"
	"github.com/vidforge/core/internal/platform/config"
	"github.com/vidforge/core/internal/platform/idgen"
	"github.com/vidforge/core/internal/platform/log"
	"github.com/vidforge/core/internal/provider"
	"github.com/vidforge/core/internal/provider/inline"
	"github.com/vidforge/core/internal/provider/remotehttp"
	"github.com/vidforge/core/internal/provider/remotesdk"
	"github.com/vidforge/core/internal/sweeper"
	"github.com/vidforge/core/internal/worker"
)

// version/commit are set via -ldflags at release build time, the
// same pattern the teacher's common.GetVersion family follows.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	cfg, err := config.Load(os.Getenv("FORGE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "forged: load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.Logging.Level)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("forged: fatal error")
	}
}

func run(cfg *config.Config, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.New()
	ids := idgen.New()

	jobs, closeJobs, err := buildJobStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build job store: %w", err)
	}
	defer closeJobs()

	metaDB, err := openMetaStore(cfg)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer metaDB.Close()

	credits := ledgerstore.New(metaDB, logger, clk, ids)
	idem := badgerstore.New(metaDB, logger, clk)

	assetStore, err := buildAssetStore(ctx, cfg, metaDB, logger, clk, ids)
	if err != nil {
		return fmt.Errorf("build asset store: %w", err)
	}

	contentAccess := content.New([]byte(cfg.Asset.TokenSecret), clk)

	breaker := circuit.New(circuit.Config{
		FailureRateThreshold: cfg.Circuit.FailureRateThreshold,
		MinVolume:            cfg.Circuit.MinVolume,
		Cooldown:             time.Duration(cfg.Circuit.CooldownMS) * time.Millisecond,
		MaxSamples:           cfg.Circuit.MaxSamples,
	}, clk, logger)

	registry, err := buildProviderRegistry(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build provider registry: %w", err)
	}

	orch := orchestrator.New(idem, credits, jobs, assetStore, contentAccess, logger, clk, ids, orchestrator.Config{
		PendingLockTTL:   time.Duration(cfg.Idempotency.PendingLockTTLMS) * time.Millisecond,
		ReplayTTL:        time.Duration(cfg.Idempotency.ReplayTTLMS) * time.Millisecond,
		TokenTTL:         time.Duration(cfg.Asset.TokenTTLSeconds) * time.Second,
		SignedURLTTL:     time.Duration(cfg.Asset.SignedURLTTLMS) * time.Millisecond,
		JobMaxAttempts:   cfg.JobStore.JobMaxAttempts,
		StaleOrphanAfter: time.Duration(cfg.Sweeper.StaleProcessingSeconds) * time.Second,
		EventBufferSize:  256,
	})
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator start: %w", err)
	}

	pool := worker.New(worker.NewWorkerID(ids), jobs, credits, breaker, registry, assetStore, logger, clk, worker.Config{
		MaxConcurrent:            cfg.Worker.MaxConcurrent,
		PerProviderMaxConcurrent: cfg.Worker.PerProviderMaxConcurrent,
		LeaseDuration:            time.Duration(cfg.JobStore.LeaseSeconds) * time.Second,
		HeartbeatInterval:        time.Duration(cfg.Worker.HeartbeatIntervalMS) * time.Millisecond,
		PollInterval:             time.Second,
		DrainTimeout:             time.Duration(cfg.Drain.TimeoutSeconds) * time.Second,
	})
	pool.Start(ctx)
	defer pool.Stop()

	leaseSweeper := sweeper.New(jobs, logger, clk, time.Duration(cfg.Sweeper.IntervalSeconds)*time.Second, cfg.Sweeper.Max)
	go leaseSweeper.Run(ctx)

	reprocessor := dlq.New(jobs, breaker, logger, clk,
		time.Duration(cfg.DLQ.PollIntervalMS)*time.Millisecond,
		time.Duration(cfg.DLQ.MinDlqAgeSeconds)*time.Second,
		cfg.DLQ.MaxEntriesPerRun)
	go reprocessor.Run(ctx)

	refundSweep := refundsweeper.New(credits, logger, clk,
		time.Duration(cfg.RefundSweep.IntervalSeconds)*time.Second,
		cfg.RefundSweep.MaxPerRun, cfg.RefundSweep.MaxAttempts)
	go refundSweep.Run(ctx)

	recon := reconciler.New(credits, logger, clk, nil,
		time.Duration(cfg.Reconcile.IncrementalIntervalSeconds)*time.Second,
		time.Duration(cfg.Reconcile.FullIntervalHours)*time.Hour,
		cfg.Reconcile.IncrementalScanLimit, cfg.Reconcile.FullPassPageSize,
		time.Duration(cfg.Reconcile.MaxIntervalSeconds)*time.Second,
		cfg.Reconcile.BackoffFactor)
	go recon.RunIncremental(ctx)
	go recon.RunFull(ctx)

	gc := retention.New(assetStore, logger, clk, time.Hour, 200)
	go gc.Run(ctx)

	mux := buildMux()
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", serverPort()),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("forged: http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("forged: http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("forged: shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Drain.TimeoutSeconds)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forged: http server shutdown failed")
	}

	logger.Info().Msg("forged: stopped")
	return nil
}

func serverPort() int {
	if v := os.Getenv("FORGE_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			return port
		}
	}
	return 8089
}

func buildJobStore(ctx context.Context, cfg *config.Config, logger *log.Logger) (*surreal.Store, func(), error) {
	db, err := surreal.Connect(ctx, cfg.JobStore.DSN, os.Getenv("FORGE_SURREAL_USER"), os.Getenv("FORGE_SURREAL_PASS"),
		cfg.JobStore.Namespace, cfg.JobStore.Database)
	if err != nil {
		return nil, nil, err
	}
	store := surreal.New(db, logger,
		time.Duration(cfg.JobStore.BackoffBaseMS)*time.Millisecond,
		time.Duration(cfg.JobStore.BackoffCapMS)*time.Millisecond)
	return store, func() { db.Close(ctx) }, nil
}

func openMetaStore(cfg *config.Config) (*badgerhold.Store, error) {
	path := cfg.DataPath + "/meta"
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create data path: %w", err)
	}
	opts := badgerhold.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path
	opts.Logger = nil
	return badgerhold.Open(opts)
}

func buildAssetStore(ctx context.Context, cfg *config.Config, metaDB *badgerhold.Store, logger *log.Logger, clk clock.Clock, ids idgen.IDGen) (assets.Store, error) {
	switch cfg.Asset.Backend {
	case "s3":
		return s3blob.New(ctx, s3blob.Config{
			Bucket:    cfg.Asset.S3.Bucket,
			Prefix:    cfg.Asset.S3.Prefix,
			Region:    cfg.Asset.S3.Region,
			Endpoint:  cfg.Asset.S3.Endpoint,
			AccessKey: os.Getenv("FORGE_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("FORGE_S3_SECRET_KEY"),
		}, metaDB, logger, clk, ids)
	default:
		basePath := cfg.Asset.BasePath
		if basePath == "" {
			basePath = cfg.DataPath + "/assets"
		}
		return fileblob.New(basePath, metaDB, logger, clk, ids)
	}
}

func buildProviderRegistry(ctx context.Context, cfg *config.Config, logger *log.Logger) (*provider.Registry, error) {
	registry := provider.NewRegistry()
	for key, pc := range cfg.Providers {
		switch pc.Kind {
		case "http":
			client := remotehttp.New(pc.BaseURL, pc.APIKey,
				remotehttp.WithLogger(logger),
				remotehttp.WithTimeout(pc.GetTimeout()),
				remotehttp.WithRateLimit(int(pc.RateLimitPerSecond)))
			registry.Register(key, client)
		case "sdk":
			client, err := remotesdk.New(ctx, pc.APIKey, remotesdk.WithLogger(logger), remotesdk.WithModel(pc.Model))
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", key, err)
			}
			registry.Register(key, client)
		case "inline":
			registry.Register(key, inline.New(clock.New(), idgen.New(), 3))
		default:
			logger.Error().Str("provider", key).Str("kind", pc.Kind).Msg("forged: unknown provider kind, skipping")
		}
	}
	return registry, nil
}

// buildMux wires the process's only HTTP surface: health and version for
// orchestration/monitoring. Submit/status/cancel/result are the core API
// and are reached in-process by whatever front door embeds this module,
// not over HTTP from this binary.
func buildMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", healthHandler)
	mux.HandleFunc("/api/version", versionHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func versionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"version": version, "commit": commit})
}

