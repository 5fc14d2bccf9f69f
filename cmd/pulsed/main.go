// Command pulsed runs the website effectiveness analysis engine: an HTTP API
// that orchestrates scoring runs, streams progress, and reaps abandoned runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcstorage "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/steveohanians/pulsedashboard-sub001/internal/api"
	"github.com/steveohanians/pulsedashboard-sub001/internal/collector"
	"github.com/steveohanians/pulsedashboard-sub001/internal/config"
	collyfetcher "github.com/steveohanians/pulsedashboard-sub001/internal/fetcher/colly"
	"github.com/steveohanians/pulsedashboard-sub001/internal/fetcher/headless"
	"github.com/steveohanians/pulsedashboard-sub001/internal/insights"
	"github.com/steveohanians/pulsedashboard-sub001/internal/logging"
	"github.com/steveohanians/pulsedashboard-sub001/internal/metrics"
	"github.com/steveohanians/pulsedashboard-sub001/internal/orchestrator"
	"github.com/steveohanians/pulsedashboard-sub001/internal/progress"
	"github.com/steveohanians/pulsedashboard-sub001/internal/publisher"
	memorypub "github.com/steveohanians/pulsedashboard-sub001/internal/publisher/memory"
	pubsubpub "github.com/steveohanians/pulsedashboard-sub001/internal/publisher/pubsub"
	"github.com/steveohanians/pulsedashboard-sub001/internal/reaper"
	"github.com/steveohanians/pulsedashboard-sub001/internal/resilient"
	"github.com/steveohanians/pulsedashboard-sub001/internal/scorer"
	"github.com/steveohanians/pulsedashboard-sub001/internal/storage"
	gcsstore "github.com/steveohanians/pulsedashboard-sub001/internal/storage/gcs"
	localstore "github.com/steveohanians/pulsedashboard-sub001/internal/storage/local"
	memstore "github.com/steveohanians/pulsedashboard-sub001/internal/storage/memory"
	"github.com/steveohanians/pulsedashboard-sub001/internal/storage/postgres"
	"github.com/steveohanians/pulsedashboard-sub001/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "pulsed: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Repository: Postgres when a DSN is configured, in-memory otherwise.
	var repo store.RunRepository
	if cfg.DB.DSN != "" {
		pg, err := postgres.NewRunStore(ctx, postgres.RunStoreConfig{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxConns),
		})
		if err != nil {
			return fmt.Errorf("connecting postgres: %w", err)
		}
		defer pg.Close()
		repo = pg
		logger.Info("using postgres repository")
	} else {
		repo = store.NewMemoryRepository()
		logger.Warn("no db.dsn configured, runs are held in memory only")
	}

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building blob store: %w", err)
	}

	raw := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Fetch.UserAgent,
		Timeout:   time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
	})

	var renderer collector.Renderer
	var shots collector.ScreenshotProvider
	if cfg.Headless.Enabled {
		browser, err := headless.New(headless.Config{
			MaxParallel: cfg.Headless.MaxParallel,
			UserAgent:   cfg.Fetch.UserAgent,
			NavTimeout:  time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
			DomainQPS:   cfg.Headless.DomainQPS,
		}, logger.Named("headless"))
		if err != nil {
			return fmt.Errorf("starting headless browser: %w", err)
		}
		defer browser.Close(context.Background()) //nolint:errcheck
		renderer = browser
		if blobs != nil {
			shots = collector.NewBlobScreenshotProvider(browser, blobs)
		}
	} else {
		logger.Warn("headless rendering disabled, tier 2 runs text-only")
	}

	perf := scorer.NewHTTPPerformanceApi(cfg.Performance.BaseURL, cfg.Performance.APIKey)
	judge := scorer.NewHTTPJudge(cfg.Judge.BaseURL, cfg.Judge.APIKey,
		time.Duration(cfg.Judge.TimeoutSeconds)*time.Second)

	coll := collector.New(raw, renderer, shots, scorer.VitalsAdapter{Perf: perf},
		collector.Config{}, logger.Named("collector"))

	policy := resilient.Policy{
		MaxAttempts:         cfg.Performance.MaxAttempts,
		AttemptTimeout:      time.Duration(cfg.Performance.AttemptTimeoutSec) * time.Second,
		BaseDelay:           time.Duration(cfg.Performance.BaseDelaySeconds) * time.Second,
		MaxDelay:            time.Duration(cfg.Performance.MaxDelaySeconds) * time.Second,
		ServerErrorMaxSleep: time.Duration(cfg.Performance.ServerErrorPauseSec) * time.Second,
	}
	tiered := scorer.New(scorer.DefaultRegistry(), judge, perf,
		resilient.New(logger.Named("resilient")), policy, logger.Named("scorer"))

	registry := progress.NewRegistry(progress.Config{Logger: logger.Named("progress")})

	pub, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("building publisher: %w", err)
	}
	defer pub.Close() //nolint:errcheck

	clients, err := buildClientSource(cfg)
	if err != nil {
		return fmt.Errorf("building client source: %w", err)
	}

	insightsSvc := insights.NewService(repo, insights.NewSummaryGenerator(), logger.Named("insights"))

	orch := orchestrator.New(repo, clients, coll, tiered, registry, insightsSvc, pub,
		orchestrator.Config{
			CompetitorConcurrency: cfg.Analysis.CompetitorConcurrency,
			EntityBudget:          cfg.EntityBudget(),
		}, logger.Named("orchestrator"))

	rp := reaper.New(repo, registry, reaper.Config{
		StaleAfter: cfg.StaleAfter(),
		Interval:   cfg.ReapInterval(),
		DryRun:     cfg.Reaper.DryRun,
	}, logger.Named("reaper"))
	go rp.Run(ctx)

	srv := api.NewServer(orch, registry, cfg, logger.Named("api"))
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	if err := orch.Wait(shutdownCtx); err != nil {
		logger.Warn("analyses still in flight at shutdown", zap.Error(err))
	}
	if err := registry.Close(shutdownCtx); err != nil {
		logger.Error("registry close failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func buildBlobStore(ctx context.Context, cfg config.Config) (storage.BlobStore, error) {
	switch cfg.Storage.Provider {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcsstore.New(client, gcsstore.Config{Bucket: cfg.Storage.GCSBucket})
	case "local":
		return localstore.New(localstore.Config{BaseDir: cfg.Storage.LocalDir})
	case "memory":
		return memstore.NewBlobStore(), nil
	case "noop", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Storage.Provider)
	}
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (publisher.Publisher, error) {
	if !cfg.PubSub.Enabled {
		logger.Info("pubsub disabled, run notifications held in memory")
		return memorypub.New(), nil
	}
	pub, err := pubsubpub.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher: %w", err)
	}
	return pub, nil
}

func buildClientSource(cfg config.Config) (orchestrator.ClientSource, error) {
	profiles := make([]orchestrator.ClientProfile, 0, len(cfg.Clients))
	for _, c := range cfg.Clients {
		id, err := uuid.Parse(c.ID)
		if err != nil {
			return nil, fmt.Errorf("client id %q: %w", c.ID, err)
		}
		profile := orchestrator.ClientProfile{ID: id, URL: c.URL}
		for _, comp := range c.Competitors {
			compID, err := uuid.Parse(comp.ID)
			if err != nil {
				return nil, fmt.Errorf("competitor id %q: %w", comp.ID, err)
			}
			profile.Competitors = append(profile.Competitors, orchestrator.Competitor{
				ID:    compID,
				URL:   comp.URL,
				Label: comp.Label,
			})
		}
		profiles = append(profiles, profile)
	}
	return orchestrator.NewStaticClientSource(profiles), nil
}
