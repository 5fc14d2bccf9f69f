// Package orchestrator owns the analysis run lifecycle: run creation, phase
// sequencing, competitor fan-out, and status reporting.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/steveohanians/pulsedashboard-sub001/internal/metrics"
	"github.com/steveohanians/pulsedashboard-sub001/internal/progress"
	"github.com/steveohanians/pulsedashboard-sub001/internal/publisher"
	"github.com/steveohanians/pulsedashboard-sub001/internal/scoring"
	"github.com/steveohanians/pulsedashboard-sub001/internal/store"
)

// Collector gathers the data bundle for one URL.
type Collector interface {
	CollectAll(ctx context.Context, url string) scoring.DataBundle
}

// Scorer runs the scoring tiers and the final aggregation.
type Scorer interface {
	RunTier1(ctx context.Context, runID uuid.UUID, bundle scoring.DataBundle) []scoring.CriterionScore
	RunTier2(ctx context.Context, runID uuid.UUID, bundle scoring.DataBundle, tier1 []scoring.CriterionScore) []scoring.CriterionScore
	RunTier3(ctx context.Context, runID uuid.UUID, url string) (scoring.CriterionScore, error)
	Aggregate(scores []scoring.CriterionScore) (float64, map[string]any, error)
}

// InsightsGenerator produces the optional post-completion insights document.
type InsightsGenerator interface {
	GenerateFor(ctx context.Context, runID uuid.UUID) error
}

// Config bounds the orchestrator's fan-out and per-entity budget.
type Config struct {
	// CompetitorConcurrency caps simultaneous competitor runs. Unbounded
	// fan-out would reproduce the rate-limit failures the resilient client
	// exists to avoid.
	CompetitorConcurrency int
	// EntityBudget is the wall-clock allowance for one entity's full run.
	EntityBudget time.Duration
}

func (c Config) withDefaults() Config {
	if c.CompetitorConcurrency <= 0 {
		c.CompetitorConcurrency = 2
	}
	if c.EntityBudget <= 0 {
		c.EntityBudget = 20 * time.Minute
	}
	return c
}

// ResultSet is the dashboard read-model with scores attached per run.
type ResultSet struct {
	store.LatestResults
	Scores map[uuid.UUID][]scoring.CriterionScore
}

// Orchestrator drives analysis runs. StartAnalysis never blocks on the work
// itself; processing happens on a detached goroutine.
type Orchestrator struct {
	repo      store.RunRepository
	clients   ClientSource
	collector Collector
	scorer    Scorer
	registry  *progress.Registry
	insights  InsightsGenerator
	pub       publisher.Publisher
	cfg       Config
	logger    *zap.Logger

	baseCtx context.Context
	wg      sync.WaitGroup
}

// New constructs an Orchestrator. insights and pub may be nil; both steps
// are best-effort extras.
func New(
	repo store.RunRepository,
	clients ClientSource,
	collector Collector,
	scorer Scorer,
	registry *progress.Registry,
	insights InsightsGenerator,
	pub publisher.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pub == nil {
		pub = publisher.NoOp{}
	}
	return &Orchestrator{
		repo:      repo,
		clients:   clients,
		collector: collector,
		scorer:    scorer,
		registry:  registry,
		insights:  insights,
		pub:       pub,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		baseCtx:   context.Background(),
	}
}

// StartAnalysis creates a run for the client and schedules processing. When
// force is false and a non-terminal client run already exists, that run's id
// is returned instead of starting a second orchestration of the same client.
func (o *Orchestrator) StartAnalysis(ctx context.Context, clientID uuid.UUID, force bool) (uuid.UUID, error) {
	profile, err := o.clients.Lookup(ctx, clientID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolving client: %w", err)
	}

	if !force {
		if pending, err := o.repo.FindPendingRun(ctx, clientID); err == nil {
			o.logger.Info("reusing pending run",
				zap.String("client_id", clientID.String()),
				zap.String("run_id", pending.ID.String()),
			)
			return pending.ID, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return uuid.Nil, fmt.Errorf("checking for pending run: %w", err)
		}
	}

	run := scoring.Run{
		ID:       uuid.New(),
		ClientID: clientID,
		Kind:     scoring.ClientRun(),
		URL:      profile.URL,
		Status:   scoring.StatusPending,
		Detail:   "queued",
	}
	if err := o.repo.CreateRun(ctx, &run); err != nil {
		return uuid.Nil, fmt.Errorf("creating run: %w", err)
	}
	o.publishProgress(run, nil)

	o.wg.Add(1)
	go o.process(run, profile)

	o.logger.Info("analysis started",
		zap.String("client_id", clientID.String()),
		zap.String("run_id", run.ID.String()),
		zap.Int("competitors", len(profile.Competitors)),
	)
	return run.ID, nil
}

// GetProgress returns the live registry record when present, otherwise a
// best-effort reconstruction from the persisted run. The registry is an
// optimization, not the source of truth.
func (o *Orchestrator) GetProgress(ctx context.Context, runID uuid.UUID) (progress.Record, error) {
	if rec, ok := o.registry.Get(runID); ok {
		return rec, nil
	}
	run, err := o.repo.GetRun(ctx, runID)
	if err != nil {
		return progress.Record{}, fmt.Errorf("loading run progress: %w", err)
	}
	return progress.Record{
		RunID:          run.ID,
		ClientID:       run.ClientID,
		Status:         run.Status,
		OverallPercent: run.Progress,
		Message:        run.Detail,
		UpdatedAt:      run.UpdatedAt,
	}, nil
}

// GetLatestResults returns the newest completed run for the client and per
// competitor, with their criterion scores. A newer failed attempt never
// shadows an older completed run here; it is exposed via LatestAttempt.
func (o *Orchestrator) GetLatestResults(ctx context.Context, clientID uuid.UUID) (ResultSet, error) {
	latest, err := o.repo.LatestCompleted(ctx, clientID)
	if err != nil {
		return ResultSet{}, fmt.Errorf("loading latest results: %w", err)
	}
	rs := ResultSet{
		LatestResults: latest,
		Scores:        make(map[uuid.UUID][]scoring.CriterionScore),
	}
	runs := make([]scoring.Run, 0, len(latest.Competitors)+1)
	if latest.Client != nil {
		runs = append(runs, *latest.Client)
	}
	runs = append(runs, latest.Competitors...)
	for _, run := range runs {
		scores, err := o.repo.GetCriterionScores(ctx, run.ID)
		if err != nil {
			return ResultSet{}, fmt.Errorf("loading scores for run %s: %w", run.ID, err)
		}
		rs.Scores[run.ID] = scores
	}
	return rs, nil
}

// Wait blocks until all detached processing finishes or the context dies.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for analyses: %w", ctx.Err())
	}
}

// process runs the client entity to completion, generates insights, then
// fans out to competitors under the concurrency bound. Competitor failures
// never touch the client run, and one competitor failing never aborts its
// siblings.
func (o *Orchestrator) process(clientRun scoring.Run, profile ClientProfile) {
	defer o.wg.Done()

	o.runEntity(&clientRun)

	if clientRun.Status == scoring.StatusCompleted && o.insights != nil {
		insightsCtx, cancel := context.WithTimeout(o.baseCtx, 2*time.Minute)
		if err := o.insights.GenerateFor(insightsCtx, clientRun.ID); err != nil {
			o.logger.Warn("insights generation failed",
				zap.String("run_id", clientRun.ID.String()),
				zap.Error(err),
			)
		}
		cancel()
	}

	sem := make(chan struct{}, o.cfg.CompetitorConcurrency)
	var wg sync.WaitGroup
	for _, comp := range profile.Competitors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			// The run row is created only once a slot is held, so at most
			// the configured number of competitor runs is ever non-terminal.
			run := scoring.Run{
				ID:       uuid.New(),
				ClientID: clientRun.ClientID,
				Kind:     scoring.CompetitorRun(comp.ID),
				URL:      comp.URL,
				Status:   scoring.StatusPending,
				Detail:   "queued",
			}
			createCtx, cancel := context.WithTimeout(o.baseCtx, 30*time.Second)
			err := o.repo.CreateRun(createCtx, &run)
			cancel()
			if err != nil {
				o.logger.Error("creating competitor run failed",
					zap.String("competitor_url", comp.URL),
					zap.Error(err),
				)
				return
			}
			o.publishProgress(run, nil)
			o.runEntity(&run)
		}()
	}
	wg.Wait()
}

// runEntity processes one run under its wall-clock budget. Any error that
// escapes phase containment fails that one run and goes no further.
func (o *Orchestrator) runEntity(run *scoring.Run) {
	metrics.IncActiveAnalyses()
	defer metrics.DecActiveAnalyses()

	ctx, cancel := context.WithTimeout(o.baseCtx, o.cfg.EntityBudget)
	defer cancel()

	if err := o.processEntity(ctx, run); err != nil {
		o.failRun(run, err)
	}
}

func (o *Orchestrator) processEntity(ctx context.Context, run *scoring.Run) error {
	if err := o.setStatus(ctx, run, scoring.StatusInitializing, "preparing analysis", nil); err != nil {
		return err
	}
	if err := o.setStatus(ctx, run, scoring.StatusScraping, "collecting site data", nil); err != nil {
		return err
	}

	bundle := o.collector.CollectAll(ctx, run.URL)
	if degraded := bundle.Degraded(); len(degraded) > 0 {
		o.logger.Warn("data collection degraded",
			zap.String("run_id", run.ID.String()),
			zap.Strings("sources", degraded),
		)
	}

	err := o.setStatus(ctx, run, scoring.StatusTier1Analyzing, "scoring html criteria", func(patch *store.RunPatch) {
		patch.AboveFoldScreenshotURL = &bundle.AboveFoldScreenshotURL
		patch.AboveFoldScreenshotError = &bundle.AboveFoldScreenshotError
		patch.FullPageScreenshotURL = &bundle.FullPageScreenshotURL
		patch.FullPageScreenshotError = &bundle.FullPageScreenshotError
	})
	if err != nil {
		return err
	}

	tier1Start := time.Now()
	tier1 := o.scorer.RunTier1(ctx, run.ID, bundle)
	metrics.ObserveTier("1", time.Since(tier1Start))
	if err := o.saveTier(ctx, run, tier1, scoring.StatusTier1Complete, "html criteria scored"); err != nil {
		return err
	}

	if err := o.setStatus(ctx, run, scoring.StatusTier2Analyzing, "scoring experience criteria", nil); err != nil {
		return err
	}
	tier2Start := time.Now()
	tier2 := o.scorer.RunTier2(ctx, run.ID, bundle, tier1)
	metrics.ObserveTier("2", time.Since(tier2Start))
	if err := o.saveTier(ctx, run, tier2, scoring.StatusTier2Complete, "experience criteria scored"); err != nil {
		return err
	}

	if err := o.setStatus(ctx, run, scoring.StatusTier3Analyzing, "measuring site performance", nil); err != nil {
		return err
	}
	tier3Start := time.Now()
	tier3, err := o.scorer.RunTier3(ctx, run.ID, run.URL)
	metrics.ObserveTier("3", time.Since(tier3Start))
	if err != nil {
		return scoring.NewStepError(scoring.TagNetworkTimeout, "tier3", err)
	}
	if fellBack, ok := tier3.Evidence["fallback"].(bool); ok && fellBack {
		metrics.ObserveFallbackScore()
	}
	if err := o.saveTier(ctx, run, []scoring.CriterionScore{tier3}, scoring.StatusAnalyzing, "aggregating scores"); err != nil {
		return err
	}

	return o.complete(ctx, run)
}

// complete aggregates all persisted scores and writes the terminal state.
func (o *Orchestrator) complete(ctx context.Context, run *scoring.Run) error {
	scores, err := o.repo.GetCriterionScores(ctx, run.ID)
	if err != nil {
		return scoring.NewStepError(scoring.TagDatabaseError, "load_scores", err)
	}
	overall, evidence, err := o.scorer.Aggregate(scores)
	if err != nil {
		return scoring.NewStepError(scoring.TagParsingError, "aggregate", err)
	}

	detail := "analysis complete"
	if complete, ok := evidence["complete"].(bool); ok && !complete {
		detail = "analysis complete (" + strconv.Itoa(len(scores)) + "/" + strconv.Itoa(scoring.CriterionCount) + " criteria)"
		o.logger.Warn("run completed with partial criterion set",
			zap.String("run_id", run.ID.String()),
			zap.Int("scored", len(scores)),
		)
	}

	patch := store.StatusPatch(scoring.StatusCompleted, detail)
	patch.OverallScore = &overall
	if err := o.repo.UpdateRun(ctx, run.ID, patch); err != nil {
		return scoring.NewStepError(scoring.TagDatabaseError, "complete_run", err)
	}
	run.Status = scoring.StatusCompleted
	run.Progress = scoring.StatusCompleted.Percent()
	run.Detail = detail
	run.OverallScore = &overall

	o.publishProgress(*run, finalPayload(*run, scores))
	o.notify(*run)
	metrics.ObserveRun(string(scoring.StatusCompleted), runKindLabel(run.Kind))
	o.logger.Info("run completed",
		zap.String("run_id", run.ID.String()),
		zap.Float64("overall_score", overall),
	)
	return nil
}

// failRun records the terminal failure. It uses a fresh context so a dead
// entity budget cannot also block the failure write.
func (o *Orchestrator) failRun(run *scoring.Run, cause error) {
	tag := scoring.TagOf(cause)
	metrics.ObserveStepError(string(tag))
	metrics.ObserveRun(string(scoring.StatusFailed), runKindLabel(run.Kind))
	o.logger.Error("run failed",
		zap.String("run_id", run.ID.String()),
		zap.String("error_tag", string(tag)),
		zap.Error(cause),
	)

	ctx, cancel := context.WithTimeout(o.baseCtx, 30*time.Second)
	defer cancel()
	if err := o.repo.UpdateRun(ctx, run.ID, store.StatusPatch(scoring.StatusFailed, cause.Error())); err != nil {
		o.logger.Error("recording run failure failed",
			zap.String("run_id", run.ID.String()),
			zap.Error(err),
		)
	}
	run.Status = scoring.StatusFailed
	run.Detail = cause.Error()
	o.publishProgress(*run, nil)
	o.notify(*run)
}

func (o *Orchestrator) setStatus(ctx context.Context, run *scoring.Run, status scoring.RunStatus, detail string, extra func(*store.RunPatch)) error {
	patch := store.StatusPatch(status, detail)
	if extra != nil {
		extra(&patch)
	}
	if err := o.repo.UpdateRun(ctx, run.ID, patch); err != nil {
		return scoring.NewStepError(scoring.TagDatabaseError, "update_run", err)
	}
	run.Status = status
	run.Progress = status.Percent()
	run.Detail = detail
	o.publishProgress(*run, nil)
	return nil
}

func (o *Orchestrator) saveTier(ctx context.Context, run *scoring.Run, scores []scoring.CriterionScore, status scoring.RunStatus, detail string) error {
	if err := o.repo.SaveTierResults(ctx, run.ID, scores, store.StatusPatch(status, detail)); err != nil {
		return scoring.NewStepError(scoring.TagDatabaseError, "save_tier", err)
	}
	run.Status = status
	run.Progress = status.Percent()
	run.Detail = detail
	o.publishProgress(*run, nil)
	return nil
}

func (o *Orchestrator) publishProgress(run scoring.Run, final any) {
	o.registry.Set(progress.Record{
		RunID:          run.ID,
		ClientID:       run.ClientID,
		Status:         run.Status,
		OverallPercent: run.Progress,
		Message:        run.Detail,
		Final:          final,
	})
}

// notify publishes the run-finished event. Best-effort only.
func (o *Orchestrator) notify(run scoring.Run) {
	ctx, cancel := context.WithTimeout(o.baseCtx, 10*time.Second)
	defer cancel()
	payload := publisher.RunFinished{
		RunID:        run.ID,
		ClientID:     run.ClientID,
		URL:          run.URL,
		Status:       run.Status,
		OverallScore: run.OverallScore,
		Detail:       run.Detail,
	}
	if _, err := o.pub.Publish(ctx, payload); err != nil {
		o.logger.Warn("run notification failed",
			zap.String("run_id", run.ID.String()),
			zap.Error(err),
		)
	}
}

func finalPayload(run scoring.Run, scores []scoring.CriterionScore) map[string]any {
	list := make([]map[string]any, 0, len(scores))
	for _, sc := range scores {
		list = append(list, map[string]any{
			"criterion": string(sc.Criterion),
			"score":     sc.Score,
			"tier":      int(sc.Tier),
			"evidence":  sc.Evidence,
			"passes":    sc.Passes,
		})
	}
	payload := map[string]any{
		"runId":  run.ID.String(),
		"url":    run.URL,
		"scores": list,
	}
	if run.OverallScore != nil {
		payload["overallScore"] = *run.OverallScore
	}
	return payload
}

func runKindLabel(kind scoring.RunKind) string {
	if _, ok := kind.IsCompetitor(); ok {
		return "competitor"
	}
	return "client"
}
