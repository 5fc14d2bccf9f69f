// Package postgres provides the Postgres-backed run repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/steveohanians/pulsedashboard-sub001/internal/scoring"
	"github.com/steveohanians/pulsedashboard-sub001/internal/store"
)

// pgxPool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// RunStoreConfig controls the connection pool.
type RunStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// RunStore implements store.RunRepository on Postgres.
type RunStore struct {
	pool pgxPool
}

// NewRunStore connects a pool from config.
func NewRunStore(ctx context.Context, cfg RunStoreConfig) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunStore{pool: pool}, nil
}

// NewRunStoreWithPool wraps an existing pool; tests pass a pgxmock pool.
func NewRunStoreWithPool(pool pgxPool) *RunStore {
	return &RunStore{pool: pool}
}

// Close releases the pool.
func (s *RunStore) Close() {
	s.pool.Close()
}

const runColumns = `id, client_id, competitor_id, url, status, progress, detail,
	overall_score, above_fold_screenshot_url, above_fold_screenshot_error,
	full_page_screenshot_url, full_page_screenshot_error, insights,
	created_at, updated_at`

// CreateRun inserts a new run row.
func (s *RunStore) CreateRun(ctx context.Context, run *scoring.Run) error {
	var competitorID *uuid.UUID
	if id, ok := run.Kind.IsCompetitor(); ok {
		competitorID = &id
	}
	query := `
		INSERT INTO analysis_runs (id, client_id, competitor_id, url, status, progress, detail, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW());
	`
	_, err := s.pool.Exec(ctx, query,
		run.ID, run.ClientID, competitorID, run.URL, run.Status, run.Progress, run.Detail)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun loads one run by id.
func (s *RunStore) GetRun(ctx context.Context, id uuid.UUID) (scoring.Run, error) {
	query := `SELECT ` + runColumns + ` FROM analysis_runs WHERE id = $1;`
	run, err := scanRun(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scoring.Run{}, store.ErrNotFound
		}
		return scoring.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// UpdateRun applies the patch, guarding the forward-only state machine in SQL
// so concurrent writers cannot move a run backward or revive a terminal run.
func (s *RunStore) UpdateRun(ctx context.Context, id uuid.UUID, patch store.RunPatch) error {
	return s.updateRun(ctx, s.pool, id, patch)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *RunStore) updateRun(ctx context.Context, ex execer, id uuid.UUID, patch store.RunPatch) error {
	sets, args := buildRunPatch(patch)
	if len(sets) == 0 {
		return nil
	}
	// Only statuses strictly earlier in the lifecycle may reach the target;
	// patches without a status change are refused on terminal runs.
	guard := terminalStatuses()
	if patch.Status != nil {
		guard = disallowedPredecessors(*patch.Status)
	}
	args = append(args, id, guard)
	query := fmt.Sprintf(
		"UPDATE analysis_runs SET %s, updated_at = NOW() WHERE id = $%d AND status <> ALL($%d);",
		joinSets(sets), len(args)-1, len(args))
	tag, err := ex.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetRun(ctx, id); errors.Is(getErr, store.ErrNotFound) {
			return store.ErrNotFound
		}
		return store.ErrInvalidTransition
	}
	return nil
}

// SetInsights writes the post-completion insights payload; it intentionally
// bypasses the terminal-status guard.
func (s *RunStore) SetInsights(ctx context.Context, id uuid.UUID, insightsJSON string) error {
	query := `UPDATE analysis_runs SET insights = $1, updated_at = NOW() WHERE id = $2;`
	tag, err := s.pool.Exec(ctx, query, insightsJSON, id)
	if err != nil {
		return fmt.Errorf("set insights: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CreateCriterionScore inserts one score row.
func (s *RunStore) CreateCriterionScore(ctx context.Context, score *scoring.CriterionScore) error {
	return insertScore(ctx, s.pool, score)
}

func insertScore(ctx context.Context, ex execer, score *scoring.CriterionScore) error {
	evidence, err := json.Marshal(score.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	passes, err := json.Marshal(score.Passes)
	if err != nil {
		return fmt.Errorf("marshal passes: %w", err)
	}
	query := `
		INSERT INTO criterion_scores (run_id, criterion, score, tier, evidence, passes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW());
	`
	if _, err := ex.Exec(ctx, query,
		score.RunID, score.Criterion, score.Score, int(score.Tier), evidence, passes); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return store.ErrDuplicateScore
		}
		return fmt.Errorf("insert criterion score: %w", err)
	}
	return nil
}

// GetCriterionScores returns all scores for a run.
func (s *RunStore) GetCriterionScores(ctx context.Context, runID uuid.UUID) ([]scoring.CriterionScore, error) {
	query := `
		SELECT run_id, criterion, score, tier, evidence, passes, created_at
		FROM criterion_scores
		WHERE run_id = $1
		ORDER BY criterion;
	`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("query criterion scores: %w", err)
	}
	defer rows.Close()

	var out []scoring.CriterionScore
	for rows.Next() {
		var (
			sc       scoring.CriterionScore
			tier     int
			evidence []byte
			passes   []byte
		)
		if err := rows.Scan(&sc.RunID, &sc.Criterion, &sc.Score, &tier, &evidence, &passes, &sc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan criterion score: %w", err)
		}
		sc.Tier = scoring.Tier(tier)
		if len(evidence) > 0 {
			if err := json.Unmarshal(evidence, &sc.Evidence); err != nil {
				return nil, fmt.Errorf("unmarshal evidence: %w", err)
			}
		}
		if len(passes) > 0 {
			if err := json.Unmarshal(passes, &sc.Passes); err != nil {
				return nil, fmt.Errorf("unmarshal passes: %w", err)
			}
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate criterion scores: %w", err)
	}
	return out, nil
}

// SaveTierResults inserts a tier's scores and applies the run patch inside one
// transaction so readers never see a fresh overall score next to a stale
// criterion set.
func (s *RunStore) SaveTierResults(
	ctx context.Context,
	runID uuid.UUID,
	scores []scoring.CriterionScore,
	patch store.RunPatch,
) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tier tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for i := range scores {
		sc := scores[i]
		sc.RunID = runID
		if err := insertScore(ctx, tx, &sc); err != nil {
			return err
		}
	}
	if err := s.updateRun(ctx, tx, runID, patch); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tier tx: %w", err)
	}
	return nil
}

// FindPendingRun returns the newest non-terminal client-kind run.
func (s *RunStore) FindPendingRun(ctx context.Context, clientID uuid.UUID) (scoring.Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM analysis_runs
		WHERE client_id = $1 AND competitor_id IS NULL AND status <> ALL($2)
		ORDER BY created_at DESC
		LIMIT 1;
	`
	run, err := scanRun(s.pool.QueryRow(ctx, query, clientID, terminalStatuses()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scoring.Run{}, store.ErrNotFound
		}
		return scoring.Run{}, fmt.Errorf("find pending run: %w", err)
	}
	return run, nil
}

// LatestCompleted assembles the completed-only read path plus the newest
// client attempt regardless of status.
func (s *RunStore) LatestCompleted(ctx context.Context, clientID uuid.UUID) (store.LatestResults, error) {
	var result store.LatestResults

	clientQuery := `
		SELECT ` + runColumns + `
		FROM analysis_runs
		WHERE client_id = $1 AND competitor_id IS NULL AND status = $2
		ORDER BY created_at DESC
		LIMIT 1;
	`
	run, err := scanRun(s.pool.QueryRow(ctx, clientQuery, clientID, scoring.StatusCompleted))
	switch {
	case err == nil:
		result.Client = &run
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return store.LatestResults{}, fmt.Errorf("latest completed client run: %w", err)
	}

	attemptQuery := `
		SELECT ` + runColumns + `
		FROM analysis_runs
		WHERE client_id = $1 AND competitor_id IS NULL
		ORDER BY created_at DESC
		LIMIT 1;
	`
	attempt, err := scanRun(s.pool.QueryRow(ctx, attemptQuery, clientID))
	switch {
	case err == nil:
		result.LatestAttempt = &attempt
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return store.LatestResults{}, fmt.Errorf("latest client attempt: %w", err)
	}

	competitorQuery := `
		SELECT DISTINCT ON (competitor_id) ` + runColumns + `
		FROM analysis_runs
		WHERE client_id = $1 AND competitor_id IS NOT NULL AND status = $2
		ORDER BY competitor_id, created_at DESC;
	`
	rows, err := s.pool.Query(ctx, competitorQuery, clientID, scoring.StatusCompleted)
	if err != nil {
		return store.LatestResults{}, fmt.Errorf("latest competitor runs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		comp, err := scanRun(rows)
		if err != nil {
			return store.LatestResults{}, fmt.Errorf("scan competitor run: %w", err)
		}
		result.Competitors = append(result.Competitors, comp)
	}
	if err := rows.Err(); err != nil {
		return store.LatestResults{}, fmt.Errorf("iterate competitor runs: %w", err)
	}
	return result, nil
}

// ListStale returns non-terminal runs last updated before cutoff.
func (s *RunStore) ListStale(ctx context.Context, cutoff time.Time) ([]scoring.Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM analysis_runs
		WHERE status <> ALL($1) AND updated_at < $2
		ORDER BY updated_at;
	`
	rows, err := s.pool.Query(ctx, query, terminalStatuses(), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}
	defer rows.Close()
	var out []scoring.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale runs: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (scoring.Run, error) {
	var (
		run          scoring.Run
		competitorID *uuid.UUID
		status       string
	)
	err := row.Scan(
		&run.ID,
		&run.ClientID,
		&competitorID,
		&run.URL,
		&status,
		&run.Progress,
		&run.Detail,
		&run.OverallScore,
		&run.AboveFoldScreenshotURL,
		&run.AboveFoldScreenshotError,
		&run.FullPageScreenshotURL,
		&run.FullPageScreenshotError,
		&run.InsightsJSON,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return scoring.Run{}, err
	}
	parsed, err := scoring.ParseRunStatus(status)
	if err != nil {
		return scoring.Run{}, err
	}
	run.Status = parsed
	if competitorID != nil {
		run.Kind = scoring.CompetitorRun(*competitorID)
	} else {
		run.Kind = scoring.ClientRun()
	}
	return run, nil
}

func buildRunPatch(patch store.RunPatch) ([]string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.Progress != nil {
		add("progress", *patch.Progress)
	}
	if patch.Detail != nil {
		add("detail", *patch.Detail)
	}
	if patch.OverallScore != nil {
		add("overall_score", *patch.OverallScore)
	}
	if patch.AboveFoldScreenshotURL != nil {
		add("above_fold_screenshot_url", *patch.AboveFoldScreenshotURL)
	}
	if patch.AboveFoldScreenshotError != nil {
		add("above_fold_screenshot_error", *patch.AboveFoldScreenshotError)
	}
	if patch.FullPageScreenshotURL != nil {
		add("full_page_screenshot_url", *patch.FullPageScreenshotURL)
	}
	if patch.FullPageScreenshotError != nil {
		add("full_page_screenshot_error", *patch.FullPageScreenshotError)
	}
	return sets, args
}

func joinSets(sets []string) string {
	out := sets[0]
	for _, s := range sets[1:] {
		out += ", " + s
	}
	return out
}

func terminalStatuses() []string {
	return []string{string(scoring.StatusCompleted), string(scoring.StatusFailed)}
}

// disallowedPredecessors lists statuses the target may NOT be reached from:
// terminal states plus anything at or past the target in lifecycle order.
func disallowedPredecessors(target scoring.RunStatus) []string {
	out := terminalStatuses()
	if target == scoring.StatusFailed {
		return out
	}
	all := []scoring.RunStatus{
		scoring.StatusPending,
		scoring.StatusInitializing,
		scoring.StatusScraping,
		scoring.StatusTier1Analyzing,
		scoring.StatusTier1Complete,
		scoring.StatusTier2Analyzing,
		scoring.StatusTier2Complete,
		scoring.StatusTier3Analyzing,
		scoring.StatusAnalyzing,
	}
	seenTarget := false
	for _, s := range all {
		if s == target {
			seenTarget = true
		}
		if seenTarget {
			out = append(out, string(s))
		}
	}
	return out
}
