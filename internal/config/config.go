// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Analysis    AnalysisConfig    `mapstructure:"analysis"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	Headless    HeadlessConfig    `mapstructure:"headless"`
	Performance PerformanceConfig `mapstructure:"performance"`
	Judge       JudgeConfig       `mapstructure:"judge"`
	Storage     StorageConfig     `mapstructure:"storage"`
	DB          DBConfig          `mapstructure:"db"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Reaper      ReaperConfig      `mapstructure:"reaper"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Clients     []ClientConfig    `mapstructure:"clients"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// AnalysisConfig governs the run orchestrator.
type AnalysisConfig struct {
	CompetitorConcurrency int `mapstructure:"competitor_concurrency"`
	EntityBudgetMinutes   int `mapstructure:"entity_budget_minutes"`
}

// FetchConfig configures the raw HTML fetcher.
type FetchConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	MaxParallel   int     `mapstructure:"max_parallel"`
	NavTimeoutSec int     `mapstructure:"nav_timeout_seconds"`
	DomainQPS     float64 `mapstructure:"domain_qps"`
}

// PerformanceConfig points at the external performance API and bounds its
// retry policy.
type PerformanceConfig struct {
	BaseURL             string `mapstructure:"base_url"`
	APIKey              string `mapstructure:"api_key"`
	MaxAttempts         int    `mapstructure:"max_attempts"`
	AttemptTimeoutSec   int    `mapstructure:"attempt_timeout_seconds"`
	BaseDelaySeconds    int    `mapstructure:"base_delay_seconds"`
	MaxDelaySeconds     int    `mapstructure:"max_delay_seconds"`
	ServerErrorPauseSec int    `mapstructure:"server_error_pause_seconds"`
}

// JudgeConfig points at the AI judgment service.
type JudgeConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// StorageConfig selects the screenshot blob store.
type StorageConfig struct {
	// Provider is one of gcs, local, memory, noop.
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory repository.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for run-finished notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ReaperConfig controls the stale-run sweep.
type ReaperConfig struct {
	StaleAfterMinutes int  `mapstructure:"stale_after_minutes"`
	IntervalMinutes   int  `mapstructure:"interval_minutes"`
	DryRun            bool `mapstructure:"dry_run"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ClientConfig declares one client profile for the static client source.
type ClientConfig struct {
	ID          string             `mapstructure:"id"`
	URL         string             `mapstructure:"url"`
	Competitors []CompetitorConfig `mapstructure:"competitors"`
}

// CompetitorConfig declares one competitor site for a client.
type CompetitorConfig struct {
	ID    string `mapstructure:"id"`
	URL   string `mapstructure:"url"`
	Label string `mapstructure:"label"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("analysis.competitor_concurrency", 2)
	v.SetDefault("analysis.entity_budget_minutes", 20)
	v.SetDefault("fetch.user_agent", "pulse-effectiveness-bot/0.1")
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.domain_qps", 1.0)
	v.SetDefault("performance.max_attempts", 4)
	v.SetDefault("performance.attempt_timeout_seconds", 240)
	v.SetDefault("performance.base_delay_seconds", 2)
	v.SetDefault("performance.max_delay_seconds", 60)
	v.SetDefault("performance.server_error_pause_seconds", 10)
	v.SetDefault("judge.timeout_seconds", 60)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("reaper.stale_after_minutes", 30)
	v.SetDefault("reaper.interval_minutes", 5)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Analysis.CompetitorConcurrency <= 0 {
		return fmt.Errorf("analysis.competitor_concurrency must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	switch c.Storage.Provider {
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs provider")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local provider")
		}
	case "memory", "noop":
	default:
		return fmt.Errorf("storage.provider %q is not one of gcs, local, memory, noop", c.Storage.Provider)
	}
	for i, client := range c.Clients {
		if _, err := uuid.Parse(client.ID); err != nil {
			return fmt.Errorf("clients[%d].id %q is not a uuid: %w", i, client.ID, err)
		}
		if client.URL == "" {
			return fmt.Errorf("clients[%d].url must be set", i)
		}
		for j, comp := range client.Competitors {
			if _, err := uuid.Parse(comp.ID); err != nil {
				return fmt.Errorf("clients[%d].competitors[%d].id %q is not a uuid: %w", i, j, comp.ID, err)
			}
			if comp.URL == "" {
				return fmt.Errorf("clients[%d].competitors[%d].url must be set", i, j)
			}
		}
	}
	return nil
}

// EntityBudget converts the analysis budget into a duration.
func (c Config) EntityBudget() time.Duration {
	return time.Duration(c.Analysis.EntityBudgetMinutes) * time.Minute
}

// StaleAfter converts the reaper threshold into a duration.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Reaper.StaleAfterMinutes) * time.Minute
}

// ReapInterval converts the reaper cadence into a duration.
func (c Config) ReapInterval() time.Duration {
	return time.Duration(c.Reaper.IntervalMinutes) * time.Minute
}
