package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mbaxszy7/mnemora/internal/pkg/envutil"
)

// SchedulerConfig is the per-stage polling-loop tuning. Every stage owns one
// instance with its own cadence; defaults are applied at construction, not at
// the point of use.
type SchedulerConfig struct {
	DefaultInterval       time.Duration `yaml:"default_interval"`
	MinDelay              time.Duration `yaml:"min_delay"`
	SoonDelay             time.Duration `yaml:"soon_delay"`
	StaleRunningThreshold time.Duration `yaml:"stale_running_threshold"`
}

// RetryConfig governs the claim-and-retry protocol for one work-record table.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	// Adaptive reschedule bounds for work that is waiting on upstream rather
	// than failing outright.
	ProcessingMinDelay time.Duration `yaml:"processing_min_delay"`
	ProcessingMaxDelay time.Duration `yaml:"processing_max_delay"`
	Jitter             time.Duration `yaml:"jitter"`
}

// DispatchConfig bounds one stage's per-cycle fan-out.
type DispatchConfig struct {
	Concurrency    int `yaml:"concurrency"`
	MaxPerCycle    int `yaml:"max_per_cycle"`
	RealtimeWeight int `yaml:"realtime_weight"`
	RecoveryWeight int `yaml:"recovery_weight"`
}

type StageConfig struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Retry     RetryConfig     `yaml:"retry"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
}

type ThreadsConfig struct {
	GapThreshold      time.Duration `yaml:"gap_threshold"`
	InactiveAfter     time.Duration `yaml:"inactive_after"`
	SnapshotNodeCount int           `yaml:"snapshot_node_count"`
	InactiveSweepCron string        `yaml:"inactive_sweep_cron"`
}

type VectorConfig struct {
	IndexPath     string        `yaml:"index_path"`
	Headroom      int           `yaml:"headroom"`
	FlushDebounce time.Duration `yaml:"flush_debounce"`
}

type ModelConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxConcurrency int           `yaml:"max_concurrency"`
}

type NotifyConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

type Config struct {
	Mode   string `yaml:"mode"`
	DBPath string `yaml:"db_path"`

	Analysis  StageConfig `yaml:"analysis"`
	Summary   StageConfig `yaml:"summary"`
	Detail    StageConfig `yaml:"detail"`
	Embedding StageConfig `yaml:"embedding"`

	Threads ThreadsConfig `yaml:"threads"`
	Vector  VectorConfig  `yaml:"vector"`
	Model   ModelConfig   `yaml:"model"`
	Notify  NotifyConfig  `yaml:"notify"`
}

func defaultStage(interval time.Duration) StageConfig {
	return StageConfig{
		Scheduler: SchedulerConfig{
			DefaultInterval:       interval,
			MinDelay:              200 * time.Millisecond,
			SoonDelay:             time.Second,
			StaleRunningThreshold: 5 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:        3,
			RetryDelay:         30 * time.Second,
			ProcessingMinDelay: 5 * time.Second,
			ProcessingMaxDelay: 2 * time.Minute,
			Jitter:             2 * time.Second,
		},
		Dispatch: DispatchConfig{
			Concurrency:    2,
			MaxPerCycle:    8,
			RealtimeWeight: 3,
			RecoveryWeight: 1,
		},
	}
}

// Load assembles the full configuration: built-in defaults, then the optional
// YAML overrides file named by MNEMORA_CONFIG, then individual env vars for
// the handful of knobs that are commonly tuned per deployment.
func Load() (Config, error) {
	cfg := Config{
		Mode:      envutil.String("MNEMORA_MODE", "dev"),
		DBPath:    envutil.String("MNEMORA_DB", "mnemora.db"),
		Analysis:  defaultStage(30 * time.Second),
		Summary:   defaultStage(time.Minute),
		Detail:    defaultStage(time.Minute),
		Embedding: defaultStage(30 * time.Second),
		Threads: ThreadsConfig{
			GapThreshold:      10 * time.Minute,
			InactiveAfter:     2 * time.Hour,
			SnapshotNodeCount: 20,
			InactiveSweepCron: "@every 10m",
		},
		Vector: VectorConfig{
			IndexPath:     envutil.String("MNEMORA_INDEX", "mnemora.vec"),
			Headroom:      1024,
			FlushDebounce: 2 * time.Second,
		},
		Model: ModelConfig{
			Timeout:        90 * time.Second,
			MaxConcurrency: 4,
		},
		Notify: NotifyConfig{
			Debounce: 800 * time.Millisecond,
		},
	}

	if path := os.Getenv("MNEMORA_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.Model.Timeout = envutil.Duration("MNEMORA_MODEL_TIMEOUT", cfg.Model.Timeout)
	cfg.Model.MaxConcurrency = envutil.Int("MNEMORA_MODEL_CONCURRENCY", cfg.Model.MaxConcurrency)
	return cfg, nil
}
