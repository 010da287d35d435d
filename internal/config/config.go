// Package config holds the construction parameters recognized by the
// cortex engine (spec §6): storage location, embedding/token-estimator
// hooks, thresholds, session/consolidation/decay tuning, and preloader
// behavior. Configuration is YAML-driven, matching the teacher's
// internal/config/config.go.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level construction configuration for a cortex handle.
type Config struct {
	DBPath string `yaml:"db_path"`

	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Thresholds    Thresholds          `yaml:"thresholds"`
	Session       SessionConfig       `yaml:"session"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Decay         DecayConfig         `yaml:"decay"`
	Preloader     PreloaderConfig     `yaml:"preloader"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// EmbeddingConfig configures the vector embedding provider. Supports
// Ollama (local) and GenAI (cloud) backends, matching the teacher's
// internal/config/memory.go EmbeddingConfig.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider" json:"provider"` // "ollama" or "genai"
	OllamaEndpoint string `yaml:"ollama_endpoint" json:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model" json:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key" json:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model" json:"genai_model"`
	TaskType       string `yaml:"task_type" json:"task_type"`
}

// Thresholds carries the spec §6 dominant/health-score thresholds. They
// are loaded and saved with the rest of the config; no package in this
// module reads them.
type Thresholds struct {
	DominantMinFrequency int     `yaml:"dominant_min_frequency"`
	HealthScoreWarning   float64 `yaml:"health_score_warning"`
	HealthScoreCritical  float64 `yaml:"health_score_critical"`
}

// SessionConfig tunes session lifecycle (spec §4.6).
type SessionConfig struct {
	MaxDuration         time.Duration `yaml:"max_duration"`
	InactivityTimeout   time.Duration `yaml:"inactivity_timeout"`
	MaxTokensPerSession int           `yaml:"max_tokens_per_session"`
	PersistSessions     bool          `yaml:"persist_sessions"`
	RetentionDays       int           `yaml:"retention_days"`
}

// ConsolidationConfig tunes the five-phase scheduler (spec §4.7).
type ConsolidationConfig struct {
	MinAge             time.Duration `yaml:"min_age"`
	MaxEpisodes        int           `yaml:"max_episodes"`
	ScheduleIntervalMs int64         `yaml:"schedule_interval_ms"`
	Enabled            bool          `yaml:"enabled"`
}

// DecayConfig tunes the decay engine (spec §4.9).
type DecayConfig struct {
	ArchivalThreshold float64 `yaml:"archival_threshold"`
}

// PreloaderConfig tunes the embedding cache's background preloader
// (spec §4.2).
type PreloaderConfig struct {
	MaxBatchSize      int     `yaml:"max_batch_size"`
	MinConfidence     float64 `yaml:"min_confidence"`
	BatchDelayMs      int64   `yaml:"batch_delay_ms"`
	BackgroundPreload bool    `yaml:"background_preload"`
}

// LoggingConfig mirrors the shape of internal/logging's own on-disk
// config, matching the teacher's split between
// internal/config.LoggingConfig and internal/logging's file-based config.
// Nothing passes it to internal/logging, which reads its settings from its
// own config file.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories,omitempty"`
}

// DefaultConfig returns the default cortex engine configuration.
func DefaultConfig() *Config {
	return &Config{
		DBPath: "data/cortex.db",

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			TaskType:       "SEMANTIC_SIMILARITY",
		},

		Thresholds: Thresholds{
			DominantMinFrequency: 2,
			HealthScoreWarning:   0.5,
			HealthScoreCritical:  0.25,
		},

		Session: SessionConfig{
			MaxDuration:         24 * time.Hour,
			InactivityTimeout:   30 * time.Minute,
			MaxTokensPerSession: 1_000_000,
			PersistSessions:     true,
			RetentionDays:       7,
		},

		Consolidation: ConsolidationConfig{
			MinAge:             24 * time.Hour,
			MaxEpisodes:        100,
			ScheduleIntervalMs: (6 * time.Hour).Milliseconds(),
			Enabled:            true,
		},

		Decay: DecayConfig{
			ArchivalThreshold: 0.15,
		},

		Preloader: PreloaderConfig{
			MaxBatchSize:      10,
			MinConfidence:     0.5,
			BatchDelayMs:      100,
			BackgroundPreload: true,
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads a YAML config file from path, starting from DefaultConfig()
// and overlaying whatever the file specifies.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}
