// Package config loads and validates twincore configuration.
// Configuration is a single YAML file plus a small set of environment
// overrides for secrets and deployment-specific knobs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all twincore configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM backends (realizer + judges share one client)
	LLM LLMConfig `yaml:"llm"`

	// Pipeline thresholds and weights
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Storage
	Storage StorageConfig `yaml:"storage"`

	// HTTP surface
	Server ServerConfig `yaml:"server"`

	// Regression gate thresholds
	Regression RegressionConfig `yaml:"regression"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the generative backend.
type LLMConfig struct {
	Provider       string `yaml:"provider"` // genai
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	JudgeModel     string `yaml:"judge_model"`     // defaults to Model when empty
	EmbeddingModel string `yaml:"embedding_model"` // vector retrieval tier
	Timeout        string `yaml:"timeout"`
}

// PipelineConfig holds the fixed constants of the enforcement pipeline.
type PipelineConfig struct {
	// RewriteThreshold is the aggregate score below which a single rewrite
	// is attempted. Post-rewrite shortfall routes to the fail-safe responder.
	RewriteThreshold float64 `yaml:"rewrite_threshold"`

	// StructureWeight and VoiceWeight are the fixed judge aggregation
	// constants. They must sum to 1.0; policy stays dominant.
	StructureWeight float64 `yaml:"structure_weight"`
	VoiceWeight     float64 `yaml:"voice_weight"`

	// IntentMinConfidence is the floor below which classification degrades
	// to the general label.
	IntentMinConfidence float64 `yaml:"intent_min_confidence"`

	// TerseMultiplier flags responses exceeding this multiple of the
	// declared length band when the persona prefers terse answers.
	TerseMultiplier float64 `yaml:"terse_multiplier"`

	// RetrievalMinRelevance gates each precedence tier; a lower tier is
	// consulted only when no higher-tier hit clears this score.
	RetrievalMinRelevance float64 `yaml:"retrieval_min_relevance"`

	// StageTimeout bounds each network-bound stage (realizer, judges).
	StageTimeout string `yaml:"stage_timeout"`
}

// StorageConfig configures the sqlite store and spec import directory.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	SpecsDir     string `yaml:"specs_dir"`     // watched for YAML persona specs
	AutoPublish  bool   `yaml:"auto_publish"`  // publish imported specs immediately
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// RegressionConfig configures the regression gate thresholds.
type RegressionConfig struct {
	MinPassRate             float64 `yaml:"min_pass_rate"`
	MinAdversarialPassRate  float64 `yaml:"min_adversarial_pass_rate"`
	MinChannelIsolationRate float64 `yaml:"min_channel_isolation_rate"`
}

// LoggingConfig configures categorized debug logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Dir        string          `yaml:"dir"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "twincore",
		Version: "0.3.0",
		LLM: LLMConfig{
			Provider:       "genai",
			Model:          "gemini-2.0-flash",
			EmbeddingModel: "gemini-embedding-001",
			Timeout:        "45s",
		},
		Pipeline: PipelineConfig{
			RewriteThreshold:      0.80,
			StructureWeight:       0.6,
			VoiceWeight:           0.4,
			IntentMinConfidence:   0.25,
			TerseMultiplier:       1.5,
			RetrievalMinRelevance: 0.35,
			StageTimeout:          "60s",
		},
		Storage: StorageConfig{
			DatabasePath: "twincore.db",
			SpecsDir:     "personas",
			AutoPublish:  false,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Regression: RegressionConfig{
			MinPassRate:             0.95,
			MinAdversarialPassRate:  0.95,
			MinChannelIsolationRate: 1.0,
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
			Dir:       "logs",
		},
	}
}

// Load reads configuration from path, applies defaults for missing fields,
// then applies environment overrides. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployments inject secrets and paths without
// editing the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TWINCORE_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("TWINCORE_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("TWINCORE_DB"); v != "" {
		cfg.Storage.DatabasePath = v
	}
	if v := os.Getenv("TWINCORE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("TWINCORE_DEBUG"); v == "1" || v == "true" {
		cfg.Logging.DebugMode = true
	}
}

// Validate checks invariants that would otherwise surface as subtle pipeline
// bugs (a learned-per-request weighting is exactly what the design forbids).
func (c *Config) Validate() error {
	sum := c.Pipeline.StructureWeight + c.Pipeline.VoiceWeight
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("judge weights must sum to 1.0, got %.3f", sum)
	}
	if c.Pipeline.StructureWeight < c.Pipeline.VoiceWeight {
		return fmt.Errorf("structure weight (%.2f) must not be below voice weight (%.2f)",
			c.Pipeline.StructureWeight, c.Pipeline.VoiceWeight)
	}
	if c.Pipeline.RewriteThreshold <= 0 || c.Pipeline.RewriteThreshold > 1 {
		return fmt.Errorf("rewrite_threshold must be in (0,1], got %.2f", c.Pipeline.RewriteThreshold)
	}
	if c.Regression.MinChannelIsolationRate != 1.0 {
		return fmt.Errorf("channel isolation threshold must be exactly 1.0, got %.2f",
			c.Regression.MinChannelIsolationRate)
	}
	return nil
}

// StageTimeout parses the configured stage timeout, defaulting to 60s.
func (c *Config) StageTimeout() time.Duration {
	d, err := time.ParseDuration(c.Pipeline.StageTimeout)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

// LLMTimeout parses the configured LLM timeout, defaulting to 45s.
func (c *Config) LLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil || d <= 0 {
		return 45 * time.Second
	}
	return d
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
