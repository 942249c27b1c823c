package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server   ServerConfig
	LLM      LLMConfig
	Storage  StorageConfig
	Pipeline PipelineConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
}

type LLMConfig struct {
	BaseURL      string
	APIKey       string
	QueryModel   string
	PlanModel    string
	SummaryModel string
}

type StorageConfig struct {
	DataDir string
}

type PipelineConfig struct {
	MaxAttempts     int
	UnitMaxAttempts int
	MaxUnits        int
	GlobalDeadline  string
	RowLimit        int
	ConversationTTL string
	ReaperInterval  string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		LLM: LLMConfig{
			BaseURL:      "https://openrouter.ai/api/v1",
			QueryModel:   "openai/gpt-4o-mini",
			PlanModel:    "openai/gpt-4o-mini",
			SummaryModel: "openai/gpt-4o",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Pipeline: PipelineConfig{
			MaxAttempts:     2,
			UnitMaxAttempts: 2,
			MaxUnits:        5,
			GlobalDeadline:  "60s",
			RowLimit:        1000,
			ConversationTTL: "24h",
			ReaperInterval:  "1h",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/quarry/config.json, then applies QUARRY_* environment
// variable overrides. The LLM API key is required and comes from the
// environment (QUARRY_LLM_API_KEY); it is never written to the config file.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.LLM.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: LLM API key. Set it via environment variable QUARRY_LLM_API_KEY")
	}

	if err := validateDurations(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateDurations(cfg Config) error {
	for _, d := range []struct{ key, val string }{
		{"pipeline.global_deadline", cfg.Pipeline.GlobalDeadline},
		{"pipeline.conversation_ttl", cfg.Pipeline.ConversationTTL},
		{"pipeline.reaper_interval", cfg.Pipeline.ReaperInterval},
	} {
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", d.key, err)
		}
	}
	return nil
}

// GlobalDeadlineDuration returns the parsed global deadline. Durations are
// validated at Load time; the fallback only matters for zero-value configs
// constructed in tests.
func (p PipelineConfig) GlobalDeadlineDuration() time.Duration {
	d, err := time.ParseDuration(p.GlobalDeadline)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

func (p PipelineConfig) ConversationTTLDuration() time.Duration {
	d, err := time.ParseDuration(p.ConversationTTL)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

func (p PipelineConfig) ReaperIntervalDuration() time.Duration {
	d, err := time.ParseDuration(p.ReaperInterval)
	if err != nil {
		return time.Hour
	}
	return d
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "quarry-data"
		}
	}
	return filepath.Join(dir, "quarry")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "quarry", "config.json")
}
