package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "QUARRY_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "llm.base_url", typ: kString, env: "QUARRY_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "QUARRY_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.query_model", typ: kString, env: "QUARRY_LLM_QUERY_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.QueryModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.QueryModel },
	},
	{
		key: "llm.plan_model", typ: kString, env: "QUARRY_LLM_PLAN_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.PlanModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.PlanModel },
	},
	{
		key: "llm.summary_model", typ: kString, env: "QUARRY_LLM_SUMMARY_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.SummaryModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.SummaryModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "QUARRY_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "pipeline.max_attempts", typ: kInt, env: "QUARRY_PIPELINE_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxAttempts },
	},
	{
		key: "pipeline.unit_max_attempts", typ: kInt, env: "QUARRY_PIPELINE_UNIT_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.UnitMaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.UnitMaxAttempts },
	},
	{
		key: "pipeline.max_units", typ: kInt, env: "QUARRY_PIPELINE_MAX_UNITS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxUnits = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxUnits },
	},
	{
		key: "pipeline.global_deadline", typ: kString, env: "QUARRY_PIPELINE_GLOBAL_DEADLINE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.GlobalDeadline = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.GlobalDeadline },
	},
	{
		key: "pipeline.row_limit", typ: kInt, env: "QUARRY_PIPELINE_ROW_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.RowLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.RowLimit },
	},
	{
		key: "pipeline.conversation_ttl", typ: kString, env: "QUARRY_PIPELINE_CONVERSATION_TTL",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ConversationTTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.ConversationTTL },
	},
	{
		key: "pipeline.reaper_interval", typ: kString, env: "QUARRY_PIPELINE_REAPER_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ReaperInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.ReaperInterval },
	},
	{
		key: "log.level", typ: kString, env: "QUARRY_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all non-secret config key/value pairs from the current config.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
		})
	}
	return result
}

// SetKey writes a config key to the config file backend.
func SetKey(key, value string) error {
	b := newFileBackend(configFilePath())

	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
		}
		switch s.typ {
		case kString:
			return b.SetString(key, value)
		case kInt:
			i, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid integer value for %s: %w", key, err)
			}
			return b.SetInt(key, i)
		}
	}

	return fmt.Errorf("unknown config key: %q", key)
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
