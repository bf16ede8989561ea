package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Load reads the TOML configuration at path, applies defaults, validates it,
// and loads provider secrets from the environment. A missing file is not an
// error: the built-in defaults are used.
func Load(path string) (*Config, *Secrets, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		// defaults only
	default:
		return nil, nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, LoadSecrets(cfg), nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = "data"
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"*"}
	}

	p := &cfg.Pipeline
	if p.FullSessionLimit == 0 {
		p.FullSessionLimit = 20
	}
	if p.WindowSize == 0 {
		p.WindowSize = 30
	}
	if p.Temperature == 0 {
		p.Temperature = 0.7
	}
	if p.MaxTokensBase == 0 {
		p.MaxTokensBase = 4096
	}
	if p.TokensPerEvent == 0 {
		p.TokensPerEvent = 100
	}
	if p.MaxTokensCap == 0 {
		p.MaxTokensCap = 16000
	}
	if p.RequestTimeoutSeconds == 0 {
		p.RequestTimeoutSeconds = 120
	}
	if p.FallbackRetryAfterMin == 0 {
		p.FallbackRetryAfterMin = 5
	}
	if p.MaxConcurrentJobs == 0 {
		p.MaxConcurrentJobs = 4
	}
	if p.FlagCutoff == 0 {
		p.FlagCutoff = 0.7
	}
	if p.FlagFloor == 0 {
		p.FlagFloor = 0.3
	}
	if p.PercentileMinSamples == 0 {
		p.PercentileMinSamples = 100
	}
	if p.TruncateContentSmall == 0 {
		p.TruncateContentSmall = 200
	}
	if p.TruncateContentMedium == 0 {
		p.TruncateContentMedium = 150
	}
	if p.TruncateContentLarge == 0 {
		p.TruncateContentLarge = 100
	}
	if p.TruncateReasoningSmall == 0 {
		p.TruncateReasoningSmall = 300
	}
	if p.TruncateReasoningMedium == 0 {
		p.TruncateReasoningMedium = 200
	}
	if p.TruncateReasoningLarge == 0 {
		p.TruncateReasoningLarge = 150
	}

	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	seedProvider(cfg.Providers, "anthropic", ProviderConfig{
		Kind:    "anthropic",
		BaseURL: "https://api.anthropic.com",
	})
	seedProvider(cfg.Providers, "openai", ProviderConfig{
		Kind:    "openai",
		BaseURL: "https://api.openai.com/v1",
	})
	seedProvider(cfg.Providers, "google", ProviderConfig{
		Kind:    "google",
		BaseURL: "https://generativelanguage.googleapis.com/v1beta",
	})
	seedProvider(cfg.Providers, "ollama", ProviderConfig{
		Kind:    "ollama",
		BaseURL: "http://localhost:11434",
	})
	for name, p := range cfg.Providers {
		if p.Kind == "" {
			p.Kind = "openai"
			cfg.Providers[name] = p
		}
	}

	if cfg.Agents.Analyst.Model == "" {
		cfg.Agents.Analyst = RoleDefault{Provider: "anthropic", Model: "claude-sonnet-4-5"}
	}
	if cfg.Agents.Analyst.Provider == "" {
		cfg.Agents.Analyst.Provider = "anthropic"
	}
	if cfg.Agents.Critic.Model == "" {
		cfg.Agents.Critic = RoleDefault{Provider: "anthropic", Model: "claude-sonnet-4-5"}
	}
	if cfg.Agents.Critic.Provider == "" {
		cfg.Agents.Critic.Provider = "anthropic"
	}
	if cfg.Agents.Judge.Model == "" {
		cfg.Agents.Judge = RoleDefault{Provider: "anthropic", Model: "claude-opus-4-1"}
	}
	if cfg.Agents.Judge.Provider == "" {
		cfg.Agents.Judge.Provider = "anthropic"
	}
}

func seedProvider(providers map[string]ProviderConfig, name string, def ProviderConfig) {
	existing, ok := providers[name]
	if !ok {
		providers[name] = def
		return
	}
	if existing.Kind == "" {
		existing.Kind = def.Kind
	}
	if existing.BaseURL == "" {
		existing.BaseURL = def.BaseURL
	}
	providers[name] = existing
}
