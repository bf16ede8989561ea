package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/lamim/cogtrace/pkg/models"
)

// Config is the complete engine configuration loaded from TOML.
type Config struct {
	Server    ServerConfig              `toml:"server"`
	Pipeline  PipelineConfig            `toml:"pipeline"`
	Providers map[string]ProviderConfig `toml:"providers"`
	Agents    AgentsConfig              `toml:"agents"`
	Prompts   PromptOverrides           `toml:"prompts"`
}

// ServerConfig holds the HTTP surface and storage locations.
type ServerConfig struct {
	ListenAddr  string   `toml:"listen_addr"`
	DataDir     string   `toml:"data_dir"` // datasets/, checkpoints/, jobs/<id>/logs/, resolutions.db
	CORSOrigins []string `toml:"cors_origins"`
}

// PipelineConfig holds annotation pipeline tunables shared across jobs.
// Per-job agent configuration can override window size, temperature and the
// fallback cooldown.
type PipelineConfig struct {
	FullSessionLimit      int     `toml:"full_session_limit"`       // events at or below run untruncated (default 20)
	WindowSize            int     `toml:"window_size"`              // sliding-window size for long sessions (default 30)
	Temperature           float64 `toml:"temperature"`              // default 0.7
	MaxTokensBase         int     `toml:"max_tokens_base"`          // default 4096
	TokensPerEvent        int     `toml:"tokens_per_event"`         // default 100
	MaxTokensCap          int     `toml:"max_tokens_cap"`           // default 16000
	RequestTimeoutSeconds int     `toml:"request_timeout_seconds"`  // hard per-call timeout (default 120)
	FallbackRetryAfterMin int     `toml:"fallback_retry_after_min"` // primary cooldown in minutes (default 5)
	MaxConcurrentJobs     int     `toml:"max_concurrent_jobs"`      // parallel jobs; sessions within a job stay sequential (default 4)

	// Flagging thresholds. Below PercentileMinSamples observed scores the
	// fixed FlagCutoff applies; at or above it the job's exact 99th
	// percentile does, floored at FlagFloor.
	FlagCutoff           float64 `toml:"flag_cutoff"`            // default 0.7
	FlagFloor            float64 `toml:"flag_floor"`             // default 0.3
	PercentileMinSamples int     `toml:"percentile_min_samples"` // default 100

	// Per-event content caps by session size tier for the truncate strategy.
	TruncateContentSmall    int `toml:"truncate_content_small"`    // default 200
	TruncateContentMedium   int `toml:"truncate_content_medium"`   // default 150
	TruncateContentLarge    int `toml:"truncate_content_large"`    // default 100
	TruncateReasoningSmall  int `toml:"truncate_reasoning_small"`  // default 300
	TruncateReasoningMedium int `toml:"truncate_reasoning_medium"` // default 200
	TruncateReasoningLarge  int `toml:"truncate_reasoning_large"`  // default 150
}

// ProviderConfig describes one model provider endpoint.
type ProviderConfig struct {
	// Kind selects the wire dialect: openai, anthropic, google, or ollama.
	// Custom endpoints default to openai (OpenAI-compatible).
	Kind               string `toml:"kind"`
	BaseURL            string `toml:"base_url"`
	APIKeyEnv          string `toml:"api_key_env"`
	RateLimitPerMinute int    `toml:"rate_limit_per_minute"`
}

// RoleDefault is the default model selection for one agent role, used when a
// start-job request carries no agent configuration.
type RoleDefault struct {
	Provider         string `toml:"provider"`
	Model            string `toml:"model"`
	FallbackProvider string `toml:"fallback_provider"`
	FallbackModel    string `toml:"fallback_model"`
}

// AgentsConfig holds default model selections per pipeline role.
type AgentsConfig struct {
	Analyst RoleDefault `toml:"analyst"`
	Critic  RoleDefault `toml:"critic"`
	Judge   RoleDefault `toml:"judge"`
}

// PromptOverrides replaces the built-in prompt template for a role when set.
type PromptOverrides struct {
	Analyst string `toml:"analyst"`
	Critic  string `toml:"critic"`
	Judge   string `toml:"judge"`
}

// TruncationLimits returns the (content, reasoning) caps for a session of
// numEvents events under the truncate strategy. Windowed and full sessions
// use the small tier.
func (p PipelineConfig) TruncationLimits(strategy models.SessionStrategy, numEvents int) (int, int) {
	if strategy != models.StrategyTruncate {
		return p.TruncateContentSmall, p.TruncateReasoningSmall
	}
	switch {
	case numEvents <= p.FullSessionLimit:
		return p.TruncateContentSmall, p.TruncateReasoningSmall
	case numEvents <= 50:
		return p.TruncateContentMedium, p.TruncateReasoningMedium
	default:
		return p.TruncateContentLarge, p.TruncateReasoningLarge
	}
}

// MaxTokens computes the generation budget for a session of numEvents events.
func (p PipelineConfig) MaxTokens(numEvents int) int {
	desired := p.MaxTokensBase + numEvents*p.TokensPerEvent
	if desired > p.MaxTokensCap {
		return p.MaxTokensCap
	}
	return desired
}

// DefaultAgentConfig builds the per-job agent configuration from the
// configured role defaults.
func (c *Config) DefaultAgentConfig() models.AgentConfig {
	toModelCfg := func(d RoleDefault) models.AgentModelConfig {
		mc := models.AgentModelConfig{
			Primary: models.ModelRef{Provider: d.Provider, Model: d.Model},
		}
		if d.FallbackModel != "" {
			mc.Fallback = &models.ModelRef{Provider: d.FallbackProvider, Model: d.FallbackModel}
		}
		return mc
	}

	return models.AgentConfig{
		Analyst:               toModelCfg(c.Agents.Analyst),
		Critic:                toModelCfg(c.Agents.Critic),
		Judge:                 toModelCfg(c.Agents.Judge),
		FallbackRetryAfterMin: c.Pipeline.FallbackRetryAfterMin,
		WindowSize:            c.Pipeline.WindowSize,
		Temperature:           c.Pipeline.Temperature,
		UseFullPipeline:       true,
	}
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Pipeline.Temperature < 0 || c.Pipeline.Temperature > 2 {
		return fmt.Errorf("pipeline.temperature must be between 0 and 2 (got %.2f)", c.Pipeline.Temperature)
	}
	if c.Pipeline.WindowSize < 1 {
		return fmt.Errorf("pipeline.window_size must be at least 1 (got %d)", c.Pipeline.WindowSize)
	}
	if c.Pipeline.FullSessionLimit < 1 {
		return fmt.Errorf("pipeline.full_session_limit must be at least 1 (got %d)", c.Pipeline.FullSessionLimit)
	}
	if c.Pipeline.WindowSize < c.Pipeline.FullSessionLimit {
		return fmt.Errorf("pipeline.window_size (%d) must not be below full_session_limit (%d)",
			c.Pipeline.WindowSize, c.Pipeline.FullSessionLimit)
	}
	if c.Pipeline.FlagCutoff < 0 || c.Pipeline.FlagCutoff > 1 {
		return fmt.Errorf("pipeline.flag_cutoff must be between 0 and 1 (got %.2f)", c.Pipeline.FlagCutoff)
	}
	if c.Pipeline.MaxTokensBase < 1 || c.Pipeline.MaxTokensCap < c.Pipeline.MaxTokensBase {
		return fmt.Errorf("pipeline token budget invalid: base=%d cap=%d",
			c.Pipeline.MaxTokensBase, c.Pipeline.MaxTokensCap)
	}

	for name, p := range c.Providers {
		if p.BaseURL == "" {
			return fmt.Errorf("providers.%s.base_url is required", name)
		}
		switch p.Kind {
		case "openai", "anthropic", "google", "ollama":
		default:
			return fmt.Errorf("providers.%s.kind must be openai, anthropic, google, or ollama (got %q)", name, p.Kind)
		}
	}

	for role, d := range map[string]RoleDefault{
		"analyst": c.Agents.Analyst,
		"critic":  c.Agents.Critic,
		"judge":   c.Agents.Judge,
	} {
		if d.Model == "" {
			return fmt.Errorf("agents.%s.model is required", role)
		}
		if _, ok := c.Providers[d.Provider]; !ok {
			return fmt.Errorf("agents.%s.provider %q is not configured under [providers]", role, d.Provider)
		}
		if d.FallbackModel != "" {
			if _, ok := c.Providers[d.FallbackProvider]; !ok {
				return fmt.Errorf("agents.%s.fallback_provider %q is not configured under [providers]", role, d.FallbackProvider)
			}
		}
	}

	return nil
}

// ValidateAgentConfig checks a per-job agent configuration against the
// configured providers. Used to fail fast at start-job.
func (c *Config) ValidateAgentConfig(ac models.AgentConfig) error {
	check := func(role string, mc models.AgentModelConfig) error {
		if mc.Primary.Model == "" {
			return fmt.Errorf("%s: model is required", role)
		}
		if mc.Primary.BaseURL == "" {
			if _, ok := c.Providers[mc.Primary.Provider]; !ok {
				return fmt.Errorf("%s: unknown provider %q", role, mc.Primary.Provider)
			}
		}
		if mc.Fallback != nil && mc.Fallback.BaseURL == "" {
			if _, ok := c.Providers[mc.Fallback.Provider]; !ok {
				return fmt.Errorf("%s: unknown fallback provider %q", role, mc.Fallback.Provider)
			}
		}
		return nil
	}

	for role, mc := range map[string]models.AgentModelConfig{
		"analyst": ac.Analyst,
		"critic":  ac.Critic,
		"judge":   ac.Judge,
	} {
		if err := check(role, mc); err != nil {
			return err
		}
	}
	return nil
}

// Secrets holds API keys loaded from the environment, keyed by provider name.
type Secrets struct {
	APIKeys map[string]string
}

// conventional environment variables per provider, used when the provider
// config does not name an api_key_env
var defaultKeyEnvs = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"google":    "GOOGLE_API_KEY",
}

// LoadSecrets reads provider API keys from the environment. Providers without
// a key (local Ollama, unauthenticated custom endpoints) are simply absent.
func LoadSecrets(cfg *Config) *Secrets {
	secrets := &Secrets{APIKeys: make(map[string]string)}

	for name, p := range cfg.Providers {
		envVar := p.APIKeyEnv
		if envVar == "" {
			envVar = defaultKeyEnvs[name]
		}
		if envVar == "" {
			envVar = strings.ToUpper(name) + "_API_KEY"
		}
		if key := os.Getenv(envVar); key != "" {
			secrets.APIKeys[name] = key
		}
	}

	// Generic key for any OpenAI-compatible endpoint.
	if key := os.Getenv("API_KEY"); key != "" {
		secrets.APIKeys["generic"] = key
	}

	return secrets
}

// GetAPIKey returns the key for a provider, falling back to the generic key.
// Empty means the endpoint is called unauthenticated.
func (s *Secrets) GetAPIKey(provider string) string {
	if key := s.APIKeys[provider]; key != "" {
		return key
	}
	return s.APIKeys["generic"]
}

// KeylessProviders do not require an API key to be usable.
var keylessKinds = map[string]bool{"ollama": true}

// HasUsableProvider reports whether at least one configured provider is
// callable: either it holds an API key or its kind needs none.
func (c *Config) HasUsableProvider(s *Secrets) bool {
	for name, p := range c.Providers {
		if keylessKinds[p.Kind] {
			return true
		}
		if s.GetAPIKey(name) != "" {
			return true
		}
	}
	return false
}
