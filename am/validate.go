package am

import (
	"github.com/teranos/docpipe/errors"
)

// knownProviders mirrors the adapter set registered at startup.
var knownProviders = map[string]bool{
	"openai":     true,
	"anthropic":  true,
	"perplexity": true,
	"openrouter": true,
	"ollama":     true,
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Pulse workers: 0 = no background workers (API-only node), negative = invalid
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.PollIntervalMS < 0 {
		return errors.Newf("pulse.poll_interval_ms must be >= 0, got %d", c.Pulse.PollIntervalMS)
	}
	if c.Pulse.BaseRetryDelaySeconds < 0 {
		return errors.Newf("pulse.base_retry_delay_seconds must be >= 0, got %d", c.Pulse.BaseRetryDelaySeconds)
	}
	if c.Pulse.DefaultMaxRetries < 0 {
		return errors.Newf("pulse.default_max_retries must be >= 0, got %d", c.Pulse.DefaultMaxRetries)
	}
	if c.Pulse.ProviderCallsPerMinute < 0 {
		return errors.Newf("pulse.provider_calls_per_minute must be >= 0, got %d", c.Pulse.ProviderCallsPerMinute)
	}
	if c.Pulse.RetentionDays < 0 {
		return errors.Newf("pulse.retention_days must be >= 0, got %d", c.Pulse.RetentionDays)
	}
	if c.Pulse.MaintenanceIntervalSeconds < 0 {
		return errors.Newf("pulse.maintenance_interval_seconds must be >= 0, got %d", c.Pulse.MaintenanceIntervalSeconds)
	}
	if c.Pulse.OrphanGraceMinutes < 0 {
		return errors.Newf("pulse.orphan_grace_minutes must be >= 0, got %d", c.Pulse.OrphanGraceMinutes)
	}

	// Budget values: 0 = unlimited, negative = invalid
	if c.Pulse.DailyBudgetUSD < 0 {
		return errors.Newf("pulse.daily_budget_usd must be >= 0, got %f", c.Pulse.DailyBudgetUSD)
	}
	if c.Pulse.WeeklyBudgetUSD < 0 {
		return errors.Newf("pulse.weekly_budget_usd must be >= 0, got %f", c.Pulse.WeeklyBudgetUSD)
	}
	if c.Pulse.MonthlyBudgetUSD < 0 {
		return errors.Newf("pulse.monthly_budget_usd must be >= 0, got %f", c.Pulse.MonthlyBudgetUSD)
	}

	if c.Pipeline.FetchTimeoutSeconds < 0 {
		return errors.Newf("pipeline.fetch_timeout_seconds must be >= 0, got %d", c.Pipeline.FetchTimeoutSeconds)
	}
	if c.Pipeline.ConfidenceThreshold < 0 || c.Pipeline.ConfidenceThreshold > 1 {
		return errors.Newf("pipeline.confidence_threshold must be within [0,1], got %f", c.Pipeline.ConfidenceThreshold)
	}
	if c.Pipeline.DefaultConfidence < 0 || c.Pipeline.DefaultConfidence > 1 {
		return errors.Newf("pipeline.default_confidence must be within [0,1], got %f", c.Pipeline.DefaultConfidence)
	}

	if c.Providers.Default != "" && !knownProviders[c.Providers.Default] {
		return errors.Newf("providers.default %q is not a known provider", c.Providers.Default)
	}
	for name, p := range c.Providers.byName() {
		if p.TimeoutSeconds < 0 {
			return errors.Newf("providers.%s.timeout_seconds must be >= 0, got %d", name, p.TimeoutSeconds)
		}
		if p.MaxConcurrency < 0 {
			return errors.Newf("providers.%s.max_concurrency must be >= 0, got %d", name, p.MaxConcurrency)
		}
		if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
			return errors.Newf("providers.%s.temperature must be within [0,2], got %f", name, *p.Temperature)
		}
		if p.MaxTokens != nil && *p.MaxTokens < 1 {
			return errors.Newf("providers.%s.max_tokens must be >= 1, got %d (omit for default)", name, *p.MaxTokens)
		}
	}

	if c.Limits.SubmissionsPerMinute < 0 {
		return errors.Newf("limits.submissions_per_minute must be >= 0, got %d", c.Limits.SubmissionsPerMinute)
	}
	if c.Limits.Burst < 0 {
		return errors.Newf("limits.burst must be >= 0, got %d", c.Limits.Burst)
	}

	return nil
}

func (p ProvidersConfig) byName() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"openai":     p.OpenAI,
		"anthropic":  p.Anthropic,
		"perplexity": p.Perplexity,
		"openrouter": p.OpenRouter,
		"ollama":     p.Ollama,
	}
}

// Provider returns the configuration block for a provider name.
func (p ProvidersConfig) Provider(name string) (ProviderConfig, bool) {
	cfg, ok := p.byName()[name]
	return cfg, ok
}
