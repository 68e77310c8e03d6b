package am

import (
	"github.com/spf13/viper"
)

// Default HTTP listen address
const DefaultServerAddr = ":8740"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "docpipe.db")

	// Server defaults
	v.SetDefault("server.addr", DefaultServerAddr)
	v.SetDefault("server.read_timeout_seconds", 30)
	v.SetDefault("server.write_timeout_seconds", 60)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
	})

	// Pulse (async job infrastructure) defaults
	v.SetDefault("pulse.workers", 2)
	v.SetDefault("pulse.poll_interval_ms", 500)
	v.SetDefault("pulse.base_retry_delay_seconds", 5)
	v.SetDefault("pulse.default_max_retries", 3)
	v.SetDefault("pulse.short_circuit_permanent", false)
	v.SetDefault("pulse.stuck_threshold_minutes", 30)
	v.SetDefault("pulse.provider_calls_per_minute", 60)
	v.SetDefault("pulse.retention_days", 30)
	v.SetDefault("pulse.maintenance_interval_seconds", 60)
	v.SetDefault("pulse.orphan_grace_minutes", 0)
	v.SetDefault("pulse.daily_budget_usd", 10.0)
	v.SetDefault("pulse.weekly_budget_usd", 50.0)
	v.SetDefault("pulse.monthly_budget_usd", 150.0)

	// Pipeline defaults
	v.SetDefault("pipeline.fetch_timeout_seconds", 30)
	v.SetDefault("pipeline.max_document_bytes", 10<<20)
	v.SetDefault("pipeline.knowledge_snippet_chars", 500)
	v.SetDefault("pipeline.confidence_threshold", 0.7)
	v.SetDefault("pipeline.default_confidence", 0.8)
	v.SetDefault("pipeline.allow_file_fetch", false)

	// Provider defaults
	v.SetDefault("providers.default", "openai")
	v.SetDefault("providers.fallback_model", "gpt-4o-mini")

	v.SetDefault("providers.openai.enabled", true)
	v.SetDefault("providers.openai.model", "gpt-4o")
	v.SetDefault("providers.openai.timeout_seconds", 120)
	v.SetDefault("providers.openai.max_concurrency", 4)
	v.SetDefault("providers.openai.requests_per_minute", 60)

	v.SetDefault("providers.anthropic.enabled", true)
	v.SetDefault("providers.anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("providers.anthropic.timeout_seconds", 180)
	v.SetDefault("providers.anthropic.max_concurrency", 4)
	v.SetDefault("providers.anthropic.requests_per_minute", 50)

	v.SetDefault("providers.perplexity.enabled", true)
	v.SetDefault("providers.perplexity.model", "sonar-pro")
	v.SetDefault("providers.perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("providers.perplexity.timeout_seconds", 120)
	v.SetDefault("providers.perplexity.max_concurrency", 2)
	v.SetDefault("providers.perplexity.requests_per_minute", 20)

	v.SetDefault("providers.openrouter.enabled", true)
	v.SetDefault("providers.openrouter.model", "openai/gpt-4o-mini") // Cost-effective default
	v.SetDefault("providers.openrouter.timeout_seconds", 120)
	v.SetDefault("providers.openrouter.max_concurrency", 4)

	v.SetDefault("providers.ollama.enabled", false)
	v.SetDefault("providers.ollama.model", "llama3.2:3b")
	v.SetDefault("providers.ollama.base_url", "http://localhost:11434")
	v.SetDefault("providers.ollama.timeout_seconds", 600)
	v.SetDefault("providers.ollama.max_concurrency", 1)

	// Templates
	v.SetDefault("templates.dir", "")
	v.SetDefault("templates.watch", false)

	// Notifications
	v.SetDefault("notify.webhook_timeout_seconds", 10)
	v.SetDefault("notify.redis_url", "")
	v.SetDefault("notify.redis_channel", "docpipe:jobs:events")

	// Per-organization submission limits
	v.SetDefault("limits.submissions_per_minute", 120)
	v.SetDefault("limits.burst", 20)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables.
// Vendor-standard names are accepted after the DOCPIPE_ prefixed ones.
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "DOCPIPE_DATABASE_PATH")

	v.BindEnv("providers.anthropic.api_key", "DOCPIPE_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	v.BindEnv("providers.openai.api_key", "DOCPIPE_OPENAI_API_KEY", "OPENAI_API_KEY")
	v.BindEnv("providers.perplexity.api_key", "DOCPIPE_PERPLEXITY_API_KEY", "PERPLEXITY_API_KEY")
	v.BindEnv("providers.openrouter.api_key", "DOCPIPE_OPENROUTER_API_KEY", "OPENROUTER_API_KEY")
	v.BindEnv("providers.ollama.base_url", "DOCPIPE_OLLAMA_BASE_URL", "OLLAMA_HOST")

	v.BindEnv("notify.redis_url", "DOCPIPE_REDIS_URL")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "docpipe.db"
	}
	return c.Database.Path
}

// GetServerAddr returns the HTTP listen address
func (c *Config) GetServerAddr() string {
	if c.Server.Addr == "" {
		return DefaultServerAddr
	}
	return c.Server.Addr
}
