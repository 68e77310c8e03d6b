package am

// Config represents the docpipe configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" toml:"database"`
	Server    ServerConfig    `mapstructure:"server" toml:"server"`
	Pulse     PulseConfig     `mapstructure:"pulse" toml:"pulse"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline" toml:"pipeline"`
	Providers ProvidersConfig `mapstructure:"providers" toml:"providers"`
	Templates TemplatesConfig `mapstructure:"templates" toml:"templates"`
	Notify    NotifyConfig    `mapstructure:"notify" toml:"notify"`
	Limits    LimitsConfig    `mapstructure:"limits" toml:"limits"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Addr                string   `mapstructure:"addr" toml:"addr"`                                   // Listen address (default ":8740")
	ReadTimeoutSeconds  int      `mapstructure:"read_timeout_seconds" toml:"read_timeout_seconds"`   // 0 = no timeout
	WriteTimeoutSeconds int      `mapstructure:"write_timeout_seconds" toml:"write_timeout_seconds"` // 0 = no timeout
	AllowedOrigins      []string `mapstructure:"allowed_origins" toml:"allowed_origins"`             // CORS and websocket origins
}

// PulseConfig configures the async job system
type PulseConfig struct {
	// Worker concurrency configuration
	Workers        int `mapstructure:"workers" toml:"workers"`                   // Number of concurrent job workers (default: 2)
	PollIntervalMS int `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"` // How often idle workers check the queue (default: 500)

	// Retry policy
	BaseRetryDelaySeconds int  `mapstructure:"base_retry_delay_seconds" toml:"base_retry_delay_seconds"` // Backoff base: delay = base * 2^retryCount (default: 5)
	DefaultMaxRetries     int  `mapstructure:"default_max_retries" toml:"default_max_retries"`           // Used when a submission omits max_retries (default: 3)
	ShortCircuitPermanent bool `mapstructure:"short_circuit_permanent" toml:"short_circuit_permanent"`   // Fail immediately on permanent provider errors (default: false)

	// Operations
	StuckThresholdMinutes      int `mapstructure:"stuck_threshold_minutes" toml:"stuck_threshold_minutes"`           // PROCESSING without progress for this long is stuck (default: 30)
	ProviderCallsPerMinute     int `mapstructure:"provider_calls_per_minute" toml:"provider_calls_per_minute"`       // Global provider call cap, 0 = unlimited
	RetentionDays              int `mapstructure:"retention_days" toml:"retention_days"`                             // Finished jobs older than this are deleted, 0 = keep forever (default: 30)
	MaintenanceIntervalSeconds int `mapstructure:"maintenance_interval_seconds" toml:"maintenance_interval_seconds"` // Period of retention and stuck job checks (default: 60)
	OrphanGraceMinutes         int `mapstructure:"orphan_grace_minutes" toml:"orphan_grace_minutes"`                 // Startup only re-queues PROCESSING jobs idle this long, 0 = all (default: 0)

	// Spend limits in USD, summed from ai_model_usage. 0 = unlimited.
	DailyBudgetUSD   float64 `mapstructure:"daily_budget_usd" toml:"daily_budget_usd"`
	WeeklyBudgetUSD  float64 `mapstructure:"weekly_budget_usd" toml:"weekly_budget_usd"`
	MonthlyBudgetUSD float64 `mapstructure:"monthly_budget_usd" toml:"monthly_budget_usd"`
}

// PipelineConfig configures document processing
type PipelineConfig struct {
	FetchTimeoutSeconds   int     `mapstructure:"fetch_timeout_seconds" toml:"fetch_timeout_seconds"`     // Document fetch timeout (default: 30)
	MaxDocumentBytes      int64   `mapstructure:"max_document_bytes" toml:"max_document_bytes"`           // Fetched content is truncated past this size
	KnowledgeSnippetChars int     `mapstructure:"knowledge_snippet_chars" toml:"knowledge_snippet_chars"` // Per-entry content limit in the knowledge block
	ConfidenceThreshold   float64 `mapstructure:"confidence_threshold" toml:"confidence_threshold"`       // Results below this require human review
	DefaultConfidence     float64 `mapstructure:"default_confidence" toml:"default_confidence"`           // Confidence when neither provider nor content reports one
	AllowFileFetch        bool    `mapstructure:"allow_file_fetch" toml:"allow_file_fetch"`               // Permit file:// document URLs (CLI use)
}

// ProvidersConfig configures the model provider adapters
type ProvidersConfig struct {
	Default       string         `mapstructure:"default" toml:"default"`               // System default adapter (default: openai)
	FallbackModel string         `mapstructure:"fallback_model" toml:"fallback_model"` // Cheaper model used on the default adapter during fallback
	Anthropic     ProviderConfig `mapstructure:"anthropic" toml:"anthropic"`
	OpenAI        ProviderConfig `mapstructure:"openai" toml:"openai"`
	Perplexity    ProviderConfig `mapstructure:"perplexity" toml:"perplexity"`
	OpenRouter    ProviderConfig `mapstructure:"openrouter" toml:"openrouter"`
	Ollama        ProviderConfig `mapstructure:"ollama" toml:"ollama"`
}

// ProviderConfig configures a single adapter
type ProviderConfig struct {
	Enabled           bool     `mapstructure:"enabled" toml:"enabled"`
	APIKey            string   `mapstructure:"api_key" toml:"api_key"`
	Model             string   `mapstructure:"model" toml:"model"`                             // Default model for this adapter
	BaseURL           string   `mapstructure:"base_url" toml:"base_url"`                       // Override endpoint (e.g., "http://localhost:11434" for Ollama)
	TimeoutSeconds    int      `mapstructure:"timeout_seconds" toml:"timeout_seconds"`         // Per-call timeout
	MaxConcurrency    int      `mapstructure:"max_concurrency" toml:"max_concurrency"`         // In-flight calls, 0 = unlimited
	RequestsPerMinute int      `mapstructure:"requests_per_minute" toml:"requests_per_minute"` // 0 = unlimited
	Temperature       *float64 `mapstructure:"temperature" toml:"temperature,omitempty"`       // nil = adapter default
	MaxTokens         *int     `mapstructure:"max_tokens" toml:"max_tokens,omitempty"`         // nil = adapter default
}

// TemplatesConfig configures file-based template loading
type TemplatesConfig struct {
	Dir   string `mapstructure:"dir" toml:"dir"`     // Directory of *.md templates with YAML frontmatter
	Watch bool   `mapstructure:"watch" toml:"watch"` // Re-import templates when files change
}

// NotifyConfig configures completion notifications
type NotifyConfig struct {
	WebhookTimeoutSeconds int    `mapstructure:"webhook_timeout_seconds" toml:"webhook_timeout_seconds"`
	RedisURL              string `mapstructure:"redis_url" toml:"redis_url"`                             // Empty disables the Redis event publisher
	RedisChannel          string `mapstructure:"redis_channel" toml:"redis_channel"`
}

// LimitsConfig configures per-organization submission throttling
type LimitsConfig struct {
	SubmissionsPerMinute int `mapstructure:"submissions_per_minute" toml:"submissions_per_minute"` // 0 = unlimited
	Burst                int `mapstructure:"burst" toml:"burst"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
