package config

import (
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Pool       PoolConfig       `yaml:"pool" mapstructure:"pool"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Adapters   AdaptersConfig   `yaml:"adapters" mapstructure:"adapters"`
	Aggregate  AggregateConfig  `yaml:"aggregate" mapstructure:"aggregate"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Salesforce SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
	Source     SourceConfig     `yaml:"source" mapstructure:"source"`
}

// StoreConfig configures the database backend and optional CRM sink.
type StoreConfig struct {
	Driver         string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL    string `yaml:"database_url" mapstructure:"database_url"`
	SalesforceSink bool   `yaml:"salesforce_sink" mapstructure:"salesforce_sink"`
	NotionSink     bool   `yaml:"notion_sink" mapstructure:"notion_sink"`
}

// PoolConfig configures the worker pool.
type PoolConfig struct {
	Workers         int `yaml:"workers" mapstructure:"workers"`
	BatchSize       int `yaml:"batch_size" mapstructure:"batch_size"`
	LeadTimeoutSecs int `yaml:"lead_timeout_secs" mapstructure:"lead_timeout_secs"`
}

// LeadTimeout returns the per-lead wall-clock budget.
func (p PoolConfig) LeadTimeout() time.Duration {
	return time.Duration(p.LeadTimeoutSecs) * time.Second
}

// RetryConfig is the retry policy shared by adapters and the result sink.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelayMs    int     `yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
	BackoffFactor  float64 `yaml:"backoff_factor" mapstructure:"backoff_factor"`
	MaxDelayMs     int     `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	JitterFraction float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// AdaptersConfig selects and tunes the lookup adapters.
type AdaptersConfig struct {
	Enabled   []string        `yaml:"enabled" mapstructure:"enabled"`
	DNS       DNSConfig       `yaml:"dns" mapstructure:"dns"`
	Whois     WhoisConfig     `yaml:"whois" mapstructure:"whois"`
	Validator ValidatorConfig `yaml:"validator" mapstructure:"validator"`
	Social    SocialConfig    `yaml:"social" mapstructure:"social"`
	Industry  IndustryConfig  `yaml:"industry" mapstructure:"industry"`
}

// DNSConfig configures the DNS adapter. An empty Resolver uses the system resolver.
type DNSConfig struct {
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Resolver    string `yaml:"resolver" mapstructure:"resolver"`
}

// WhoisConfig configures the WHOIS adapter.
type WhoisConfig struct {
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Server      string `yaml:"server" mapstructure:"server"`
}

// ValidatorConfig configures the email validator adapter.
type ValidatorConfig struct {
	TimeoutSecs int  `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	CheckMX     bool `yaml:"check_mx" mapstructure:"check_mx"`
}

// SocialConfig configures the social profile adapter.
type SocialConfig struct {
	TimeoutSecs       int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSecond float64  `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Platforms         []string `yaml:"platforms" mapstructure:"platforms"`
	UserAgent         string   `yaml:"user_agent" mapstructure:"user_agent"`
}

// IndustryConfig configures the model-backed industry adapter.
type IndustryConfig struct {
	TimeoutSecs int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// Timeout returns the per-attempt timeout for the named adapter.
func (a AdaptersConfig) Timeout(name string) time.Duration {
	var secs int
	switch name {
	case "dns":
		secs = a.DNS.TimeoutSecs
	case "whois":
		secs = a.Whois.TimeoutSecs
	case "validator":
		secs = a.Validator.TimeoutSecs
	case "social":
		secs = a.Social.TimeoutSecs
	case "industry":
		secs = a.Industry.TimeoutSecs
	}
	if secs <= 0 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// AggregateConfig controls field precedence when adapters disagree.
type AggregateConfig struct {
	Precedence []string `yaml:"precedence" mapstructure:"precedence"`
}

// ScoringConfig is the weight table and tier thresholds.
type ScoringConfig struct {
	Weights     map[string]float64 `yaml:"weights" mapstructure:"weights"`
	Min         float64            `yaml:"min" mapstructure:"min"`
	Max         float64            `yaml:"max" mapstructure:"max"`
	Tiers       []TierConfig       `yaml:"tiers" mapstructure:"tiers"`
	DefaultTier string             `yaml:"default_tier" mapstructure:"default_tier"`
	TableFile   string             `yaml:"table_file" mapstructure:"table_file"`
}

// TierConfig assigns Name to scores >= Min.
type TierConfig struct {
	Name string  `yaml:"name" mapstructure:"name"`
	Min  float64 `yaml:"min" mapstructure:"min"`
}

// CircuitConfig configures per-adapter circuit breakers.
type CircuitConfig struct {
	Enabled          bool `yaml:"enabled" mapstructure:"enabled"`
	FailureThreshold int  `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int  `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// NotionConfig holds Notion API credentials and the lead queue database.
type NotionConfig struct {
	Token     string  `yaml:"token" mapstructure:"token"`
	LeadDB    string  `yaml:"lead_db" mapstructure:"lead_db"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	// StatusProperty and the status names describe the lead database's
	// queue column; StatusSelect is set when it is a select property.
	StatusProperty string `yaml:"status_property" mapstructure:"status_property"`
	QueuedStatus   string `yaml:"queued_status" mapstructure:"queued_status"`
	EnrichedStatus string `yaml:"enriched_status" mapstructure:"enriched_status"`
	FailedStatus   string `yaml:"failed_status" mapstructure:"failed_status"`
	StatusSelect   bool   `yaml:"status_select" mapstructure:"status_select"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// SalesforceConfig holds Salesforce JWT auth settings.
type SalesforceConfig struct {
	ClientID   string `yaml:"client_id" mapstructure:"client_id"`
	Username   string `yaml:"username" mapstructure:"username"`
	KeyPath    string `yaml:"key_path" mapstructure:"key_path"`
	LoginURL   string `yaml:"login_url" mapstructure:"login_url"`
	LeadObject string `yaml:"lead_object" mapstructure:"lead_object"`
}

// SourceConfig names the batch source used by `POST /process`.
type SourceConfig struct {
	Kind   string `yaml:"kind" mapstructure:"kind"`
	Path   string `yaml:"path" mapstructure:"path"`
	Column string `yaml:"column" mapstructure:"column"`
	Sheet  string `yaml:"sheet" mapstructure:"sheet"`

	// DownloadTimeoutSecs bounds one download when Path is a URL.
	DownloadTimeoutSecs int `yaml:"download_timeout_secs" mapstructure:"download_timeout_secs"`
}

// DownloadTimeout returns the download timeout as a duration.
func (s SourceConfig) DownloadTimeout() time.Duration {
	return time.Duration(s.DownloadTimeoutSecs) * time.Second
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ENRICH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "lead-enricher.db")
	v.SetDefault("pool.workers", 80)
	v.SetDefault("pool.batch_size", 1000)
	v.SetDefault("pool.lead_timeout_secs", 300)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("retry.backoff_factor", 2.0)
	v.SetDefault("retry.max_delay_ms", 30000)
	v.SetDefault("retry.jitter_fraction", 0.0)
	v.SetDefault("adapters.enabled", []string{"dns", "whois", "validator", "social"})
	v.SetDefault("adapters.dns.timeout_secs", 15)
	v.SetDefault("adapters.whois.timeout_secs", 30)
	v.SetDefault("adapters.whois.server", "whois.iana.org:43")
	v.SetDefault("adapters.validator.timeout_secs", 15)
	v.SetDefault("adapters.validator.check_mx", true)
	v.SetDefault("adapters.social.timeout_secs", 20)
	v.SetDefault("adapters.social.requests_per_second", 10.0)
	v.SetDefault("adapters.social.user_agent", "Mozilla/5.0 (compatible; lead-enricher/1.0)")
	v.SetDefault("adapters.industry.timeout_secs", 30)
	v.SetDefault("aggregate.precedence", []string{"validator", "whois", "dns", "social", "industry"})
	v.SetDefault("scoring.weights", map[string]float64{
		"email_valid":  20,
		"mx_records":   15,
		"registrar":    15,
		"profiles":     20,
		"organization": 10,
		"spf":          10,
		"industry":     10,
	})
	v.SetDefault("scoring.min", 0.0)
	v.SetDefault("scoring.max", 100.0)
	v.SetDefault("scoring.tiers", []map[string]any{
		{"name": "Hot", "min": 70.0},
		{"name": "Warm", "min": 40.0},
	})
	v.SetDefault("scoring.default_tier", "Cold")
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("notion.rate_limit", 3.0)
	v.SetDefault("notion.status_property", "Status")
	v.SetDefault("notion.queued_status", "Queued")
	v.SetDefault("notion.enriched_status", "Enriched")
	v.SetDefault("notion.failed_status", "Failed")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 256)
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("salesforce.lead_object", "Lead")
	v.SetDefault("source.kind", "csv")
	v.SetDefault("source.path", "leads.csv")
	v.SetDefault("source.column", "email")
	v.SetDefault("source.download_timeout_secs", 120)
}

// Validate checks the configuration for the given command mode ("run" or
// "serve"). All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "run", "serve":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Pool.Workers < 1 {
		errs = append(errs, "pool.workers must be >= 1")
	}
	if c.Pool.BatchSize < 1 {
		errs = append(errs, "pool.batch_size must be >= 1")
	}
	if c.Pool.LeadTimeoutSecs < 1 {
		errs = append(errs, "pool.lead_timeout_secs must be >= 1")
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry.max_attempts must be >= 1")
	}
	if c.Retry.BackoffFactor < 1 {
		errs = append(errs, "retry.backoff_factor must be >= 1")
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction > 1 {
		errs = append(errs, "retry.jitter_fraction must be between 0 and 1")
	}
	if len(c.Adapters.Enabled) == 0 {
		errs = append(errs, "adapters.enabled must name at least one adapter")
	}
	if slices.Contains(c.Adapters.Enabled, "industry") && c.Anthropic.Key == "" {
		errs = append(errs, "anthropic.key is required for the industry adapter")
	}

	if c.Scoring.Max <= c.Scoring.Min {
		errs = append(errs, "scoring.max must be greater than scoring.min")
	}
	for field, w := range c.Scoring.Weights {
		if w < 0 {
			errs = append(errs, "scoring.weights."+field+" must be >= 0")
		}
	}
	for _, t := range c.Scoring.Tiers {
		if t.Min < c.Scoring.Min || t.Min > c.Scoring.Max {
			errs = append(errs, "scoring.tiers."+t.Name+" threshold outside score range")
		}
	}

	if c.Store.SalesforceSink && (c.Salesforce.ClientID == "" || c.Salesforce.Username == "" || c.Salesforce.KeyPath == "") {
		errs = append(errs, "salesforce.client_id, username and key_path are required for the salesforce sink")
	}

	if (c.Store.NotionSink || c.Source.Kind == "notion") && (c.Notion.Token == "" || c.Notion.LeadDB == "") {
		errs = append(errs, "notion.token and notion.lead_db are required for the notion source and sink")
	}

	if mode == "serve" && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}

	if len(errs) > 0 {
		slices.Sort(errs)
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
