// Package config loads and validates collector configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/app-usage-collector/internal/collector"
	"github.com/JakeFAU/app-usage-collector/internal/scheduler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Collector  CollectorConfig  `mapstructure:"collector"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	LLM        LLMConfig        `mapstructure:"llm"`
	DB         DBConfig         `mapstructure:"db"`
	Cache      CacheConfig      `mapstructure:"cache"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig protects the run trigger endpoints.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CatalogEntry is one configured source.
type CatalogEntry struct {
	Key         string `mapstructure:"model_name"`
	DisplayName string `mapstructure:"display_name"`
}

// CollectorConfig governs the collection pipeline.
type CollectorConfig struct {
	Concurrency          int            `mapstructure:"concurrency"`
	SchedulerMode        string         `mapstructure:"scheduler_mode"`
	BackfillPolicy       string         `mapstructure:"backfill_policy"`
	BackfillAfterCollect bool           `mapstructure:"backfill_after_collect"`
	Catalog              []CatalogEntry `mapstructure:"catalog"`
}

// Renderer names.
const (
	RendererChromedp = "chromedp"
	RendererColly    = "colly"
	RendererAuto     = "auto"
)

// ExtractionConfig configures page rendering and throttling.
type ExtractionConfig struct {
	BaseURL            string     `mapstructure:"base_url"`
	Renderer           string     `mapstructure:"renderer"`
	UserAgent          string     `mapstructure:"user_agent"`
	NavTimeoutSeconds  int        `mapstructure:"nav_timeout_seconds"`
	SettleMs           int        `mapstructure:"settle_ms"`
	MaxParallel        int        `mapstructure:"max_parallel"`
	RatePerSecond      float64    `mapstructure:"rate_per_second"`
	Burst              int        `mapstructure:"burst"`
	PerHostRate        []HostRate `mapstructure:"per_host_rate"`
	MaxPageChars       int        `mapstructure:"max_page_chars"`
	RespectRobots      bool       `mapstructure:"respect_robots"`
	PromotionThreshold int        `mapstructure:"promotion_threshold"`
}

// HostRate overrides the request rate for one host. Hosts are list entries
// rather than map keys because viper splits keys on dots.
type HostRate struct {
	Host          string  `mapstructure:"host"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
}

// LLMConfig configures the OpenAI-compatible extraction model.
type LLMConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	APIKey         string  `mapstructure:"api_key"`
	Model          string  `mapstructure:"model"`
	Temperature    float64 `mapstructure:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// DBConfig controls access to the relational database.
type DBConfig struct {
	Driver         string `mapstructure:"driver"`
	DSN            string `mapstructure:"dsn"`
	MaxConns       int32  `mapstructure:"max_conns"`
	MinConns       int32  `mapstructure:"min_conns"`
	MigrationsAuto bool   `mapstructure:"migrations_auto"`
}

// CacheConfig enables the Redis extraction cache when RedisAddr is set.
type CacheConfig struct {
	RedisAddr  string `mapstructure:"redis_addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
	Prefix     string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig points batch commands at a Prometheus Pushgateway.
type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	JobName        string `mapstructure:"job_name"`
}

// LoggingConfig selects the zap preset, level and encoding.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COLLECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("collector.concurrency", scheduler.DefaultConcurrency)
	v.SetDefault("collector.scheduler_mode", string(scheduler.ModeChunked))
	v.SetDefault("collector.backfill_policy", string(collector.BackfillCombined))
	v.SetDefault("collector.backfill_after_collect", true)
	v.SetDefault("extraction.base_url", "https://openrouter.ai")
	v.SetDefault("extraction.renderer", RendererChromedp)
	v.SetDefault("extraction.user_agent", "app-usage-collector/0.1")
	v.SetDefault("extraction.nav_timeout_seconds", 45)
	v.SetDefault("extraction.settle_ms", 1500)
	v.SetDefault("extraction.max_parallel", scheduler.DefaultConcurrency)
	v.SetDefault("extraction.rate_per_second", 1.0)
	v.SetDefault("extraction.burst", 2)
	v.SetDefault("extraction.max_page_chars", 60000)
	v.SetDefault("extraction.respect_robots", false)
	v.SetDefault("extraction.promotion_threshold", 60)
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4.1-mini")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.timeout_seconds", 60)
	v.SetDefault("db.driver", DriverPostgres)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.migrations_auto", false)
	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl_seconds", 6*60*60)
	v.SetDefault("cache.prefix", "appusage:extract:")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job_name", "app_usage_collector")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Collector.Concurrency <= 0 {
		return fmt.Errorf("collector.concurrency must be > 0")
	}
	if err := c.SchedulerConfig().Validate(); err != nil {
		return fmt.Errorf("collector.scheduler_mode: %w", err)
	}
	if _, err := collector.ParseBackfillPolicy(c.Collector.BackfillPolicy); err != nil {
		return fmt.Errorf("collector.backfill_policy: %w", err)
	}
	for i, entry := range c.Collector.Catalog {
		if strings.TrimSpace(entry.Key) == "" {
			return fmt.Errorf("collector.catalog[%d].model_name is required", i)
		}
	}
	switch c.Extraction.Renderer {
	case RendererChromedp, RendererColly, RendererAuto:
	default:
		return fmt.Errorf("extraction.renderer must be one of chromedp, colly, auto")
	}
	if c.Extraction.NavTimeoutSeconds <= 0 {
		return fmt.Errorf("extraction.nav_timeout_seconds must be > 0")
	}
	if c.Extraction.Renderer != RendererColly && c.Extraction.MaxParallel <= 0 {
		return fmt.Errorf("extraction.max_parallel must be > 0 when headless rendering is enabled")
	}
	for i, hr := range c.Extraction.PerHostRate {
		if strings.TrimSpace(hr.Host) == "" {
			return fmt.Errorf("extraction.per_host_rate[%d].host is required", i)
		}
		if hr.RatePerSecond <= 0 {
			return fmt.Errorf("extraction.per_host_rate[%d].rate_per_second must be > 0", i)
		}
	}
	switch c.DB.Driver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("db.driver must be postgres or memory")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// ValidateStore checks the settings needed to open the configured store.
// Commands that never read or write the store skip it.
func (c Config) ValidateStore() error {
	if c.DB.Driver == DriverPostgres && strings.TrimSpace(c.DB.DSN) == "" {
		return fmt.Errorf("db.dsn must be set for the postgres driver")
	}
	return nil
}

// PerHostRates returns the per-host overrides keyed by lowercase host.
func (c Config) PerHostRates() map[string]float64 {
	if len(c.Extraction.PerHostRate) == 0 {
		return nil
	}
	out := make(map[string]float64, len(c.Extraction.PerHostRate))
	for _, hr := range c.Extraction.PerHostRate {
		out[strings.ToLower(strings.TrimSpace(hr.Host))] = hr.RatePerSecond
	}
	return out
}

// SchedulerConfig converts the collector section into a scheduler config.
func (c Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Concurrency: c.Collector.Concurrency,
		Mode:        scheduler.Mode(c.Collector.SchedulerMode),
	}
}

// BackfillPolicy returns the validated policy.
func (c Config) BackfillPolicy() collector.BackfillPolicy {
	policy, err := collector.ParseBackfillPolicy(c.Collector.BackfillPolicy)
	if err != nil {
		return collector.BackfillCombined
	}
	return policy
}

// Sources returns the configured catalog, or the default catalog when none is set.
func (c Config) Sources() []collector.Source {
	if len(c.Collector.Catalog) == 0 {
		return collector.DefaultCatalog()
	}
	out := make([]collector.Source, 0, len(c.Collector.Catalog))
	for _, entry := range c.Collector.Catalog {
		display := entry.DisplayName
		if display == "" {
			display = entry.Key
		}
		out = append(out, collector.Source{Key: entry.Key, DisplayName: display})
	}
	return out
}

// NavTimeout is the per-page navigation budget.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Extraction.NavTimeoutSeconds) * time.Second
}

// SettleDelay is how long the headless renderer waits after the page is ready.
func (c Config) SettleDelay() time.Duration {
	return time.Duration(c.Extraction.SettleMs) * time.Millisecond
}

// LLMTimeout bounds one model call.
func (c Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

// CacheTTL is the lifetime of cached extractions.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}
