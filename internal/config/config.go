package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Reddit     RedditConfig     `yaml:"reddit" mapstructure:"reddit"`
	Email      EmailConfig      `yaml:"email" mapstructure:"email"`
	Profile    ProfileConfig    `yaml:"profile" mapstructure:"profile"`
	Retrieve   RetrieveConfig   `yaml:"retrieve" mapstructure:"retrieve"`
	Scan       ScanConfig       `yaml:"scan" mapstructure:"scan"`
	Quota      QuotaConfig      `yaml:"quota" mapstructure:"quota"`
	Digest     DigestConfig     `yaml:"digest" mapstructure:"digest"`
	Retention  RetentionConfig  `yaml:"retention" mapstructure:"retention"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend. ServiceDatabaseURL is the
// elevated-privilege connection used for usage counter updates; when empty
// the regular connection is used.
type StoreConfig struct {
	Driver             string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL        string `yaml:"database_url" mapstructure:"database_url"`
	ServiceDatabaseURL string `yaml:"service_database_url" mapstructure:"service_database_url"`
	MaxConns           int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns           int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the business profile cache. Empty URL disables it.
type RedisConfig struct {
	URL             string `yaml:"url" mapstructure:"url"`
	ProfileTTLHours int    `yaml:"profile_ttl_hours" mapstructure:"profile_ttl_hours"`
}

// AnthropicConfig holds completion service settings.
type AnthropicConfig struct {
	Key                string  `yaml:"key" mapstructure:"key"`
	ProfileModel       string  `yaml:"profile_model" mapstructure:"profile_model"`
	RankModel          string  `yaml:"rank_model" mapstructure:"rank_model"`
	Temperature        float64 `yaml:"temperature" mapstructure:"temperature"`
	ProfileTimeoutSecs int     `yaml:"profile_timeout_secs" mapstructure:"profile_timeout_secs"`
	RankTimeoutSecs    int     `yaml:"rank_timeout_secs" mapstructure:"rank_timeout_secs"`
}

// RedditConfig holds search provider settings.
type RedditConfig struct {
	BaseURL    string  `yaml:"base_url" mapstructure:"base_url"`
	Token      string  `yaml:"token" mapstructure:"token"`
	UserAgent  string  `yaml:"user_agent" mapstructure:"user_agent"`
	RateLimit  float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	Limit      int     `yaml:"limit" mapstructure:"limit"`
	TimeWindow string  `yaml:"time_window" mapstructure:"time_window"`
}

// EmailConfig holds email delivery provider settings.
type EmailConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	From    string `yaml:"from" mapstructure:"from"`
	AppURL  string `yaml:"app_url" mapstructure:"app_url"`
}

// ProfileConfig configures the context builder.
type ProfileConfig struct {
	FetchTimeoutSecs int    `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`
	KeywordCount     int    `yaml:"keyword_count" mapstructure:"keyword_count"`
	UserAgent        string `yaml:"user_agent" mapstructure:"user_agent"`
}

// RetrieveConfig configures the candidate retriever.
type RetrieveConfig struct {
	BudgetSecs  int    `yaml:"budget_secs" mapstructure:"budget_secs"`
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
	FilterPath  string `yaml:"filter_path" mapstructure:"filter_path"`
	MinTitleLen int    `yaml:"min_title_len" mapstructure:"min_title_len"`
	MaxAgeDays  int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// ScanConfig configures the on-demand scan.
type ScanConfig struct {
	TimeoutSecs   int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxResults    int `yaml:"max_results" mapstructure:"max_results"`
	TeaserResults int `yaml:"teaser_results" mapstructure:"teaser_results"`
}

// QuotaConfig configures trial and daily scan limits.
type QuotaConfig struct {
	TrialDays       int `yaml:"trial_days" mapstructure:"trial_days"`
	TrialDailyLimit int `yaml:"trial_daily_limit" mapstructure:"trial_daily_limit"`
	PaidDailyLimit  int `yaml:"paid_daily_limit" mapstructure:"paid_daily_limit"`
}

// DigestConfig configures the nightly digest and the background collector.
type DigestConfig struct {
	Schedule        string `yaml:"schedule" mapstructure:"schedule"`
	CollectSchedule string `yaml:"collect_schedule" mapstructure:"collect_schedule"`
	LookbackHours   int    `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	Threshold       int    `yaml:"threshold" mapstructure:"threshold"`
	TopN            int    `yaml:"top_n" mapstructure:"top_n"`
	BatchCandidates int    `yaml:"batch_candidates" mapstructure:"batch_candidates"`
	WorkerName      string `yaml:"worker_name" mapstructure:"worker_name"`
}

// RetentionConfig configures the unsaved lead sweep.
type RetentionConfig struct {
	UnsavedDays int    `yaml:"unsaved_days" mapstructure:"unsaved_days"`
	Schedule    string `yaml:"schedule" mapstructure:"schedule"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	DigestToken    string   `yaml:"digest_token" mapstructure:"digest_token"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures the worker heartbeat check. Empty WebhookURL
// logs alerts without delivering them.
type MonitoringConfig struct {
	WebhookURL      string   `yaml:"webhook_url" mapstructure:"webhook_url"`
	Workers         []string `yaml:"workers" mapstructure:"workers"`
	StaleAfterHours int      `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
	AlertOnIdle     bool     `yaml:"alert_on_idle" mapstructure:"alert_on_idle"`
	Schedule        string   `yaml:"schedule" mapstructure:"schedule"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LEADSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("redis.profile_ttl_hours", 24)
	v.SetDefault("anthropic.profile_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.rank_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.temperature", 0.2)
	v.SetDefault("anthropic.profile_timeout_secs", 15)
	v.SetDefault("anthropic.rank_timeout_secs", 60)
	v.SetDefault("reddit.base_url", "https://www.reddit.com")
	v.SetDefault("reddit.user_agent", "leadscan/1.0 (+https://leadscan.app)")
	v.SetDefault("reddit.rate_limit", 1.0)
	v.SetDefault("reddit.limit", 25)
	v.SetDefault("reddit.time_window", "week")
	v.SetDefault("email.base_url", "https://api.resend.com")
	v.SetDefault("email.from", "Leadscan <digest@leadscan.app>")
	v.SetDefault("email.app_url", "https://leadscan.app")
	v.SetDefault("profile.fetch_timeout_secs", 5)
	v.SetDefault("profile.keyword_count", 5)
	v.SetDefault("profile.user_agent", "Mozilla/5.0 (compatible; LeadscanBot/1.0)")
	v.SetDefault("retrieve.budget_secs", 20)
	v.SetDefault("retrieve.concurrency", 4)
	v.SetDefault("retrieve.min_title_len", 12)
	v.SetDefault("retrieve.max_age_days", 30)
	v.SetDefault("scan.timeout_secs", 45)
	v.SetDefault("scan.max_results", 25)
	v.SetDefault("scan.teaser_results", 3)
	v.SetDefault("quota.trial_days", 7)
	v.SetDefault("quota.trial_daily_limit", 5)
	v.SetDefault("quota.paid_daily_limit", 25)
	v.SetDefault("digest.schedule", "0 13 * * *")
	v.SetDefault("digest.collect_schedule", "0 */4 * * *")
	v.SetDefault("digest.lookback_hours", 24)
	v.SetDefault("digest.threshold", 10)
	v.SetDefault("digest.top_n", 10)
	v.SetDefault("digest.batch_candidates", 30)
	v.SetDefault("digest.worker_name", "digest")
	v.SetDefault("retention.unsaved_days", 14)
	v.SetDefault("retention.schedule", "30 3 * * *")
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.workers", []string{"digest"})
	v.SetDefault("monitoring.stale_after_hours", 26)
	v.SetDefault("monitoring.schedule", "@every 15m")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks that the settings required by a command mode are present
// and within bounds. Modes: "scan", "serve", "digest", "collect", "sweep", "migrate", "monitor".
func (c *Config) Validate(mode string) error {
	var errs []string

	needDB := func() {
		if c.Store.DatabaseURL == "" && c.Store.Driver != "sqlite" {
			errs = append(errs, "store.database_url is required")
		}
	}
	needAI := func() {
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
	}

	switch mode {
	case "scan", "collect":
		needDB()
		needAI()
	case "serve":
		needDB()
		needAI()
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "digest":
		needDB()
		needAI()
		if c.Email.Key == "" {
			errs = append(errs, "email.key is required")
		}
	case "sweep", "migrate", "monitor":
		needDB()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Profile.KeywordCount < 1 || c.Profile.KeywordCount > 6 {
		errs = append(errs, "profile.keyword_count must be between 1 and 6")
	}
	if c.Digest.TopN <= 0 || c.Digest.BatchCandidates < c.Digest.TopN {
		errs = append(errs, "digest.batch_candidates must be >= digest.top_n > 0")
	}

	if len(errs) > 0 {
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
