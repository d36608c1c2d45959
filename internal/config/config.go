// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Novita holds credentials and endpoint for the upstream GPU provider.
type Novita struct {
	APIKey     string `mapstructure:"api_key"`
	APIBaseURL string `mapstructure:"api_base_url"`
}

// Store configures the persistent key/value backend and its fallback.
type Store struct {
	Addr           string        `mapstructure:"addr"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	EnableFallback bool          `mapstructure:"enable_fallback"`
}

// CircuitBreaker mirrors breaker.New's tunables: trip after N consecutive
// failures, stay open for CooldownPeriod, then close after M consecutive
// half-open probe successes (spec.md §4.2).
type CircuitBreaker struct {
	OpenAfterFailures   int           `mapstructure:"open_after_failures"`
	CooldownPeriod      time.Duration `mapstructure:"cooldown_period"`
	CloseAfterSuccesses int           `mapstructure:"close_after_successes"`
}

// Upstream configures the reliability stack wrapping the provider API.
type Upstream struct {
	RateLimitPerMinute int            `mapstructure:"rate_limit_per_minute"`
	QueueMaxWait       time.Duration  `mapstructure:"queue_max_wait"`
	QueueDepth         int            `mapstructure:"queue_depth"`
	MaxRetryAttempts   int            `mapstructure:"max_retry_attempts"`
	RequestTimeout     time.Duration  `mapstructure:"request_timeout"`
	Breaker            CircuitBreaker `mapstructure:"breaker"`
	UserAgent          string         `mapstructure:"user_agent"`
}

// Instance configures creation/monitoring behavior.
type Instance struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	MonitorDeadline     time.Duration `mapstructure:"monitor_deadline"`
	StartupMaxWait      time.Duration `mapstructure:"startup_max_wait"`
	DefaultRegion       string        `mapstructure:"default_region"`
	HealthCheckTimeout  time.Duration `mapstructure:"health_check_timeout"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	HealthCheckDeadline time.Duration `mapstructure:"health_check_deadline"`
}

// Migration configures the spot-instance migration sweep.
type Migration struct {
	Enabled                  bool          `mapstructure:"enabled"`
	IntervalMinutes          int           `mapstructure:"interval_minutes"`
	EligibilityIntervalHours int           `mapstructure:"eligibility_interval_hours"`
	MaxConcurrent            int           `mapstructure:"max_concurrent"`
	DryRun                   bool          `mapstructure:"dry_run"`
	RecordTTL                time.Duration `mapstructure:"record_ttl"`
}

// Sync configures the startup/periodic reconciliation with upstream.
type Sync struct {
	EnableAutomaticSync           bool          `mapstructure:"enable_automatic_sync"`
	IntervalMinutes               int           `mapstructure:"interval_minutes"`
	RemoveObsoleteInstances       bool          `mapstructure:"remove_obsolete_instances"`
	ObsoleteInstanceRetentionDays int           `mapstructure:"obsolete_instance_retention_days"`
	LockTTL                       time.Duration `mapstructure:"lock_ttl"`
	CreatingGracePeriod           time.Duration `mapstructure:"creating_grace_period"`
}

// AutoStop configures the idle-instance auto-stop sweep.
type AutoStop struct {
	Enabled         bool          `mapstructure:"enabled"`
	IntervalMinutes int           `mapstructure:"interval_minutes"`
	IdleThreshold   time.Duration `mapstructure:"idle_threshold"`
	DryRun          bool          `mapstructure:"dry_run"`
}

// Webhook configures the default outbound notification target.
type Webhook struct {
	URL         string        `mapstructure:"url"`
	Secret      string        `mapstructure:"secret"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// Job configures the worker pool driving the job queue.
type Job struct {
	WorkerCount        int           `mapstructure:"worker_count"`
	ClaimPoll          time.Duration `mapstructure:"claim_poll"`
	JobTimeout         time.Duration `mapstructure:"job_timeout"`
	ShutdownWait       time.Duration `mapstructure:"shutdown_wait"`
	DefaultMaxAttempts int           `mapstructure:"default_max_attempts"`
	RetryBase          time.Duration `mapstructure:"retry_base"`
	RetryMax           time.Duration `mapstructure:"retry_max"`
	RetryJitter        float64       `mapstructure:"retry_jitter"`
}

type Observability struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
}

// Config is the immutable, strongly-typed application configuration. It is
// constructed once at startup via Load and passed by reference; nothing in
// this module re-reads the environment after that.
type Config struct {
	Novita        Novita        `mapstructure:"novita"`
	Store         Store         `mapstructure:"store"`
	Upstream      Upstream      `mapstructure:"upstream"`
	Instance      Instance      `mapstructure:"instance"`
	Migration     Migration     `mapstructure:"migration"`
	Sync          Sync          `mapstructure:"sync"`
	AutoStop      AutoStop      `mapstructure:"auto_stop"`
	Webhook       Webhook       `mapstructure:"webhook"`
	Job           Job           `mapstructure:"job"`
	Observability Observability `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Novita: Novita{
			APIBaseURL: "https://api.novita.ai/gpu-instance/openapi",
		},
		Store: Store{
			Addr:           "localhost:6379",
			DialTimeout:    5 * time.Second,
			ReadTimeout:    3 * time.Second,
			WriteTimeout:   3 * time.Second,
			MaxRetries:     3,
			EnableFallback: true,
		},
		Upstream: Upstream{
			RateLimitPerMinute: 100,
			QueueMaxWait:       10 * time.Second,
			QueueDepth:         256,
			MaxRetryAttempts:   3,
			RequestTimeout:     30 * time.Second,
			Breaker: CircuitBreaker{
				OpenAfterFailures:   5,
				CooldownPeriod:      60 * time.Second,
				CloseAfterSuccesses: 3,
			},
			UserAgent: "novita-gpu-controlplane/1.0",
		},
		Instance: Instance{
			PollInterval:        30 * time.Second,
			MonitorDeadline:     20 * time.Minute,
			StartupMaxWait:      20 * time.Minute,
			DefaultRegion:       "CN-HK-01",
			HealthCheckTimeout:  3 * time.Second,
			HealthCheckInterval: 2 * time.Second,
			HealthCheckDeadline: 2 * time.Minute,
		},
		Migration: Migration{
			Enabled:                  false,
			IntervalMinutes:          15,
			EligibilityIntervalHours: 4,
			MaxConcurrent:            5,
			DryRun:                   false,
			RecordTTL:                7 * 24 * time.Hour,
		},
		Sync: Sync{
			EnableAutomaticSync:           false,
			IntervalMinutes:               30,
			RemoveObsoleteInstances:       false,
			ObsoleteInstanceRetentionDays: 7,
			LockTTL:                       5 * time.Minute,
			CreatingGracePeriod:           15 * time.Minute,
		},
		AutoStop: AutoStop{
			Enabled:         false,
			IntervalMinutes: 5,
			IdleThreshold:   20 * time.Minute,
			DryRun:          false,
		},
		Webhook: Webhook{
			Timeout:     10 * time.Second,
			MaxAttempts: 5,
		},
		Job: Job{
			WorkerCount:        8,
			ClaimPoll:          1 * time.Second,
			JobTimeout:         10 * time.Minute,
			ShutdownWait:       30 * time.Second,
			DefaultMaxAttempts: 3,
			RetryBase:          1 * time.Second,
			RetryMax:           5 * time.Minute,
			RetryJitter:        0.2,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
		},
	}
}

// Load reads configuration from a YAML file (if present) layered over
// environment variables (e.g. NOVITA_API_KEY, STORE_ENABLE_FALLBACK) and
// compiled-in defaults, the same three-tier precedence the teacher's config
// package uses.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)
	bindLegacyEnv(v)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyLegacyEnvOverrides(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("novita.api_base_url", def.Novita.APIBaseURL)

	v.SetDefault("store.addr", def.Store.Addr)
	v.SetDefault("store.dial_timeout", def.Store.DialTimeout)
	v.SetDefault("store.read_timeout", def.Store.ReadTimeout)
	v.SetDefault("store.write_timeout", def.Store.WriteTimeout)
	v.SetDefault("store.max_retries", def.Store.MaxRetries)
	v.SetDefault("store.enable_fallback", def.Store.EnableFallback)

	v.SetDefault("upstream.rate_limit_per_minute", def.Upstream.RateLimitPerMinute)
	v.SetDefault("upstream.queue_max_wait", def.Upstream.QueueMaxWait)
	v.SetDefault("upstream.queue_depth", def.Upstream.QueueDepth)
	v.SetDefault("upstream.max_retry_attempts", def.Upstream.MaxRetryAttempts)
	v.SetDefault("upstream.request_timeout", def.Upstream.RequestTimeout)
	v.SetDefault("upstream.breaker.open_after_failures", def.Upstream.Breaker.OpenAfterFailures)
	v.SetDefault("upstream.breaker.cooldown_period", def.Upstream.Breaker.CooldownPeriod)
	v.SetDefault("upstream.breaker.close_after_successes", def.Upstream.Breaker.CloseAfterSuccesses)
	v.SetDefault("upstream.user_agent", def.Upstream.UserAgent)

	v.SetDefault("instance.poll_interval", def.Instance.PollInterval)
	v.SetDefault("instance.monitor_deadline", def.Instance.MonitorDeadline)
	v.SetDefault("instance.startup_max_wait", def.Instance.StartupMaxWait)
	v.SetDefault("instance.default_region", def.Instance.DefaultRegion)
	v.SetDefault("instance.health_check_timeout", def.Instance.HealthCheckTimeout)
	v.SetDefault("instance.health_check_interval", def.Instance.HealthCheckInterval)
	v.SetDefault("instance.health_check_deadline", def.Instance.HealthCheckDeadline)

	v.SetDefault("migration.enabled", def.Migration.Enabled)
	v.SetDefault("migration.interval_minutes", def.Migration.IntervalMinutes)
	v.SetDefault("migration.eligibility_interval_hours", def.Migration.EligibilityIntervalHours)
	v.SetDefault("migration.max_concurrent", def.Migration.MaxConcurrent)
	v.SetDefault("migration.dry_run", def.Migration.DryRun)
	v.SetDefault("migration.record_ttl", def.Migration.RecordTTL)

	v.SetDefault("sync.enable_automatic_sync", def.Sync.EnableAutomaticSync)
	v.SetDefault("sync.interval_minutes", def.Sync.IntervalMinutes)
	v.SetDefault("sync.remove_obsolete_instances", def.Sync.RemoveObsoleteInstances)
	v.SetDefault("sync.obsolete_instance_retention_days", def.Sync.ObsoleteInstanceRetentionDays)
	v.SetDefault("sync.lock_ttl", def.Sync.LockTTL)
	v.SetDefault("sync.creating_grace_period", def.Sync.CreatingGracePeriod)

	v.SetDefault("auto_stop.enabled", def.AutoStop.Enabled)
	v.SetDefault("auto_stop.interval_minutes", def.AutoStop.IntervalMinutes)
	v.SetDefault("auto_stop.idle_threshold", def.AutoStop.IdleThreshold)
	v.SetDefault("auto_stop.dry_run", def.AutoStop.DryRun)

	v.SetDefault("webhook.timeout", def.Webhook.Timeout)
	v.SetDefault("webhook.max_attempts", def.Webhook.MaxAttempts)

	v.SetDefault("job.worker_count", def.Job.WorkerCount)
	v.SetDefault("job.claim_poll", def.Job.ClaimPoll)
	v.SetDefault("job.job_timeout", def.Job.JobTimeout)
	v.SetDefault("job.shutdown_wait", def.Job.ShutdownWait)
	v.SetDefault("job.default_max_attempts", def.Job.DefaultMaxAttempts)
	v.SetDefault("job.retry_base", def.Job.RetryBase)
	v.SetDefault("job.retry_max", def.Job.RetryMax)
	v.SetDefault("job.retry_jitter", def.Job.RetryJitter)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
}

// legacyEnv maps the flat environment variable names spec.md §6.4 names
// directly onto dotted viper keys, so a routing/config-loader layer that
// only knows the flat names still reaches this struct correctly.
var legacyEnv = map[string]string{
	"NOVITA_API_KEY":                        "novita.api_key",
	"NOVITA_API_BASE_URL":                   "novita.api_base_url",
	"WEBHOOK_URL":                           "webhook.url",
	"WEBHOOK_SECRET":                        "webhook.secret",
	"DEFAULT_REGION":                        "instance.default_region",
	"MIGRATION_ENABLED":                     "migration.enabled",
	"MIGRATION_INTERVAL_MINUTES":            "migration.interval_minutes",
	"MIGRATION_ELIGIBILITY_INTERVAL_HOURS":  "migration.eligibility_interval_hours",
	"MIGRATION_MAX_CONCURRENT":              "migration.max_concurrent",
	"MIGRATION_DRY_RUN":                     "migration.dry_run",
	"SYNC_ENABLE_AUTOMATIC_SYNC":            "sync.enable_automatic_sync",
	"SYNC_INTERVAL_MINUTES":                 "sync.interval_minutes",
	"SYNC_REMOVE_OBSOLETE_INSTANCES":        "sync.remove_obsolete_instances",
	"SYNC_OBSOLETE_INSTANCE_RETENTION_DAYS": "sync.obsolete_instance_retention_days",
	"STORE_ENABLE_FALLBACK":                 "store.enable_fallback",
}

func bindLegacyEnv(v *viper.Viper) {
	for env, key := range legacyEnv {
		_ = v.BindEnv(key, env)
	}
}

// applyLegacyEnvOverrides resolves the handful of legacy keys whose units
// (seconds, milliseconds) differ from the structured config's native
// duration fields, so they cannot be handled by a plain BindEnv.
func applyLegacyEnvOverrides(cfg *Config) {
	if secs, ok := parseIntEnv("INSTANCE_POLL_INTERVAL"); ok {
		cfg.Instance.PollInterval = time.Duration(secs) * time.Second
	}
	if ms, ok := parseIntEnv("REQUEST_TIMEOUT"); ok {
		cfg.Upstream.RequestTimeout = time.Duration(ms) * time.Millisecond
	}
	if ms, ok := parseIntEnv("STARTUP_MAX_WAIT_MS"); ok {
		cfg.Instance.StartupMaxWait = time.Duration(ms) * time.Millisecond
	}
	if n, ok := parseIntEnv("MAX_RETRY_ATTEMPTS"); ok {
		cfg.Upstream.MaxRetryAttempts = n
	}
}

func parseIntEnv(name string) (int64, bool) {
	s := os.Getenv(name)
	if s == "" {
		return 0, false
	}
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Job.WorkerCount < 1 {
		return fmt.Errorf("job.worker_count must be >= 1")
	}
	if cfg.Upstream.RateLimitPerMinute < 1 {
		return fmt.Errorf("upstream.rate_limit_per_minute must be >= 1")
	}
	if cfg.Upstream.MaxRetryAttempts < 0 {
		return fmt.Errorf("upstream.max_retry_attempts must be >= 0")
	}
	if cfg.Migration.EligibilityIntervalHours < 1 || cfg.Migration.EligibilityIntervalHours > 168 {
		return fmt.Errorf("migration.eligibility_interval_hours must be 1..168")
	}
	if cfg.Migration.MaxConcurrent < 1 {
		return fmt.Errorf("migration.max_concurrent must be >= 1")
	}
	if cfg.Sync.IntervalMinutes < 5 || cfg.Sync.IntervalMinutes > 1440 {
		return fmt.Errorf("sync.interval_minutes must be 5..1440")
	}
	if cfg.Sync.ObsoleteInstanceRetentionDays < 1 || cfg.Sync.ObsoleteInstanceRetentionDays > 365 {
		return fmt.Errorf("sync.obsolete_instance_retention_days must be 1..365")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
