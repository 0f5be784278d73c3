// Package config loads and validates solobot configuration from
// config.yaml plus SOLOBOT_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SingletonConfig holds the distributed-lock and controller tunables.
type SingletonConfig struct {
	// Namespace scopes the advisory lock key so several deployments can
	// share one database.
	Namespace string `yaml:"namespace"`

	// StaleIdleThresholdSeconds is how long a lock holder may sit idle
	// before a competing instance is allowed to terminate its session.
	// Deliberately generous to survive slow startups and migrations.
	StaleIdleThresholdSeconds int `yaml:"stale_idle_threshold_seconds"`

	// TakeoverGraceSeconds is the wait between terminating a stale
	// holder's session and retrying acquisition.
	TakeoverGraceSeconds int `yaml:"takeover_grace_seconds"`

	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`

	// Watcher backoff: base * 1.5^attempt, capped.
	WatcherBackoffBaseSeconds int `yaml:"watcher_backoff_base_seconds"`
	WatcherBackoffCapSeconds  int `yaml:"watcher_backoff_cap_seconds"`

	// PassiveNoticeThrottleSeconds limits the "service is updating"
	// notice to at most one per window per process.
	PassiveNoticeThrottleSeconds int `yaml:"passive_notice_throttle_seconds"`

	// ForceActive skips lock coordination entirely. Single-instance
	// deployments only; two force-active instances will double-process.
	ForceActive bool `yaml:"force_active"`
}

// IntakeConfig holds queue and worker pool tunables.
type IntakeConfig struct {
	QueueSize   int `yaml:"queue_size"`
	WorkerCount int `yaml:"worker_count"`

	DispatchTimeoutSeconds int `yaml:"dispatch_timeout_seconds"`

	// PassiveAllowList names operations that may run while PASSIVE
	// (e.g. "restart", "menu"). Reloadable at runtime.
	PassiveAllowList []string `yaml:"passive_allow_list"`

	// BackpressureThresholdPercent is the utilization above which the
	// backpressure flag is raised. Default 80.
	BackpressureThresholdPercent int `yaml:"backpressure_threshold_percent"`
}

// ReconcilerConfig holds orphan-callback reconciliation tunables.
type ReconcilerConfig struct {
	IntervalSeconds      int `yaml:"interval_seconds"`
	BatchSize            int `yaml:"batch_size"`
	OrphanTimeoutMinutes int `yaml:"orphan_timeout_minutes"`
}

// TelegramConfig configures the outbound notifier.
type TelegramConfig struct {
	Token   string `yaml:"token"`
	Enabled bool   `yaml:"enabled"`
}

// DatabaseConfig points at the shared Postgres that doubles as the lock store.
type DatabaseConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// OTelConfig mirrors the telemetry provider settings.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// HousekeepingConfig schedules periodic store cleanup (cron expression,
// standard 5-field syntax).
type HousekeepingConfig struct {
	Schedule             string `yaml:"schedule"`
	HeartbeatMaxAgeHours int    `yaml:"heartbeat_max_age_hours"`
	OrphanRetentionDays  int    `yaml:"orphan_retention_days"`
	DedupRetentionDays   int    `yaml:"dedup_retention_days"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// IntakeSecret, when set, must match the webhook secret header
	// (X-Telegram-Bot-Api-Secret-Token) on POST /intake requests.
	IntakeSecret string `yaml:"intake_secret"`

	// AllowOrigins lists Origin patterns accepted for browser websocket
	// connections to /events. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	Database     DatabaseConfig     `yaml:"database"`
	Singleton    SingletonConfig    `yaml:"singleton"`
	Intake       IntakeConfig       `yaml:"intake"`
	Reconciler   ReconcilerConfig   `yaml:"reconciler"`
	Telegram     TelegramConfig     `yaml:"telegram"`
	OTel         OTelConfig         `yaml:"otel"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`
}

// Durations derived from the integer-second fields.

func (s SingletonConfig) StaleIdleThreshold() time.Duration {
	return time.Duration(s.StaleIdleThresholdSeconds) * time.Second
}

func (s SingletonConfig) TakeoverGrace() time.Duration {
	return time.Duration(s.TakeoverGraceSeconds) * time.Second
}

func (s SingletonConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalSeconds) * time.Second
}

func (s SingletonConfig) WatcherBackoffBase() time.Duration {
	return time.Duration(s.WatcherBackoffBaseSeconds) * time.Second
}

func (s SingletonConfig) WatcherBackoffCap() time.Duration {
	return time.Duration(s.WatcherBackoffCapSeconds) * time.Second
}

func (s SingletonConfig) PassiveNoticeThrottle() time.Duration {
	return time.Duration(s.PassiveNoticeThrottleSeconds) * time.Second
}

func (i IntakeConfig) DispatchTimeout() time.Duration {
	return time.Duration(i.DispatchTimeoutSeconds) * time.Second
}

func (r ReconcilerConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

func (r ReconcilerConfig) OrphanTimeout() time.Duration {
	return time.Duration(r.OrphanTimeoutMinutes) * time.Minute
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18990",
		LogLevel: "info",
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5,
		},
		Singleton: SingletonConfig{
			Namespace:                    "solobot",
			StaleIdleThresholdSeconds:    120,
			TakeoverGraceSeconds:         3,
			HeartbeatIntervalSeconds:     5,
			WatcherBackoffBaseSeconds:    10,
			WatcherBackoffCapSeconds:     60,
			PassiveNoticeThrottleSeconds: 60,
		},
		Intake: IntakeConfig{
			QueueSize:                    100,
			WorkerCount:                  3,
			DispatchTimeoutSeconds:       30,
			PassiveAllowList:             []string{"restart", "menu"},
			BackpressureThresholdPercent: 80,
		},
		Reconciler: ReconcilerConfig{
			IntervalSeconds:      10,
			BatchSize:            100,
			OrphanTimeoutMinutes: 30,
		},
		OTel: OTelConfig{
			ServiceName: "solobot",
		},
		Housekeeping: HousekeepingConfig{
			Schedule:             "0 4 * * *",
			HeartbeatMaxAgeHours: 24,
			OrphanRetentionDays:  7,
			DedupRetentionDays:   30,
		},
	}
}

// HomeDir returns the solobot data directory, honoring SOLOBOT_HOME.
func HomeDir() string {
	if override := os.Getenv("SOLOBOT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".solobot")
}

// ConfigPath returns the path of config.yaml under the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the solobot home directory, applies
// environment overrides, and normalizes defaults. A missing config file
// is not an error; defaults plus env vars apply.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create solobot home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18990"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns <= 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime <= 0 {
		cfg.Database.ConnMaxLifetime = 5
	}
	if strings.TrimSpace(cfg.Singleton.Namespace) == "" {
		cfg.Singleton.Namespace = "solobot"
	}
	if cfg.Singleton.StaleIdleThresholdSeconds <= 0 {
		cfg.Singleton.StaleIdleThresholdSeconds = 120
	}
	if cfg.Singleton.TakeoverGraceSeconds <= 0 {
		cfg.Singleton.TakeoverGraceSeconds = 3
	}
	if cfg.Singleton.HeartbeatIntervalSeconds <= 0 {
		cfg.Singleton.HeartbeatIntervalSeconds = 5
	}
	if cfg.Singleton.WatcherBackoffBaseSeconds <= 0 {
		cfg.Singleton.WatcherBackoffBaseSeconds = 10
	}
	if cfg.Singleton.WatcherBackoffCapSeconds <= 0 {
		cfg.Singleton.WatcherBackoffCapSeconds = 60
	}
	if cfg.Singleton.PassiveNoticeThrottleSeconds <= 0 {
		cfg.Singleton.PassiveNoticeThrottleSeconds = 60
	}
	if cfg.Intake.QueueSize <= 0 {
		cfg.Intake.QueueSize = 100
	}
	if cfg.Intake.WorkerCount <= 0 {
		cfg.Intake.WorkerCount = 3
	}
	if cfg.Intake.DispatchTimeoutSeconds <= 0 {
		cfg.Intake.DispatchTimeoutSeconds = 30
	}
	if cfg.Intake.BackpressureThresholdPercent <= 0 || cfg.Intake.BackpressureThresholdPercent > 100 {
		cfg.Intake.BackpressureThresholdPercent = 80
	}
	if cfg.Reconciler.IntervalSeconds <= 0 {
		cfg.Reconciler.IntervalSeconds = 10
	}
	if cfg.Reconciler.BatchSize <= 0 {
		cfg.Reconciler.BatchSize = 100
	}
	if cfg.Reconciler.OrphanTimeoutMinutes <= 0 {
		cfg.Reconciler.OrphanTimeoutMinutes = 30
	}
	if strings.TrimSpace(cfg.Housekeeping.Schedule) == "" {
		cfg.Housekeeping.Schedule = "0 4 * * *"
	}
	if cfg.Housekeeping.HeartbeatMaxAgeHours <= 0 {
		cfg.Housekeeping.HeartbeatMaxAgeHours = 24
	}
	if cfg.Housekeeping.OrphanRetentionDays <= 0 {
		cfg.Housekeeping.OrphanRetentionDays = 7
	}
	if cfg.Housekeeping.DedupRetentionDays <= 0 {
		cfg.Housekeeping.DedupRetentionDays = 30
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "solobot"
	}
}

func validate(cfg *Config) error {
	if cfg.Singleton.WatcherBackoffCapSeconds < cfg.Singleton.WatcherBackoffBaseSeconds {
		return fmt.Errorf("watcher_backoff_cap_seconds (%d) must be >= watcher_backoff_base_seconds (%d)",
			cfg.Singleton.WatcherBackoffCapSeconds, cfg.Singleton.WatcherBackoffBaseSeconds)
	}
	if cfg.Singleton.HeartbeatIntervalSeconds > cfg.Singleton.StaleIdleThresholdSeconds {
		return fmt.Errorf("heartbeat_interval_seconds (%d) must be <= stale_idle_threshold_seconds (%d)",
			cfg.Singleton.HeartbeatIntervalSeconds, cfg.Singleton.StaleIdleThresholdSeconds)
	}
	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.enabled is true but telegram.token is empty")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("SOLOBOT_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("SOLOBOT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("SOLOBOT_DATABASE_DSN"); raw != "" {
		cfg.Database.DSN = raw
	}
	if raw := os.Getenv("SOLOBOT_INTAKE_SECRET"); raw != "" {
		cfg.IntakeSecret = raw
	}
	if raw := os.Getenv("SOLOBOT_TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
		cfg.Telegram.Enabled = true
	}
	if raw := os.Getenv("SOLOBOT_NAMESPACE"); raw != "" {
		cfg.Singleton.Namespace = raw
	}
	if raw := os.Getenv("SOLOBOT_FORCE_ACTIVE"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Singleton.ForceActive = v
		}
	}
	if raw := os.Getenv("SOLOBOT_STALE_IDLE_THRESHOLD_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Singleton.StaleIdleThresholdSeconds = v
		}
	}
	if raw := os.Getenv("SOLOBOT_HEARTBEAT_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Singleton.HeartbeatIntervalSeconds = v
		}
	}
	if raw := os.Getenv("SOLOBOT_QUEUE_SIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Intake.QueueSize = v
		}
	}
	if raw := os.Getenv("SOLOBOT_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Intake.WorkerCount = v
		}
	}
}
