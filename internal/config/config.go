package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"tradewatch/internal/logging"
	"tradewatch/internal/rules"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Quotes    QuotesConfig    `mapstructure:"quotes"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Monitor   MonitorDefaults `mapstructure:"monitor"`
	Monitors  []MonitorConfig `mapstructure:"monitors"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Jobs      []JobConfig     `mapstructure:"jobs"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects and tunes the persistence backend.
type DatabaseConfig struct {
	Driver            string        `mapstructure:"driver"`
	DSN               string        `mapstructure:"dsn"`
	Path              string        `mapstructure:"path"`
	MaxOpenConns      int           `mapstructure:"max_open_conns"`
	MaxIdleConns      int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime   time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate       bool          `mapstructure:"auto_migrate"`
	DeliveryRetention time.Duration `mapstructure:"delivery_retention"`
}

// RedisConfig covers the shared quote cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QuotesConfig captures market-data connectivity.
type QuotesConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Token          string        `mapstructure:"token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	Cache          CacheConfig   `mapstructure:"cache"`
	Chain          ChainConfig   `mapstructure:"chain"`
	Screen         ScreenConfig  `mapstructure:"screen"`
}

// CacheConfig selects the quote cache backend: none, memory or redis.
type CacheConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// ChainConfig enables on-chain ERC-4626 rate observations.
type ChainConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ScreenConfig bounds screener fan-out.
type ScreenConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	ChunkSize   int `mapstructure:"chunk_size"`
}

// NotifyConfig defines suppression windows, caps and delivery channels.
type NotifyConfig struct {
	DedupWindow  time.Duration    `mapstructure:"dedup_window"`
	RateWindow   time.Duration    `mapstructure:"rate_window"`
	GlobalCap    int              `mapstructure:"global_cap"`
	DefaultCap   int              `mapstructure:"default_cap"`
	CategoryCaps map[string]int   `mapstructure:"category_caps"`
	SendTimeout  time.Duration    `mapstructure:"send_timeout"`
	MinSeverity  string           `mapstructure:"min_severity"`
	Telegram     TelegramConfig   `mapstructure:"telegram"`
	Webhook      WebhookConfig    `mapstructure:"webhook"`
	Slack        SlackConfig      `mapstructure:"slack"`
	Shoutrrr     ShoutrrrConfig   `mapstructure:"shoutrrr"`
	Log          LogChannelConfig `mapstructure:"log"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// WebhookConfig posts JSON payloads to an outbound HTTP callback.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Secret  string `mapstructure:"secret"`
}

// SlackConfig targets a Slack incoming webhook.
type SlackConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
	Channel    string `mapstructure:"channel"`
}

// ShoutrrrConfig fans out to any shoutrrr service URL (ntfy, discord, pushover...).
type ShoutrrrConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	URLs    []string `mapstructure:"urls"`
}

// LogChannelConfig enables the local log channel.
type LogChannelConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// MonitorDefaults tune every monitor actor unless overridden per monitor.
type MonitorDefaults struct {
	Interval         time.Duration `mapstructure:"interval"`
	StartupDelay     time.Duration `mapstructure:"startup_delay"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	PersistTimeout   time.Duration `mapstructure:"persist_timeout"`
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace"`
	CheckpointEvery  int           `mapstructure:"checkpoint_every"`
	MaxObservations  int           `mapstructure:"max_observations"`
	MaxDedupEntries  int           `mapstructure:"max_dedup_entries"`
	ConsumeOnFailure bool          `mapstructure:"consume_on_failure"`
	InboxSize        int           `mapstructure:"inbox_size"`
}

// MonitorConfig seeds a monitor on first start.
type MonitorConfig struct {
	Key         string        `mapstructure:"key"`
	Interval    time.Duration `mapstructure:"interval"`
	Account     string        `mapstructure:"account"`
	MinSeverity string        `mapstructure:"min_severity"`
	Rules       []RuleConfig  `mapstructure:"rules"`
}

// RuleConfig is the file representation of a rule.
type RuleConfig struct {
	ID         string   `mapstructure:"id"`
	Symbol     string   `mapstructure:"symbol"`
	Kind       string   `mapstructure:"kind"`
	Threshold  float64  `mapstructure:"threshold"`
	Recurrence string   `mapstructure:"recurrence"`
	Channels   []string `mapstructure:"channels"`
	Template   string   `mapstructure:"template"`
	Severity   string   `mapstructure:"severity"`
	PnLSide    string   `mapstructure:"pnl_side"`
}

// SchedulerConfig governs recurring jobs.
type SchedulerConfig struct {
	CheckInterval   time.Duration `mapstructure:"check_interval"`
	Timezone        string        `mapstructure:"timezone"`
	JobTimeout      time.Duration `mapstructure:"job_timeout"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// JobConfig declares a scheduled job. Either Time+Weekdays or Cron must be set.
type JobConfig struct {
	ID       string            `mapstructure:"id"`
	Kind     string            `mapstructure:"kind"`
	Time     string            `mapstructure:"time"`
	Weekdays []string          `mapstructure:"weekdays"`
	Cron     string            `mapstructure:"cron"`
	Enabled  *bool             `mapstructure:"enabled"`
	Params   map[string]string `mapstructure:"params"`
}

// MetricsConfig exposes Prometheus metrics when Listen is set.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRADEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tradewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.path", "tradewatch.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.delivery_retention", "720h")

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("quotes.base_url", "https://api.tastyworks.com")
	v.SetDefault("quotes.request_timeout", "10s")
	v.SetDefault("quotes.user_agent", "tradewatch/1.0")
	v.SetDefault("quotes.cache.backend", "memory")
	v.SetDefault("quotes.cache.ttl", "5s")
	v.SetDefault("quotes.chain.request_timeout", "10s")
	v.SetDefault("quotes.screen.concurrency", 5)
	v.SetDefault("quotes.screen.chunk_size", 50)

	v.SetDefault("notify.dedup_window", "5m")
	v.SetDefault("notify.rate_window", "60m")
	v.SetDefault("notify.global_cap", 50)
	v.SetDefault("notify.default_cap", 20)
	v.SetDefault("notify.category_caps", map[string]int{
		"price":          10,
		"info":           20,
		"portfolio_risk": 5,
	})
	v.SetDefault("notify.send_timeout", "10s")
	v.SetDefault("notify.min_severity", "info")
	v.SetDefault("notify.telegram.enabled", false)
	v.SetDefault("notify.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("notify.log.enabled", true)

	v.SetDefault("monitor.interval", "30s")
	v.SetDefault("monitor.startup_delay", "2s")
	v.SetDefault("monitor.fetch_timeout", "15s")
	v.SetDefault("monitor.persist_timeout", "5s")
	v.SetDefault("monitor.shutdown_grace", "30s")
	v.SetDefault("monitor.checkpoint_every", 100)
	v.SetDefault("monitor.max_observations", 1000)
	v.SetDefault("monitor.max_dedup_entries", 5000)
	v.SetDefault("monitor.consume_on_failure", false)
	v.SetDefault("monitor.inbox_size", 16)

	v.SetDefault("scheduler.check_interval", "1m")
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.job_timeout", "5m")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x74776a62))

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be one of memory, sqlite, postgres")
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for the postgres driver")
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		return fmt.Errorf("database.path is required for the sqlite driver")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	switch c.Quotes.Cache.Backend {
	case "", "none", "memory", "redis":
	default:
		return fmt.Errorf("quotes.cache.backend must be none, memory or redis")
	}
	if c.Quotes.Screen.Concurrency <= 0 {
		return fmt.Errorf("quotes.screen.concurrency must be greater than zero")
	}
	if c.Notify.DedupWindow <= 0 || c.Notify.RateWindow <= 0 {
		return fmt.Errorf("notify.dedup_window and notify.rate_window must be greater than zero")
	}
	if c.Notify.GlobalCap <= 0 || c.Notify.DefaultCap <= 0 {
		return fmt.Errorf("notify.global_cap and notify.default_cap must be greater than zero")
	}
	for category, limit := range c.Notify.CategoryCaps {
		if limit <= 0 {
			return fmt.Errorf("notify.category_caps.%s must be greater than zero", category)
		}
	}
	if c.Notify.Telegram.Enabled {
		if c.Notify.Telegram.BotToken == "" {
			return fmt.Errorf("notify.telegram.bot_token 必须配置")
		}
		if c.Notify.Telegram.ChatID == "" {
			return fmt.Errorf("notify.telegram.chat_id 必须配置")
		}
	}
	if c.Notify.Webhook.Enabled && c.Notify.Webhook.URL == "" {
		return fmt.Errorf("notify.webhook.url must be set when the webhook channel is enabled")
	}
	if c.Notify.Slack.Enabled && c.Notify.Slack.WebhookURL == "" {
		return fmt.Errorf("notify.slack.webhook_url must be set when the slack channel is enabled")
	}
	if c.Notify.Shoutrrr.Enabled && len(c.Notify.Shoutrrr.URLs) == 0 {
		return fmt.Errorf("notify.shoutrrr.urls must be set when the shoutrrr channel is enabled")
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be greater than zero")
	}
	if c.Monitor.CheckpointEvery <= 0 {
		return fmt.Errorf("monitor.checkpoint_every must be greater than zero")
	}
	if c.Scheduler.CheckInterval <= 0 {
		return fmt.Errorf("scheduler.check_interval must be greater than zero")
	}
	if c.Scheduler.AdvisoryLockKey < 0 || c.Scheduler.AdvisoryLockKey > math.MaxInt32 {
		return fmt.Errorf("scheduler.advisory_lock_key must be between 0 and %d", math.MaxInt32)
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}

	keys := make(map[string]struct{}, len(c.Monitors))
	for _, m := range c.Monitors {
		if m.Key == "" {
			return fmt.Errorf("monitors: key is required")
		}
		if _, dup := keys[m.Key]; dup {
			return fmt.Errorf("monitors: duplicate key %q", m.Key)
		}
		keys[m.Key] = struct{}{}
		for i, rc := range m.Rules {
			rule := rc.Rule(m.Key, time.Now())
			if err := rule.Validate(); err != nil {
				return fmt.Errorf("monitors.%s.rules[%d]: %w", m.Key, i, err)
			}
		}
	}

	ids := make(map[string]struct{}, len(c.Jobs))
	for _, j := range c.Jobs {
		if j.ID == "" || j.Kind == "" {
			return fmt.Errorf("jobs: id and kind are required")
		}
		if _, dup := ids[j.ID]; dup {
			return fmt.Errorf("jobs: duplicate id %q", j.ID)
		}
		ids[j.ID] = struct{}{}
		if j.Time == "" && j.Cron == "" {
			return fmt.Errorf("jobs.%s: either time or cron must be set", j.ID)
		}
	}
	return nil
}

// Location resolves the scheduler time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// Rule converts the file representation into a normalised rule owned by monitorKey.
func (r RuleConfig) Rule(monitorKey string, now time.Time) rules.Rule {
	rule := rules.Rule{
		ID:         r.ID,
		MonitorKey: monitorKey,
		Symbol:     r.Symbol,
		Kind:       rules.Kind(strings.ToLower(strings.TrimSpace(r.Kind))),
		Threshold:  decimal.NewFromFloat(r.Threshold),
		Recurrence: rules.Recurrence(r.Recurrence),
		Channels:   r.Channels,
		Template:   r.Template,
		Severity:   r.Severity,
		PnLSide:    rules.PnLSide(r.PnLSide),
	}
	rule.Normalize(now)
	return rule
}

// IsEnabled defaults to true when the flag is omitted.
func (j JobConfig) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}
