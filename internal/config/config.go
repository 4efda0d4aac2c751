package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/t77yq/casewatch/internal/model"
)

// Config is the full service configuration
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Log           LogConfig           `mapstructure:"log"`
	Database      DatabaseConfig      `mapstructure:"database"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	NATS          NATSConfig          `mapstructure:"nats"`
	Ingest        IngestConfig        `mapstructure:"ingest"`
	Processor     ProcessorConfig     `mapstructure:"processor"`
	Correlation   CorrelationConfig   `mapstructure:"correlation"`
	SLA           SLAConfig           `mapstructure:"sla"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Delivery      DeliveryConfig      `mapstructure:"delivery"`
	Outbox        OutboxConfig        `mapstructure:"outbox"`
	Channels      ChannelsConfig      `mapstructure:"channels"`
	Directory     DirectoryConfig     `mapstructure:"directory"`
}

type AppConfig struct {
	Name       string `mapstructure:"name"`
	InstanceID string `mapstructure:"instance_id"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type DatabaseConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URLs           []string      `mapstructure:"urls"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	// MaxDeliver is how often the dispatcher consumer tries an event before dead-lettering it
	MaxDeliver int `mapstructure:"max_deliver"`
}

type IngestConfig struct {
	// FingerprintLabels are the identifying label keys; empty means all labels
	FingerprintLabels []string `mapstructure:"fingerprint_labels"`
}

type ProcessorConfig struct {
	Schedule     string        `mapstructure:"schedule"`
	BatchSize    int           `mapstructure:"batch_size"`
	Workers      int           `mapstructure:"workers"`
	MaxRetries   int           `mapstructure:"max_retries"`
	ClaimTimeout time.Duration `mapstructure:"claim_timeout"`
}

type CorrelationConfig struct {
	Window  time.Duration `mapstructure:"window"`
	GroupBy []string      `mapstructure:"group_by"`
}

type SLAConfig struct {
	Schedule  string `mapstructure:"schedule"`
	BatchSize int    `mapstructure:"batch_size"`
	// Hours maps a priority ("1".."4") to its SLA in hours
	Hours map[string]int `mapstructure:"hours"`
}

type NotificationsConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
	// Channels maps an event type to the channels it notifies on
	Channels map[string][]string `mapstructure:"channels"`
}

type DeliveryConfig struct {
	Schedule     string        `mapstructure:"schedule"`
	BatchSize    int           `mapstructure:"batch_size"`
	Concurrency  int           `mapstructure:"concurrency"`
	SendTimeout  time.Duration `mapstructure:"send_timeout"`
	ClaimTimeout time.Duration `mapstructure:"claim_timeout"`
	Backoff      BackoffConfig `mapstructure:"backoff"`
}

type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
}

type OutboxConfig struct {
	Schedule    string `mapstructure:"schedule"`
	BatchSize   int    `mapstructure:"batch_size"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

type ChannelsConfig struct {
	Email      EmailConfig        `mapstructure:"email"`
	Chat       ChatConfig         `mapstructure:"chat"`
	SMS        SMSConfig          `mapstructure:"sms"`
	Webhook    WebhookConfig      `mapstructure:"webhook"`
	RateLimits map[string]float64 `mapstructure:"rate_limits"`
}

type EmailConfig struct {
	Enabled  bool       `mapstructure:"enabled"`
	Provider string     `mapstructure:"provider"`
	From     string     `mapstructure:"from"`
	SMTP     SMTPConfig `mapstructure:"smtp"`
	SES      SESConfig  `mapstructure:"ses"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type SESConfig struct {
	Region string `mapstructure:"region"`
}

type ChatConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
	Username   string `mapstructure:"username"`
}

type SMSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	BaseURL    string `mapstructure:"base_url"`
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	From       string `mapstructure:"from"`
}

type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Secret  string `mapstructure:"secret"`
}

type DirectoryConfig struct {
	Users []UserEntry `mapstructure:"users"`
	Teams []TeamEntry `mapstructure:"teams"`
}

type UserEntry struct {
	ID      string `mapstructure:"id"`
	Email   string `mapstructure:"email"`
	Phone   string `mapstructure:"phone"`
	Chat    string `mapstructure:"chat"`
	Webhook string `mapstructure:"webhook"`
}

type TeamEntry struct {
	ID      string   `mapstructure:"id"`
	Members []string `mapstructure:"members"`
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "casewatch")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("database.path", "casewatch.db")
	v.SetDefault("database.busy_timeout", "5s")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("http.max_body_bytes", 1<<20)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.urls", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.connect_timeout", "5s")
	v.SetDefault("nats.connect_retries", 5)
	v.SetDefault("nats.max_deliver", 20)

	v.SetDefault("processor.schedule", "@every 5s")
	v.SetDefault("processor.batch_size", 50)
	v.SetDefault("processor.workers", 4)
	v.SetDefault("processor.max_retries", 5)
	v.SetDefault("processor.claim_timeout", "5m")

	v.SetDefault("correlation.window", "24h")

	v.SetDefault("sla.schedule", "@every 1m")
	v.SetDefault("sla.batch_size", 100)
	v.SetDefault("sla.hours", map[string]any{"1": 4, "2": 8, "3": 24, "4": 72})

	v.SetDefault("notifications.max_retries", model.DefaultMaxRetries)

	v.SetDefault("delivery.schedule", "@every 5s")
	v.SetDefault("delivery.batch_size", 100)
	v.SetDefault("delivery.concurrency", 8)
	v.SetDefault("delivery.send_timeout", "10s")
	v.SetDefault("delivery.claim_timeout", "2m")
	v.SetDefault("delivery.backoff.initial", "30s")
	v.SetDefault("delivery.backoff.max", "30m")
	v.SetDefault("delivery.backoff.multiplier", 2.0)

	v.SetDefault("outbox.schedule", "@every 2s")
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.max_attempts", 20)

	v.SetDefault("channels.email.provider", "smtp")
	v.SetDefault("channels.email.smtp.port", 587)
	v.SetDefault("channels.sms.base_url", "https://api.twilio.com")
	v.SetDefault("channels.chat.username", "casewatch")
}

// Load reads configuration from path (if not empty), the CASEWATCH_* environment
// and the defaults, in that order of precedence from last to first.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("CASEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Processor.BatchSize <= 0 {
		errs = append(errs, errors.New("processor.batch_size must be positive"))
	}
	if c.Processor.Workers <= 0 {
		errs = append(errs, errors.New("processor.workers must be positive"))
	}
	if c.Processor.MaxRetries < 0 {
		errs = append(errs, errors.New("processor.max_retries must not be negative"))
	}
	if c.Correlation.Window <= 0 {
		errs = append(errs, errors.New("correlation.window must be positive"))
	}
	for p := model.PriorityUrgent; p <= model.PriorityLow; p++ {
		if h, ok := c.SLA.Hours[strconv.Itoa(int(p))]; !ok || h <= 0 {
			errs = append(errs, fmt.Errorf("sla.hours is missing priority %d", p))
		}
	}
	if c.Notifications.MaxRetries <= 0 {
		errs = append(errs, errors.New("notifications.max_retries must be positive"))
	}
	for event, channels := range c.Notifications.Channels {
		for _, ch := range channels {
			if _, ok := model.ParseChannel(ch); !ok {
				errs = append(errs, fmt.Errorf("notifications.channels.%s: unknown channel %q", event, ch))
			}
		}
	}
	if c.Delivery.BatchSize <= 0 || c.Delivery.Concurrency <= 0 {
		errs = append(errs, errors.New("delivery.batch_size and delivery.concurrency must be positive"))
	}
	if c.Delivery.SendTimeout <= 0 {
		errs = append(errs, errors.New("delivery.send_timeout must be positive"))
	}
	if c.Delivery.ClaimTimeout <= c.Delivery.SendTimeout {
		errs = append(errs, errors.New("delivery.claim_timeout must be longer than delivery.send_timeout"))
	}
	if c.Delivery.Backoff.Initial <= 0 || c.Delivery.Backoff.Max < c.Delivery.Backoff.Initial || c.Delivery.Backoff.Multiplier < 1 {
		errs = append(errs, errors.New("delivery.backoff is invalid"))
	}
	if c.Outbox.MaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox.max_attempts must be positive"))
	}
	if c.NATS.Enabled && c.NATS.MaxDeliver <= 0 {
		errs = append(errs, errors.New("nats.max_deliver must be positive"))
	}
	return errors.Join(errs...)
}
