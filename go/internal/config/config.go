// Package config loads process configuration: built-in defaults, then an
// optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/jurisnexo/relay/go/internal/dbconfig"
)

type Config struct {
	Store    StoreConfig     `yaml:"store"`
	Database dbconfig.Config `yaml:"database"`
	NATS     NATSConfig      `yaml:"nats"`
	Delivery DeliveryConfig  `yaml:"delivery"`
	Meeting  MeetingConfig   `yaml:"meeting"`
	SLA      SLAConfig       `yaml:"sla"`
	Calendar CalendarConfig  `yaml:"calendar"`
	Gateway  GatewayConfig   `yaml:"gateway"`
	Health   HealthConfig    `yaml:"health"`
	Log      LogConfig       `yaml:"log"`
}

type StoreConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `yaml:"driver" env:"STORE_DRIVER"`
}

type NATSConfig struct {
	URL string `yaml:"url" env:"NATS_URL"`
	// Stream carries outbound sends (subjects "<SendSubject>.<tenant>").
	Stream      string `yaml:"stream" env:"NATS_SEND_STREAM"`
	SendSubject string `yaml:"send_subject" env:"NATS_SEND_SUBJECT"`
	// EventStream carries realtime events for the gateway.
	EventStream  string `yaml:"event_stream" env:"NATS_EVENT_STREAM"`
	EventSubject string `yaml:"event_subject" env:"NATS_EVENT_SUBJECT"`
	Consumer     string `yaml:"consumer" env:"NATS_GATEWAY_CONSUMER"`
}

// Enabled reports whether a NATS server is configured.
func (c NATSConfig) Enabled() bool {
	return c.URL != ""
}

type DeliveryConfig struct {
	Enabled     bool          `yaml:"enabled" env:"DELIVERY_ENABLED"`
	Schedule    string        `yaml:"schedule" env:"DELIVERY_SCHEDULE"`
	BatchSize   int           `yaml:"batch_size" env:"DELIVERY_BATCH_SIZE"`
	SendTimeout time.Duration `yaml:"send_timeout" env:"DELIVERY_SEND_TIMEOUT"`
	Listen      bool          `yaml:"listen" env:"DELIVERY_LISTEN"`
}

type MeetingConfig struct {
	Enabled     bool          `yaml:"enabled" env:"MEETING_ENABLED"`
	Schedule    string        `yaml:"schedule" env:"MEETING_SCHEDULE"`
	BatchSize   int           `yaml:"batch_size" env:"MEETING_BATCH_SIZE"`
	Concurrency int           `yaml:"concurrency" env:"MEETING_CONCURRENCY"`
	BookTimeout time.Duration `yaml:"book_timeout" env:"MEETING_BOOK_TIMEOUT"`
	TimeZone    string        `yaml:"timezone" env:"MEETING_TIMEZONE"`
}

type SLAConfig struct {
	Enabled      bool          `yaml:"enabled" env:"SLA_ENABLED"`
	Schedule     string        `yaml:"schedule" env:"SLA_SCHEDULE"`
	StaleAfter   time.Duration `yaml:"stale_after" env:"SLA_STALE_AFTER"`
	Cooldown     time.Duration `yaml:"cooldown" env:"SLA_COOLDOWN"`
	AlertTimeout time.Duration `yaml:"alert_timeout" env:"SLA_ALERT_TIMEOUT"`
	LockAddr     string        `yaml:"lock_redis_addr" env:"SLA_LOCK_REDIS_ADDR"`
	LockKey      string        `yaml:"lock_key" env:"SLA_LOCK_KEY"`
	SlackToken   string        `yaml:"slack_token" env:"SLA_SLACK_TOKEN"`
	SlackChannel string        `yaml:"slack_channel" env:"SLA_SLACK_CHANNEL"`
}

type CalendarConfig struct {
	// Provider is "simulated" or "google".
	Provider     string `yaml:"provider" env:"CALENDAR_PROVIDER"`
	CalendarID   string `yaml:"calendar_id" env:"GOOGLE_CALENDAR_ID"`
	ClientID     string `yaml:"client_id" env:"GOOGLE_OAUTH_CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" env:"GOOGLE_OAUTH_CLIENT_SECRET"`
	RefreshToken string `yaml:"refresh_token" env:"GOOGLE_OAUTH_REFRESH_TOKEN"`
	BaseURL      string `yaml:"base_url" env:"GOOGLE_CALENDAR_BASE_URL"`
	MeetBaseURL  string `yaml:"meet_base_url" env:"SIMULATED_MEET_BASE_URL"`
}

type GatewayConfig struct {
	Port           int      `yaml:"port" env:"GATEWAY_PORT"`
	JWTSecret      string   `yaml:"jwt_secret" env:"JWT_SECRET"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"GATEWAY_ALLOWED_ORIGINS" envSeparator:","`
}

type HealthConfig struct {
	Port int `yaml:"port" env:"HEALTH_PORT"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Store:    StoreConfig{Driver: "postgres"},
		Database: dbconfig.Default(),
		NATS: NATSConfig{
			Stream:       "RELAY_OUTBOUND",
			SendSubject:  "relay.outbound",
			EventStream:  "RELAY_EVENTS",
			EventSubject: "relay.events",
			Consumer:     "relay-gateway",
		},
		Delivery: DeliveryConfig{
			Enabled:     true,
			Schedule:    "@every 5s",
			BatchSize:   10,
			SendTimeout: 15 * time.Second,
			Listen:      true,
		},
		Meeting: MeetingConfig{
			Enabled:     true,
			Schedule:    "@every 10s",
			BatchSize:   5,
			Concurrency: 1,
			BookTimeout: 20 * time.Second,
			TimeZone:    "America/Sao_Paulo",
		},
		SLA: SLAConfig{
			Enabled:      true,
			Schedule:     "@every 1m",
			StaleAfter:   5 * time.Minute,
			Cooldown:     time.Hour,
			AlertTimeout: 15 * time.Second,
			LockKey:      "relay:sla-watchdog",
		},
		Calendar: CalendarConfig{
			Provider:    "simulated",
			CalendarID:  "primary",
			BaseURL:     "https://www.googleapis.com/calendar/v3",
			MeetBaseURL: "https://meet.google.com",
		},
		Gateway: GatewayConfig{
			Port:           8081,
			AllowedOrigins: []string{"*"},
		},
		Health: HealthConfig{Port: 8082},
		Log:    LogConfig{Level: "info", Format: "console"},
	}
}

// Load builds the configuration. path may be empty, in which case only the
// defaults and environment are used.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail later at wiring time.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be postgres or memory, got %q", c.Store.Driver))
	}
	switch c.Calendar.Provider {
	case "simulated":
	case "google":
		if c.Calendar.ClientID == "" || c.Calendar.ClientSecret == "" || c.Calendar.RefreshToken == "" {
			errs = append(errs, errors.New("google calendar requires GOOGLE_OAUTH_CLIENT_ID, GOOGLE_OAUTH_CLIENT_SECRET and GOOGLE_OAUTH_REFRESH_TOKEN"))
		}
	default:
		errs = append(errs, fmt.Errorf("calendar.provider must be simulated or google, got %q", c.Calendar.Provider))
	}
	if c.Delivery.BatchSize <= 0 || c.Meeting.BatchSize <= 0 {
		errs = append(errs, errors.New("batch sizes must be positive"))
	}
	if c.Meeting.Concurrency <= 0 {
		errs = append(errs, errors.New("meeting.concurrency must be positive"))
	}
	if _, err := time.LoadLocation(c.Meeting.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("meeting.timezone: %w", err))
	}
	return errors.Join(errs...)
}
