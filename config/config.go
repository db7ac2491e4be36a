// Package config loads runtime settings from defaults, an optional YAML file
// and the environment, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// PathEnvVar names the variable that points at an optional YAML file.
const PathEnvVar = "CONFIG_PATH"

var defaultPaths = []string{"config.yaml", "/etc/fairway/config.yaml"}

type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
	Redis        RedisConfig        `koanf:"redis"`
	Database     DatabaseConfig     `koanf:"database"`
	Google       GoogleConfig       `koanf:"google"`
	Auth         AuthConfig         `koanf:"auth"`
	Provider     ProviderConfig     `koanf:"provider"`
	Sync         SyncConfig         `koanf:"sync"`
	Webhook      WebhookConfig      `koanf:"webhook"`
	Mirror       MirrorConfig       `koanf:"mirror"`
	Availability AvailabilityConfig `koanf:"availability"`
}

type ServerConfig struct {
	Port         string        `koanf:"port" validate:"required"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

type RedisConfig struct {
	URL string `koanf:"url" validate:"required"`
}

// DatabaseConfig points at the booking records database. With an empty URL the
// booking hooks answer 503 and pending mirror operations are not reconciled.
type DatabaseConfig struct {
	URL          string `koanf:"url"`
	MaxOpenConns int    `koanf:"max_open_conns" validate:"gte=0"`
	MaxIdleConns int    `koanf:"max_idle_conns" validate:"gte=0"`
}

type GoogleConfig struct {
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
	RedirectURL  string `koanf:"redirect_url"`
	CalendarID   string `koanf:"calendar_id" validate:"required"`
	// ReturnURL is where the coach lands after the consent callback.
	ReturnURL string `koanf:"return_url"`
}

type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
	Issuer    string `koanf:"issuer"`
}

type ProviderConfig struct {
	CallTimeout     time.Duration `koanf:"call_timeout" validate:"gt=0"`
	MaxAttempts     int           `koanf:"max_attempts" validate:"gte=1,lte=10"`
	InitialBackoff  time.Duration `koanf:"initial_backoff" validate:"gt=0"`
	MaxBackoff      time.Duration `koanf:"max_backoff" validate:"gtefield=InitialBackoff"`
	RatePerSecond   float64       `koanf:"rate_per_second" validate:"gt=0"`
	Burst           int           `koanf:"burst" validate:"gte=1"`
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"gte=1"`
	BreakerCooldown time.Duration `koanf:"breaker_cooldown" validate:"gt=0"`
}

type SyncConfig struct {
	Timeout      time.Duration `koanf:"timeout" validate:"gt=0"`
	Lookback     time.Duration `koanf:"lookback" validate:"gt=0"`
	PullEnabled  bool          `koanf:"pull_enabled"`
	PullInterval time.Duration `koanf:"pull_interval" validate:"gt=0"`
}

type WebhookConfig struct {
	CallbackURL    string        `koanf:"callback_url"`
	Token          string        `koanf:"token"`
	ChannelTTL     time.Duration `koanf:"channel_ttl" validate:"gt=0"`
	RenewEnabled   bool          `koanf:"renew_enabled"`
	RenewInterval  time.Duration `koanf:"renew_interval" validate:"gt=0"`
	RenewLookahead time.Duration `koanf:"renew_lookahead" validate:"gt=0"`
}

type MirrorConfig struct {
	ReconcileInterval time.Duration `koanf:"reconcile_interval" validate:"gt=0"`
	ReconcileBatch    int64         `koanf:"reconcile_batch" validate:"gte=1"`
}

type AvailabilityConfig struct {
	SlotStarts      []string      `koanf:"slot_starts" validate:"min=1,dive,required"`
	SlotDuration    time.Duration `koanf:"slot_duration" validate:"gt=0"`
	DefaultTimezone string        `koanf:"default_timezone" validate:"required"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Redis:    RedisConfig{URL: "redis://localhost:6379"},
		Database: DatabaseConfig{MaxOpenConns: 10, MaxIdleConns: 5},
		Google:   GoogleConfig{CalendarID: "primary"},
		Provider: ProviderConfig{
			CallTimeout:     12 * time.Second,
			MaxAttempts:     3,
			InitialBackoff:  500 * time.Millisecond,
			MaxBackoff:      5 * time.Second,
			RatePerSecond:   8,
			Burst:           16,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Sync: SyncConfig{
			Timeout:      2 * time.Minute,
			Lookback:     30 * 24 * time.Hour,
			PullEnabled:  true,
			PullInterval: 15 * time.Minute,
		},
		Webhook: WebhookConfig{
			ChannelTTL:     7 * 24 * time.Hour,
			RenewEnabled:   true,
			RenewInterval:  time.Hour,
			RenewLookahead: 24 * time.Hour,
		},
		Mirror: MirrorConfig{ReconcileInterval: 5 * time.Minute, ReconcileBatch: 50},
		Availability: AvailabilityConfig{
			SlotStarts:      []string{"08:00", "09:00", "10:00", "11:00", "12:00", "13:00", "14:00", "15:00", "16:00", "17:00"},
			SlotDuration:    time.Hour,
			DefaultTimezone: "America/New_York",
		},
	}
}

// envKeys maps the deployment's environment variable names onto config paths.
var envKeys = map[string]string{
	"PORT":                             "server.port",
	"LOG_LEVEL":                        "logging.level",
	"LOG_FORMAT":                       "logging.format",
	"REDIS_URL":                        "redis.url",
	"DATABASE_URL":                     "database.url",
	"CALENDAR_CLIENT_ID":               "google.client_id",
	"CALENDAR_CLIENT_SECRET":           "google.client_secret",
	"OAUTH_REDIRECT_URL":               "google.redirect_url",
	"CALENDAR_ID":                      "google.calendar_id",
	"CALENDAR_RETURN_URL":              "google.return_url",
	"JWT_SECRET":                       "auth.jwt_secret",
	"JWT_ISSUER":                       "auth.issuer",
	"CALENDAR_CALL_TIMEOUT":            "provider.call_timeout",
	"CALENDAR_MAX_ATTEMPTS":            "provider.max_attempts",
	"CALENDAR_SYNC_TIMEOUT":            "sync.timeout",
	"CALENDAR_PULL_SYNC_ENABLED":       "sync.pull_enabled",
	"CALENDAR_PULL_SYNC_INTERVAL":      "sync.pull_interval",
	"CALENDAR_PULL_SYNC_LOOKBACK":      "sync.lookback",
	"CALENDAR_WEBHOOK_URL":             "webhook.callback_url",
	"CALENDAR_WEBHOOK_TOKEN":           "webhook.token",
	"CALENDAR_WEBHOOK_TTL":             "webhook.channel_ttl",
	"CALENDAR_WEBHOOK_RENEW_ENABLED":   "webhook.renew_enabled",
	"CALENDAR_WEBHOOK_RENEW_INTERVAL":  "webhook.renew_interval",
	"CALENDAR_WEBHOOK_RENEW_THRESHOLD": "webhook.renew_lookahead",
	"MIRROR_RECONCILE_INTERVAL":        "mirror.reconcile_interval",
	"AVAILABILITY_SLOT_STARTS":         "availability.slot_starts",
	"AVAILABILITY_SLOT_DURATION":       "availability.slot_duration",
	"AVAILABILITY_DEFAULT_TIMEZONE":    "availability.default_timezone",
}

// envTransform maps known variables through envKeys and FAIRWAY_SECTION__KEY
// onto section.key. Anything else is dropped.
func envTransform(key string) string {
	if path, ok := envKeys[key]; ok {
		return path
	}
	if rest, ok := strings.CutPrefix(key, "FAIRWAY_"); ok {
		return strings.ReplaceAll(strings.ToLower(rest), "__", ".")
	}
	return ""
}

var sliceKeys = []string{"availability.slot_starts"}

// Load builds the configuration and validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	for _, key := range sliceKeys {
		if raw, ok := k.Get(key).(string); ok {
			if err := k.Set(key, splitList(raw)); err != nil {
				return nil, fmt.Errorf("split %s: %w", key, err)
			}
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints plus the cross-field rules tags can't express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := time.LoadLocation(c.Availability.DefaultTimezone); err != nil {
		return fmt.Errorf("invalid configuration: availability.default_timezone: %w", err)
	}
	if c.Webhook.CallbackURL != "" && c.Webhook.Token == "" {
		return fmt.Errorf("invalid configuration: webhook.token is required when webhook.callback_url is set")
	}
	return nil
}

// OAuthConfigured reports whether the provider client credentials are present.
func (c *Config) OAuthConfigured() bool {
	return c.Google.ClientID != "" && c.Google.ClientSecret != "" && c.Google.RedirectURL != ""
}

func findFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range defaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func splitList(raw string) []string {
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
