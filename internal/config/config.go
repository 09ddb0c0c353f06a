// Package config loads EngagePipe settings.
//
// Precedence, lowest first: Default, the YAML file, .env and the process
// environment, then command-line flags (applied by the cli package).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/EngagePipe/internal/engagement"
	"github.com/BTreeMap/EngagePipe/internal/store"
	"github.com/BTreeMap/EngagePipe/internal/util"
)

const (
	// DefaultStateDir is the default directory for EngagePipe state data
	DefaultStateDir = "/var/lib/engagepipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "engagepipe.db"
)

// Delivery channels.
const (
	ChannelLog      = "log"
	ChannelTwilio   = "twilio"
	ChannelWhatsApp = "whatsapp"
)

// Config holds all EngagePipe configuration.
type Config struct {
	StateDir   string           `yaml:"state_dir"`
	LogLevel   string           `yaml:"log_level"`
	Database   DatabaseConfig   `yaml:"database"`
	API        APIConfig        `yaml:"api"`
	Engagement EngagementConfig `yaml:"engagement"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Outbox     OutboxConfig     `yaml:"outbox"`
	Messaging  MessagingConfig  `yaml:"messaging"`
	GenAI      GenAIConfig      `yaml:"genai"`
}

// DatabaseConfig selects the store. DSN is "memory", a SQLite path, a
// Postgres URL or key/value string, or a redis:// URL.
type DatabaseConfig struct {
	DSN       string `yaml:"dsn"`
	KeyPrefix string `yaml:"key_prefix"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

type EngagementConfig struct {
	GoodbyeTimeout        time.Duration `yaml:"goodbye_timeout"`
	RemindAfter           time.Duration `yaml:"remind_after"`
	UnpromptedReturnAfter time.Duration `yaml:"unprompted_return_after"`
	InactivityDays        int           `yaml:"inactivity_days"`
}

type SchedulerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
	Workers int    `yaml:"workers"`
}

type OutboxConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ClaimLimit   int           `yaml:"claim_limit"`
}

type MessagingConfig struct {
	Channel  string         `yaml:"channel"`
	Twilio   TwilioConfig   `yaml:"twilio"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
}

type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	From       string `yaml:"from"`
}

type WhatsAppConfig struct {
	DSN         string `yaml:"dsn"`
	QRPath      string `yaml:"qr_path"`
	NumericCode bool   `yaml:"numeric_code"`
}

type GenAIConfig struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int64   `yaml:"max_tokens"`
	Debug       bool    `yaml:"debug"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	p := engagement.DefaultPolicy()
	return Config{
		StateDir: DefaultStateDir,
		LogLevel: "info",
		Database: DatabaseConfig{KeyPrefix: "engagepipe:"},
		API:      APIConfig{Addr: ":8080"},
		Engagement: EngagementConfig{
			GoodbyeTimeout:        p.GoodbyeTimeout,
			RemindAfter:           p.RemindAfter,
			UnpromptedReturnAfter: p.UnpromptedReturnAfter,
			InactivityDays:        p.InactivityDays,
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
			Cron:    "@every 15m",
			Workers: 8,
		},
		Outbox: OutboxConfig{
			Enabled:      true,
			PollInterval: 5 * time.Second,
			ClaimLimit:   10,
		},
		Messaging: MessagingConfig{Channel: ChannelLog},
		GenAI: GenAIConfig{
			Temperature: 0.7,
			MaxTokens:   200,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// empty), a .env file in the working directory and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}

	if err := godotenv.Load(); err != nil {
		slog.Debug("Config.Load: no .env file loaded", "error", err)
	} else {
		slog.Debug("Config.Load: loaded .env file")
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	slog.Debug("Config.loadFile: loaded", "path", path)
	return nil
}

// ApplyEnv overlays environment variables onto c.
func (c *Config) ApplyEnv() error {
	setString(&c.StateDir, "ENGAGEPIPE_STATE_DIR")
	setString(&c.LogLevel, "ENGAGEPIPE_LOG_LEVEL")

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Database.DSN = "redis://" + addr
	}
	setString(&c.Database.DSN, "DATABASE_URL")
	setString(&c.Database.DSN, "ENGAGEPIPE_DATABASE_URL")
	setString(&c.Database.KeyPrefix, "ENGAGEPIPE_KEY_PREFIX")

	setString(&c.API.Addr, "API_ADDR")
	setString(&c.API.Addr, "ENGAGEPIPE_API_ADDR")

	c.Scheduler.Enabled = util.ParseBoolEnv("ENGAGEPIPE_SCHEDULER_ENABLED", c.Scheduler.Enabled)
	setString(&c.Scheduler.Cron, "ENGAGEPIPE_SWEEP_CRON")
	c.Outbox.Enabled = util.ParseBoolEnv("ENGAGEPIPE_OUTBOX_ENABLED", c.Outbox.Enabled)

	setString(&c.Messaging.Channel, "ENGAGEPIPE_CHANNEL")
	setString(&c.Messaging.Twilio.AccountSID, "TWILIO_ACCOUNT_SID")
	setString(&c.Messaging.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	setString(&c.Messaging.Twilio.From, "TWILIO_FROM_NUMBER")
	setString(&c.Messaging.WhatsApp.DSN, "WHATSAPP_DB_DSN")

	setString(&c.GenAI.APIKey, "OPENAI_API_KEY")
	setString(&c.GenAI.Model, "OPENAI_MODEL")
	c.GenAI.Debug = util.ParseBoolEnv("GENAI_DEBUG", c.GenAI.Debug)

	var errs []error
	errs = append(errs,
		setInt(&c.Scheduler.Workers, "ENGAGEPIPE_WORKERS"),
		setInt(&c.Engagement.InactivityDays, "ENGAGEPIPE_INACTIVITY_DAYS"),
		setDuration(&c.Engagement.GoodbyeTimeout, "ENGAGEPIPE_GOODBYE_TIMEOUT"),
		setDuration(&c.Engagement.RemindAfter, "ENGAGEPIPE_REMIND_AFTER"),
		setDuration(&c.Outbox.PollInterval, "ENGAGEPIPE_OUTBOX_POLL"),
	)
	return errors.Join(errs...)
}

// Resolve fills values derived from other fields. The database defaults to
// SQLite inside the state directory.
func (c *Config) Resolve() {
	if c.Database.DSN == "" {
		c.Database.DSN = filepath.Join(c.StateDir, DefaultDBFileName)
		slog.Debug("Config.Resolve: no database DSN provided, defaulting to SQLite", "sqlite_path", c.Database.DSN)
	}
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Scheduler.Workers <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.workers must be positive"))
	}
	if c.Scheduler.Enabled && strings.TrimSpace(c.Scheduler.Cron) == "" {
		errs = append(errs, fmt.Errorf("scheduler.cron is required when the scheduler is enabled"))
	}
	if c.Outbox.PollInterval <= 0 || c.Outbox.ClaimLimit <= 0 {
		errs = append(errs, fmt.Errorf("outbox poll interval and claim limit must be positive"))
	}
	switch c.Messaging.Channel {
	case ChannelLog, ChannelTwilio, ChannelWhatsApp:
	default:
		errs = append(errs, fmt.Errorf("unknown messaging channel %q", c.Messaging.Channel))
	}
	if dsn := c.Database.DSN; dsn != "" && strings.Contains(dsn, "://") && store.DetectDSNType(dsn) == store.BackendSQLite {
		errs = append(errs, fmt.Errorf("unsupported database backend in %q", redactDSN(dsn)))
	}
	return errors.Join(errs...)
}

// Policy converts the engagement section to an engine policy.
func (c Config) Policy() engagement.Policy {
	return engagement.Policy{
		GoodbyeTimeout:        c.Engagement.GoodbyeTimeout,
		RemindAfter:           c.Engagement.RemindAfter,
		UnpromptedReturnAfter: c.Engagement.UnpromptedReturnAfter,
		InactivityDays:        c.Engagement.InactivityDays,
	}
}

// SlogLevel parses LogLevel ("debug", "info", "warn", "error").
func (c Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return lvl, nil
}

// redactDSN keeps the scheme only.
func redactDSN(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		return dsn[:i+3] + "..."
	}
	return dsn
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
