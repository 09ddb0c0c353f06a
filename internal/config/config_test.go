package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable ApplyEnv reads so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ENGAGEPIPE_STATE_DIR", "ENGAGEPIPE_LOG_LEVEL", "REDIS_ADDR", "DATABASE_URL",
		"ENGAGEPIPE_DATABASE_URL", "ENGAGEPIPE_KEY_PREFIX", "API_ADDR", "ENGAGEPIPE_API_ADDR",
		"ENGAGEPIPE_SCHEDULER_ENABLED", "ENGAGEPIPE_SWEEP_CRON", "ENGAGEPIPE_OUTBOX_ENABLED",
		"ENGAGEPIPE_CHANNEL", "TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER",
		"WHATSAPP_DB_DSN", "OPENAI_API_KEY", "OPENAI_MODEL", "GENAI_DEBUG", "ENGAGEPIPE_WORKERS",
		"ENGAGEPIPE_INACTIVITY_DAYS", "ENGAGEPIPE_GOODBYE_TIMEOUT", "ENGAGEPIPE_REMIND_AFTER",
		"ENGAGEPIPE_OUTBOX_POLL",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, filepath.Join(DefaultStateDir, DefaultDBFileName), cfg.Database.DSN)
	assert.Equal(t, 48*time.Hour, cfg.Policy().GoodbyeTimeout)
	assert.Equal(t, 14, cfg.Policy().InactivityDays)
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "engagepipe.yaml")
	yaml := `
state_dir: /tmp/engage
log_level: debug
database:
  dsn: postgres://engage@localhost/engage
engagement:
  goodbye_timeout: 24h
  inactivity_days: 7
scheduler:
  cron: "*/5 * * * *"
  workers: 4
messaging:
  channel: twilio
  twilio:
    from: "whatsapp:+15550001111"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("ENGAGEPIPE_WORKERS", "16")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("ENGAGEPIPE_SCHEDULER_ENABLED", "off")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/tmp/engage", cfg.StateDir)
	assert.Equal(t, "postgres://engage@localhost/engage", cfg.Database.DSN)
	assert.Equal(t, 24*time.Hour, cfg.Engagement.GoodbyeTimeout)
	assert.Equal(t, 14*24*time.Hour, cfg.Engagement.RemindAfter, "unset keys keep defaults")
	assert.Equal(t, 7, cfg.Engagement.InactivityDays)
	assert.Equal(t, "*/5 * * * *", cfg.Scheduler.Cron)
	assert.Equal(t, 16, cfg.Scheduler.Workers)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, ChannelTwilio, cfg.Messaging.Channel)
	assert.Equal(t, "AC123", cfg.Messaging.Twilio.AccountSID)
	assert.Equal(t, "whatsapp:+15550001111", cfg.Messaging.Twilio.From)

	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("shedular:\n  cron: x\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadEmptyFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestApplyEnvDatabasePrecedence(t *testing.T) {
	clearEnv(t)
	cfg := Default()
	t.Setenv("REDIS_ADDR", "localhost:6379")
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "redis://localhost:6379", cfg.Database.DSN)

	t.Setenv("DATABASE_URL", "host=db dbname=engage")
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "host=db dbname=engage", cfg.Database.DSN)
}

func TestApplyEnvRejectsBadNumbers(t *testing.T) {
	clearEnv(t)
	cfg := Default()
	t.Setenv("ENGAGEPIPE_WORKERS", "many")
	t.Setenv("ENGAGEPIPE_GOODBYE_TIMEOUT", "two days")
	err := cfg.ApplyEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENGAGEPIPE_WORKERS")
	assert.Contains(t, err.Error(), "ENGAGEPIPE_GOODBYE_TIMEOUT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Scheduler.Workers = 0 }},
		{"negative goodbye timeout", func(c *Config) { c.Engagement.GoodbyeTimeout = -time.Hour }},
		{"zero inactivity days", func(c *Config) { c.Engagement.InactivityDays = 0 }},
		{"empty cron", func(c *Config) { c.Scheduler.Cron = " " }},
		{"unknown channel", func(c *Config) { c.Messaging.Channel = "carrier-pigeon" }},
		{"unknown backend", func(c *Config) { c.Database.DSN = "mysql://root@localhost/engage" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"zero poll interval", func(c *Config) { c.Outbox.PollInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Scheduler.Enabled = false
	cfg.Scheduler.Cron = ""
	assert.NoError(t, cfg.Validate(), "cron is optional when the scheduler is off")
}
