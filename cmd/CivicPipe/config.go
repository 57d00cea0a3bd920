package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CivicPipe state data
	DefaultStateDir = "/var/lib/civicpipe"
	// DefaultAppDBFileName is the default SQLite database filename for sessions, flows and the outbox
	DefaultAppDBFileName = "civicpipe.db"
	// DefaultWhatsAppDBFileName is the default SQLite database filename for the whatsmeow device store
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultMediaDirName is where uploaded citizen media is written inside the state directory
	DefaultMediaDirName = "media"
)

// Messaging providers accepted by MESSAGING_PROVIDER.
const (
	ProviderWhatsApp = "whatsapp"
	ProviderTwilio   = "twilio"
	ProviderLog      = "log"
)

// TwilioConfig holds TWILIO_* settings.
type TwilioConfig struct {
	AccountSID string `env:"ACCOUNT_SID"`
	AuthToken  string `env:"AUTH_TOKEN"`
	FromNumber string `env:"FROM_NUMBER"`
	// WebhookURL is the public URL Twilio posts to; signatures are checked when set.
	WebhookURL string `env:"WEBHOOK_URL"`
}

// Config holds environment configuration
type Config struct {
	StateDir         string       `env:"CIVICPIPE_STATE_DIR" envDefault:"/var/lib/civicpipe"`
	LogLevel         string       `env:"CIVICPIPE_LOG_LEVEL" envDefault:"debug"`
	ApplicationDBDSN string       `env:"DATABASE_URL"`
	WhatsAppDBDSN    string       `env:"WHATSAPP_DB_DSN"`
	APIAddr          string       `env:"API_ADDR" envDefault:":8080"`
	AllowedOrigins   []string     `env:"CIVICPIPE_CORS_ORIGINS" envSeparator:","`
	RedisAddrs       []string     `env:"REDIS_ADDR" envSeparator:","`
	Provider         string       `env:"MESSAGING_PROVIDER" envDefault:"whatsapp"`
	TenantID         string       `env:"DEFAULT_TENANT_ID" envDefault:"default"`
	MediaBaseURL     string       `env:"MEDIA_BASE_URL"`
	SweepCron        string       `env:"SESSION_SWEEP_CRON" envDefault:"@every 5m"`
	CronTimezone     string       `env:"CIVICPIPE_CRON_TZ" envDefault:"UTC"`
	Twilio           TwilioConfig `envPrefix:"TWILIO_"`
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config, err := parseConfig(env.Options{})
	if err != nil {
		return Config{}, err
	}

	slog.Debug("environment variables loaded",
		"CIVICPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"WHATSAPP_DB_DSN_SET", os.Getenv("WHATSAPP_DB_DSN") != "",
		"API_ADDR", config.APIAddr,
		"REDIS_ADDR", strings.Join(config.RedisAddrs, ","),
		"MESSAGING_PROVIDER", config.Provider,
		"DEFAULT_TENANT_ID", config.TenantID,
		"TWILIO_ACCOUNT_SID_SET", config.Twilio.AccountSID != "",
		"SESSION_SWEEP_CRON", config.SweepCron)
	return config, nil
}

// parseConfig reads Config from opts.Environment, or the process environment when it
// is nil.
func parseConfig(opts env.Options) (Config, error) {
	var config Config
	if err := env.ParseWithOptions(&config, opts); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	config.applyDefaults()
	return config, nil
}

// applyDefaults fills database locations that depend on the state directory.
func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.ApplicationDBDSN == "" {
		c.ApplicationDBDSN = filepath.Join(c.StateDir, DefaultAppDBFileName)
		slog.Debug("No DATABASE_URL set, defaulting to SQLite", "sqlite_path", c.ApplicationDBDSN)
	}
	if c.WhatsAppDBDSN == "" {
		c.WhatsAppDBDSN = "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
}

// rebaseStateDir moves defaulted database paths when --state-dir overrides the
// environment. Explicitly configured DSNs are left alone.
func (c *Config) rebaseStateDir(dir string) {
	if dir == "" || dir == c.StateDir {
		return
	}
	old := *c
	c.StateDir = dir
	if old.ApplicationDBDSN == filepath.Join(old.StateDir, DefaultAppDBFileName) {
		c.ApplicationDBDSN = filepath.Join(dir, DefaultAppDBFileName)
	}
	if old.WhatsAppDBDSN == "file:"+filepath.Join(old.StateDir, DefaultWhatsAppDBFileName)+"?_foreign_keys=on" {
		c.WhatsAppDBDSN = "file:" + filepath.Join(dir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	slog.Debug("State directory overridden by flag", "old_state_dir", old.StateDir, "new_state_dir", dir)
}

// validate checks settings that only matter to serve.
func (c Config) validate() error {
	switch c.Provider {
	case ProviderWhatsApp, ProviderLog:
	case ProviderTwilio:
		if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" || c.Twilio.FromNumber == "" {
			return fmt.Errorf("twilio provider needs TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER")
		}
	default:
		return fmt.Errorf("unknown messaging provider %q", c.Provider)
	}
	if c.TenantID == "" {
		return fmt.Errorf("DEFAULT_TENANT_ID must not be empty")
	}
	return nil
}

// initializeLogger sets up structured logging at the given level
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}
