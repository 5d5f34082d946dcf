// Package config loads service settings from an optional config file, the
// process environment and a local .env file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Browser modes.
const (
	ModeLocal  = "local"
	ModeDocker = "docker"
	ModeRemote = "remote"
)

// Config holds every tunable of the service.
type Config struct {
	Port     string `mapstructure:"port"`
	LogLevel string `mapstructure:"log-level"`
	Env      string `mapstructure:"app-env"`

	DBPath       string `mapstructure:"db-path"`
	ArtifactsDir string `mapstructure:"artifacts-dir"`

	TargetURL   string `mapstructure:"target-url"`
	Headless    string `mapstructure:"headless"`
	BrowserMode string `mapstructure:"browser-mode"`
	ChromeBin   string `mapstructure:"chrome-bin"`
	DebuggerURL string `mapstructure:"debugger-url"`
	UserDataDir string `mapstructure:"user-data-dir"`

	StartTimeout time.Duration `mapstructure:"start-timeout"`
	StopTimeout  time.Duration `mapstructure:"stop-timeout"`
	ProbeTimeout time.Duration `mapstructure:"probe-timeout"`
	LoginTimeout time.Duration `mapstructure:"login-timeout"`
	RestartPause time.Duration `mapstructure:"restart-pause"`
	QRStaleAfter time.Duration `mapstructure:"qr-stale-after"`

	SendDelay   time.Duration `mapstructure:"send-delay"`
	ComposeWait time.Duration `mapstructure:"compose-wait"`
	JobTimeout  time.Duration `mapstructure:"job-timeout"`

	SendRatePerHour int `mapstructure:"send-rate-per-hour"`
	SendBurst       int `mapstructure:"send-burst"`
}

// field: default value
var defaults = map[string]interface{}{
	"port":               "3000",
	"log-level":          "info",
	"app-env":            "development",
	"db-path":            "app.db",
	"artifacts-dir":      "./storage/artifacts",
	"target-url":         "https://web.whatsapp.com",
	"headless":           "auto",
	"browser-mode":       ModeLocal,
	"chrome-bin":         "",
	"debugger-url":       "",
	"user-data-dir":      "",
	"start-timeout":      90 * time.Second,
	"stop-timeout":       15 * time.Second,
	"probe-timeout":      5 * time.Second,
	"login-timeout":      60 * time.Second,
	"restart-pause":      3 * time.Second,
	"qr-stale-after":     30 * time.Second,
	"send-delay":         3 * time.Second,
	"compose-wait":       10 * time.Second,
	"job-timeout":        30 * time.Minute,
	"send-rate-per-hour": 100,
	"send-burst":         10,
}

// Load reads .env (if present), then the optional config file named by
// CONFIG_FILE, then the environment. Environment variables take precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("could not read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("could not unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings that would leave a wait unbounded.
func (c *Config) Validate() error {
	switch c.BrowserMode {
	case ModeLocal, ModeDocker:
	case ModeRemote:
		if c.DebuggerURL == "" {
			return fmt.Errorf("browser-mode %q requires debugger-url", ModeRemote)
		}
	default:
		return fmt.Errorf("unknown browser-mode %q", c.BrowserMode)
	}

	bounded := map[string]time.Duration{
		"start-timeout": c.StartTimeout,
		"stop-timeout":  c.StopTimeout,
		"probe-timeout": c.ProbeTimeout,
		"login-timeout": c.LoginTimeout,
		"compose-wait":  c.ComposeWait,
		"job-timeout":   c.JobTimeout,
	}
	for name, d := range bounded {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.SendDelay < 0 {
		return fmt.Errorf("send-delay must not be negative, got %s", c.SendDelay)
	}
	return nil
}

// IsHeadless resolves the headless setting. "auto" runs headless when no
// display is available or in production.
func (c *Config) IsHeadless() bool {
	switch strings.ToLower(c.Headless) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return os.Getenv("DISPLAY") == "" || c.Env == "production"
}
