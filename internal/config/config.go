package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/elonfeng/creatorhub/pkg/supervisor"
)

// Config is the root configuration.
type Config struct {
	Env        string           `yaml:"env"`
	Database   DatabaseConfig   `yaml:"database"`
	Master     MasterConfig     `yaml:"master"`
	Worker     WorkerConfig     `yaml:"worker"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Alerts     AlertsConfig     `yaml:"alerts"`
}

// DatabaseConfig configures SQLite storage.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// MasterConfig configures the controller.
type MasterConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// ViewerRate is the sustained request rate per viewer connection.
	ViewerRate  float64 `yaml:"viewer_rate"`
	ViewerBurst int     `yaml:"viewer_burst"`

	ReplyTimeout string `yaml:"reply_timeout"`
	SendBuffer   int    `yaml:"send_buffer"`
}

// Addr returns the listen address.
func (m MasterConfig) Addr() string {
	return net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
}

// ParseReplyTimeout returns how long a viewer waits for a worker's reply
// result.
func (m MasterConfig) ParseReplyTimeout() time.Duration {
	return parseDuration(m.ReplyTimeout, 2*time.Minute)
}

// WorkerConfig configures a worker process.
type WorkerConfig struct {
	ID       string `yaml:"id"`
	StateDir string `yaml:"state_dir"`

	DriverURL   string  `yaml:"driver_url"`
	DriverRate  float64 `yaml:"driver_rate"`
	DriverBurst int     `yaml:"driver_burst"`

	MonitorInterval string `yaml:"monitor_interval"`
	SyncInterval    string `yaml:"sync_interval"`
	StatusInterval  string `yaml:"status_interval"`
	StatusBatch     int    `yaml:"status_batch"`
	LoginTimeout    string `yaml:"login_timeout"`
}

// ParseMonitorInterval returns the default crawl interval for accounts
// that do not carry their own.
func (w WorkerConfig) ParseMonitorInterval() time.Duration {
	return parseDuration(w.MonitorInterval, 30*time.Second)
}

// ParseSyncInterval returns how often full snapshots are pushed.
func (w WorkerConfig) ParseSyncInterval() time.Duration {
	return parseDuration(w.SyncInterval, 5*time.Minute)
}

// ParseStatusInterval returns the status report interval.
func (w WorkerConfig) ParseStatusInterval() time.Duration {
	return parseDuration(w.StatusInterval, 60*time.Second)
}

// ParseLoginTimeout returns how long a QR login may stay pending.
func (w WorkerConfig) ParseLoginTimeout() time.Duration {
	return parseDuration(w.LoginTimeout, 5*time.Minute)
}

// SupervisorConfig configures worker process supervision.
type SupervisorConfig struct {
	RestartWindow string `yaml:"restart_window"`
	MaxRestarts   int    `yaml:"max_restarts"`
	RestartDelay  string `yaml:"restart_delay"`
	StopTimeout   string `yaml:"stop_timeout"`
}

// Options converts the section into supervisor options, falling back to
// the supervisor defaults for unset or invalid values.
func (s SupervisorConfig) Options() supervisor.Options {
	opts := supervisor.DefaultOptions()
	opts.RestartWindow = parseDuration(s.RestartWindow, opts.RestartWindow)
	opts.RestartDelay = parseDuration(s.RestartDelay, opts.RestartDelay)
	opts.StopTimeout = parseDuration(s.StopTimeout, opts.StopTimeout)
	if s.MaxRestarts > 0 {
		opts.MaxRestarts = s.MaxRestarts
	}
	return opts
}

// AlertsConfig configures alert destinations.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Env:      "development",
		Database: DatabaseConfig{Path: "./creatorhub.db"},
		Master: MasterConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			ViewerRate:   20,
			ViewerBurst:  40,
			ReplyTimeout: "2m",
			SendBuffer:   256,
		},
		Worker: WorkerConfig{
			StateDir:        "./state",
			DriverURL:       "http://127.0.0.1:9223",
			DriverRate:      2,
			DriverBurst:     4,
			MonitorInterval: "30s",
			SyncInterval:    "5m",
			StatusInterval:  "60s",
			StatusBatch:     50,
			LoginTimeout:    "5m",
		},
		Supervisor: SupervisorConfig{
			RestartWindow: "60s",
			MaxRestarts:   5,
			RestartDelay:  "2s",
			StopTimeout:   "10s",
		},
	}
}

// IsProduction reports whether the process runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Load reads .env, then the YAML file, then applies env var overrides.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("CREATORHUB_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("CREATORHUB_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("MASTER_HOST"); v != "" {
		cfg.Master.Host = v
	}
	if v := os.Getenv("MASTER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid MASTER_PORT %q", v)
		}
		cfg.Master.Port = port
	}
	if v := os.Getenv("WORKER_ID"); v != "" {
		cfg.Worker.ID = v
	}
	if v := os.Getenv("DRIVER_URL"); v != "" {
		cfg.Worker.DriverURL = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Discord.WebhookURL = v
		cfg.Alerts.Discord.Enabled = true
	}
	if v := os.Getenv("ALERT_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Webhook.URL = v
		cfg.Alerts.Webhook.Enabled = true
	}
	if v := os.Getenv("ALERT_WEBHOOK_SECRET"); v != "" {
		cfg.Alerts.Webhook.Secret = v
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
