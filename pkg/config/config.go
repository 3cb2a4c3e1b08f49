package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full roostd configuration
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
	AdminKey string `yaml:"admin_key"`
	HMACKey  string `yaml:"hmac_key"`

	// AgentPackage is the on-device agent application; the batch
	// bloatware script writes its temp list under this package's files
	// directory.
	AgentPackage string `yaml:"agent_package"`

	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Alerts    AlertConfig     `yaml:"alerts"`
	Registry  RegistryConfig  `yaml:"registry"`
	Push      PushConfig      `yaml:"push"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Events    EventsConfig    `yaml:"events"`

	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// HeartbeatConfig controls ingestion and retention
type HeartbeatConfig struct {
	IntervalSec   int `yaml:"interval_sec"`   // expected device heartbeat cadence
	RetentionDays int `yaml:"retention_days"` // days kept before archive, clamped 7-365 when configured
}

// AlertConfig controls the evaluator thresholds
type AlertConfig struct {
	TickSec              int  `yaml:"tick_sec"`
	BatteryLowPct        int  `yaml:"battery_low_pct"`
	UnityDownConsecutive bool `yaml:"unity_down_consecutive"` // require 2 consecutive samples
	CooldownSec          int  `yaml:"cooldown_sec"`
}

// RegistryConfig controls device enrollment admission
type RegistryConfig struct {
	Capacity       int `yaml:"capacity"`
	AdmitTimeoutSec int `yaml:"admit_timeout_sec"`
}

// PushConfig is the upstream push provider endpoint
type PushConfig struct {
	Endpoint   string `yaml:"endpoint"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// ArchiveConfig selects the partition archive backend
type ArchiveConfig struct {
	Backend string `yaml:"backend"` // "local" or "s3"
	Dir     string `yaml:"dir"`     // local backend root

	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
	S3UseSSL    bool   `yaml:"s3_use_ssl"`
}

// EventsConfig bounds the async event queue
type EventsConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// MonitoringConfig holds the process-wide monitoring defaults applied to
// devices that have not been given per-device overrides
type MonitoringConfig struct {
	Package      string `yaml:"package"`
	AppName      string `yaml:"app_name"`
	ThresholdMin int    `yaml:"threshold_min"`
	Enabled      bool   `yaml:"enabled"`
	AutoRelaunch bool   `yaml:"auto_relaunch"`
}

// Default returns the configuration defaults
func Default() *Config {
	return &Config{
		ListenAddr:   ":8080",
		DataDir:      "/var/lib/roost",
		LogLevel:     "info",
		LogJSON:      true,
		AgentPackage: "com.roostlabs.agent",
		Heartbeat: HeartbeatConfig{
			IntervalSec:   600,
			RetentionDays: 2,
		},
		Alerts: AlertConfig{
			TickSec:              60,
			BatteryLowPct:        15,
			UnityDownConsecutive: false,
			CooldownSec:          300,
		},
		Registry: RegistryConfig{
			Capacity:        15,
			AdmitTimeoutSec: 30,
		},
		Push: PushConfig{
			TimeoutSec: 10,
		},
		Archive: ArchiveConfig{
			Backend: "local",
		},
		Events: EventsConfig{
			QueueSize: 1024,
		},
		Monitoring: MonitoringConfig{
			ThresholdMin: 10,
			Enabled:      false,
			AutoRelaunch: false,
		},
	}
}

// Load reads a YAML config file over the defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks and normalizes configuration values
func (c *Config) Validate() error {
	if c.Heartbeat.IntervalSec <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	// Retention below the default floor is kept at 2 days; explicit values
	// are clamped into the supported 7-365 day window.
	if c.Heartbeat.RetentionDays > 2 {
		if c.Heartbeat.RetentionDays < 7 {
			c.Heartbeat.RetentionDays = 7
		}
		if c.Heartbeat.RetentionDays > 365 {
			c.Heartbeat.RetentionDays = 365
		}
	} else if c.Heartbeat.RetentionDays <= 0 {
		c.Heartbeat.RetentionDays = 2
	}
	if c.Registry.Capacity <= 0 {
		return fmt.Errorf("registry capacity must be positive")
	}
	if c.Push.TimeoutSec < 5 {
		c.Push.TimeoutSec = 5
	}
	if c.Push.TimeoutSec > 10 {
		c.Push.TimeoutSec = 10
	}
	if c.Events.QueueSize <= 0 {
		c.Events.QueueSize = 1024
	}
	switch c.Archive.Backend {
	case "local", "s3":
	default:
		return fmt.Errorf("unknown archive backend %q", c.Archive.Backend)
	}
	return nil
}

// HeartbeatInterval returns the configured cadence as a duration
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalSec) * time.Second
}

// OfflineThreshold is 3x the heartbeat interval per the alerting rules
func (c *Config) OfflineThreshold() time.Duration {
	return 3 * c.HeartbeatInterval()
}
