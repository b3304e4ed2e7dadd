package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration wraps time.Duration so values like "30s" parse from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DatabaseConfig holds the database connection information.
type DatabaseConfig struct {
	Type string `yaml:"type"`
	DSN  string `yaml:"dsn"`
}

// UpstreamConfig holds settings for the upstream search API.
type UpstreamConfig struct {
	BaseURL           string   `yaml:"base_url"`
	Timeout           Duration `yaml:"timeout"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
	// KeyRetries bounds how many keys a single request may be retried on
	// after upstream quota-exhausted responses.
	KeyRetries int `yaml:"key_retries"`
}

// QuotaConfig holds token quota settings.
type QuotaConfig struct {
	// ResetTimezone is the IANA zone in which calendar-month boundaries
	// are computed.
	ResetTimezone string `yaml:"reset_timezone"`
}

// AuditConfig holds audit log settings.
type AuditConfig struct {
	RetentionDays  int `yaml:"retention_days"`
	BodyLimitBytes int `yaml:"body_limit_bytes"`
}

// JobsConfig holds job runner settings.
type JobsConfig struct {
	Workers      int      `yaml:"workers"`
	MaxAttempts  int      `yaml:"max_attempts"`
	RetryBackoff Duration `yaml:"retry_backoff"`
}

// AdminConfig holds configuration for the admin surface.
type AdminConfig struct {
	Password string `yaml:"password"`
}

// BroadcastConfig holds settings for the realtime snapshot channel.
type BroadcastConfig struct {
	Interval Duration `yaml:"interval"`
}

// Config is the top-level service configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Quota     QuotaConfig     `yaml:"quota"`
	Audit     AuditConfig     `yaml:"audit"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Admin     AdminConfig     `yaml:"admin"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Port      int             `yaml:"port"`
	Debug     bool            `yaml:"debug"`
}

// LoadConfig reads and parses the configuration file. It returns the config
// and a potential warning message. Environment variables prefixed with
// SEARCHBROKER_ override file values.
var LoadConfig = func(path string) (*Config, string, error) {
	var config Config
	var warning string

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, "", fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("failed to read config file: %w", err)
	}
	// If the file does not exist, continue with an empty config and rely on
	// environment variables.

	// Environment overrides.
	if dsn := os.Getenv("SEARCHBROKER_DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}
	if dbType := os.Getenv("SEARCHBROKER_DATABASE_TYPE"); dbType != "" {
		config.Database.Type = dbType
	}
	if port := os.Getenv("SEARCHBROKER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Port = p
		}
	}
	if password := os.Getenv("SEARCHBROKER_ADMIN_PASSWORD"); password != "" {
		config.Admin.Password = password
	}
	if baseURL := os.Getenv("SEARCHBROKER_UPSTREAM_BASE_URL"); baseURL != "" {
		config.Upstream.BaseURL = baseURL
	}
	if debug := os.Getenv("SEARCHBROKER_DEBUG"); debug != "" {
		config.Debug = (debug == "true")
	}

	// Defaults.
	if config.Port == 0 {
		config.Port = 8080
	}
	if config.Upstream.BaseURL == "" {
		config.Upstream.BaseURL = "https://api.tavily.com"
		warning = "upstream.base_url not set, using default https://api.tavily.com"
	}
	if config.Upstream.Timeout == 0 {
		config.Upstream.Timeout = Duration(60 * time.Second)
	}
	if config.Upstream.RequestsPerSecond == 0 {
		config.Upstream.RequestsPerSecond = 10
	}
	if config.Upstream.Burst == 0 {
		config.Upstream.Burst = 20
	}
	if config.Upstream.KeyRetries == 0 {
		config.Upstream.KeyRetries = 3
	}
	if config.Quota.ResetTimezone == "" {
		config.Quota.ResetTimezone = "UTC"
	}
	if config.Audit.RetentionDays == 0 {
		config.Audit.RetentionDays = 30
	}
	if config.Audit.BodyLimitBytes == 0 {
		config.Audit.BodyLimitBytes = 16 * 1024
	}
	if config.Jobs.Workers == 0 {
		config.Jobs.Workers = 2
	}
	if config.Jobs.MaxAttempts == 0 {
		config.Jobs.MaxAttempts = 3
	}
	if config.Jobs.RetryBackoff == 0 {
		config.Jobs.RetryBackoff = Duration(30 * time.Second)
	}
	if config.Broadcast.Interval == 0 {
		config.Broadcast.Interval = Duration(2 * time.Second)
	}

	// Final validation after overrides.
	if config.Database.Type == "" || config.Database.DSN == "" {
		return nil, "", fmt.Errorf("database type and dsn must be configured in config.yaml or via environment variables")
	}
	if _, err := time.LoadLocation(config.Quota.ResetTimezone); err != nil {
		return nil, "", fmt.Errorf("invalid quota.reset_timezone %q: %w", config.Quota.ResetTimezone, err)
	}

	return &config, warning, nil
}
