package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete sender configuration
type Configuration struct {
	Global         GlobalConfig         `yaml:"global"`
	Hosts          HostsConfig          `yaml:"hosts"`
	Network        NetworkConfig        `yaml:"network"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	DuplicateGuard DuplicateGuardConfig `yaml:"duplicate_guard"`
	Archive        ArchiveConfig        `yaml:"archive"`
	Monitoring     MonitoringConfig     `yaml:"monitoring"`
}

// GlobalConfig represents global sender settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
	HealthPort  int    `yaml:"health_port"`
}

// HostsConfig locates the shared-memory host status table a worker attaches
// to, and the directory holding per-host message/definition files.
type HostsConfig struct {
	StatusTablePath string `yaml:"status_table_path"`
	DefinitionsDir  string `yaml:"definitions_dir"`
}

// NetworkConfig represents FTP control/data connection settings
type NetworkConfig struct {
	Timeouts       TimeoutConfig        `yaml:"timeouts"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// TimeoutConfig represents connect/transfer/idle timeout settings
type TimeoutConfig struct {
	Connect  time.Duration `yaml:"connect"`
	Transfer time.Duration `yaml:"transfer"`
	Idle     time.Duration `yaml:"idle"`
	Stall    time.Duration `yaml:"stall"`
}

// RetryConfig represents retry settings for recoverable exit codes
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig represents per-host circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled                     bool          `yaml:"enabled"`
	TripAfterConsecutiveFailure uint32        `yaml:"trip_after_consecutive_failures"`
	OpenTimeout                 time.Duration `yaml:"open_timeout"`
}

// RateLimitConfig represents the rate & timeout governor's transfer-rate cap
type RateLimitConfig struct {
	BytesPerSecond  int64         `yaml:"bytes_per_second"`
	KeepaliveEvery  time.Duration `yaml:"keepalive_every"`
	LockIntervalSec int           `yaml:"lock_interval_seconds"`
}

// DuplicateGuardConfig represents duplicate-guard defaults
type DuplicateGuardConfig struct {
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	CheckContent  bool          `yaml:"check_content"`
	CheckName     bool          `yaml:"check_name"`
	StoreCRC      bool          `yaml:"store_crc"`
	DeleteOnMatch bool          `yaml:"delete_on_match"`
}

// ArchiveConfig represents the archive/unlink finalizer's defaults
type ArchiveConfig struct {
	DefaultRoot  string        `yaml:"default_root"`
	EBusyRetries int           `yaml:"ebusy_retries"`
	EBusyDelay   time.Duration `yaml:"ebusy_delay"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics      MetricsConfig      `yaml:"metrics"`
	HealthChecks HealthChecksConfig `yaml:"health_checks"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Prometheus   bool              `yaml:"prometheus"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// HealthChecksConfig represents health check settings
type HealthChecksConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Structured bool   `yaml:"structured"`
	Format     string `yaml:"format"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFile:     "",
			MetricsPort: 9090,
			HealthPort:  9091,
		},
		Hosts: HostsConfig{
			StatusTablePath: "/var/afd/host_status.tbl",
			DefinitionsDir:  "/etc/afd/hosts.d",
		},
		Network: NetworkConfig{
			Timeouts: TimeoutConfig{
				Connect:  30 * time.Second,
				Transfer: 300 * time.Second,
				Idle:     900 * time.Second,
				Stall:    120 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   1 * time.Second,
				MaxDelay:    30 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:                     true,
				TripAfterConsecutiveFailure: 5,
				OpenTimeout:                 60 * time.Second,
			},
		},
		RateLimit: RateLimitConfig{
			BytesPerSecond:  0,
			KeepaliveEvery:  30 * time.Second,
			LockIntervalSec: 5,
		},
		DuplicateGuard: DuplicateGuardConfig{
			DefaultTTL:    24 * time.Hour,
			CheckContent:  false,
			CheckName:     true,
			StoreCRC:      false,
			DeleteOnMatch: false,
		},
		Archive: ArchiveConfig{
			DefaultRoot:  "/var/afd/archive",
			EBusyRetries: 20,
			EBusyDelay:   100 * time.Millisecond,
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:    true,
				Prometheus: true,
				CustomLabels: map[string]string{
					"service": "afdsend",
				},
			},
			HealthChecks: HealthChecksConfig{
				Enabled:  true,
				Interval: 30 * time.Second,
				Timeout:  5 * time.Second,
			},
			Logging: LoggingConfig{
				Structured: true,
				Format:     "json",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration overrides from environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("AFDSEND_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("AFDSEND_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("AFDSEND_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}
	if val := os.Getenv("AFDSEND_HEALTH_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.HealthPort = port
		}
	}

	if val := os.Getenv("AFDSEND_HOST_STATUS_TABLE"); val != "" {
		c.Hosts.StatusTablePath = val
	}
	if val := os.Getenv("AFDSEND_HOST_DEFINITIONS_DIR"); val != "" {
		c.Hosts.DefinitionsDir = val
	}

	if val := os.Getenv("AFDSEND_CONNECT_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Network.Timeouts.Connect = d
		}
	}
	if val := os.Getenv("AFDSEND_TRANSFER_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Network.Timeouts.Transfer = d
		}
	}

	if val := os.Getenv("AFDSEND_RATE_LIMIT_BPS"); val != "" {
		if bps, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.RateLimit.BytesPerSecond = bps
		}
	}

	if val := os.Getenv("AFDSEND_DUPCHECK_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.DuplicateGuard.DefaultTTL = d
		}
	}

	if val := os.Getenv("AFDSEND_ARCHIVE_ROOT"); val != "" {
		c.Archive.DefaultRoot = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if c.Network.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("network.retry.max_attempts must be greater than 0")
	}

	if c.Archive.EBusyRetries <= 0 {
		return fmt.Errorf("archive.ebusy_retries must be greater than 0")
	}

	if c.Global.MetricsPort == c.Global.HealthPort {
		return fmt.Errorf("metrics_port and health_port cannot be the same")
	}

	if c.Hosts.StatusTablePath == "" {
		return fmt.Errorf("hosts.status_table_path must be set")
	}

	validLogLevels := []string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.RateLimit.BytesPerSecond < 0 {
		return fmt.Errorf("rate_limit.bytes_per_second cannot be negative")
	}

	return nil
}
