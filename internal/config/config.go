// Package config loads the agent configuration from YAML and SVCWATCH_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete agent configuration
type Config struct {
	DeviceID      string         `mapstructure:"device_id"`
	SubjectPrefix string         `mapstructure:"subject_prefix"`
	NATS          NATSConfig     `mapstructure:"nats"`
	Services      ServicesConfig `mapstructure:"services"`
	Commands      CommandsConfig `mapstructure:"commands"`
	Tasks         TasksConfig    `mapstructure:"tasks"`
	Logging       LoggingConfig  `mapstructure:"logging"`
}

// NATSConfig holds connection settings
type NATSConfig struct {
	URLs          []string      `mapstructure:"urls"`
	Auth          AuthConfig    `mapstructure:"auth"`
	TLS           TLSConfig     `mapstructure:"tls"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout"`
}

// AuthConfig selects how the agent authenticates to NATS
type AuthConfig struct {
	Type      string `mapstructure:"type"` // none, token, userpass, creds
	Token     string `mapstructure:"token"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	CredsFile string `mapstructure:"creds_file"`
}

// TLSConfig holds TLS settings for the NATS connection
type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
	CAFile             string `mapstructure:"ca_file"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// ServicesConfig controls the service watcher and control waits
type ServicesConfig struct {
	Watch          []string      `mapstructure:"watch"`
	WaitTimeout    time.Duration `mapstructure:"wait_timeout"`
	MonitorTimeout time.Duration `mapstructure:"monitor_timeout"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
}

// CommandsConfig restricts what remote commands may touch
type CommandsConfig struct {
	AllowedServices []string `mapstructure:"allowed_services"`
	AllowInstall    bool     `mapstructure:"allow_install"`
}

// TasksConfig holds the scheduled task settings
type TasksConfig struct {
	Heartbeat    HeartbeatConfig    `mapstructure:"heartbeat"`
	ServiceCheck ServiceCheckConfig `mapstructure:"service_check"`
}

// HeartbeatConfig configures the liveness heartbeat
type HeartbeatConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ServiceCheckConfig configures the periodic status sweep of watched services
type ServiceCheckConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// LoggingConfig configures the zap logger and its rotation
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

const envPrefix = "SVCWATCH"

var (
	deviceIDPattern     = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	subjectTokenPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// Load reads the configuration file at path, applies defaults and
// environment overrides, and validates the result
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns the defaults with environment overrides applied. It is
// not validated; one-shot commands use it when no file is given.
func Default() *Config {
	v := newViper()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static and always decode.
		panic(fmt.Sprintf("config: default values do not decode: %v", err))
	}
	return &cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// setDefaults sets the default value of every key
func setDefaults(v *viper.Viper) {
	v.SetDefault("device_id", "")
	v.SetDefault("subject_prefix", "agents")

	v.SetDefault("nats.urls", []string{"nats://localhost:4222"})
	v.SetDefault("nats.auth.type", "none")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.drain_timeout", 30*time.Second)

	v.SetDefault("services.wait_timeout", 60*time.Second)
	v.SetDefault("services.monitor_timeout", 30*time.Second)
	v.SetDefault("services.retry_interval", time.Second)

	v.SetDefault("commands.allowed_services", []string{})
	v.SetDefault("commands.allow_install", false)

	v.SetDefault("tasks.heartbeat.enabled", true)
	v.SetDefault("tasks.heartbeat.interval", time.Minute)
	v.SetDefault("tasks.service_check.enabled", true)
	v.SetDefault("tasks.service_check.interval", 5*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)

	applyPlatformDefaults(v)
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if cfg.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if !deviceIDPattern.MatchString(cfg.DeviceID) {
		return fmt.Errorf("device_id must contain only alphanumeric characters, dashes, and underscores: %q", cfg.DeviceID)
	}

	if cfg.SubjectPrefix == "" {
		return fmt.Errorf("subject_prefix is required")
	}
	if len(cfg.SubjectPrefix) > 50 {
		return fmt.Errorf("subject_prefix must not exceed 50 characters")
	}
	if err := validateSubjectPrefix(cfg.SubjectPrefix); err != nil {
		return err
	}

	if len(cfg.NATS.URLs) == 0 {
		return fmt.Errorf("at least one NATS URL is required")
	}
	if err := validateAuth(&cfg.NATS.Auth); err != nil {
		return err
	}
	if err := validateTLS(&cfg.NATS.TLS); err != nil {
		return err
	}

	if err := validateServices(&cfg.Services); err != nil {
		return err
	}

	if err := validateTasks(&cfg.Tasks); err != nil {
		return err
	}

	if cfg.Logging.File == "" {
		return fmt.Errorf("logging.file is required")
	}

	return nil
}

// validateSubjectPrefix checks that prefix is a valid sequence of NATS
// subject tokens without wildcards
func validateSubjectPrefix(prefix string) error {
	if strings.HasPrefix(prefix, ".") || strings.HasSuffix(prefix, ".") {
		return fmt.Errorf("subject_prefix cannot start or end with a dot: %q", prefix)
	}
	if strings.Contains(prefix, "..") {
		return fmt.Errorf("subject_prefix %q is invalid: consecutive dots not allowed", prefix)
	}
	for _, token := range strings.Split(prefix, ".") {
		if !subjectTokenPattern.MatchString(token) {
			return fmt.Errorf("subject_prefix token %q contains invalid characters (allowed: alphanumeric, dash, underscore)", token)
		}
	}
	return nil
}

func validateAuth(auth *AuthConfig) error {
	switch auth.Type {
	case "none":
	case "token":
		if auth.Token == "" {
			return fmt.Errorf("nats.auth.token is required for token auth")
		}
	case "userpass":
		if auth.Username == "" || auth.Password == "" {
			return fmt.Errorf("nats.auth username and password are required for userpass auth")
		}
	case "creds":
		if auth.CredsFile == "" {
			return fmt.Errorf("nats.auth.creds_file is required for creds auth")
		}
		if _, err := os.Stat(auth.CredsFile); err != nil {
			return fmt.Errorf("credentials file not found: %s", auth.CredsFile)
		}
	default:
		return fmt.Errorf("invalid auth type: %q (must be none, token, userpass, or creds)", auth.Type)
	}
	return nil
}

func validateTLS(tls *TLSConfig) error {
	if !tls.Enabled {
		return nil
	}

	if tls.CertFile != "" && tls.KeyFile == "" {
		return fmt.Errorf("nats.tls.key_file is required when cert_file is set")
	}
	if tls.KeyFile != "" && tls.CertFile == "" {
		return fmt.Errorf("nats.tls.cert_file is required when key_file is set")
	}
	if tls.CertFile != "" {
		if _, err := os.Stat(tls.CertFile); err != nil {
			return fmt.Errorf("certificate file not found: %s", tls.CertFile)
		}
	}
	if tls.KeyFile != "" {
		if _, err := os.Stat(tls.KeyFile); err != nil {
			return fmt.Errorf("key file not found: %s", tls.KeyFile)
		}
	}
	if tls.CAFile != "" {
		if _, err := os.Stat(tls.CAFile); err != nil {
			return fmt.Errorf("CA file not found: %s", tls.CAFile)
		}
	}
	return nil
}

func validateServices(svc *ServicesConfig) error {
	if svc.WaitTimeout < 5*time.Second {
		return fmt.Errorf("services.wait_timeout must be at least 5 seconds")
	}
	if svc.WaitTimeout > 5*time.Minute {
		return fmt.Errorf("services.wait_timeout must not exceed 5 minutes")
	}
	if svc.MonitorTimeout < time.Second {
		return fmt.Errorf("services.monitor_timeout must be at least 1 second")
	}
	if svc.MonitorTimeout > 5*time.Minute {
		return fmt.Errorf("services.monitor_timeout must not exceed 5 minutes")
	}
	if svc.RetryInterval <= 0 {
		return fmt.Errorf("services.retry_interval must be positive")
	}

	seen := make(map[string]bool, len(svc.Watch))
	for _, name := range svc.Watch {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("services.watch contains an empty service name")
		}
		if seen[name] {
			return fmt.Errorf("services.watch lists %q more than once", name)
		}
		seen[name] = true
	}
	return nil
}

func validateTasks(tasks *TasksConfig) error {
	if tasks.Heartbeat.Enabled && tasks.Heartbeat.Interval < 10*time.Second {
		return fmt.Errorf("tasks.heartbeat.interval must be at least 10 seconds")
	}
	if tasks.ServiceCheck.Enabled && tasks.ServiceCheck.Interval < 30*time.Second {
		return fmt.Errorf("tasks.service_check.interval must be at least 30 seconds")
	}
	if tasks.Heartbeat.Enabled && tasks.ServiceCheck.Enabled &&
		tasks.Heartbeat.Interval > tasks.ServiceCheck.Interval {
		return fmt.Errorf("heartbeat interval (%v) should not exceed service check interval (%v)",
			tasks.Heartbeat.Interval, tasks.ServiceCheck.Interval)
	}
	return nil
}
