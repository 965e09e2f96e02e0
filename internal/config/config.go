// Package config loads the Egress Policy Gateway's YAML configuration,
// in the teacher's load-defaults-then-override-with-env pattern.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"vmgate/internal/telemetry"
)

// Config holds all configuration for the Egress Policy Gateway.
type Config struct {
	Listen       string           `yaml:"listen"`
	RegistryPath string           `yaml:"registry_path"`
	APIURL       string           `yaml:"api_url"`
	BypassToken  string           `yaml:"bypass_token"` // VERCEL_AUTOMATION_BYPASS_SECRET
	TLS          TLSConfig        `yaml:"tls"`
	Control      ControlConfig    `yaml:"control"`
	Logging      LoggingConfig    `yaml:"logging"`
	Telemetry    telemetry.Config `yaml:"telemetry"`
	Redis        RedisConfig      `yaml:"redis"`
	Mirror       MirrorConfig     `yaml:"mirror"`
	Redaction    RedactionConfig  `yaml:"redaction"`
}

// TLSConfig holds TLS configuration for the gateway's MITM termination
// listener. The gateway always needs a certificate to offer on
// termination; auto_cert generates a throwaway development one.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	AutoCert bool   `yaml:"auto_cert"`
}

// ControlConfig holds the read-only control/diagnostics API configuration.
type ControlConfig struct {
	Listen  string            `yaml:"listen"`
	Enabled bool              `yaml:"enabled"`
	Auth    ControlAuthConfig `yaml:"auth"`
}

// ControlAuthConfig holds control API authentication settings.
type ControlAuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// RedisConfig holds the registry mirror's Redis connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// MirrorConfig controls whether the registry cache publishes reloads to
// Redis and where the SQLite audit-log mirror, if any, lives.
type MirrorConfig struct {
	RedisEnabled bool          `yaml:"redis_enabled"`
	RedisTTL     time.Duration `yaml:"redis_ttl"`
	SQLitePath   string        `yaml:"sqlite_path"` // empty disables the queryable mirror
}

// RedactionConfig controls PII/secret scrubbing of audit log free-text
// fields.
type RedactionConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads and parses the gateway configuration file. A missing file
// is not an error: Load returns the defaults instead.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return defaults(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config with the spec's documented default values.
func defaults() *Config {
	return &Config{
		Listen:       ":8443",
		RegistryPath: "/tmp/proxy-registry.json",
		APIURL:       "https://www.vm0.ai",
		TLS: TLSConfig{
			Enabled:  true,
			AutoCert: true,
		},
		Control: ControlConfig{
			Listen:  ":9090",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: telemetry.DefaultConfig(),
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "vmgate:registry:",
		},
		Mirror: MirrorConfig{
			RedisEnabled: false,
			RedisTTL:     30 * time.Second,
		},
		Redaction: RedactionConfig{
			Enabled: true,
		},
	}
}

// applyEnvOverrides applies environment variable overrides, including
// the spec-mandated VERCEL_AUTOMATION_BYPASS_SECRET and vm0_* names.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("VMGATE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("vm0_proxy_registry_path"); v != "" {
		c.RegistryPath = v
	}
	if v := os.Getenv("vm0_api_url"); v != "" {
		c.APIURL = v
	}
	if v := os.Getenv("VERCEL_AUTOMATION_BYPASS_SECRET"); v != "" {
		c.BypassToken = v
	}
	if v := os.Getenv("VMGATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv("VMGATE_TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
		c.TLS.AutoCert = false
	}
	if v := os.Getenv("VMGATE_TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("VMGATE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("VMGATE_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if os.Getenv("VMGATE_MIRROR_REDIS_ENABLED") == "true" {
		c.Mirror.RedisEnabled = true
	}
	if v := os.Getenv("VMGATE_MIRROR_SQLITE_PATH"); v != "" {
		c.Mirror.SQLitePath = v
	}

	if os.Getenv("VMGATE_REDACTION_DISABLED") == "true" {
		c.Redaction.Enabled = false
	}

	if v := os.Getenv("VMGATE_CONTROL_API_KEY"); v != "" {
		c.Control.Auth.APIKey = v
		c.Control.Auth.Enabled = true
	}

	envTelemetry := telemetry.ConfigFromEnv()
	if envTelemetry.Enabled {
		c.Telemetry = envTelemetry
	}
}

// validate checks that the configuration is usable.
func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.RegistryPath == "" {
		return fmt.Errorf("registry_path is required")
	}
	if c.TLS.Enabled && !c.TLS.AutoCert && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("tls enabled but no certificate configured (set cert_file/key_file or auto_cert)")
	}
	return nil
}
