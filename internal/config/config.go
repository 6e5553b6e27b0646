// Package config provides environment-variable-first configuration loading
// with optional YAML file and .env file layers.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// minSecretKeyLength is the shortest accepted session signing key, in bytes.
const minSecretKeyLength = 16

// Config holds the complete application configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Session  SessionConfig  `yaml:"session"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Logging  LoggingConfig  `yaml:"logging"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
}

// HTTPConfig holds web server configuration.
type HTTPConfig struct {
	Listen string    `yaml:"listen" env:"HTTP_LISTEN"`
	TLS    TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate file paths for the web server.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// SessionConfig holds the session cookie and on-disk store configuration.
type SessionConfig struct {
	SecretKey string        `yaml:"secret_key" env:"SECRET_KEY"`
	Dir       string        `yaml:"dir" env:"SESSION_DIR"`
	MaxAge    time.Duration `yaml:"max_age" env:"SESSION_MAX_AGE"`
}

// SMTPConfig holds the outbound SMTP client configuration.
type SMTPConfig struct {
	TestTimeout        time.Duration `yaml:"test_timeout" env:"SMTP_TEST_TIMEOUT"`
	SendTimeout        time.Duration `yaml:"send_timeout" env:"SMTP_SEND_TIMEOUT"`
	HeloName           string        `yaml:"helo_name" env:"SMTP_HELO_NAME"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify" env:"SMTP_INSECURE_SKIP_VERIFY"`
}

// DeliveryConfig selects the delivery transport.
type DeliveryConfig struct {
	DryRun bool `yaml:"dry_run" env:"DELIVERY_DRY_RUN"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// SandboxConfig holds the local capture SMTP server configuration.
type SandboxConfig struct {
	Listen    string `yaml:"listen" env:"SANDBOX_LISTEN"`
	TLSListen string `yaml:"tls_listen" env:"SANDBOX_TLS_LISTEN"`
	Username  string `yaml:"username" env:"SANDBOX_USERNAME"`
	Password  string `yaml:"password" env:"SANDBOX_PASSWORD"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadEnvFile exports the variables of a .env file into the process
// environment. Variables that are already set win over the file.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}

	return nil
}

// TLSEnabled returns true if the web server should serve HTTPS.
func (c *Config) TLSEnabled() bool {
	return c.HTTP.TLS.Enabled || (c.HTTP.TLS.CertFile != "" && c.HTTP.TLS.KeyFile != "")
}

// EnsureSecretKey fills in a random session key when none is configured. It
// reports whether a key was generated; sessions signed with a generated key
// do not survive a restart.
func (c *Config) EnsureSecretKey() (bool, error) {
	if c.Session.SecretKey != "" {
		return false, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return false, fmt.Errorf("failed to generate secret key: %w", err)
	}
	c.Session.SecretKey = hex.EncodeToString(buf)

	return true, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.HTTP.Listen == "" {
		errs = append(errs, errors.New("http.listen must not be empty"))
	}
	if c.Session.SecretKey != "" && len(c.Session.SecretKey) < minSecretKeyLength {
		errs = append(errs, fmt.Errorf("session.secret_key must be at least %d bytes", minSecretKeyLength))
	}
	if c.Session.Dir == "" {
		errs = append(errs, errors.New("session.dir must not be empty"))
	}
	if c.Session.MaxAge <= 0 {
		errs = append(errs, errors.New("session.max_age must be positive"))
	}
	if c.SMTP.TestTimeout <= 0 {
		errs = append(errs, errors.New("smtp.test_timeout must be positive"))
	}
	if c.SMTP.SendTimeout <= 0 {
		errs = append(errs, errors.New("smtp.send_timeout must be positive"))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.level %q", c.Logging.Level))
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.format %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.HTTP.Listen = ":5000"
	c.Session.Dir = filepath.Join(os.TempDir(), "mailcomposer-sessions")
	c.Session.MaxAge = time.Hour
	c.SMTP.TestTimeout = 10 * time.Second
	c.SMTP.SendTimeout = 30 * time.Second
	c.SMTP.HeloName = "localhost"
	c.Logging.Level = "info"
	c.Logging.Format = "json"
	c.Sandbox.Listen = "127.0.0.1:2525"
	c.Sandbox.TLSListen = "127.0.0.1:2465"
	c.Sandbox.Username = "sandbox"
	c.Sandbox.Password = "sandbox"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}

	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Logging.Format = strings.ToLower(c.Logging.Format)

	return nil
}
