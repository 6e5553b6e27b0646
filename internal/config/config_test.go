package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var allEnvVars = []string{
	"HTTP_LISTEN", "TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"SECRET_KEY", "SESSION_DIR", "SESSION_MAX_AGE",
	"SMTP_TEST_TIMEOUT", "SMTP_SEND_TIMEOUT", "SMTP_HELO_NAME", "SMTP_INSECURE_SKIP_VERIFY",
	"DELIVERY_DRY_RUN", "LOG_LEVEL", "LOG_FORMAT",
	"SANDBOX_LISTEN", "SANDBOX_TLS_LISTEN", "SANDBOX_USERNAME", "SANDBOX_PASSWORD",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range allEnvVars {
		t.Setenv(env, "")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTP.Listen != ":5000" {
		t.Errorf("HTTP.Listen: got %q, want %q", cfg.HTTP.Listen, ":5000")
	}
	if cfg.Session.SecretKey != "" {
		t.Errorf("Session.SecretKey: got %q, want empty", cfg.Session.SecretKey)
	}
	if cfg.Session.MaxAge != time.Hour {
		t.Errorf("Session.MaxAge: got %v, want %v", cfg.Session.MaxAge, time.Hour)
	}
	if !strings.HasSuffix(cfg.Session.Dir, "mailcomposer-sessions") {
		t.Errorf("Session.Dir: got %q", cfg.Session.Dir)
	}
	if cfg.SMTP.TestTimeout != 10*time.Second {
		t.Errorf("SMTP.TestTimeout: got %v, want 10s", cfg.SMTP.TestTimeout)
	}
	if cfg.SMTP.SendTimeout != 30*time.Second {
		t.Errorf("SMTP.SendTimeout: got %v, want 30s", cfg.SMTP.SendTimeout)
	}
	if cfg.SMTP.HeloName != "localhost" {
		t.Errorf("SMTP.HeloName: got %q, want %q", cfg.SMTP.HeloName, "localhost")
	}
	if cfg.Delivery.DryRun {
		t.Error("Delivery.DryRun: got true, want false")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "info")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format: got %q, want %q", cfg.Logging.Format, "json")
	}
	if cfg.Sandbox.Listen != "127.0.0.1:2525" {
		t.Errorf("Sandbox.Listen: got %q", cfg.Sandbox.Listen)
	}
	if cfg.TLSEnabled() {
		t.Error("TLSEnabled: got true, want false")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: unexpected error: %v", err)
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("HTTP_LISTEN", ":8443")
	t.Setenv("TLS_ENABLED", "true")
	t.Setenv("SECRET_KEY", "0123456789abcdef0123")
	t.Setenv("SESSION_DIR", "/var/lib/mailcomposer")
	t.Setenv("SESSION_MAX_AGE", "30m")
	t.Setenv("SMTP_TEST_TIMEOUT", "5s")
	t.Setenv("SMTP_SEND_TIMEOUT", "1m")
	t.Setenv("SMTP_INSECURE_SKIP_VERIFY", "true")
	t.Setenv("DELIVERY_DRY_RUN", "true")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LOG_FORMAT", "Text")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTP.Listen != ":8443" {
		t.Errorf("HTTP.Listen: got %q, want %q", cfg.HTTP.Listen, ":8443")
	}
	if !cfg.TLSEnabled() {
		t.Error("TLSEnabled: got false, want true")
	}
	if cfg.Session.SecretKey != "0123456789abcdef0123" {
		t.Errorf("Session.SecretKey: got %q", cfg.Session.SecretKey)
	}
	if cfg.Session.Dir != "/var/lib/mailcomposer" {
		t.Errorf("Session.Dir: got %q", cfg.Session.Dir)
	}
	if cfg.Session.MaxAge != 30*time.Minute {
		t.Errorf("Session.MaxAge: got %v, want 30m", cfg.Session.MaxAge)
	}
	if cfg.SMTP.TestTimeout != 5*time.Second {
		t.Errorf("SMTP.TestTimeout: got %v, want 5s", cfg.SMTP.TestTimeout)
	}
	if cfg.SMTP.SendTimeout != time.Minute {
		t.Errorf("SMTP.SendTimeout: got %v, want 1m", cfg.SMTP.SendTimeout)
	}
	if !cfg.SMTP.InsecureSkipVerify {
		t.Error("SMTP.InsecureSkipVerify: got false, want true")
	}
	if !cfg.Delivery.DryRun {
		t.Error("Delivery.DryRun: got false, want true")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level: got %q, want %q (should be lowercased)", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format: got %q, want %q", cfg.Logging.Format, "text")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("SMTP_TEST_TIMEOUT", "soon")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unparseable duration, got nil")
	}
}

func TestLoadFromFile_YAMLWithEnvOverride(t *testing.T) {
	clearEnv(t)

	yamlContent := `
http:
  listen: ":7000"
  tls:
    cert_file: /certs/cert.pem
    key_file: /certs/key.pem
session:
  dir: /srv/sessions
  max_age: 2h
smtp:
  test_timeout: 3s
  helo_name: composer.example.com
logging:
  level: warn
sandbox:
  username: tester
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	t.Setenv("HTTP_LISTEN", ":7001")

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTP.Listen != ":7001" {
		t.Errorf("HTTP.Listen: got %q, want %q (env should override YAML)", cfg.HTTP.Listen, ":7001")
	}
	if !cfg.TLSEnabled() {
		t.Error("TLSEnabled: got false, want true when both cert and key files are set")
	}
	if cfg.Session.Dir != "/srv/sessions" {
		t.Errorf("Session.Dir: got %q", cfg.Session.Dir)
	}
	if cfg.Session.MaxAge != 2*time.Hour {
		t.Errorf("Session.MaxAge: got %v, want 2h", cfg.Session.MaxAge)
	}
	if cfg.SMTP.TestTimeout != 3*time.Second {
		t.Errorf("SMTP.TestTimeout: got %v, want 3s", cfg.SMTP.TestTimeout)
	}
	if cfg.SMTP.SendTimeout != 30*time.Second {
		t.Errorf("SMTP.SendTimeout: got %v, want default 30s", cfg.SMTP.SendTimeout)
	}
	if cfg.SMTP.HeloName != "composer.example.com" {
		t.Errorf("SMTP.HeloName: got %q", cfg.SMTP.HeloName)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "warn")
	}
	if cfg.Sandbox.Username != "tester" {
		t.Errorf("Sandbox.Username: got %q", cfg.Sandbox.Username)
	}
	if cfg.Sandbox.Password != "sandbox" {
		t.Errorf("Sandbox.Password: got %q, want default", cfg.Sandbox.Password)
	}
}

func TestLoadFromFile_NonExistentFile(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("http: [unclosed"), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "LOG_LEVEL=error\nHTTP_LISTEN=:6000\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}

	// Variables already present in the environment are not overwritten.
	t.Setenv("HTTP_LISTEN", ":6001")
	// t.Setenv("LOG_LEVEL", "") leaves the variable set but empty; unset it
	// so the file value applies.
	os.Unsetenv("LOG_LEVEL")

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Logging.Level != "error" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "error")
	}
	if cfg.HTTP.Listen != ":6001" {
		t.Errorf("HTTP.Listen: got %q, want %q", cfg.HTTP.Listen, ":6001")
	}
}

func TestLoadEnvFile_Missing(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatal("expected error for missing env file, got nil")
	}
}

func TestEnsureSecretKey(t *testing.T) {
	cfg := &Config{}

	generated, err := cfg.EnsureSecretKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !generated {
		t.Error("generated: got false, want true")
	}
	if len(cfg.Session.SecretKey) != 64 {
		t.Errorf("SecretKey length: got %d, want 64", len(cfg.Session.SecretKey))
	}

	key := cfg.Session.SecretKey
	generated, err = cfg.EnsureSecretKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if generated || cfg.Session.SecretKey != key {
		t.Error("an existing key must be kept")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"short secret", func(c *Config) { c.Session.SecretKey = "short" }, "secret_key"},
		{"zero test timeout", func(c *Config) { c.SMTP.TestTimeout = 0 }, "test_timeout"},
		{"negative send timeout", func(c *Config) { c.SMTP.SendTimeout = -time.Second }, "send_timeout"},
		{"unknown level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"unknown format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"empty listen", func(c *Config) { c.HTTP.Listen = "" }, "http.listen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.applyDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("got %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
