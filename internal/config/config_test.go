package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("server.port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.SSLMode != "require" {
		t.Errorf("database.ssl_mode = %q, want require", cfg.Database.SSLMode)
	}
	if cfg.SCM.UpstreamTimeout != 30*time.Second {
		t.Errorf("scm.upstream_timeout = %v, want 30s", cfg.SCM.UpstreamTimeout)
	}
	if cfg.SCM.PublishRetries != 3 {
		t.Errorf("scm.publish_retries = %d, want 3", cfg.SCM.PublishRetries)
	}
	if cfg.Jobs.TagVerifyInterval != time.Hour {
		t.Errorf("jobs.tag_verify_interval = %v, want 1h", cfg.Jobs.TagVerifyInterval)
	}
	if !cfg.Security.RateLimiting.Enabled {
		t.Error("rate limiting should default to enabled")
	}
}

func TestLoadFromFile(t *testing.T) {
	yaml := `
server:
  port: 9090
  public_url: https://registry.example.com
database:
  name: sync_test
scm:
  publish_retries: 5
logging:
  level: debug
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("server.port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Database.Name != "sync_test" {
		t.Errorf("database.name = %q", cfg.Database.Name)
	}
	if cfg.SCM.PublishRetries != 5 {
		t.Errorf("scm.publish_retries = %d, want 5", cfg.SCM.PublishRetries)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q", cfg.Logging.Level)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRS_SERVER_PORT", "7000")
	t.Setenv("TRS_DATABASE_PASSWORD", "sekrit")
	t.Setenv("TRS_SCM_UPSTREAM_TIMEOUT", "10s")

	cfg, err := Load(writeConfig(t, "{}"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("server.port = %d, want 7000", cfg.Server.Port)
	}
	if cfg.Database.Password != "sekrit" {
		t.Errorf("database.password not taken from env")
	}
	if cfg.SCM.UpstreamTimeout != 10*time.Second {
		t.Errorf("scm.upstream_timeout = %v, want 10s", cfg.SCM.UpstreamTimeout)
	}
}

func TestSecretExpansion(t *testing.T) {
	t.Setenv("DB_PASS_FROM_VAULT", "expanded-pass")
	yaml := `
database:
  password: ${DB_PASS_FROM_VAULT}
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Password != "expanded-pass" {
		t.Errorf("database.password = %q, want expanded value", cfg.Database.Password)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad port", "server:\n  port: 0\n"},
		{"empty base_url", "server:\n  base_url: \"\"\n"},
		{"empty db host", "database:\n  host: \"\"\n"},
		{"zero retries", "scm:\n  publish_retries: 0\n"},
		{"bad log level", "logging:\n  level: verbose\n"},
		{"tls without cert", "security:\n  tls:\n    enabled: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.yaml)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestGetPublicURLFallback(t *testing.T) {
	s := ServerConfig{BaseURL: "http://internal:8080"}
	if got := s.GetPublicURL(); got != "http://internal:8080" {
		t.Errorf("GetPublicURL = %q, want base_url fallback", got)
	}
	s.PublicURL = "https://registry.example.com"
	if got := s.GetPublicURL(); got != "https://registry.example.com" {
		t.Errorf("GetPublicURL = %q, want public_url", got)
	}
}

func TestGetDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	want := "host=db port=5432 user=u password=p dbname=n sslmode=disable"
	if got := d.GetDSN(); got != want {
		t.Errorf("GetDSN = %q, want %q", got, want)
	}
}

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}
