// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validConfig = `
matrix:
  homeserver: "https://matrix.example.org"
  server_name: "example.org"
  user_id: "@warren:example.org"
  access_token: "syt_token"
  allowed_users:
    - "@operator:example.org"
    - "@owner:example.org"

provision:
  shared_secret: "reg-secret"
  admin_token: "admin-token"

agents:
  projects_root: "/home/dev/projects"
  binary: "claude"
  username_prefix: "warren"
  state_dir: "/var/lib/warren"

permissions:
  listen_addr: "127.0.0.1:9000"
  timeout: "2m"

queue:
  rate_per_second: 3
  max_message_bytes: 2000

database:
  path: "./warren.db"

logging:
  level: "debug"
  format: "json"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Matrix.Homeserver != "https://matrix.example.org" {
		t.Errorf("Matrix.Homeserver = %q, want %q", cfg.Matrix.Homeserver, "https://matrix.example.org")
	}
	if cfg.Matrix.ServerName != "example.org" {
		t.Errorf("Matrix.ServerName = %q, want %q", cfg.Matrix.ServerName, "example.org")
	}
	if cfg.Matrix.UserID != "@warren:example.org" {
		t.Errorf("Matrix.UserID = %q, want %q", cfg.Matrix.UserID, "@warren:example.org")
	}
	if len(cfg.Matrix.AllowedUsers) != 2 {
		t.Errorf("Matrix.AllowedUsers len = %d, want 2", len(cfg.Matrix.AllowedUsers))
	}

	if cfg.Provision.SharedSecret != "reg-secret" {
		t.Errorf("Provision.SharedSecret = %q, want %q", cfg.Provision.SharedSecret, "reg-secret")
	}
	if cfg.Provision.AdminToken != "admin-token" {
		t.Errorf("Provision.AdminToken = %q, want %q", cfg.Provision.AdminToken, "admin-token")
	}

	if cfg.Agents.ProjectsRoot != "/home/dev/projects" {
		t.Errorf("Agents.ProjectsRoot = %q, want %q", cfg.Agents.ProjectsRoot, "/home/dev/projects")
	}

	if cfg.Permissions.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("Permissions.ListenAddr = %q, want %q", cfg.Permissions.ListenAddr, "127.0.0.1:9000")
	}
	if cfg.Permissions.Timeout != 2*time.Minute {
		t.Errorf("Permissions.Timeout = %v, want %v", cfg.Permissions.Timeout, 2*time.Minute)
	}

	if cfg.Queue.RatePerSecond != 3 {
		t.Errorf("Queue.RatePerSecond = %d, want 3", cfg.Queue.RatePerSecond)
	}
	if cfg.Queue.MaxMessageBytes != 2000 {
		t.Errorf("Queue.MaxMessageBytes = %d, want 2000", cfg.Queue.MaxMessageBytes)
	}

	if cfg.Database.Path != "./warren.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./warren.db")
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("WARREN_TEST_TOKEN", "expanded-token")
	t.Setenv("WARREN_TEST_SECRET", "expanded-secret")

	content := strings.ReplaceAll(validConfig, `"syt_token"`, `"${WARREN_TEST_TOKEN}"`)
	content = strings.ReplaceAll(content, `"reg-secret"`, `"${WARREN_TEST_SECRET}"`)

	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Matrix.AccessToken != "expanded-token" {
		t.Errorf("Matrix.AccessToken = %q, want %q", cfg.Matrix.AccessToken, "expanded-token")
	}
	if cfg.Provision.SharedSecret != "expanded-secret" {
		t.Errorf("Provision.SharedSecret = %q, want %q", cfg.Provision.SharedSecret, "expanded-secret")
	}
}

func TestLoad_UnsetEnvVarBecomesEmpty(t *testing.T) {
	content := strings.ReplaceAll(validConfig, `"syt_token"`, `"${WARREN_DEFINITELY_UNSET_VAR}"`)

	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("Load() expected validation error for empty access token")
	}
	if !strings.Contains(err.Error(), "matrix.access_token") {
		t.Errorf("Load() error = %v, want mention of matrix.access_token", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	minimal := `
matrix:
  homeserver: "https://matrix.example.org"
  server_name: "example.org"
  user_id: "@warren:example.org"
  access_token: "syt_token"
  allowed_users:
    - "@operator:example.org"

provision:
  shared_secret: "reg-secret"

agents:
  projects_root: "/home/dev/projects"

database:
  path: "./warren.db"
`
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Agents.Binary != "claude" {
		t.Errorf("Agents.Binary = %q, want default %q", cfg.Agents.Binary, "claude")
	}
	if cfg.Agents.UsernamePrefix != "warren" {
		t.Errorf("Agents.UsernamePrefix = %q, want default %q", cfg.Agents.UsernamePrefix, "warren")
	}
	if cfg.Permissions.ListenAddr != "127.0.0.1:7710" {
		t.Errorf("Permissions.ListenAddr = %q, want default %q", cfg.Permissions.ListenAddr, "127.0.0.1:7710")
	}
	if cfg.Queue.RatePerSecond != 5 {
		t.Errorf("Queue.RatePerSecond = %d, want default 5", cfg.Queue.RatePerSecond)
	}
	if cfg.Queue.MaxMessageBytes != 4000 {
		t.Errorf("Queue.MaxMessageBytes = %d, want default 4000", cfg.Queue.MaxMessageBytes)
	}
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		remove  string
		wantErr string
	}{
		{"missing homeserver", `homeserver: "https://matrix.example.org"`, "matrix.homeserver"},
		{"missing server name", `server_name: "example.org"`, "matrix.server_name"},
		{"missing user id", `user_id: "@warren:example.org"`, "matrix.user_id"},
		{"missing shared secret", `shared_secret: "reg-secret"`, "provision.shared_secret"},
		{"missing projects root", `projects_root: "/home/dev/projects"`, "agents.projects_root"},
		{"missing database path", `path: "./warren.db"`, "database.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content := strings.Replace(validConfig, tt.remove, "", 1)
			_, err := Load(writeConfig(t, content))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_NoAllowedUsers(t *testing.T) {
	content := strings.Replace(validConfig, "  allowed_users:\n    - \"@operator:example.org\"\n    - \"@owner:example.org\"\n", "", 1)

	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("Load() expected error for empty allowed_users")
	}
	if !strings.Contains(err.Error(), "allowed_users") {
		t.Errorf("Load() error = %v, want mention of allowed_users", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	content := strings.Replace(validConfig, `timeout: "2m"`, `timeout: "soon"`, 1)

	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "permissions.timeout") {
		t.Errorf("Load() error = %v, want mention of permissions.timeout", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "matrix: [unclosed"))
	if err == nil {
		t.Fatal("Load() expected error for invalid YAML")
	}
}
