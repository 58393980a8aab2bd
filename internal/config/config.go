// ABOUTME: Configuration loading and parsing for warren
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete warren configuration
type Config struct {
	Matrix      MatrixConfig      `yaml:"matrix"`
	Provision   ProvisionConfig   `yaml:"provision"`
	Agents      AgentsConfig      `yaml:"agents"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Queue       QueueConfig       `yaml:"queue"`
	Database    DatabaseConfig    `yaml:"database"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// MatrixConfig holds the manager account and homeserver settings
type MatrixConfig struct {
	Homeserver   string   `yaml:"homeserver"`
	ServerName   string   `yaml:"server_name"`
	UserID       string   `yaml:"user_id"`
	AccessToken  string   `yaml:"access_token"`
	AllowedUsers []string `yaml:"allowed_users"`
}

// ProvisionConfig holds Synapse admin settings for creating agent accounts
type ProvisionConfig struct {
	SharedSecret string `yaml:"shared_secret"`
	AdminToken   string `yaml:"admin_token"`
}

// AgentsConfig holds agent subprocess settings
type AgentsConfig struct {
	ProjectsRoot   string `yaml:"projects_root"`
	Binary         string `yaml:"binary"`
	UsernamePrefix string `yaml:"username_prefix"`
	StateDir       string `yaml:"state_dir"`
}

// PermissionsConfig holds the approval endpoint settings
type PermissionsConfig struct {
	ListenAddr string        `yaml:"listen_addr"`
	Timeout    time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// QueueConfig holds outbound message pacing settings
type QueueConfig struct {
	RatePerSecond   int `yaml:"rate_per_second"`
	MaxMessageBytes int `yaml:"max_message_bytes"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in values the operator is unlikely to care about.
func (c *Config) applyDefaults() {
	if c.Agents.Binary == "" {
		c.Agents.Binary = "claude"
	}
	if c.Agents.UsernamePrefix == "" {
		c.Agents.UsernamePrefix = "warren"
	}
	if c.Agents.StateDir == "" {
		c.Agents.StateDir = "./state"
	}
	if c.Permissions.ListenAddr == "" {
		c.Permissions.ListenAddr = "127.0.0.1:7710"
	}
	if c.Queue.RatePerSecond == 0 {
		c.Queue.RatePerSecond = 5
	}
	if c.Queue.MaxMessageBytes == 0 {
		c.Queue.MaxMessageBytes = 4000
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if c.Matrix.ServerName == "" {
		return fmt.Errorf("matrix.server_name is required")
	}
	if c.Matrix.UserID == "" {
		return fmt.Errorf("matrix.user_id is required")
	}
	if c.Matrix.AccessToken == "" {
		return fmt.Errorf("matrix.access_token is required")
	}
	if len(c.Matrix.AllowedUsers) == 0 {
		return fmt.Errorf("matrix.allowed_users must name at least one operator")
	}

	if c.Provision.SharedSecret == "" {
		return fmt.Errorf("provision.shared_secret is required")
	}

	if c.Agents.ProjectsRoot == "" {
		return fmt.Errorf("agents.projects_root is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Queue.RatePerSecond < 0 {
		return fmt.Errorf("queue.rate_per_second must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Permissions.TimeoutRaw != "" {
		cfg.Permissions.Timeout, err = time.ParseDuration(cfg.Permissions.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing permissions.timeout %q: %w", cfg.Permissions.TimeoutRaw, err)
		}
	}

	return nil
}
