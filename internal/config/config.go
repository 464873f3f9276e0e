// Package config loads the udfcore configuration file and the process-wide
// knobs read from the environment.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MemoryDatabase selects the in-memory store.
const MemoryDatabase = ":memory:"

// Config is the configuration of one udfcore process.
//
// Keys missing from a file keep the values from Default. Keys that are
// present override them, explicit zeros included, and Validate then checks
// the result.
type Config struct {
	// OCCMaxRetries is how many times a conflicting mutation is retried.
	OCCMaxRetries int `yaml:"occ_max_retries"`

	// UserTimeout bounds the time a function spends running its own code.
	UserTimeout time.Duration `yaml:"user_timeout"`

	// SystemTimeout bounds the time a function spends inside host calls.
	SystemTimeout time.Duration `yaml:"system_timeout"`

	// Database is the SQLite file path, or MemoryDatabase.
	Database string `yaml:"database"`

	// ModulesDir holds the function modules and functions.cue.
	ModulesDir string `yaml:"modules_dir"`

	// Listen is the HTTP listen address of serve.
	Listen string `yaml:"listen"`

	// LogFile, when set, receives logs through a rotating writer.
	LogFile string `yaml:"log_file"`

	// EnvVars are the environment variables visible to functions.
	EnvVars map[string]string `yaml:"env_vars"`
}

// Default returns the configuration used when no file is given. The retry
// budget comes from the UDF_EXECUTOR_OCC_MAX_RETRIES knob.
func Default() *Config {
	return &Config{
		OCCMaxRetries: OCCMaxRetries(),
		UserTimeout:   time.Second,
		SystemTimeout: 15 * time.Second,
		Database:      MemoryDatabase,
		ModulesDir:    "functions",
		Listen:        "127.0.0.1:3210",
	}
}

// Load reads the configuration file at path over the defaults. Unknown
// keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML configuration over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.OCCMaxRetries < 0 {
		return fmt.Errorf("occ_max_retries must not be negative, got %d", c.OCCMaxRetries)
	}
	if c.UserTimeout <= 0 {
		return fmt.Errorf("user_timeout must be positive")
	}
	if c.SystemTimeout <= 0 {
		return fmt.Errorf("system_timeout must be positive")
	}
	if c.Database == "" {
		return fmt.Errorf("database is required (use %q for an in-memory store)", MemoryDatabase)
	}
	return nil
}

// InMemory reports whether the configuration selects the in-memory store.
func (c *Config) InMemory() bool {
	return c.Database == MemoryDatabase
}
