package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Checker  CheckerConfig  `yaml:"checker"`
	Worker   WorkerConfig   `yaml:"worker"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig locates the two storage engines and bounds lock waits.
type DatabaseConfig struct {
	FactPath   string   `yaml:"fact_path"`
	EntityPath string   `yaml:"entity_path"`
	LockWait   Duration `yaml:"lock_wait"`
}

// CheckerConfig tunes the consistency checker.
type CheckerConfig struct {
	// Lookback bounds the delta scan window; full-history scans are
	// disallowed by cost.
	Lookback Duration `yaml:"lookback"`
	// SampleSize is how many entities get a full chain replay per check.
	// Zero or negative replays every entity.
	SampleSize int `yaml:"sample_size"`
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	SweepInterval Duration `yaml:"sweep_interval"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("ACCORD_CONFIG_PATH", "config/accord.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			FactPath:   "data/facts.db",
			EntityPath: "data/entities.db",
			LockWait:   Duration(5 * time.Second),
		},
		Checker: CheckerConfig{
			Lookback:   Duration(24 * time.Hour),
			SampleSize: 64,
		},
		Worker: WorkerConfig{
			SweepInterval: Duration(1 * time.Hour),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ACCORD_FACT_DB_PATH"); v != "" {
		cfg.Database.FactPath = v
	}
	if v := os.Getenv("ACCORD_ENTITY_DB_PATH"); v != "" {
		cfg.Database.EntityPath = v
	}
	if v := os.Getenv("ACCORD_LOCK_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Database.LockWait = Duration(d)
		}
	}

	if v := os.Getenv("ACCORD_CHECKER_LOOKBACK"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Checker.Lookback = Duration(d)
		}
	}
	if v := os.Getenv("ACCORD_CHECKER_SAMPLE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Checker.SampleSize = n
		}
	}

	if v := os.Getenv("ACCORD_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.SweepInterval = Duration(d)
		}
	}

	if v := os.Getenv("ACCORD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("ACCORD_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.Database.FactPath == "" {
		return fmt.Errorf("database.fact_path must not be empty")
	}
	if c.Database.EntityPath == "" {
		return fmt.Errorf("database.entity_path must not be empty")
	}
	if c.Database.FactPath == c.Database.EntityPath {
		return fmt.Errorf("fact and entity stores must be separate databases")
	}
	if time.Duration(c.Database.LockWait) <= 0 {
		return fmt.Errorf("database.lock_wait must be positive")
	}
	if time.Duration(c.Checker.Lookback) <= 0 {
		return fmt.Errorf("checker.lookback must be positive")
	}
	if time.Duration(c.Worker.SweepInterval) <= 0 {
		return fmt.Errorf("worker.sweep_interval must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text; got %q", c.Log.Format)
	}
	return nil
}

// getEnv returns the env var value or a default.
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
