package state

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultReentrancyLimit bounds nested SetState calls issued from OnChange.
const DefaultReentrancyLimit = 5

// Config holds the tunables shared by registries and scopes.
type Config struct {
	// ReentrancyLimit is the number of SetState calls OnChange handlers may
	// issue within one notification cycle.
	ReentrancyLimit int `yaml:"reentrancy_limit"`
	// StrictNames turns duplicate state names into an error instead of a
	// warning.
	StrictNames bool `yaml:"strict_names"`
	// LogLevel is parsed with slog.Level.UnmarshalText ("debug", "info", ...).
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		ReentrancyLimit: DefaultReentrancyLimit,
		LogLevel:        "info",
	}
}

// ParseConfig decodes YAML on top of DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	return ParseConfig(data)
}

// Validate checks the config for unusable values.
func (c Config) Validate() error {
	if c.ReentrancyLimit < 1 {
		return fmt.Errorf("reentrancy_limit must be positive, got %d", c.ReentrancyLimit)
	}
	if _, err := c.level(); err != nil {
		return err
	}
	return nil
}

func (c Config) level() (slog.Level, error) {
	var lvl slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

func (c Config) logger() *slog.Logger {
	lvl, err := c.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
