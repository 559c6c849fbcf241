package planpipe

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/planpipe/ado"
)

// Config holds the full planpipe configuration.
type Config struct {
	API     ado.Config    `yaml:"api"`
	Extract ExtractConfig `yaml:"extract"`
	Output  OutputConfig  `yaml:"output"`
	Log     LogConfig     `yaml:"log"`
}

// ExtractConfig tunes the extraction walk.
type ExtractConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// OutputConfig controls where and how bundles are written.
type OutputConfig struct {
	Dir     string `yaml:"dir"`
	Modular bool   `yaml:"modular"`
	// FetchLog is the path of the SQLite fetch-log database. Empty
	// disables call logging.
	FetchLog string `yaml:"fetch_log"`
	// FetchLogKeepDays prunes logged runs older than this many days after
	// each run. Zero keeps everything.
	FetchLogKeepDays int `yaml:"fetch_log_keep_days"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
}

// SlogLevel maps the configured level to slog. Unknown values mean info.
func (l LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DefaultConfig returns sane defaults. API credentials have no default.
func DefaultConfig() *Config {
	return &Config{
		Extract: ExtractConfig{Concurrency: 4},
		Output:  OutputConfig{Dir: "output"},
		Log:     LogConfig{Level: "info"},
	}
}

// LoadConfig reads and parses a YAML config file, merged over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration is runnable.
func (c *Config) Validate() error {
	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("output: dir is required")
	}
	if c.Output.FetchLogKeepDays < 0 {
		return fmt.Errorf("output: fetch_log_keep_days must be >= 0")
	}
	if c.Extract.Concurrency < 0 {
		return fmt.Errorf("extract: concurrency must be >= 0")
	}
	return nil
}
