package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/obaiga/hesaff/internal/hesaff"
)

// Environment variables that override the file.
const (
	EnvLogLevel = "HESAFF_LOG_LEVEL"
	EnvJobs     = "HESAFF_JOBS"
)

// Config holds the pyhesaff configuration.
type Config struct {
	Detector hesaff.Params `yaml:"detector" json:"detector"`

	// Jobs bounds the number of images processed concurrently.
	Jobs int `yaml:"jobs" json:"jobs"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Output  OutputConfig  `yaml:"output" json:"output"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level,omitempty"` // debug, info, warn, error
}

// OutputConfig configures where results are written.
type OutputConfig struct {
	// Suffix is appended to an image path to name its feature file.
	Suffix string `yaml:"suffix" json:"suffix,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Detector: hesaff.DefaultParams(),
		Jobs:     runtime.NumCPU(),
		Logging: LoggingConfig{
			Level: "info",
		},
		Output: OutputConfig{
			Suffix: hesaff.FeatureSuffix,
		},
	}
}

// Load loads configuration from a YAML file on top of the defaults and
// applies environment overrides. An empty path or a missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.Logging.Level = level
	}
	if jobs := os.Getenv(EnvJobs); jobs != "" {
		n, err := strconv.Atoi(jobs)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvJobs, jobs, err)
		}
		c.Jobs = n
	}
	return nil
}

// Validate checks the configuration, including the detector parameters.
func (c *Config) Validate() error {
	var errs []error
	if c.Jobs < 1 {
		errs = append(errs, fmt.Errorf("jobs must be at least 1, got %d", c.Jobs))
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if c.Output.Suffix == "" {
		errs = append(errs, errors.New("output.suffix must not be empty"))
	}
	if err := c.Detector.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("detector: %w", err))
	}
	return errors.Join(errs...)
}
