package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Environment variables read by Load
const (
	EnvServer  = "HASS_SERVER"
	EnvToken   = "HASS_TOKEN"
	EnvTimeout = "HASS_TIMEOUT"
)

// Output formats understood by the CLI
const (
	OutputText = "text"
	OutputJSON = "json"
	OutputYAML = "yaml"
)

// ErrConfigMissing is returned when the server address or the token is not set
var ErrConfigMissing = errors.New("HASS_SERVER and HASS_TOKEN environment variables required")

// Config is the resolved process configuration
type Config struct {
	Server  string
	Token   string
	Timeout time.Duration // 0 waits forever
	Output  string
}

// FileConfig represents the optional YAML config file
type FileConfig struct {
	Server  string `yaml:"server"`
	Token   string `yaml:"token"`
	Timeout string `yaml:"timeout"`
	Output  string `yaml:"output"`
}

// LoadOptions carries the command line overrides and file locations.
// Empty fields are not applied.
type LoadOptions struct {
	ConfigFile string
	EnvFile    string // defaults to .env in the working directory
	Server     string
	Token      string
	Timeout    string
	Output     string
}

// Loader resolves configuration from flags, environment, .env and YAML file
type Loader struct {
	logger *zap.Logger
}

// NewLoader creates a new configuration loader
func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		logger: logger,
	}
}

// Load resolves the configuration. Precedence is flags, then environment
// (including values from the .env file), then the YAML file.
func (l *Loader) Load(opts LoadOptions) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	// godotenv never overrides variables that are already set
	if err := godotenv.Load(envFile); err != nil {
		l.logger.Debug("No .env file loaded, using environment variables",
			zap.String("path", envFile), zap.Error(err))
	}

	var file FileConfig
	if opts.ConfigFile != "" {
		loaded, err := l.LoadFile(opts.ConfigFile)
		if err != nil {
			return nil, err
		}
		file = *loaded
	}

	cfg := &Config{
		Server: first(opts.Server, os.Getenv(EnvServer), file.Server),
		Token:  first(opts.Token, os.Getenv(EnvToken), file.Token),
		Output: strings.ToLower(first(opts.Output, file.Output, OutputText)),
	}

	if cfg.Server == "" || cfg.Token == "" {
		return nil, ErrConfigMissing
	}

	timeout := first(opts.Timeout, os.Getenv(EnvTimeout), file.Timeout)
	if timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", timeout, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("invalid timeout %q: must not be negative", timeout)
		}
		cfg.Timeout = d
	}

	switch cfg.Output {
	case OutputText, OutputJSON, OutputYAML:
	default:
		return nil, fmt.Errorf("invalid output format %q: must be text, json or yaml", cfg.Output)
	}

	l.logger.Debug("Configuration loaded",
		zap.String("server", cfg.Server),
		zap.Duration("timeout", cfg.Timeout),
		zap.String("output", cfg.Output))
	return cfg, nil
}

// LoadFile reads the YAML config file
func (l *Loader) LoadFile(path string) (*FileConfig, error) {
	l.logger.Debug("Loading config file", zap.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var file FileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &file, nil
}

// first returns the first non-empty value
func first(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
