// Package config loads and validates the process configuration from
// JSON or YAML files with environment overrides layered on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/RonHouben/wavecraft-sub004/errors"
)

// ServerConfig is the networked transport's listen side.
type ServerConfig struct {
	// Enabled starts the websocket listener for external surfaces and
	// the capture bridge.
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	Path    string `json:"path" yaml:"path"`
}

// URL returns the ws:// URL clients and the capture process dial.
func (s ServerConfig) URL() string {
	return fmt.Sprintf("ws://%s%s", s.Addr, s.Path)
}

// BusConfig tunes the request/response layer.
type BusConfig struct {
	RequestTimeout Duration `json:"requestTimeout" yaml:"requestTimeout"`
}

// FetchConfig tunes the connection-aware fetch lifecycle.
type FetchConfig struct {
	ConnectTimeout Duration `json:"connectTimeout" yaml:"connectTimeout"`
}

// MeterConfig tunes the metering pipeline.
type MeterConfig struct {
	RingCapacity int `json:"ringCapacity" yaml:"ringCapacity"`
	// PollHz is the consumer drain rate; 20-60 is the sensible band.
	PollHz int `json:"pollHz" yaml:"pollHz"`
}

// CaptureConfig declares the external audio-capture process. An empty
// Binary means no capture; presence of a path is the switch, there is no
// separate enable flag.
type CaptureConfig struct {
	Binary string   `json:"binary" yaml:"binary"`
	Args   []string `json:"args" yaml:"args"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// Config is the complete process configuration.
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	Bus     BusConfig     `json:"bus" yaml:"bus"`
	Fetch   FetchConfig   `json:"fetch" yaml:"fetch"`
	Meter   MeterConfig   `json:"meter" yaml:"meter"`
	Capture CaptureConfig `json:"capture" yaml:"capture"`
	Log     LogConfig     `json:"log" yaml:"log"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9000",
			Path:    "/ws",
		},
		Bus:   BusConfig{RequestTimeout: Duration(5 * time.Second)},
		Fetch: FetchConfig{ConnectTimeout: Duration(15 * time.Second)},
		Meter: MeterConfig{RingCapacity: 256, PollHz: 30},
		Log:   LogConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9090",
		},
	}
}

// Validate checks field-level constraints after schema validation.
func (c *Config) Validate() error {
	if c.Server.Enabled && c.Server.Addr == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "server.addr must be set when server.enabled")
	}
	if c.Server.Path != "" && !strings.HasPrefix(c.Server.Path, "/") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "server.path must start with /")
	}
	if c.Bus.RequestTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "bus.requestTimeout must be positive")
	}
	if c.Fetch.ConnectTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "fetch.connectTimeout must be positive")
	}
	if c.Meter.RingCapacity <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "meter.ringCapacity must be positive")
	}
	if c.Meter.PollHz < 1 || c.Meter.PollHz > 120 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "meter.pollHz must be within 1-120")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("log.level %q is not one of debug/info/warn/error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("log.format %q is not one of json/text", c.Log.Format))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "metrics.addr must be set when metrics.enabled")
	}
	return nil
}

// PollInterval converts PollHz to a drain interval.
func (c *Config) PollInterval() time.Duration {
	return time.Second / time.Duration(c.Meter.PollHz)
}

// Loader reads configuration files with defaults, schema validation and
// environment overrides.
type Loader struct {
	envPrefix  string
	validation bool
}

// NewLoader creates a loader with the WAVECRAFT env prefix and schema
// validation enabled.
func NewLoader() *Loader {
	return &Loader{envPrefix: "WAVECRAFT", validation: true}
}

// EnableValidation toggles JSON-schema validation.
func (l *Loader) EnableValidation(enable bool) { l.validation = enable }

// Load reads a config file, merging it over defaults. An empty path
// returns defaults plus environment overrides. The format follows the
// file extension: .yaml/.yml, anything else parses as JSON.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %v", errors.ErrMissingConfig, err),
				"Loader", "Load", fmt.Sprintf("read %s", path))
		}
		if l.validation {
			if err := validateSchema(path, data); err != nil {
				return nil, err
			}
		}
		if err := decodeInto(cfg, path, data); err != nil {
			return nil, err
		}
	}

	l.applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeInto(cfg *Config, path string, data []byte) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("parse yaml %s", path))
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("parse json %s", path))
		}
	}
	return nil
}

// applyEnvOverrides layers WAVECRAFT_* variables over the file values.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(l.envPrefix + "_SERVER_ADDR"); val != "" {
		cfg.Server.Addr = val
	}
	if val := os.Getenv(l.envPrefix + "_SERVER_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Server.Enabled = b
		}
	}
	if val := os.Getenv(l.envPrefix + "_BUS_REQUEST_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Bus.RequestTimeout = Duration(d)
		}
	}
	if val := os.Getenv(l.envPrefix + "_FETCH_CONNECT_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Fetch.ConnectTimeout = Duration(d)
		}
	}
	if val := os.Getenv(l.envPrefix + "_CAPTURE_BINARY"); val != "" {
		cfg.Capture.Binary = val
	}
	if val := os.Getenv(l.envPrefix + "_LOG_LEVEL"); val != "" {
		cfg.Log.Level = val
	}
	if val := os.Getenv(l.envPrefix + "_LOG_FORMAT"); val != "" {
		cfg.Log.Format = val
	}
	if val := os.Getenv(l.envPrefix + "_METRICS_ADDR"); val != "" {
		cfg.Metrics.Addr = val
		cfg.Metrics.Enabled = true
	}
}
