// Package config loads process settings for phinctl and embedders of the
// bridge: evaluation switches, the inference runtime endpoint, logging,
// tracing and metrics.
//
// Settings come from an optional YAML file overlaid with PHIN_* environment
// variables:
//
//	device: cuda
//	float_dtype: float32
//	strict_species: true
//	runtime:
//	  endpoint: 127.0.0.1:7443
//	  dial_timeout: 5s
//	logging: {level: debug, format: json}
//	tracing: {enabled: true, exporter: otlp, endpoint: collector:4317}
//	metrics: {addr: ":9464"}
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/PHIN-materials/pair-PHIN/core"
	"github.com/PHIN-materials/pair-PHIN/internal/inference"
	"github.com/PHIN-materials/pair-PHIN/internal/logging"
	"github.com/PHIN-materials/pair-PHIN/internal/observability"
	"github.com/PHIN-materials/pair-PHIN/internal/tensor"
)

// Config is the full process configuration.
type Config struct {
	Device         string   `yaml:"device"`
	FloatDType     string   `yaml:"float_dtype"`
	Debug          bool     `yaml:"debug"`
	StrictSpecies  bool     `yaml:"strict_species"`
	ShiftTolerance float64  `yaml:"shift_tolerance"`
	VersionKeys    []string `yaml:"version_keys,omitempty"`

	Runtime RuntimeConfig `yaml:"runtime"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// RuntimeConfig selects the inference runtime. An empty endpoint means the
// in-process reference loader.
type RuntimeConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig mirrors observability.TracingConfig.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// MetricsConfig controls the Prometheus endpoint. An empty address disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns auto device selection, float32 inputs, lenient
// species and disabled tracing.
func DefaultConfig() *Config {
	return &Config{
		Device:         string(inference.DeviceAuto),
		FloatDType:     tensor.Float32.String(),
		ShiftTolerance: core.DefaultShiftTolerance,
		Runtime:        RuntimeConfig{DialTimeout: 5 * time.Second},
		Logging:        LoggingConfig{Level: "info", Format: "text"},
		Tracing: TracingConfig{
			Exporter:    "stdout",
			ServiceName: observability.DefaultServiceName,
			SampleRatio: 1,
		},
	}
}

// LoadConfig reads a YAML file over the defaults. Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv returns the defaults overlaid with PHIN_* variables.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.ApplyEnv()
	return cfg
}

// Load reads path when non-empty, overlays the environment and validates.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadConfig(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays PHIN_* variables. PHIN_DEBUG enables debug output when
// set to any value.
func (c *Config) ApplyEnv() {
	c.Device = getEnv("PHIN_DEVICE", c.Device)
	c.FloatDType = getEnv("PHIN_FLOAT_DTYPE", c.FloatDType)
	if _, ok := os.LookupEnv("PHIN_DEBUG"); ok {
		c.Debug = true
	}
	c.StrictSpecies = getEnvBool("PHIN_STRICT_SPECIES", c.StrictSpecies)
	c.ShiftTolerance = getEnvFloat("PHIN_SHIFT_TOLERANCE", c.ShiftTolerance)
	c.VersionKeys = getEnvStringSlice("PHIN_VERSION_KEYS", c.VersionKeys)

	c.Runtime.Endpoint = getEnv("PHIN_RUNTIME_ENDPOINT", c.Runtime.Endpoint)
	c.Runtime.DialTimeout = getEnvDuration("PHIN_RUNTIME_DIAL_TIMEOUT", c.Runtime.DialTimeout)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
	c.Metrics.Addr = getEnv("PHIN_METRICS_ADDR", c.Metrics.Addr)

	tr := observability.TracingConfigFromEnv(c.Tracing.export())
	c.Tracing = TracingConfig{
		Enabled:     tr.Enabled,
		Exporter:    tr.Exporter,
		Endpoint:    tr.Endpoint,
		ServiceName: tr.ServiceName,
		SampleRatio: tr.SampleRatio,
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if _, err := inference.ParseDevice(c.Device); err != nil {
		errs = append(errs, err)
	}
	if dt, err := tensor.ParseDType(c.FloatDType); err != nil {
		errs = append(errs, err)
	} else if !dt.IsFloat() {
		errs = append(errs, fmt.Errorf("float_dtype %s is not a floating type", dt))
	}
	if c.ShiftTolerance <= 0 || c.ShiftTolerance >= 0.5 {
		errs = append(errs, fmt.Errorf("shift_tolerance %g outside (0, 0.5)", c.ShiftTolerance))
	}
	if c.Runtime.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("runtime.dial_timeout %s is negative", c.Runtime.DialTimeout))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio %g outside [0, 1]", c.Tracing.SampleRatio))
	}
	switch strings.ToLower(c.Tracing.Exporter) {
	case "", "stdout", "otlp", "otlpgrpc":
	default:
		errs = append(errs, fmt.Errorf("tracing.exporter %q is not stdout or otlp", c.Tracing.Exporter))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Core projects the evaluation settings. Unparseable values fall back to the
// defaults; call Validate first to reject them.
func (c *Config) Core() core.Config {
	cfg := core.DefaultConfig()
	if d, err := inference.ParseDevice(c.Device); err == nil {
		cfg.Device = d
	}
	if dt, err := tensor.ParseDType(c.FloatDType); err == nil && dt.IsFloat() {
		cfg.FloatDType = dt
	}
	cfg.Debug = c.Debug
	cfg.StrictSpecies = c.StrictSpecies
	if c.ShiftTolerance > 0 {
		cfg.ShiftTolerance = c.ShiftTolerance
	}
	cfg.VersionKeys = append([]string(nil), c.VersionKeys...)
	return cfg
}

// TracingConfig projects the tracing settings.
func (c *Config) TracingConfig() observability.TracingConfig {
	return c.Tracing.export()
}

// Logger builds a logger from the logging settings. Debug forces debug level.
func (c *Config) Logger() logging.Logger {
	level := c.Logging.Level
	if c.Debug {
		level = "debug"
	}
	return logging.New(logging.Config{Level: level, Format: c.Logging.Format, AddSource: c.Debug})
}

func (t TracingConfig) export() observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:     t.Enabled,
		ServiceName: t.ServiceName,
		Exporter:    t.Exporter,
		Endpoint:    t.Endpoint,
		SampleRatio: t.SampleRatio,
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultVal
}
