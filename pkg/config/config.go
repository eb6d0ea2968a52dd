package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

// Duration wraps time.Duration so it can be written as "60s" in both TOML
// and JSON config files.
type Duration struct {
	time.Duration
}

// NewDuration builds a Duration from a time.Duration.
func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Trace(err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalJSON accepts either a duration string or nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.Trace(err)
	}
	d.Duration = time.Duration(n)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// Config holds the configuration for the coprocessor node.
type Config struct {
	Endpoint EndpointConfig `json:"endpoint" toml:"endpoint"`
	Storage  StorageConfig  `json:"storage" toml:"storage"`
	GC       GCConfig       `json:"gc" toml:"gc"`
	Logging  LoggingConfig  `json:"logging" toml:"logging"`
}

// EndpointConfig holds coprocessor endpoint configuration.
type EndpointConfig struct {
	// Concurrency is the number of workers in each priority pool.
	Concurrency int `json:"end-point-concurrency" toml:"end-point-concurrency"`

	// StackSize is the requested per-worker stack size in bytes. Go
	// worker stacks are managed by the runtime; the value is recorded
	// for operators but has no runtime effect.
	StackSize int64 `json:"end-point-stack-size" toml:"end-point-stack-size"`

	// MaxTasks caps the number of concurrently running tasks across all
	// pools. Admission beyond the cap fails fast with a busy error.
	MaxTasks int `json:"end-point-max-tasks" toml:"end-point-max-tasks"`

	// BatchRowLimit caps the number of rows per chunk in a unary DAG
	// response.
	BatchRowLimit int `json:"end-point-batch-row-limit" toml:"end-point-batch-row-limit"`

	// StreamBatchRowLimit caps the number of rows per streamed chunk.
	StreamBatchRowLimit int `json:"end-point-stream-batch-row-limit" toml:"end-point-stream-batch-row-limit"`

	// RequestMaxHandleDuration is the wall-clock deadline applied to
	// every request at admission.
	RequestMaxHandleDuration Duration `json:"end-point-request-max-handle-duration" toml:"end-point-request-max-handle-duration"`

	// RecursionLimit bounds the depth of decoded expression trees.
	RecursionLimit int `json:"end-point-recursion-limit" toml:"end-point-recursion-limit"`
}

// StorageConfig holds storage engine configuration.
type StorageConfig struct {
	DataDir string `json:"data-dir" toml:"data-dir"`
}

// GCConfig holds garbage collection worker configuration.
type GCConfig struct {
	// RefreshSafePointInterval is how often the safe point is fetched
	// from PD. Zero disables the tick.
	RefreshSafePointInterval Duration `json:"refresh-safe-point-interval" toml:"refresh-safe-point-interval"`

	// RegionTickInterval is the delay between per-region GC passes.
	// Zero disables the tick.
	RegionTickInterval Duration `json:"region-tick-interval" toml:"region-tick-interval"`

	// RatioThreshold is the density heuristic bound: a fresh range is
	// skipped when versions-per-key stays below it.
	RatioThreshold float64 `json:"ratio-threshold" toml:"ratio-threshold"`

	// BatchKeys is the number of keys reclaimed per region pass.
	BatchKeys int `json:"batch-keys" toml:"batch-keys"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `json:"level" toml:"level"`
	File  string `json:"file" toml:"file"`
}

const (
	// DefaultRequestMaxHandleDuration aborts requests the client has
	// certainly given up on.
	DefaultRequestMaxHandleDuration = 60 * time.Second

	defaultMaxTasks            = 2000
	defaultBatchRowLimit       = 64
	defaultStreamBatchRowLimit = 128
	defaultStackSize           = 10 * 1024 * 1024
	defaultRecursionLimit      = 1000
	defaultGCRefreshInterval   = 600 * time.Second
	defaultGCRegionInterval    = time.Second
	defaultGCRatioThreshold    = 1.1
	defaultGCBatchKeys         = 512
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			Concurrency:              runtime.NumCPU(),
			StackSize:                defaultStackSize,
			MaxTasks:                 defaultMaxTasks,
			BatchRowLimit:            defaultBatchRowLimit,
			StreamBatchRowLimit:      defaultStreamBatchRowLimit,
			RequestMaxHandleDuration: NewDuration(DefaultRequestMaxHandleDuration),
			RecursionLimit:           defaultRecursionLimit,
		},
		Storage: StorageConfig{
			DataDir: "data",
		},
		GC: GCConfig{
			RefreshSafePointInterval: NewDuration(defaultGCRefreshInterval),
			RegionTickInterval:       NewDuration(defaultGCRegionInterval),
			RatioThreshold:           defaultGCRatioThreshold,
			BatchKeys:                defaultGCBatchKeys,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration and fills zero or negative sizes,
// limits and ratios, and an empty log level, with defaults. Durations are
// kept as given, zero included; a negative request deadline is rejected.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.Endpoint.Concurrency <= 0 {
		c.Endpoint.Concurrency = def.Endpoint.Concurrency
	}
	if c.Endpoint.StackSize <= 0 {
		c.Endpoint.StackSize = def.Endpoint.StackSize
	}
	if c.Endpoint.MaxTasks <= 0 {
		c.Endpoint.MaxTasks = def.Endpoint.MaxTasks
	}
	if c.Endpoint.BatchRowLimit <= 0 {
		c.Endpoint.BatchRowLimit = def.Endpoint.BatchRowLimit
	}
	if c.Endpoint.StreamBatchRowLimit <= 0 {
		c.Endpoint.StreamBatchRowLimit = def.Endpoint.StreamBatchRowLimit
	}
	if c.Endpoint.RequestMaxHandleDuration.Duration < 0 {
		return errors.New("end-point-request-max-handle-duration must not be negative")
	}
	if c.Endpoint.RecursionLimit <= 0 {
		c.Endpoint.RecursionLimit = def.Endpoint.RecursionLimit
	}
	if c.GC.RatioThreshold <= 0 {
		c.GC.RatioThreshold = def.GC.RatioThreshold
	}
	if c.GC.BatchKeys <= 0 {
		c.GC.BatchKeys = def.GC.BatchKeys
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	return nil
}

// Load reads a configuration file. TOML is selected by extension, JSON
// otherwise. An empty path yields the defaults; a path that cannot be
// read is an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Annotatef(err, "parse %s", path)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.Annotatef(err, "parse %s", path)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}
