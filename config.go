// config.go: Configuration for registries, queues and backends
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package asyncrypt

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config selects and tunes one backend together with the submission and
// wait policies of the devices opened against it.
type Config struct {
	Backend      string            `json:"backend" yaml:"backend" mapstructure:"backend"`                   // software | accelerator | plugin
	Software     SoftwareConfig    `json:"software" yaml:"software" mapstructure:"software"`                // Software backend settings
	Accelerator  AcceleratorConfig `json:"accelerator" yaml:"accelerator" mapstructure:"accelerator"`       // Accelerator backend settings
	Plugin       PluginConfig      `json:"plugin" yaml:"plugin" mapstructure:"plugin"`                      // Plugin backend settings
	Queue        QueueConfig       `json:"queue" yaml:"queue" mapstructure:"queue"`                         // Default queue settings
	Submit       SubmitConfig      `json:"submit" yaml:"submit" mapstructure:"submit"`                      // Submission retry policy
	Wait         WaitConfig        `json:"wait" yaml:"wait" mapstructure:"wait"`                            // Blocking wait policy
	Thresholds   map[string]int    `json:"thresholds" yaml:"thresholds" mapstructure:"thresholds"`          // Per-marker minimum input size worth offloading
	StartTimeout time.Duration     `json:"start_timeout" yaml:"start_timeout" mapstructure:"start_timeout"` // Bound on backend start
}

// SoftwareConfig tunes the inline software backend
type SoftwareConfig struct {
	SkipMod int `json:"skip_mod" yaml:"skip_mod" mapstructure:"skip_mod"` // Report every SkipMod-th event as not done (0 = never)
}

// AcceleratorConfig tunes the accelerator backend
type AcceleratorConfig struct {
	Mode          BackendKind   `json:"mode" yaml:"mode" mapstructure:"mode"`                               // single | batch | callback
	Instances     int           `json:"instances" yaml:"instances" mapstructure:"instances"`                // Engines devices are spread over
	Workers       int           `json:"workers" yaml:"workers" mapstructure:"workers"`                      // Worker goroutines per engine
	MaxPending    int           `json:"max_pending" yaml:"max_pending" mapstructure:"max_pending"`          // Ring size per engine; a full ring answers retry
	BatchCapacity int           `json:"batch_capacity" yaml:"batch_capacity" mapstructure:"batch_capacity"` // Tokens per batched status call
	Latency       time.Duration `json:"latency" yaml:"latency" mapstructure:"latency"`                      // Emulated processing time per request
}

// PluginConfig selects the plugin served by the plugin backend
type PluginConfig struct {
	Name    string        `json:"name" yaml:"name" mapstructure:"name"`          // Plugin name in the registry's manager
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"` // Bound on each plugin call
}

// SubmitConfig controls the busy-retry loop around backend submission
type SubmitConfig struct {
	YieldAfter int `json:"yield_after" yaml:"yield_after" mapstructure:"yield_after"` // Consecutive retries before yielding the processor
	MaxRetries int `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"` // Give up after this many retries (0 = never)
}

// WaitConfig controls the cooperative wait loop
type WaitConfig struct {
	SpinIterations int           `json:"spin_iterations" yaml:"spin_iterations" mapstructure:"spin_iterations"` // Iterations that only yield before sleeping
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff" mapstructure:"max_backoff"`             // Upper bound of the sleep between polls
}

// Backend names understood by the default registry
const (
	BackendSoftware    = "software"
	BackendAccelerator = "accelerator"
	BackendPlugin      = "plugin" // registered only when a plugin manager is supplied
)

// DefaultConfig returns the settings used when none are given: the
// software backend, unbounded queues and the stock retry policy.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendSoftware,
		Accelerator: AcceleratorConfig{
			Mode:          KindBatch,
			Instances:     1,
			Workers:       2,
			MaxPending:    15,
			BatchCapacity: defaultBatchCapacity,
			Latency:       50 * time.Microsecond,
		},
		Plugin: PluginConfig{
			Timeout: 5 * time.Second,
		},
		Queue: QueueConfig{
			BatchCapacity: defaultBatchCapacity,
			DrainBackoff:  defaultDrainBackoff,
		},
		Submit: SubmitConfig{
			YieldAfter: 100,
		},
		Wait: WaitConfig{
			SpinIterations: 64,
			MaxBackoff:     time.Millisecond,
		},
		Thresholds: map[string]int{
			MarkerAES.String():      128,
			Marker3DES.String():     128,
			MarkerChaCha20.String(): 128,
		},
		StartTimeout: 10 * time.Second,
	}
}

// Validate checks the configuration and fills zero values with defaults.
func (c *Config) Validate() error {
	if c == nil {
		return invalidArgument("nil config")
	}
	def := DefaultConfig()

	if c.Backend == "" {
		c.Backend = def.Backend
	}
	if c.Software.SkipMod < 0 || c.Software.SkipMod == 1 {
		return invalidArgument("software.skip_mod must be 0 or at least 2 (got %d)", c.Software.SkipMod)
	}

	a := &c.Accelerator
	if a.Mode == "" {
		a.Mode = def.Accelerator.Mode
	}
	switch a.Mode {
	case KindSingle, KindBatch, KindCallback:
	default:
		return invalidArgument("accelerator.mode %q is not single, batch or callback", a.Mode)
	}
	if a.Instances <= 0 {
		a.Instances = def.Accelerator.Instances
	}
	if a.Workers <= 0 {
		a.Workers = def.Accelerator.Workers
	}
	if a.MaxPending <= 0 {
		a.MaxPending = def.Accelerator.MaxPending
	}
	if a.BatchCapacity <= 0 {
		a.BatchCapacity = def.Accelerator.BatchCapacity
	}
	if a.Latency < 0 {
		return invalidArgument("accelerator.latency cannot be negative")
	}

	if c.Plugin.Timeout < 0 {
		return invalidArgument("plugin.timeout cannot be negative")
	}
	if c.Plugin.Timeout == 0 {
		c.Plugin.Timeout = def.Plugin.Timeout
	}
	if c.Backend == BackendPlugin && c.Plugin.Name == "" {
		return invalidArgument("plugin.name is required by the plugin backend")
	}

	if c.Queue.MaxPending < 0 {
		return invalidArgument("queue.max_pending cannot be negative")
	}
	if c.Submit.YieldAfter <= 0 {
		c.Submit.YieldAfter = def.Submit.YieldAfter
	}
	if c.Submit.MaxRetries < 0 {
		return invalidArgument("submit.max_retries cannot be negative")
	}
	if c.Wait.SpinIterations < 0 {
		return invalidArgument("wait.spin_iterations cannot be negative")
	}
	if c.Wait.MaxBackoff <= 0 {
		c.Wait.MaxBackoff = def.Wait.MaxBackoff
	}
	for name, size := range c.Thresholds {
		if _, err := ParseMarker(name); err != nil {
			return fmt.Errorf("thresholds: %w", err)
		}
		if size < 0 {
			return invalidArgument("threshold for %s cannot be negative", name)
		}
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = def.StartTimeout
	}
	return nil
}

// Threshold returns the minimum input size offloaded for m; 0 means always.
func (c *Config) Threshold(m Marker) int {
	if c == nil || c.Thresholds == nil {
		return 0
	}
	return c.Thresholds[m.String()]
}

// LoadConfig reads a YAML (or JSON) file over DefaultConfig and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is operator supplied
	if err != nil {
		return nil, wrapError(ErrInvalidArgument, err, ErrCodeInvalidArgument, "read config")
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML (or JSON) over DefaultConfig and validates it.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, wrapError(ErrInvalidArgument, err, ErrCodeInvalidArgument, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
