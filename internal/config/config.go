// Package config loads and validates the gateway's settings object: GPU
// budget, proxy networking/timeouts, logging, and the map of model
// declarations the manager is allowed to load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Precision is the numeric format a model's weights (and, by default, its
// KV cache) are stored in. It backs the bytes-per-parameter term of the
// memory estimate in internal/gpuoracle.
type Precision string

const (
	PrecisionFP32 Precision = "fp32"
	PrecisionFP16 Precision = "fp16"
	PrecisionBF16 Precision = "bf16"
	PrecisionInt8 Precision = "int8"
	PrecisionInt4 Precision = "int4"
)

// BytesPerParam returns the storage width backing this precision, in bytes.
func (p Precision) BytesPerParam() float64 {
	switch p {
	case PrecisionFP32:
		return 4
	case PrecisionFP16, PrecisionBF16:
		return 2
	case PrecisionInt8:
		return 1
	case PrecisionInt4:
		return 0.5
	default:
		return 2
	}
}

func (p Precision) valid() bool {
	switch p {
	case PrecisionFP32, PrecisionFP16, PrecisionBF16, PrecisionInt8, PrecisionInt4:
		return true
	default:
		return false
	}
}

// Architecture carries the hints the memory estimate and backend launch
// arguments need beyond parameter count: layer/head geometry.
type Architecture struct {
	Layers     int `yaml:"layers"`
	HiddenSize int `yaml:"hidden_size"`
	Heads      int `yaml:"heads"`
	KVHeads    int `yaml:"kv_heads"`
}

// ModelDeclaration is the static, config-sourced description of one model
// the gateway is permitted to load. It never changes at runtime; the
// mutable side lives in registry.Record.
type ModelDeclaration struct {
	ModelID                string       `yaml:"model_id"`
	BackendPath            string       `yaml:"backend_path"`
	ParameterCountBillions float64      `yaml:"parameter_count_billions"`
	Precision              Precision    `yaml:"precision"`
	MaxSequenceLength      int          `yaml:"max_sequence_length"`
	MaxConcurrentSequences int          `yaml:"max_concurrent_sequences"`
	TensorParallelDegree   int          `yaml:"tensor_parallel_degree"`
	Architecture           Architecture `yaml:"architecture"`
	Aliases                []string     `yaml:"aliases"`
	Credential             string       `yaml:"credential"`
	MemoryOverrideMB       float64      `yaml:"memory_override_mb"`
	ExtraArgs              []string     `yaml:"extra_args"`
}

// GPUConfig selects the device to probe and the safety margin reserved
// below total memory before any model may be admitted.
type GPUConfig struct {
	DeviceID            int     `yaml:"device_id"`
	ReservedBufferMB    float64 `yaml:"reserved_buffer_mb"`
	MemoryUtilization   float64 `yaml:"memory_utilization"`
}

// ProxyConfig governs the HTTP surface and the lifecycle timeouts applied
// to every managed backend.
type ProxyConfig struct {
	Host                    string  `yaml:"host"`
	Port                    int     `yaml:"port"`
	BasePort                int     `yaml:"base_port"`
	PortRangeSize           int     `yaml:"port_range_size"`
	IdleTimeoutSeconds      int     `yaml:"idle_timeout_seconds"`
	ReadinessIntervalMillis int     `yaml:"readiness_interval_millis"`
	StartTimeoutSeconds     int     `yaml:"start_timeout_seconds"`
	StopTimeoutSeconds      int     `yaml:"stop_timeout_seconds"`
	AdmissionWaitSeconds    int     `yaml:"admission_wait_seconds"`
	BearerToken             string  `yaml:"bearer_token"`
}

// LoggingConfig controls the structured request logger in
// internal/middleware.
type LoggingConfig struct {
	Format string `yaml:"format"` // "json" or "text"
	Level  string `yaml:"level"`
}

// RateLimitConfig enables the token-bucket limiter in internal/middleware.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// CacheConfig enables the deterministic response cache in internal/cache.
type CacheConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxEntries int  `yaml:"max_entries"`
	TTLSeconds int  `yaml:"ttl_seconds"`
}

// Config is the fully-loaded, validated settings object handed to the
// core. Loading it is an external concern (file format internals,
// defaults, env overrides); the core only ever sees this struct.
type Config struct {
	GPU       GPUConfig                   `yaml:"gpu"`
	Proxy     ProxyConfig                 `yaml:"proxy"`
	Logging   LoggingConfig               `yaml:"logging"`
	RateLimit RateLimitConfig             `yaml:"rate_limit"`
	Cache     CacheConfig                 `yaml:"cache"`
	Models    map[string]ModelDeclaration `yaml:"models"`

	configPath string `yaml:"-"`
}

func (c *Config) ConfigPath() string { return c.configPath }

func defaults() *Config {
	return &Config{
		GPU: GPUConfig{
			DeviceID:          0,
			ReservedBufferMB:  2048,
			MemoryUtilization: 0.9,
		},
		Proxy: ProxyConfig{
			Host:                    "0.0.0.0",
			Port:                    8080,
			BasePort:                9000,
			PortRangeSize:           256,
			IdleTimeoutSeconds:      600,
			ReadinessIntervalMillis: 250,
			StartTimeoutSeconds:     120,
			StopTimeoutSeconds:      15,
			AdmissionWaitSeconds:    30,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Models: map[string]ModelDeclaration{},
	}
}

// Load reads, parses, and validates a YAML settings file, then applies the
// environment overrides listed in spec section 6. File-format internals are
// an external concern; this function's job is to hand back something the
// core can trust.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyEnvOverrides(cfg)

	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("at least one model must be configured")
	}
	for id, decl := range cfg.Models {
		if id == "" {
			return nil, fmt.Errorf("model declaration has empty model_id key")
		}
		if decl.ModelID == "" {
			decl.ModelID = id
		}
		if decl.ModelID != id {
			return nil, fmt.Errorf("model %q: model_id field %q does not match map key", id, decl.ModelID)
		}
		if decl.BackendPath == "" {
			return nil, fmt.Errorf("model %q: backend_path is required", id)
		}
		if decl.MemoryOverrideMB == 0 && decl.ParameterCountBillions <= 0 {
			return nil, fmt.Errorf("model %q: parameter_count_billions must be > 0 unless memory_override_mb is set", id)
		}
		if !decl.Precision.valid() {
			return nil, fmt.Errorf("model %q: precision %q is invalid", id, decl.Precision)
		}
		if decl.MaxSequenceLength <= 0 {
			decl.MaxSequenceLength = 4096
		}
		if decl.MaxConcurrentSequences <= 0 {
			decl.MaxConcurrentSequences = 1
		}
		if decl.TensorParallelDegree <= 0 {
			decl.TensorParallelDegree = 1
		}
		cfg.Models[id] = decl
	}

	cfg.configPath = path
	return cfg, nil
}

// applyEnvOverrides applies the six explicit env overrides named in
// spec section 6, mirroring the teacher's os.Getenv-with-precedence idiom.
// Six knobs don't warrant an env-parsing dependency.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GATEWAY_LISTEN_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Proxy.Port = n
		}
	}
	if v := os.Getenv("GATEWAY_IDLE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Proxy.IdleTimeoutSeconds = n
		}
	}
	if v := os.Getenv("GATEWAY_GPU_DEVICE_ID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GPU.DeviceID = n
		}
	}
	if v := os.Getenv("GATEWAY_RESERVED_BUFFER_MB"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.GPU.ReservedBufferMB = n
		}
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GATEWAY_BASE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Proxy.BasePort = n
		}
	}
}

// ResolveAlias returns the canonical model_id for a requested name,
// checking declared aliases if the name isn't already a model_id.
func (c *Config) ResolveAlias(requested string) string {
	if _, ok := c.Models[requested]; ok {
		return requested
	}
	for id, decl := range c.Models {
		for _, alias := range decl.Aliases {
			if alias == requested {
				return id
			}
		}
	}
	return ""
}

// String renders a model declaration for logs without its credential.
func (d ModelDeclaration) String() string {
	return fmt.Sprintf("%s(%s, %.1fB params, %s)", d.ModelID, d.BackendPath, d.ParameterCountBillions, d.Precision)
}

// RedactedAliases is a convenience for log lines that want a flat string.
func (d ModelDeclaration) RedactedAliases() string {
	return strings.Join(d.Aliases, ",")
}
