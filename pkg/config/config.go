// Package config holds the process-wide, mutation-guarded configuration
// for the context management core: the pool sizing policy (PoolConfig)
// and the table of known locally-hosted model profiles used by C3's pool
// sizing formula.
//
// The package follows a singleton-behind-a-mutex architecture: callers
// never get a pointer to the live config, only a value copy from
// GetConfig, and the only way to mutate the live config is through the
// explicit UpdatePoolConfig, SetActiveModel, LoadModelProfiles and Reset
// functions, each of which installs a fresh copy instead of writing
// through the pointer. UpdatePoolConfig validates the pool config and
// LoadModelProfiles checks the schema version and profile names before
// swapping; SetActiveModel swaps without validation. This avoids the classic bug of a caller holding a pointer
// into config that the config loader is concurrently rewriting.
package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Quantization names the KV-cache quantization applied to the loaded
// model, which determines bytes-per-token in C3's sizing formula.
type Quantization string

const (
	F16 Quantization = "F16"
	Q8  Quantization = "Q8"
	Q4  Quantization = "Q4"
)

// QFactor returns the q_factor term of the C3 formula for this
// quantization. Unknown quantizations default to F16's conservative
// factor.
func (q Quantization) QFactor() float64 {
	switch q {
	case Q8:
		return 1.0
	case Q4:
		return 0.5
	default:
		return 2.0
	}
}

// SchemaVersion identifies the on-disk PoolConfig/ModelProfiles format.
// Bump on breaking changes.
const SchemaVersion = "1"

// PoolConfig is the closed record of spec section 3, mutated only
// through ContextManager.update_config (which calls UpdatePoolConfig
// here after validating against the live ConversationState).
type PoolConfig struct {
	MinTokens         int          `yaml:"min_tokens"`
	MaxTokens         int          `yaml:"max_tokens"`
	TargetTokens      int          `yaml:"target_tokens"`
	AutoSize          bool         `yaml:"auto_size"`
	KVQuantization    Quantization `yaml:"kv_quantization"`
	SafetyBufferBytes int64        `yaml:"safety_buffer_bytes"`
}

// Validate checks the invariants PoolConfig must hold before it can
// become the live config. It never mutates.
func (p PoolConfig) Validate() error {
	if p.MinTokens <= 0 {
		return fmt.Errorf("min_tokens must be positive, got %d", p.MinTokens)
	}
	if p.MaxTokens < p.MinTokens {
		return fmt.Errorf("max_tokens (%d) must be >= min_tokens (%d)", p.MaxTokens, p.MinTokens)
	}
	if !p.AutoSize && (p.TargetTokens < p.MinTokens || p.TargetTokens > p.MaxTokens) {
		return fmt.Errorf("target_tokens (%d) must be within [min_tokens, max_tokens] when auto_size is false", p.TargetTokens)
	}
	switch p.KVQuantization {
	case F16, Q8, Q4:
	default:
		return fmt.Errorf("unknown kv_quantization %q", p.KVQuantization)
	}
	if p.SafetyBufferBytes < 0 {
		return fmt.Errorf("safety_buffer_bytes must be >= 0, got %d", p.SafetyBufferBytes)
	}
	return nil
}

// DefaultPoolConfig is used when no config file is supplied.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinTokens:         2048,
		MaxTokens:         65536,
		TargetTokens:      8192,
		AutoSize:          true,
		KVQuantization:    Q8,
		SafetyBufferBytes: 512 * 1024 * 1024,
	}
}

// ModelProfile carries the parameters C3 needs that are not derivable
// from VramProbe alone: a model's size and its default quantization. It
// also carries TokenMultiplier, the per-model multiplier spec section
// 4.1 allows the fallback token estimator to apply.
type ModelProfile struct {
	Name             string       `yaml:"name"`
	ParamsBillion    float64      `yaml:"params_billion"`
	DefaultKVQuant   Quantization `yaml:"default_kv_quantization"`
	TokenMultiplier  float64      `yaml:"token_multiplier"`
}

// DefaultModelProfiles is a small built-in table covering common locally
// hosted model sizes, used when no profiles file is configured.
func DefaultModelProfiles() map[string]ModelProfile {
	return map[string]ModelProfile{
		"llama3.1:8b": {Name: "llama3.1:8b", ParamsBillion: 8, DefaultKVQuant: Q8, TokenMultiplier: 1.0},
		"llama3.1:70b": {Name: "llama3.1:70b", ParamsBillion: 70, DefaultKVQuant: Q4, TokenMultiplier: 1.0},
		"mistral:7b": {Name: "mistral:7b", ParamsBillion: 7, DefaultKVQuant: Q8, TokenMultiplier: 1.0},
		"qwen2.5:32b": {Name: "qwen2.5:32b", ParamsBillion: 32, DefaultKVQuant: Q4, TokenMultiplier: 1.0},
	}
}

// Config is the live, process-wide configuration.
type Config struct {
	SchemaVersion string
	Pool          PoolConfig
	ModelProfiles map[string]ModelProfile
	ActiveModel   string
}

var (
	mu      sync.RWMutex
	current = &Config{
		SchemaVersion: SchemaVersion,
		Pool:          DefaultPoolConfig(),
		ModelProfiles: DefaultModelProfiles(),
		ActiveModel:   "llama3.1:8b",
	}
)

// GetConfig returns a value copy of the live config. The ModelProfiles
// map is shared-but-never-mutated-in-place by convention:
// LoadModelProfiles and Reset always install a fresh map.
func GetConfig() Config {
	mu.RLock()
	defer mu.RUnlock()
	return *current
}

// UpdatePoolConfig validates p and, if valid, installs it as the live
// pool config. Returns the validation error otherwise, leaving the live
// config untouched.
func UpdatePoolConfig(p PoolConfig) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid pool config: %w", err)
	}
	mu.Lock()
	defer mu.Unlock()
	next := *current
	next.Pool = p
	current = &next
	return nil
}

// SetActiveModel switches the active model name, used by TokenCounter to
// decide when to invalidate its cache.
func SetActiveModel(name string) {
	mu.Lock()
	defer mu.Unlock()
	next := *current
	next.ActiveModel = name
	current = &next
}

// LoadModelProfiles reads a YAML file of the form
//
//	schema_version: "1"
//	profiles:
//	  - name: llama3.1:8b
//	    params_billion: 8
//	    default_kv_quantization: Q8
//	    token_multiplier: 1.0
//
// and installs the profiles as the live table, keyed by name. The
// current schema version must match exactly; forward-compatible readers
// are a non-goal.
func LoadModelProfiles(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read model profiles %s: %w", path, err)
	}
	var doc struct {
		SchemaVersion string         `yaml:"schema_version"`
		Profiles      []ModelProfile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse model profiles %s: %w", path, err)
	}
	if doc.SchemaVersion != SchemaVersion {
		return fmt.Errorf("model profiles %s: unsupported schema_version %q", path, doc.SchemaVersion)
	}
	profiles := make(map[string]ModelProfile, len(doc.Profiles))
	for _, p := range doc.Profiles {
		if p.Name == "" {
			return fmt.Errorf("model profiles %s: profile with empty name", path)
		}
		profiles[p.Name] = p
	}
	mu.Lock()
	defer mu.Unlock()
	next := *current
	next.ModelProfiles = profiles
	current = &next
	return nil
}

// Reset restores built-in defaults. Test-only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	current = &Config{
		SchemaVersion: SchemaVersion,
		Pool:          DefaultPoolConfig(),
		ModelProfiles: DefaultModelProfiles(),
		ActiveModel:   "llama3.1:8b",
	}
}
