// Package config loads CTM's runtime configuration (root, profile, limits,
// weights, TTLs) from defaults, the on-disk root/config file, and
// environment variables, in that increasing order of precedence. Layering
// is driven by spf13/viper (SetDefault/AutomaticEnv/ReadConfig), matching
// the teacher's own viper-backed bootstrap in cmd/cobra_cli.go
// (viper.SetConfigName/AddConfigPath/ReadInConfig); the functional-options +
// provenance-tracking shape around it follows the teacher's internal/config
// package.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault ValueSource = "default"
	SourceFile    ValueSource = "file"
	SourceEnv     ValueSource = "environment"
)

// SchedulerWeights are the §4.5 scoring weights. They sum to 1.0 by
// convention but this is not enforced — an operator who wants to
// experiment with the balance may deviate.
type SchedulerWeights struct {
	Urgency     float64 `yaml:"urgency"`
	Recency     float64 `yaml:"recency"`
	Value       float64 `yaml:"value"`
	Novelty     float64 `yaml:"novelty"`
	UserSignal  float64 `yaml:"user_signal"`
	ErrorBoost  float64 `yaml:"error_boost"`
}

func DefaultWeights() SchedulerWeights {
	return SchedulerWeights{
		Urgency:    0.25,
		Recency:    0.20,
		Value:      0.20,
		Novelty:    0.15,
		UserSignal: 0.15,
		ErrorBoost: 0.05,
	}
}

// Config is CTM's full runtime configuration (§6.3 root/config, §6.4 env
// vars, §4.4/§4.5/§4.8 limits).
type Config struct {
	Root string `yaml:"root"`

	// Profile is one of conservative|balanced|performance (§6.4).
	Profile string `yaml:"profile"`

	WorkingMemoryMaxHot int     `yaml:"working_memory_max_hot"`
	WorkingMemoryBudget float64 `yaml:"working_memory_budget"`

	Weights SchedulerWeights `yaml:"weights"`

	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	RetryBaseBackoff time.Duration `yaml:"retry_base_backoff"`

	CheckpointLeaseTTL time.Duration `yaml:"checkpoint_lease_ttl"`
	SoftTimeout        time.Duration `yaml:"soft_timeout"`
	SessionWindow      time.Duration `yaml:"session_window"`

	AutoResume bool `yaml:"auto_resume"`

	TopKBrief int `yaml:"top_k_brief"`

	CompressionThresholdTokens float64 `yaml:"compression_threshold_tokens"`
	PromptActingThreshold      float64 `yaml:"prompt_acting_threshold"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
}

// Meta tracks, per field name, which source won.
type Meta struct {
	sources map[string]ValueSource
}

func newMeta() *Meta { return &Meta{sources: map[string]ValueSource{}} }

func (m *Meta) set(field string, s ValueSource) { m.sources[field] = s }

// Source reports where a field's final value came from.
func (m *Meta) Source(field string) ValueSource {
	if m == nil {
		return SourceDefault
	}
	if s, ok := m.sources[field]; ok {
		return s
	}
	return SourceDefault
}

// EnvLookup abstracts os.LookupEnv for testability.
type EnvLookup func(key string) (string, bool)

type loadOptions struct {
	envLookup EnvLookup
	readFile  func(string) ([]byte, error)
}

// Option customises Load.
type Option func(*loadOptions)

// WithEnv supplies a custom environment lookup implementation.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// WithFileReader injects a custom file reader, used primarily for tests.
func WithFileReader(reader func(string) ([]byte, error)) Option {
	return func(o *loadOptions) { o.readFile = reader }
}

func defaultEnvLookup(key string) (string, bool) { return os.LookupEnv(key) }

func defaultConfig() Config {
	return Config{
		Root:                 defaultRoot(),
		Profile:              "balanced",
		WorkingMemoryMaxHot:  5,
		WorkingMemoryBudget:  8000,
		Weights:              DefaultWeights(),
		RetryMaxAttempts:     3,
		RetryBaseBackoff:     100 * time.Millisecond,
		CheckpointLeaseTTL:   5 * time.Minute,
		SoftTimeout:          5 * time.Second,
		SessionWindow:        1 * time.Hour,
		AutoResume:           true,
		TopKBrief:            5,
		CompressionThresholdTokens: 6000,
		PromptActingThreshold:      0.6,
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

func defaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ctm"
	}
	return filepath.Join(home, ".ctm")
}

// applyProfile applies the §6.4 CTM_PROFILE capacity/budget table. It always
// overwrites WorkingMemoryMaxHot and WorkingMemoryBudget (unknown profiles get
// the balanced values), so file or env values for those two keys have no effect.
func applyProfile(cfg *Config, profile string) {
	switch profile {
	case "conservative":
		cfg.WorkingMemoryMaxHot = 3
		cfg.WorkingMemoryBudget = 5000
	case "performance":
		cfg.WorkingMemoryMaxHot = 8
		cfg.WorkingMemoryBudget = 12000
	default:
		cfg.WorkingMemoryMaxHot = 5
		cfg.WorkingMemoryBudget = 8000
	}
}

// configFields lists every key Load tracks provenance for, matching the
// Config struct's yaml tags one-for-one (nested Weights fields excluded:
// provenance is tracked for the "weights" block as a whole).
var configFields = []string{
	"root", "profile", "working_memory_max_hot", "working_memory_budget", "weights",
	"retry_max_attempts", "retry_base_backoff", "checkpoint_lease_ttl", "soft_timeout",
	"session_window", "auto_resume", "top_k_brief", "compression_threshold_tokens",
	"prompt_acting_threshold", "otlp_endpoint", "log_level", "log_format",
}

// setDefaults registers cfg's zero-override values as viper's bottom layer
// (spf13/viper's SetDefault), so Load's precedence is genuinely
// defaults < file < env rather than hand-rolled struct overwrites.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("root", cfg.Root)
	v.SetDefault("profile", cfg.Profile)
	v.SetDefault("working_memory_max_hot", cfg.WorkingMemoryMaxHot)
	v.SetDefault("working_memory_budget", cfg.WorkingMemoryBudget)
	v.SetDefault("weights", cfg.Weights)
	v.SetDefault("retry_max_attempts", cfg.RetryMaxAttempts)
	v.SetDefault("retry_base_backoff", cfg.RetryBaseBackoff)
	v.SetDefault("checkpoint_lease_ttl", cfg.CheckpointLeaseTTL)
	v.SetDefault("soft_timeout", cfg.SoftTimeout)
	v.SetDefault("session_window", cfg.SessionWindow)
	v.SetDefault("auto_resume", cfg.AutoResume)
	v.SetDefault("top_k_brief", cfg.TopKBrief)
	v.SetDefault("compression_threshold_tokens", cfg.CompressionThresholdTokens)
	v.SetDefault("prompt_acting_threshold", cfg.PromptActingThreshold)
	v.SetDefault("otlp_endpoint", cfg.OTLPEndpoint)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
}

// recordProvenance fills meta in after the fact: viper's Get/Unmarshal
// resolve defaults/file/env transparently but don't expose which layer won
// per key, so this re-derives it the same way viper itself would choose —
// env (checked via the injectable envLookup, so WithEnv fixtures still
// drive it in tests) beats file (v.InConfig, true only for keys actually
// present in the parsed config file) beats default (Meta's zero value).
func recordProvenance(meta *Meta, o loadOptions, v *viper.Viper) {
	for _, key := range configFields {
		envVar := "CTM_" + strings.ToUpper(key)
		if _, ok := o.envLookup(envVar); ok {
			meta.set(key, SourceEnv)
			continue
		}
		if v.InConfig(key) {
			meta.set(key, SourceFile)
		}
	}
}

// Load merges defaults, the root/config YAML file (if present), and
// environment variables (§6.4: CTM_ROOT, CTM_PROFILE, CTM_AUTO_RESUME, and
// more generally any CTM_<KEY> matching a Config field) into a Config,
// tracking provenance in Meta. The working-memory limits are the exception:
// they always come from the CTM_PROFILE table (see applyProfile).
func Load(opts ...Option) (Config, *Meta, error) {
	o := loadOptions{envLookup: defaultEnvLookup, readFile: os.ReadFile}
	for _, opt := range opts {
		opt(&o)
	}

	meta := newMeta()
	defaults := defaultConfig()

	root := defaults.Root
	if val, ok := o.envLookup("CTM_ROOT"); ok {
		root = val
	}

	v := viper.New()
	v.SetEnvPrefix("ctm")
	v.AutomaticEnv()
	setDefaults(v, defaults)
	v.SetDefault("root", root)

	// root/config is read after CTM_ROOT is resolved, so the env var can
	// redirect where the file itself is looked up.
	fileData, err := o.readFile(filepath.Join(root, "config"))
	if err == nil {
		v.SetConfigType("yaml")
		if rerr := v.ReadConfig(bytes.NewReader(fileData)); rerr != nil {
			return defaults, meta, fmt.Errorf("parse config file: %w", rerr)
		}
	} else if !os.IsNotExist(err) {
		return defaults, meta, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if derr := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" }); derr != nil {
		return defaults, meta, fmt.Errorf("decode config: %w", derr)
	}
	cfg.Root = root
	applyProfile(&cfg, cfg.Profile)

	recordProvenance(meta, o, v)

	return cfg, meta, nil
}

// Save writes cfg to root/config as YAML, via temp-file+rename for the same
// atomicity guarantee the State Store gives task records (§4.1).
func Save(cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(cfg.Root, "config")
	tmp := path + ".tmp"
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return fmt.Errorf("create root: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
