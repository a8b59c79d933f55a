package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/artemis/spotmigrate/internal/observability"
)

// RegistryBackend selects which Registry implementation the controller uses.
type RegistryBackend string

const (
	BackendFile   RegistryBackend = "file"
	BackendRemote RegistryBackend = "remote"
)

// ErrConfigMissing is returned when a required configuration value is absent.
type ErrConfigMissing struct {
	Field string
}

func (e *ErrConfigMissing) Error() string {
	return fmt.Sprintf("config: required value missing: %s", e.Field)
}

// Config holds all application configuration, loaded with precedence
// env > file > default, matching spec.md §6.
type Config struct {
	// CheckpointBucket is the object-store bucket used to stage checkpoint
	// archives; required at migration time.
	CheckpointBucket string `json:"checkpoint_bucket" mapstructure:"checkpoint_bucket"`

	// Region selection
	SourceRegion     string   `json:"source_region" mapstructure:"source_region"`
	TargetRegion     string   `json:"target_region" mapstructure:"target_region"`
	CandidateRegions []string `json:"candidate_regions" mapstructure:"candidate_regions"`

	// Provisioning parameters
	InstanceType           string  `json:"instance_type" mapstructure:"instance_type"`
	TargetAMIID            string  `json:"target_ami_id" mapstructure:"target_ami_id"`
	TargetSecurityGroupID  string  `json:"target_security_group_id" mapstructure:"target_security_group_id"`
	SSHKeyName string `json:"ssh_key_name" mapstructure:"ssh_key_name"`
	// SSHPrivateKeyPath is the local path to the PEM-encoded private key
	// matching SSHKeyName, used to authenticate outbound remote commands.
	SSHPrivateKeyPath      string  `json:"ssh_private_key_path" mapstructure:"ssh_private_key_path"`
	MaxSpotPrice           float64 `json:"max_spot_price" mapstructure:"max_spot_price"`
	AutoProvision          bool    `json:"auto_provision" mapstructure:"auto_provision"`

	// Registry backend selection
	RegistryBackend RegistryBackend `json:"registry_backend" mapstructure:"registry_backend"`
	RegistryTable   string          `json:"registry_table" mapstructure:"registry_table"`
	RegistryAddr    string          `json:"registry_addr" mapstructure:"registry_addr"`

	// Control loop tuning
	PollInterval    time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	CooldownSeconds int           `json:"cooldown_seconds" mapstructure:"cooldown_seconds"`
	PriceCacheTTL   time.Duration `json:"price_cache_ttl" mapstructure:"price_cache_ttl"`

	// Policy
	PriceSpikeThreshold float64            `json:"price_spike_threshold" mapstructure:"price_spike_threshold"`
	WorkloadThresholds  map[string]float64 `json:"workload_thresholds" mapstructure:"workload_thresholds"`

	// Retry/timeout defaults for remote steps
	RemoteTimeout time.Duration `json:"remote_timeout" mapstructure:"remote_timeout"`

	// Logging
	LogLevel string `json:"log_level" mapstructure:"log_level"`

	// HealthPort is the port the health HTTP surface listens on.
	HealthPort int `json:"health_port" mapstructure:"health_port"`

	// DataDir holds the file-registry JSON and any local state.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	mu sync.RWMutex
}

// DefaultConfig returns a configuration with sensible defaults, mirroring
// spec.md §3's Policy defaults.
func DefaultConfig() *Config {
	return &Config{
		InstanceType:        "m5.large",
		RegistryBackend:     BackendFile,
		RegistryTable:       "spotmigrate-jobs",
		PollInterval:        30 * time.Second,
		CooldownSeconds:     600,
		PriceCacheTTL:       60 * time.Second,
		PriceSpikeThreshold: 0.01,
		WorkloadThresholds: map[string]float64{
			"medium":   0.25,
			"long":     0.12,
			"stateful": 0.40,
		},
		RemoteTimeout: 30 * time.Second,
		LogLevel:      "info",
		HealthPort:    8080,
		DataDir:       "",
	}
}

// LoadConfig loads configuration with precedence env > file > default.
// File format is JSON or YAML, detected from extension; env vars use the
// SPOTMIGRATE_ prefix with "_" as the nested-key separator (e.g.
// SPOTMIGRATE_CHECKPOINT_BUCKET, SPOTMIGRATE_AUTO_PROVISION).
func LoadConfig(path string) (*Config, error) {
	defaults := DefaultConfig()

	v := viper.New()
	setDefaults(v, defaults)

	if path == "" {
		if homeDir, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(homeDir, ".spotmigrate", "config.json")
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("spotmigrate")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// auto_provision accepts case-insensitive {1,true,yes} per spec.md §6.
	// viper's bool decoding rejects "yes", so the raw value is normalized to
	// a bool before Unmarshal sees it.
	if raw := v.GetString("auto_provision"); raw != "" {
		v.Set("auto_provision", parseBoolLenient(raw))
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg, defaults)

	return cfg, nil
}

func setDefaults(v *viper.Viper, defaults *Config) {
	v.SetDefault("instance_type", defaults.InstanceType)
	v.SetDefault("registry_backend", string(defaults.RegistryBackend))
	v.SetDefault("registry_table", defaults.RegistryTable)
	v.SetDefault("poll_interval", defaults.PollInterval)
	v.SetDefault("cooldown_seconds", defaults.CooldownSeconds)
	v.SetDefault("price_cache_ttl", defaults.PriceCacheTTL)
	v.SetDefault("price_spike_threshold", defaults.PriceSpikeThreshold)
	v.SetDefault("remote_timeout", defaults.RemoteTimeout)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("health_port", defaults.HealthPort)
}

func parseBoolLenient(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func applyDefaults(cfg, defaults *Config) {
	if cfg.InstanceType == "" {
		cfg.InstanceType = defaults.InstanceType
	}
	if cfg.RegistryBackend == "" {
		cfg.RegistryBackend = defaults.RegistryBackend
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.CooldownSeconds == 0 {
		cfg.CooldownSeconds = defaults.CooldownSeconds
	}
	if cfg.PriceCacheTTL == 0 {
		cfg.PriceCacheTTL = defaults.PriceCacheTTL
	}
	if cfg.PriceSpikeThreshold == 0 {
		cfg.PriceSpikeThreshold = defaults.PriceSpikeThreshold
	}
	if cfg.WorkloadThresholds == nil {
		cfg.WorkloadThresholds = defaults.WorkloadThresholds
	}
	if cfg.RemoteTimeout == 0 {
		cfg.RemoteTimeout = defaults.RemoteTimeout
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.HealthPort == 0 {
		cfg.HealthPort = defaults.HealthPort
	}
}

// Validate checks configuration invariants that must hold before the
// controller starts. A missing checkpoint_bucket yields *ErrConfigMissing;
// multi-job mode without the remote backend yields a plain error.
func (c *Config) Validate(multiJob bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.CheckpointBucket == "" {
		return &ErrConfigMissing{Field: "checkpoint_bucket"}
	}
	if multiJob && c.RegistryBackend != BackendRemote {
		return fmt.Errorf("config: multi-job mode requires registry_backend=remote, got %q", c.RegistryBackend)
	}
	return nil
}

// Save writes the configuration to a JSON file atomically, following the
// teacher's temp-file-then-rename pattern.
func (c *Config) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".spotmigrate", "config.json")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	return nil
}

// Redact returns a redacted copy of the config for logging.
func (c *Config) Redact() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"checkpoint_bucket":     c.CheckpointBucket,
		"source_region":         c.SourceRegion,
		"target_region":         c.TargetRegion,
		"candidate_regions":     c.CandidateRegions,
		"instance_type":         c.InstanceType,
		"ssh_key_name":          observability.RedactString(c.SSHKeyName),
		"ssh_private_key_path":  observability.RedactString(c.SSHPrivateKeyPath),
		"registry_backend":      c.RegistryBackend,
		"registry_addr":         observability.RedactString(c.RegistryAddr),
		"poll_interval":         c.PollInterval,
		"cooldown_seconds":      c.CooldownSeconds,
		"price_cache_ttl":       c.PriceCacheTTL,
		"price_spike_threshold": c.PriceSpikeThreshold,
		"auto_provision":        c.AutoProvision,
		"log_level":             c.LogLevel,
	}
}
