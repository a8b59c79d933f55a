package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.Equal(t, "m5.large", cfg.InstanceType)
	require.Equal(t, BackendFile, cfg.RegistryBackend)
	require.Equal(t, 600, cfg.CooldownSeconds)
	require.Equal(t, 0.01, cfg.PriceSpikeThreshold)
	require.Equal(t, 0.25, cfg.WorkloadThresholds["medium"])
	require.Equal(t, 0.12, cfg.WorkloadThresholds["long"])
	require.Equal(t, 0.40, cfg.WorkloadThresholds["stateful"])
	require.Equal(t, 8080, cfg.HealthPort)
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	data, err := json.Marshal(map[string]interface{}{
		"checkpoint_bucket": "my-bucket",
		"source_region":     "us-east-1",
		"target_region":     "us-west-2",
		"instance_type":     "c5.xlarge",
		"cooldown_seconds":  120,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, "my-bucket", cfg.CheckpointBucket)
	require.Equal(t, "c5.xlarge", cfg.InstanceType)
	require.Equal(t, 120, cfg.CooldownSeconds)
	// Unset fields still fall back to DefaultConfig values.
	require.Equal(t, 0.01, cfg.PriceSpikeThreshold)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	data, err := json.Marshal(map[string]interface{}{
		"checkpoint_bucket": "file-bucket",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	t.Setenv("SPOTMIGRATE_CHECKPOINT_BUCKET", "env-bucket")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "env-bucket", cfg.CheckpointBucket)
}

func TestLoadConfig_AutoProvisionAcceptsYes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	data, err := json.Marshal(map[string]interface{}{
		"checkpoint_bucket": "my-bucket",
		"auto_provision":    "yes",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.True(t, cfg.AutoProvision)
}

func TestLoadConfig_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().InstanceType, cfg.InstanceType)
}

func TestValidate_RequiresCheckpointBucket(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate(false)
	require.Error(t, err)
	var missing *ErrConfigMissing
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "checkpoint_bucket", missing.Field)
}

func TestValidate_MultiJobRequiresRemoteBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckpointBucket = "my-bucket"

	require.NoError(t, cfg.Validate(false))

	err := cfg.Validate(true)
	require.Error(t, err)

	cfg.RegistryBackend = BackendRemote
	require.NoError(t, cfg.Validate(true))
}

func TestSave_RoundTrips(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckpointBucket = "my-bucket"
	cfg.SourceRegion = "us-east-1"

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, cfg.Save(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "my-bucket", loaded.CheckpointBucket)
	require.Equal(t, "us-east-1", loaded.SourceRegion)
}

func TestRedact_HidesKeyMaterialReferences(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckpointBucket = "my-bucket"
	cfg.SSHPrivateKeyPath = "/home/op/.ssh/id_rsa"

	redacted := cfg.Redact()
	require.Equal(t, "my-bucket", redacted["checkpoint_bucket"])
	require.Contains(t, redacted, "ssh_private_key_path")
	require.Contains(t, redacted, "registry_addr")
}
