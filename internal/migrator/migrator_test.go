package migrator

import (
	"context"
	"errors"
	"testing"

	"github.com/artemis/spotmigrate/internal/adapter"
	"github.com/artemis/spotmigrate/internal/observability"
	"github.com/artemis/spotmigrate/internal/registry"
	"github.com/stretchr/testify/require"
)

func newTestMigrator(t *testing.T) (*Migrator, *registry.FileRegistry, *adapter.FakeCommander, *adapter.FakeCheckpointer, *adapter.FakeObjectStore, *adapter.FakeProvisioner) {
	t.Helper()
	reg, err := registry.NewFileRegistry(t.TempDir() + "/jobs.json")
	require.NoError(t, err)

	cmd := adapter.NewFakeCommander()
	cp := adapter.NewFakeCheckpointer()
	store := adapter.NewFakeObjectStore()
	prov := adapter.NewFakeProvisioner(adapter.ProvisionedHost{InstanceID: "i-1", PublicIP: "10.0.1.5"}, nil)

	m := New(Config{
		Registry:      reg,
		Checkpointer:  cp,
		Store:         store,
		Provisioner:   prov,
		Commander:     cmd,
		Metrics:       observability.NewMetrics(),
		Logger:        mustLogger(t),
		AutoProvision: true,
		WorkspaceRoot: t.TempDir(),
	})
	// Tests exercise retry-exhaustion paths; drop the real delays spec.md's
	// policy calls for so the suite stays fast.
	m.policies = policies{
		checkpoint: stepPolicy{attempts: 3},
		upload:     stepPolicy{attempts: 3},
		validate:   stepPolicy{attempts: 2},
		download:   stepPolicy{attempts: 3},
		restore:    stepPolicy{attempts: 3},
	}
	return m, reg, cmd, cp, store, prov
}

func mustLogger(t *testing.T) *observability.Logger {
	t.Helper()
	l, err := observability.NewLogger("error")
	require.NoError(t, err)
	return l
}

func TestMigrator_MigrateHappyPath(t *testing.T) {
	ctx := context.Background()
	m, reg, _, cp, store, prov := newTestMigrator(t)

	_, err := reg.Create(ctx, "job-1", registry.Attrs{Region: "us-east-1", PublicIP: "10.0.0.1", PID: 100, WorkloadType: "long"})
	require.NoError(t, err)

	final, err := m.Migrate(ctx, Request{JobID: "job-1", TargetRegion: "us-west-2"})
	require.NoError(t, err)

	require.Equal(t, registry.StateRunning, final.State)
	require.Equal(t, "us-west-2", final.Region)
	require.Equal(t, "10.0.1.5", final.PublicIP)
	require.Equal(t, 100, final.PID, "pid must not be updated after restore")

	require.Len(t, cp.Dumps, 1)
	require.Len(t, cp.Restores, 1)
	require.Len(t, store.Uploaded, 1)
	require.Len(t, store.Downloaded, 1)
	require.Len(t, prov.Reqs, 1)
	require.Equal(t, "us-west-2", prov.Reqs[0].Region)
}

func TestMigrator_MigrateUsesExplicitTargetIP(t *testing.T) {
	ctx := context.Background()
	m, reg, _, _, _, prov := newTestMigrator(t)

	_, err := reg.Create(ctx, "job-1", registry.Attrs{Region: "us-east-1", PublicIP: "10.0.0.1", PID: 100})
	require.NoError(t, err)

	final, err := m.Migrate(ctx, Request{JobID: "job-1", TargetRegion: "us-west-2", TargetIP: "10.9.9.9"})
	require.NoError(t, err)
	require.Equal(t, "10.9.9.9", final.PublicIP)
	require.Empty(t, prov.Reqs, "provisioner must not be called when target_ip is supplied")
}

func TestMigrator_CheckpointFailureLeavesJobInCheckpointingState(t *testing.T) {
	ctx := context.Background()
	m, reg, _, cp, _, _ := newTestMigrator(t)
	cp.DumpErr = errors.New("criu dump failed")

	_, err := reg.Create(ctx, "job-1", registry.Attrs{Region: "us-east-1", PublicIP: "10.0.0.1", PID: 100})
	require.NoError(t, err)

	_, err = m.Migrate(ctx, Request{JobID: "job-1", TargetRegion: "us-west-2"})
	require.Error(t, err)

	rec, err := reg.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, registry.StateCheckpointing, rec.State)
}

func TestMigrator_NoProvisioningPathFailsCleanly(t *testing.T) {
	ctx := context.Background()
	m, reg, _, _, _, _ := newTestMigrator(t)
	m.cfg.AutoProvision = false

	_, err := reg.Create(ctx, "job-1", registry.Attrs{Region: "us-east-1", PublicIP: "10.0.0.1", PID: 100})
	require.NoError(t, err)

	_, err = m.Migrate(ctx, Request{JobID: "job-1", TargetRegion: "us-west-2"})
	require.ErrorIs(t, err, ErrNoTargetAddress)

	rec, err := reg.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, registry.StateProvisioning, rec.State)
}

func TestMigrator_ValidatingFailureWrapsErrCheckpointInvalid(t *testing.T) {
	ctx := context.Background()
	m, reg, _, cp, _, _ := newTestMigrator(t)
	cp.HealthErr = errors.New("checkpointer not installed")

	_, err := reg.Create(ctx, "job-1", registry.Attrs{Region: "us-east-1", PublicIP: "10.0.0.1", PID: 100})
	require.NoError(t, err)

	_, err = m.Migrate(ctx, Request{JobID: "job-1", TargetRegion: "us-west-2"})
	require.ErrorIs(t, err, ErrCheckpointInvalid)

	rec, err := reg.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, registry.StateValidating, rec.State)
	require.Equal(t, "us-east-1", rec.Region, "region/public_ip must not be written before the final RUNNING transition")
	require.Equal(t, "10.0.0.1", rec.PublicIP, "public_ip must not be written before the final RUNNING transition")
}

func TestMigrator_DryRunPerformsNoSideEffects(t *testing.T) {
	ctx := context.Background()
	m, reg, cmd, cp, store, prov := newTestMigrator(t)

	_, err := reg.Create(ctx, "job-1", registry.Attrs{Region: "us-east-1", PublicIP: "10.0.0.1", PID: 100})
	require.NoError(t, err)

	result, err := m.DryRun(ctx, Request{JobID: "job-1", TargetRegion: "us-west-2"})
	require.NoError(t, err)
	require.Len(t, result.Steps, 7)

	rec, err := reg.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, registry.StateRunning, rec.State)
	require.Empty(t, cmd.Calls)
	require.Empty(t, cp.Dumps)
	require.Empty(t, store.Uploaded)
	require.Empty(t, prov.Reqs)
}

func TestMigrator_PreflightFlagsMissingProvisioningPath(t *testing.T) {
	ctx := context.Background()
	m, reg, _, _, _, _ := newTestMigrator(t)
	m.cfg.AutoProvision = false

	_, err := reg.Create(ctx, "job-1", registry.Attrs{Region: "us-east-1", PublicIP: "10.0.0.1", PID: 100})
	require.NoError(t, err)

	result, err := m.Preflight(ctx, Request{JobID: "job-1", TargetRegion: "us-west-2"})
	require.NoError(t, err)
	require.False(t, result.CanProceed)
}
