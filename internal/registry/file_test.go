package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFileRegistry(t *testing.T) *FileRegistry {
	t.Helper()
	dir := t.TempDir()
	reg, err := NewFileRegistry(filepath.Join(dir, "jobs.json"))
	require.NoError(t, err)
	return reg
}

func TestFileRegistry_CreateGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	reg := newTestFileRegistry(t)

	created, err := reg.Create(ctx, "job-1", Attrs{Region: "us-east-1", PublicIP: "10.0.0.1", PID: 42, WorkloadType: "long"})
	require.NoError(t, err)
	require.Equal(t, int64(0), created.Version)

	got, err := reg.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "us-east-1", got.Region)
	require.Equal(t, "10.0.0.1", got.PublicIP)
	require.Equal(t, 42, got.PID)
	require.Equal(t, "long", got.WorkloadType)
	require.Equal(t, StateRunning, got.State)
}

func TestFileRegistry_CreateDuplicateFails(t *testing.T) {
	ctx := context.Background()
	reg := newTestFileRegistry(t)

	_, err := reg.Create(ctx, "job-1", Attrs{})
	require.NoError(t, err)

	_, err = reg.Create(ctx, "job-1", Attrs{})
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestFileRegistry_GetUnknownFails(t *testing.T) {
	reg := newTestFileRegistry(t)
	_, err := reg.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileRegistry_UpdateVersionMonotonic(t *testing.T) {
	ctx := context.Background()
	reg := newTestFileRegistry(t)

	_, err := reg.Create(ctx, "job-1", Attrs{})
	require.NoError(t, err)

	v0 := int64(0)
	updated, err := reg.Update(ctx, "job-1", StateCheckpointing, &v0, Attrs{})
	require.NoError(t, err)
	require.Equal(t, int64(1), updated.Version)
	require.Equal(t, StateCheckpointing, updated.State)
	firstUpdated := updated.LastUpdated

	v1 := int64(1)
	updated, err = reg.Update(ctx, "job-1", StateUploading, &v1, Attrs{})
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Version)
	require.False(t, updated.LastUpdated.Before(firstUpdated))
}

func TestFileRegistry_UpdateConcurrencyConflict(t *testing.T) {
	ctx := context.Background()
	reg := newTestFileRegistry(t)

	_, err := reg.Create(ctx, "job-1", Attrs{})
	require.NoError(t, err)

	stale := int64(5)
	_, err = reg.Update(ctx, "job-1", StateCheckpointing, &stale, Attrs{})
	require.ErrorIs(t, err, ErrConcurrencyConflict)
}

func TestFileRegistry_UpdateUnknownJobFails(t *testing.T) {
	reg := newTestFileRegistry(t)
	_, err := reg.Update(context.Background(), "nope", StateCheckpointing, nil, Attrs{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileRegistry_ListByState(t *testing.T) {
	ctx := context.Background()
	reg := newTestFileRegistry(t)

	_, err := reg.Create(ctx, "job-1", Attrs{})
	require.NoError(t, err)
	_, err = reg.Create(ctx, "job-2", Attrs{})
	require.NoError(t, err)

	v0 := int64(0)
	_, err = reg.Update(ctx, "job-1", StateCheckpointing, &v0, Attrs{})
	require.NoError(t, err)

	running, err := reg.ListByState(ctx, StateRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, "job-2", running[0].JobID)

	checkpointing, err := reg.ListByState(ctx, StateCheckpointing)
	require.NoError(t, err)
	require.Len(t, checkpointing, 1)
	require.Equal(t, "job-1", checkpointing[0].JobID)
}
