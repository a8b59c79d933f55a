package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCRIUCheckpointer_DumpValidatesImagesPresent(t *testing.T) {
	cmd := NewFakeCommander()
	cmd.Response["ls -1 /var/spotmigrate/ws"] = "core-1.img\ninventory.img\npages-1.img\n"
	cp := NewCRIUCheckpointer(cmd, "criu")

	err := cp.Dump(context.Background(), "10.0.0.1", 1234, "/var/spotmigrate/ws")
	require.NoError(t, err)
}

func TestCRIUCheckpointer_DumpFailsWhenImageMissing(t *testing.T) {
	cmd := NewFakeCommander()
	cmd.Response["ls -1 /var/spotmigrate/ws"] = "core-1.img\n"
	cp := NewCRIUCheckpointer(cmd, "criu")

	err := cp.Dump(context.Background(), "10.0.0.1", 1234, "/var/spotmigrate/ws")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrCheckpointInvalid)
	require.Contains(t, err.Error(), "inventory.img")
}

func TestCRIUCheckpointer_DumpPropagatesCommandFailure(t *testing.T) {
	cmd := NewFakeCommander()
	cmd.Fail["criu dump -t 1234 -D /var/spotmigrate/ws --shell-job"] = errors.New("connection refused")
	cp := NewCRIUCheckpointer(cmd, "criu")

	err := cp.Dump(context.Background(), "10.0.0.1", 1234, "/var/spotmigrate/ws")
	require.Error(t, err)
}

func TestCRIUCheckpointer_HealthCheckRunsVersionThenCheck(t *testing.T) {
	cmd := NewFakeCommander()
	cp := NewCRIUCheckpointer(cmd, "criu")

	err := cp.HealthCheck(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1: criu --version", "10.0.0.1: criu check"}, cmd.Calls)
}

func TestCRIUCheckpointer_HealthCheckFailsWhenNotInstalled(t *testing.T) {
	cmd := NewFakeCommander()
	cmd.Fail["criu --version"] = errors.New("command not found")
	cp := NewCRIUCheckpointer(cmd, "criu")

	err := cp.HealthCheck(context.Background(), "10.0.0.1")
	require.Error(t, err)
}

func TestCRIUCheckpointer_Restore(t *testing.T) {
	cmd := NewFakeCommander()
	cp := NewCRIUCheckpointer(cmd, "criu")

	err := cp.Restore(context.Background(), "10.0.0.2", "/var/spotmigrate/ws")
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.2: criu restore -D /var/spotmigrate/ws --shell-job -d"}, cmd.Calls)
}
