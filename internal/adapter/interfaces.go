// Package adapter holds the concrete, I/O-performing implementations of the
// external collaborator interfaces spec.md §6 defines: remote command
// execution, checkpoint tooling, object storage, and VM provisioning. Every
// interface here has an in-memory fake in fakes.go so migrator and
// controlloop tests never touch the network.
package adapter

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared across adapters (spec.md §7).
var (
	ErrRemoteFailure   = errors.New("adapter: remote command failed")
	ErrRemoteTimeout   = errors.New("adapter: remote command timed out")
	ErrProvisionFailed = errors.New("adapter: provisioner returned no address")
	// ErrCheckpointInvalid is returned when a dump leaves a required image
	// file (spec.md §6: core-1.img, inventory.img) missing from the workspace.
	ErrCheckpointInvalid = errors.New("adapter: checkpoint image missing from workspace")
)

// RemoteCommander runs a shell command on a named host and returns its
// combined output. Implementations must honor ctx's deadline and return
// ErrRemoteTimeout when it is exceeded.
type RemoteCommander interface {
	Run(ctx context.Context, host, command string) (output string, err error)
}

// Checkpointer drives the external process-freezer tool over a
// RemoteCommander (spec.md §6's "Checkpoint tool").
type Checkpointer interface {
	// Dump freezes pid on host, writing checkpoint images into workspace.
	Dump(ctx context.Context, host string, pid int, workspace string) error
	// Restore re-executes a previously dumped process from workspace on host.
	Restore(ctx context.Context, host, workspace string) error
	// HealthCheck verifies the tool is installed and reports healthy on host.
	HealthCheck(ctx context.Context, host string) error
}

// ObjectStore stages the workspace archive between source and target hosts
// (spec.md §6's "Object store").
type ObjectStore interface {
	Upload(ctx context.Context, key, localPath string) error
	Download(ctx context.Context, key, localPath string) error
}

// ProvisionRequest carries the launch parameters for a new target host.
type ProvisionRequest struct {
	Region          string
	InstanceType    string
	AMIID           string
	SecurityGroupID string
	SSHKeyName      string
}

// ProvisionedHost is the result of a successful provisioning call.
type ProvisionedHost struct {
	InstanceID string
	PublicIP   string
}

// Provisioner launches a new target host (spec.md §6's "VM provisioner").
type Provisioner interface {
	Provision(ctx context.Context, req ProvisionRequest) (ProvisionedHost, error)
}

// DefaultRemoteTimeout is the bounded timeout spec.md §4.4 documents as the
// default for a single remote command.
const DefaultRemoteTimeout = 30 * time.Second
