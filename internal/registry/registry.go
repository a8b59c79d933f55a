// Package registry implements the authoritative per-job record store
// described in spec.md §4.1: create/get/update/list-by-state over a job
// record carrying state, placement and an optimistic-concurrency version.
package registry

import (
	"context"
	"errors"
	"time"
)

// State is one of the lifecycle states a job record can occupy.
type State string

const (
	StateRunning       State = "RUNNING"
	StateCheckpointing State = "CHECKPOINTING"
	StateUploading     State = "UPLOADING"
	StateProvisioning  State = "PROVISIONING"
	StateValidating    State = "VALIDATING"
	StateDownloading   State = "DOWNLOADING"
	StateRestoring     State = "RESTORING"
)

// ErrNotFound is returned when a job_id has no record.
var ErrNotFound = errors.New("registry: job not found")

// ErrAlreadyExists is returned by Create when a record already exists.
var ErrAlreadyExists = errors.New("registry: job already exists")

// ErrConcurrencyConflict is returned by a conditional Update whose
// expected_version no longer matches the stored version.
var ErrConcurrencyConflict = errors.New("registry: concurrency conflict")

// Record is the persistent per-job record (spec.md §3).
type Record struct {
	JobID        string         `json:"job_id"`
	State        State          `json:"state"`
	Region       string         `json:"region"`
	PublicIP     string         `json:"public_ip"`
	PID          int            `json:"pid"`
	WorkloadType string         `json:"workload_type"`
	Version      int64          `json:"version"`
	LastUpdated  time.Time      `json:"last_updated"`
	Attrs        map[string]any `json:"attrs,omitempty"`
}

// Attrs carries create/update fields that merge into a Record. Zero-value
// fields (empty string, zero pid) are treated as "not supplied" and leave
// the stored value unchanged, so a field cannot be cleared through Attrs.
type Attrs struct {
	Region       string
	PublicIP     string
	PID          int
	WorkloadType string
	Extra        map[string]any
}

// Registry is the contract both backends satisfy (spec.md §4.1).
type Registry interface {
	// Get returns the record for job_id, or ErrNotFound.
	Get(ctx context.Context, jobID string) (*Record, error)

	// Create inserts a new record at version 0, or ErrAlreadyExists.
	Create(ctx context.Context, jobID string, attrs Attrs) (*Record, error)

	// Update sets state, merges attrs, bumps version and last_updated.
	// When expectedVersion is non-nil the write is conditional: a mismatch
	// returns ErrConcurrencyConflict. When nil, the backend reads the
	// current version and retries the write under its own concurrency
	// control (in-process mutex for the file backend, a compare-and-swap
	// loop for the remote backend).
	Update(ctx context.Context, jobID string, state State, expectedVersion *int64, attrs Attrs) (*Record, error)

	// ListByState returns every record currently in the given state.
	ListByState(ctx context.Context, state State) ([]*Record, error)

	// Ping verifies the backend is reachable, for health checks.
	Ping(ctx context.Context) error
}

func mergeAttrs(r *Record, attrs Attrs) {
	if attrs.Region != "" {
		r.Region = attrs.Region
	}
	if attrs.PublicIP != "" {
		r.PublicIP = attrs.PublicIP
	}
	if attrs.PID != 0 {
		r.PID = attrs.PID
	}
	if attrs.WorkloadType != "" {
		r.WorkloadType = attrs.WorkloadType
	}
	if len(attrs.Extra) > 0 {
		if r.Attrs == nil {
			r.Attrs = make(map[string]any, len(attrs.Extra))
		}
		for k, v := range attrs.Extra {
			r.Attrs[k] = v
		}
	}
}

func copyRecord(r *Record) *Record {
	cp := *r
	if r.Attrs != nil {
		cp.Attrs = make(map[string]any, len(r.Attrs))
		for k, v := range r.Attrs {
			cp.Attrs[k] = v
		}
	}
	return &cp
}
