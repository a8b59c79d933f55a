// Package migrator drives a single job through the seven-state migration
// machine described in spec.md §4.4: checkpoint on the source host, stage
// the artifact through the object store, fence the source process,
// provision or reuse a target host, validate it, download the artifact, and
// restore.
package migrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/artemis/spotmigrate/internal/adapter"
	"github.com/artemis/spotmigrate/internal/observability"
	"github.com/artemis/spotmigrate/internal/registry"
	"go.uber.org/zap"
)

// ErrCheckpointInvalid is returned when VALIDATING finds the target host's
// checkpointer missing or unhealthy after retries are exhausted.
var ErrCheckpointInvalid = errors.New("migrator: target checkpointer is not installed or unhealthy")

// ErrNoTargetAddress is returned when PROVISIONING has no target_ip, no
// autoprovision, and no operator-supplied address.
var ErrNoTargetAddress = errors.New("migrator: no target address available")

// Request parameterizes a single migration invocation.
type Request struct {
	JobID        string
	TargetRegion string
	// TargetIP, if non-empty, is used directly (spec.md §4.4 step 4 first
	// branch) instead of auto-provisioning or prompting.
	TargetIP string
	// OperatorAddress is consulted when TargetIP is empty and auto-provision
	// is disabled — the "prompt the operator (out-of-band)" branch. nil means
	// no operator channel is configured.
	OperatorAddress func(ctx context.Context, region string) (string, error)
}

// Config bundles the Migrator's static dependencies and policy knobs.
type Config struct {
	Registry      registry.Registry
	Checkpointer  adapter.Checkpointer
	Store         adapter.ObjectStore
	Provisioner   adapter.Provisioner
	Commander     adapter.RemoteCommander
	Metrics       *observability.Metrics
	Logger        *observability.Logger
	AutoProvision bool
	Provision     adapter.ProvisionRequest // InstanceType/AMIID/SecurityGroupID/SSHKeyName template; Region is filled per-request
	// WorkspaceRoot is a path assumed reachable by source host, target host,
	// and the controller alike (an NFS/EBS-style shared staging volume) —
	// spec.md leaves the staging transport unspecified beyond "object store,"
	// and a shared workspace keeps the adapter.ObjectStore contract a plain
	// local-path upload/download exactly as spec.md describes it.
	WorkspaceRoot   string
	ObjectKeyPrefix string
	// testPolicies overrides the default per-step retry (attempts, delay)
	// policy; production callers leave it unset. Unexported since it is a
	// test-only seam, not part of the public configuration surface.
	testPolicies policies
}

// Migrator executes spec.md §4.4's state machine for one job at a time.
type Migrator struct {
	cfg      Config
	policies policies
}

// New builds a Migrator over cfg.
func New(cfg Config) *Migrator {
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = "/var/spotmigrate/workspace"
	}
	if cfg.ObjectKeyPrefix == "" {
		cfg.ObjectKeyPrefix = "spotmigrate"
	}
	return &Migrator{cfg: cfg, policies: resolvePolicies(cfg.testPolicies)}
}

func (m *Migrator) workspace(jobID string) string {
	return filepath.Join(m.cfg.WorkspaceRoot, jobID)
}

func (m *Migrator) objectKey(jobID string) string {
	return fmt.Sprintf("%s/%s.tar.gz", m.cfg.ObjectKeyPrefix, jobID)
}

// Migrate runs the full state machine for req.JobID, returning the final
// registry record on success. Every transition persists the new state
// before its side effect begins (spec.md §4.4); a failed step leaves the
// job in that step's state and returns the wrapped error.
func (m *Migrator) Migrate(ctx context.Context, req Request) (*registry.Record, error) {
	rec, err := m.cfg.Registry.Get(ctx, req.JobID)
	if err != nil {
		return nil, fmt.Errorf("migrator: failed to load job %s: %w", req.JobID, err)
	}

	logger := m.cfg.Logger
	start := time.Now()

	rec, err = m.transition(ctx, rec, registry.StateCheckpointing, registry.Attrs{})
	if err != nil {
		return nil, err
	}
	ws := m.workspace(req.JobID)
	if err := withRetry(ctx, m.cfg.Metrics, "checkpointing", m.policies.checkpoint, func() error {
		return m.cfg.Checkpointer.Dump(ctx, rec.PublicIP, rec.PID, ws)
	}); err != nil {
		m.recordFailure(rec, err, start)
		return nil, fmt.Errorf("migrator: job %s checkpoint failed: %w", req.JobID, err)
	}

	rec, err = m.transition(ctx, rec, registry.StateUploading, registry.Attrs{})
	if err != nil {
		return nil, err
	}
	key := m.objectKey(req.JobID)
	if err := withRetry(ctx, m.cfg.Metrics, "uploading", m.policies.upload, func() error {
		return m.cfg.Store.Upload(ctx, key, ws)
	}); err != nil {
		m.recordFailure(rec, err, start)
		return nil, fmt.Errorf("migrator: job %s upload failed: %w", req.JobID, err)
	}

	// Source fencing: unconditional, not retried (spec.md §4.4 step 3).
	if _, err := m.cfg.Commander.Run(ctx, rec.PublicIP, fmt.Sprintf("kill -9 %d", rec.PID)); err != nil {
		logger.Error("source fencing command failed; proceeding since checkpoint is already durable",
			zap.String("job_id", req.JobID), zap.Error(err))
	}

	rec, err = m.transition(ctx, rec, registry.StateProvisioning, registry.Attrs{})
	if err != nil {
		return nil, err
	}
	targetIP, err := m.provision(ctx, req)
	if err != nil {
		m.recordFailure(rec, err, start)
		return nil, fmt.Errorf("migrator: job %s provisioning failed: %w", req.JobID, err)
	}

	rec, err = m.transition(ctx, rec, registry.StateValidating, registry.Attrs{})
	if err != nil {
		return nil, err
	}
	if err := withRetry(ctx, m.cfg.Metrics, "validating", m.policies.validate, func() error {
		return m.cfg.Checkpointer.HealthCheck(ctx, targetIP)
	}); err != nil {
		m.recordFailure(rec, err, start)
		return nil, fmt.Errorf("%w: job %s: %v", ErrCheckpointInvalid, req.JobID, err)
	}

	rec, err = m.transition(ctx, rec, registry.StateDownloading, registry.Attrs{})
	if err != nil {
		return nil, err
	}
	if err := withRetry(ctx, m.cfg.Metrics, "downloading", m.policies.download, func() error {
		return m.cfg.Store.Download(ctx, key, ws)
	}); err != nil {
		m.recordFailure(rec, err, start)
		return nil, fmt.Errorf("migrator: job %s download failed: %w", req.JobID, err)
	}

	rec, err = m.transition(ctx, rec, registry.StateRestoring, registry.Attrs{})
	if err != nil {
		return nil, err
	}
	if err := withRetry(ctx, m.cfg.Metrics, "restoring", m.policies.restore, func() error {
		return m.cfg.Checkpointer.Restore(ctx, targetIP, ws)
	}); err != nil {
		m.recordFailure(rec, err, start)
		return nil, fmt.Errorf("migrator: job %s restore failed: %w", req.JobID, err)
	}

	// Final transition back to RUNNING records the new placement. The pid is
	// intentionally left untouched (spec.md §4.4 step 7 / §9): the restored
	// process keeps its checkpointed pid in its own namespace and the
	// registry never records a new one.
	final, err := m.transition(ctx, rec, registry.StateRunning, registry.Attrs{
		Region:   req.TargetRegion,
		PublicIP: targetIP,
	})
	if err != nil {
		return nil, err
	}

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordMigration("success", "", time.Since(start).Seconds())
	}
	logger.Info("migration completed",
		zap.String("job_id", req.JobID),
		zap.String("target_region", req.TargetRegion),
		zap.String("target_ip", targetIP),
		zap.Duration("duration", time.Since(start)),
	)
	return final, nil
}

// provision resolves the target address per spec.md §4.4 step 4: explicit
// target_ip first, then auto-provisioning, then the operator channel.
func (m *Migrator) provision(ctx context.Context, req Request) (string, error) {
	if req.TargetIP != "" {
		return req.TargetIP, nil
	}

	if m.cfg.AutoProvision {
		provReq := m.cfg.Provision
		provReq.Region = req.TargetRegion
		host, err := m.cfg.Provisioner.Provision(ctx, provReq)
		if err != nil {
			return "", err
		}
		if host.PublicIP == "" {
			return "", adapter.ErrProvisionFailed
		}
		return host.PublicIP, nil
	}

	if req.OperatorAddress != nil {
		ip, err := req.OperatorAddress(ctx, req.TargetRegion)
		if err != nil {
			return "", fmt.Errorf("migrator: operator address prompt failed: %w", err)
		}
		if ip == "" {
			return "", ErrNoTargetAddress
		}
		return ip, nil
	}

	return "", ErrNoTargetAddress
}

// transition persists rec's new state (and any attrs) before the caller
// performs the corresponding side effect, per spec.md §4.4's ordering
// guarantee. The expected version is the job's last-known version so a
// concurrent controller's conflicting update is detected rather than
// silently overwritten.
func (m *Migrator) transition(ctx context.Context, rec *registry.Record, state registry.State, attrs registry.Attrs) (*registry.Record, error) {
	version := rec.Version
	updated, err := m.cfg.Registry.Update(ctx, rec.JobID, state, &version, attrs)
	if err != nil {
		if errors.Is(err, registry.ErrConcurrencyConflict) && m.cfg.Metrics != nil {
			m.cfg.Metrics.RecordRegistryConflict(string(rec.State))
		}
		return nil, fmt.Errorf("migrator: job %s transition to %s failed: %w", rec.JobID, state, err)
	}
	return updated, nil
}

// recordFailure logs and emits the failure metric for an aborted migration
// attempt; the job remains in the registry state of the failed step.
func (m *Migrator) recordFailure(rec *registry.Record, err error, start time.Time) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordMigration("failure", string(rec.State), time.Since(start).Seconds())
	}
	if m.cfg.Logger != nil {
		m.cfg.Logger.Error("migration step failed",
			zap.String("job_id", rec.JobID),
			zap.String("state", string(rec.State)),
			zap.Error(err),
		)
	}
}
