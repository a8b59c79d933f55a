package migrator

import (
	"context"
	"fmt"

	"github.com/artemis/spotmigrate/internal/registry"
)

// PlannedStep describes one state-machine transition a real Migrate call
// would perform, without any side effect.
type PlannedStep struct {
	State string `json:"state"`
	Notes string `json:"notes"`
}

// DryRunResult previews what Migrate would do for req, adapted from the
// teacher's DryRunResult (internal/migration/dryrun.go) into spec.md §4.5's
// "log the suggested migration" path with a structured payload instead of a
// bare log line.
type DryRunResult struct {
	JobID    string        `json:"job_id"`
	Steps    []PlannedStep `json:"steps"`
	Warnings []string      `json:"warnings"`
}

// DryRun reports the ordered steps Migrate would take for req against the
// job's current registry record, performing no side effects and no registry
// writes.
func (m *Migrator) DryRun(ctx context.Context, req Request) (*DryRunResult, error) {
	rec, err := m.cfg.Registry.Get(ctx, req.JobID)
	if err != nil {
		return nil, fmt.Errorf("migrator: dry-run failed to load job %s: %w", req.JobID, err)
	}

	result := &DryRunResult{JobID: req.JobID}
	result.Steps = []PlannedStep{
		{State: string(registry.StateCheckpointing), Notes: fmt.Sprintf("dump pid %d on %s", rec.PID, rec.PublicIP)},
		{State: string(registry.StateUploading), Notes: fmt.Sprintf("upload workspace to %s", m.objectKey(req.JobID))},
		{State: "fencing", Notes: fmt.Sprintf("kill -9 %d on %s (unconditional, not retried)", rec.PID, rec.PublicIP)},
		{State: string(registry.StateProvisioning), Notes: m.describeProvisioning(req)},
		{State: string(registry.StateValidating), Notes: "verify checkpointer is installed and healthy on target"},
		{State: string(registry.StateDownloading), Notes: "fetch staged workspace onto target"},
		{State: string(registry.StateRestoring), Notes: "restore checkpoint on target"},
	}

	if req.TargetIP == "" && !m.cfg.AutoProvision && req.OperatorAddress == nil {
		result.Warnings = append(result.Warnings, "no target_ip, auto-provision, or operator channel configured; provisioning would fail")
	}
	if rec.WorkloadType == "short" {
		result.Warnings = append(result.Warnings, "workload_type is \"short\"; the decision engine would never have suggested this migration")
	}

	return result, nil
}

func (m *Migrator) describeProvisioning(req Request) string {
	if req.TargetIP != "" {
		return fmt.Sprintf("use caller-supplied target_ip %s", req.TargetIP)
	}
	if m.cfg.AutoProvision {
		return fmt.Sprintf("auto-provision a %s instance in %s", m.cfg.Provision.InstanceType, req.TargetRegion)
	}
	if req.OperatorAddress != nil {
		return "prompt the operator for a target address"
	}
	return "no provisioning path configured"
}
