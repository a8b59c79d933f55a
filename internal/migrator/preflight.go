package migrator

import (
	"context"
	"fmt"
	"time"
)

// CheckStatus mirrors the teacher's audit check vocabulary
// (internal/migration/audit.go's CheckStatus), reused here with the same
// passed/warning/failed vocabulary.
type CheckStatus string

const (
	CheckPassed  CheckStatus = "passed"
	CheckWarning CheckStatus = "warning"
	CheckFailed  CheckStatus = "failed"
)

// PreflightCheck is one validation performed before a migration begins.
type PreflightCheck struct {
	Name      string      `json:"name"`
	Status    CheckStatus `json:"status"`
	Message   string      `json:"message"`
	IsBlocker bool        `json:"is_blocker"`
}

// PreflightResult is the adapted Auditor output (teacher:
// internal/migration/audit.go), pulling VALIDATING's checkpointer-presence
// check forward into an optional pre-migration gate instead of only failing
// mid-migration.
type PreflightResult struct {
	Checks     []PreflightCheck `json:"checks"`
	CanProceed bool             `json:"can_proceed"`
}

// Preflight validates that the job exists and, when a target address is
// already known (req.TargetIP set), that its checkpointer is healthy.
func (m *Migrator) Preflight(ctx context.Context, req Request) (*PreflightResult, error) {
	result := &PreflightResult{CanProceed: true}

	rec, err := m.cfg.Registry.Get(ctx, req.JobID)
	if err != nil {
		return nil, fmt.Errorf("migrator: preflight failed to load job %s: %w", req.JobID, err)
	}
	result.Checks = append(result.Checks, PreflightCheck{
		Name: "job_exists", Status: CheckPassed,
		Message: fmt.Sprintf("job %s is in state %s", rec.JobID, rec.State),
	})

	if req.TargetIP != "" {
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := m.cfg.Checkpointer.HealthCheck(checkCtx, req.TargetIP); err != nil {
			result.Checks = append(result.Checks, PreflightCheck{
				Name: "target_checkpointer_healthy", Status: CheckFailed,
				Message: err.Error(), IsBlocker: true,
			})
			result.CanProceed = false
		} else {
			result.Checks = append(result.Checks, PreflightCheck{
				Name: "target_checkpointer_healthy", Status: CheckPassed,
				Message: "checkpointer responded to --version and check",
			})
		}
	} else {
		result.Checks = append(result.Checks, PreflightCheck{
			Name: "target_checkpointer_healthy", Status: CheckWarning,
			Message: "no target_ip supplied yet; checkpointer health will be verified during VALIDATING",
		})
	}

	if req.TargetIP == "" && !m.cfg.AutoProvision && req.OperatorAddress == nil {
		result.Checks = append(result.Checks, PreflightCheck{
			Name: "target_address_resolvable", Status: CheckFailed,
			Message: "no target_ip, auto-provision, or operator channel configured", IsBlocker: true,
		})
		result.CanProceed = false
	}

	return result, nil
}
