package migrator

import (
	"context"
	"time"

	"github.com/artemis/spotmigrate/internal/observability"
	retry "github.com/avast/retry-go"
)

// stepPolicy is the (attempts, delay) retry policy spec.md §4.4 specifies
// per step. attempts counts total tries (not extra retries), matching the
// spec's "retried up to N attempts" phrasing.
type stepPolicy struct {
	attempts uint
	delay    time.Duration
}

// defaultPolicies holds spec.md §4.4's literal (attempts, delay) pairs.
// Config.testPolicies overrides a step's policy when its attempts is
// non-zero, which production code never needs but lets tests drop the real
// delays to keep the suite fast.
var defaultPolicies = policies{
	checkpoint: stepPolicy{attempts: 3, delay: 5 * time.Second},
	upload:     stepPolicy{attempts: 3, delay: 5 * time.Second},
	validate:   stepPolicy{attempts: 2, delay: 3 * time.Second},
	download:   stepPolicy{attempts: 3, delay: 5 * time.Second},
	restore:    stepPolicy{attempts: 3, delay: 5 * time.Second},
}

// policies groups the per-step retry policy for every retryable state.
type policies struct {
	checkpoint, upload, validate, download, restore stepPolicy
}

// resolvePolicies overlays any non-zero fields of override onto defaults.
func resolvePolicies(override policies) policies {
	resolved := defaultPolicies
	if override.checkpoint.attempts > 0 {
		resolved.checkpoint = override.checkpoint
	}
	if override.upload.attempts > 0 {
		resolved.upload = override.upload
	}
	if override.validate.attempts > 0 {
		resolved.validate = override.validate
	}
	if override.download.attempts > 0 {
		resolved.download = override.download
	}
	if override.restore.attempts > 0 {
		resolved.restore = override.restore
	}
	return resolved
}

// withRetry runs fn under policy, recording a retry-attempt metric for every
// attempt beyond the first and the step-duration metric for the whole
// retried operation.
func withRetry(ctx context.Context, metrics *observability.Metrics, step string, policy stepPolicy, fn func() error) error {
	start := time.Now()
	attempt := 0

	err := retry.Do(
		func() error {
			attempt++
			if attempt > 1 && metrics != nil {
				metrics.RecordRetry(step, "attempt")
			}
			return fn()
		},
		retry.Context(ctx),
		retry.Attempts(policy.attempts),
		retry.Delay(policy.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)

	if metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
			metrics.RecordRetry(step, "exhausted")
		}
		metrics.RecordStep(step, outcome, time.Since(start).Seconds())
	}
	return err
}
