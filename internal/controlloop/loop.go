// Package controlloop implements the periodic evaluator described in
// spec.md §4.5: on each tick it refreshes (or reuses) a price snapshot,
// enumerates the jobs it owns, asks the DecisionEngine for each, and runs
// the Migrator when a MIGRATE decision clears its cooldown and execution is
// enabled.
package controlloop

import (
	"context"
	"fmt"
	"time"

	"github.com/artemis/spotmigrate/internal/decision"
	"github.com/artemis/spotmigrate/internal/migrator"
	"github.com/artemis/spotmigrate/internal/observability"
	"github.com/artemis/spotmigrate/internal/price"
	"github.com/artemis/spotmigrate/internal/registry"
	"go.uber.org/zap"
)

// RequestBuilder customizes the migrator.Request for a job before it is
// executed, e.g. to supply a pre-known target_ip or operator-address
// callback. A nil builder (the common case) migrates with only the job id
// and the decision's target region.
type RequestBuilder func(jobID, targetRegion string) migrator.Request

// Config bundles everything one Loop needs to run spec.md §4.5's tick.
type Config struct {
	Registry     registry.Registry
	PriceWatcher *price.Watcher
	Decision     *decision.Engine
	Migrator     *migrator.Migrator
	Logger       *observability.Logger
	Metrics      *observability.Metrics

	Interval      time.Duration
	CooldownSeconds int
	PriceCacheTTL time.Duration

	// JobID names the single job watched when MultiJob is false; Tick fails
	// if it is empty in that mode. With MultiJob set, jobs are enumerated
	// from States (default {RUNNING}, spec.md §4.5 step 2), which calls for a
	// registry backend that supports cross-controller coordination.
	JobID     string
	MultiJob  bool
	States    []registry.State
	Execute   bool
	BuildRequest RequestBuilder
}

// Loop is the periodic evaluator.
type Loop struct {
	cfg      Config
	prices   *priceCache
	cooldown *cooldownTracker
}

// New builds a Loop over cfg, applying spec.md §4.5's default of
// States = {RUNNING} when none are configured.
func New(cfg Config) *Loop {
	if len(cfg.States) == 0 {
		cfg.States = []registry.State{registry.StateRunning}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.PriceCacheTTL <= 0 {
		cfg.PriceCacheTTL = 60 * time.Second
	}
	return &Loop{
		cfg:      cfg,
		prices:   newPriceCache(cfg.PriceCacheTTL),
		cooldown: newCooldownTracker(),
	}
}

// Run ticks on cfg.Interval until ctx is canceled, calling Tick and logging
// (never propagating) per-tick errors so one bad tick doesn't stop the loop.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.cfg.Logger.Error("control loop tick failed", zap.Error(err))
			}
		}
	}
}

// Tick implements spec.md §4.5's six-step algorithm once.
func (l *Loop) Tick(ctx context.Context) error {
	now := time.Now().UTC()

	snapshot, err := l.priceSnapshot(ctx, now)
	if err != nil {
		// PriceWatcher errors are caught here and the tick is treated as
		// skipped; the cache (if still valid) survives to the next tick.
		l.cfg.Logger.Warn("price poll failed; skipping tick", zap.Error(err))
		return nil
	}

	jobIDs, err := l.enumerateJobs(ctx)
	if err != nil {
		return fmt.Errorf("controlloop: failed to enumerate jobs: %w", err)
	}

	prices := toDecisionPrices(snapshot)
	for _, jobID := range jobIDs {
		l.evaluateJob(ctx, jobID, prices, now)
	}
	return nil
}

func (l *Loop) priceSnapshot(ctx context.Context, now time.Time) (price.Snapshot, error) {
	if cached, ok := l.prices.get(now); ok {
		return cached, nil
	}
	snapshot, err := l.cfg.PriceWatcher.Poll(ctx)
	if err != nil {
		return nil, err
	}
	l.prices.set(snapshot, now)
	return snapshot, nil
}

func (l *Loop) enumerateJobs(ctx context.Context) ([]string, error) {
	if !l.cfg.MultiJob {
		if l.cfg.JobID == "" {
			return nil, fmt.Errorf("controlloop: single-job mode requires a job id")
		}
		return []string{l.cfg.JobID}, nil
	}

	seen := make(map[string]struct{})
	var ids []string
	for _, state := range l.cfg.States {
		recs, err := l.cfg.Registry.ListByState(ctx, state)
		if err != nil {
			return nil, fmt.Errorf("controlloop: list_by_state(%s) failed: %w", state, err)
		}
		for _, rec := range recs {
			if _, ok := seen[rec.JobID]; !ok {
				seen[rec.JobID] = struct{}{}
				ids = append(ids, rec.JobID)
			}
		}
	}
	return ids, nil
}

func (l *Loop) evaluateJob(ctx context.Context, jobID string, prices decision.Prices, now time.Time) {
	rec, err := l.cfg.Registry.Get(ctx, jobID)
	if err != nil {
		l.cfg.Logger.Error("failed to load job for evaluation", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	job := &decision.Job{WorkloadType: rec.WorkloadType}
	dec, err := l.cfg.Decision.Evaluate(prices, rec.Region, job)
	if err != nil {
		l.cfg.Logger.Error("decision evaluation failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.RecordDecision(string(dec.Action), string(dec.Reason))
	}

	if dec.Action != decision.ActionMigrate {
		return
	}

	if !l.cfg.Execute {
		l.cfg.Logger.Info("suggested migration (dry-run; execution disabled)",
			zap.String("job_id", jobID),
			zap.String("target_region", dec.TargetRegion),
			zap.String("reason", string(dec.Reason)),
		)
		return
	}

	if remaining, cooling := l.cooldown.remaining(jobID, now, time.Duration(l.cfg.CooldownSeconds)*time.Second); cooling {
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.RecordCooldownSkip(jobID)
		}
		l.cfg.Logger.Info("skipping migration: job is in cooldown",
			zap.String("job_id", jobID), zap.Duration("remaining", remaining))
		return
	}

	req := migrator.Request{JobID: jobID, TargetRegion: dec.TargetRegion}
	if l.cfg.BuildRequest != nil {
		req = l.cfg.BuildRequest(jobID, dec.TargetRegion)
	}

	if _, err := l.cfg.Migrator.Migrate(ctx, req); err != nil {
		l.cfg.Logger.Error("migration attempt failed; job remains in its last recorded state",
			zap.String("job_id", jobID), zap.Error(err))
		return
	}
	l.cooldown.record(jobID, now)
}

// toDecisionPrices converts a price.Snapshot into decision.Prices; the two
// types are structurally identical, but kept distinct so the price and
// decision packages stay decoupled from one another.
func toDecisionPrices(snapshot price.Snapshot) decision.Prices {
	out := make(decision.Prices, len(snapshot))
	for region, entry := range snapshot {
		out[region] = decision.PriceEntry{Price: entry.Price, Volatility: entry.Volatility}
	}
	return out
}
