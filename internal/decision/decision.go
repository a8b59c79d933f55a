// Package decision implements the pure price/policy function described in
// spec.md §4.3: given a price snapshot, the job's current region and an
// optional job, decide whether to STAY or MIGRATE.
package decision

import (
	"errors"
	"sort"
	"strings"
)

// Action is the outcome of an evaluation.
type Action string

const (
	ActionStay    Action = "STAY"
	ActionMigrate Action = "MIGRATE"
)

// Reason explains why an Action was chosen.
type Reason string

const (
	ReasonAlreadyCheapest        Reason = "already_cheapest"
	ReasonWorkloadShortNoMigrate Reason = "workload_short_no_migrate"
	ReasonWithinThreshold        Reason = "within_threshold"
	ReasonPriceSpike             Reason = "price_spike"
)

// ErrInvalidInput is returned when current_region is absent from prices.
var ErrInvalidInput = errors.New("decision: current_region not present in price snapshot")

// PriceEntry is one region's price observation.
type PriceEntry struct {
	Price      float64
	Volatility float64
}

// Prices is a region -> PriceEntry snapshot.
type Prices map[string]PriceEntry

// Job carries the subset of a job record the decision needs.
type Job struct {
	WorkloadType string
}

// Decision is the pure outcome of Evaluate.
type Decision struct {
	Action       Action
	TargetRegion string
	Reason       Reason
}

// Policy is the immutable, load-once policy configuration (spec.md §3).
type Policy struct {
	PriceSpikeThreshold float64
	// WorkloadThresholds maps a lower-cased workload class to an override
	// threshold. A nil entry (or absence) means "no override, fall back to
	// PriceSpikeThreshold" — this mirrors spec.md's workload_thresholds
	// mapping to workload_class -> real | null.
	WorkloadThresholds map[string]*float64
}

// DefaultPolicy returns spec.md §3's documented defaults.
func DefaultPolicy() Policy {
	medium, long, stateful := 0.25, 0.12, 0.40
	return Policy{
		PriceSpikeThreshold: 0.01,
		WorkloadThresholds: map[string]*float64{
			"short":    nil,
			"medium":   &medium,
			"long":     &long,
			"stateful": &stateful,
		},
	}
}

// Engine evaluates migration decisions against a fixed Policy.
type Engine struct {
	policy Policy
}

// NewEngine creates a decision engine bound to the given policy.
func NewEngine(policy Policy) *Engine {
	return &Engine{policy: policy}
}

// Evaluate implements spec.md §4.3's algorithm exactly. It performs no I/O
// and mutates nothing.
func (e *Engine) Evaluate(prices Prices, currentRegion string, job *Job) (Decision, error) {
	current, ok := prices[currentRegion]
	if !ok {
		return Decision{}, ErrInvalidInput
	}

	targetRegion, target := cheapestRegion(prices)
	if targetRegion == currentRegion {
		return Decision{Action: ActionStay, Reason: ReasonAlreadyCheapest}, nil
	}

	delta := current.Price - target.Price

	threshold := e.effectiveThreshold(job)
	if job != nil {
		class := strings.ToLower(job.WorkloadType)
		if class == "short" {
			return Decision{Action: ActionStay, Reason: ReasonWorkloadShortNoMigrate}, nil
		}
	}

	if delta > threshold {
		return Decision{Action: ActionMigrate, TargetRegion: targetRegion, Reason: ReasonPriceSpike}, nil
	}
	return Decision{Action: ActionStay, Reason: ReasonWithinThreshold}, nil
}

// effectiveThreshold resolves the threshold per spec.md §4.3 step 5: the
// global spike threshold when no job/workload is given, otherwise the max
// of the class override and the global threshold (a permissive class policy
// never beats the global spike floor).
func (e *Engine) effectiveThreshold(job *Job) float64 {
	if job == nil || job.WorkloadType == "" {
		return e.policy.PriceSpikeThreshold
	}

	class := strings.ToLower(job.WorkloadType)
	override, ok := e.policy.WorkloadThresholds[class]
	if !ok || override == nil {
		return e.policy.PriceSpikeThreshold
	}
	if *override > e.policy.PriceSpikeThreshold {
		return *override
	}
	return e.policy.PriceSpikeThreshold
}

// cheapestRegion returns the region with the minimum price, ties broken by
// lexicographic region name (spec.md §4.3 step 2).
func cheapestRegion(prices Prices) (string, PriceEntry) {
	regions := make([]string, 0, len(prices))
	for region := range prices {
		regions = append(regions, region)
	}
	sort.Strings(regions)

	bestRegion := regions[0]
	best := prices[bestRegion]
	for _, region := range regions[1:] {
		entry := prices[region]
		if entry.Price < best.Price {
			bestRegion = region
			best = entry
		}
	}
	return bestRegion, best
}
