// Package price implements the per-region spot price poller described in
// spec.md §4.2: a bounded rolling history with sample-standard-deviation
// volatility, fed by a pluggable Source.
package price

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

const maxHistory = 20

// Entry is one region's current price observation.
type Entry struct {
	Price      float64
	Volatility float64
	Timestamp  time.Time
}

// Snapshot is a region -> Entry price reading, the PriceWatcher's output.
type Snapshot map[string]Entry

// Source obtains the current spot price for a single region. The concrete
// implementation (adapter.EC2PriceSource) talks to the cloud provider; tests
// supply fakes.
type Source interface {
	SpotPrice(ctx context.Context, region, instanceType string) (float64, error)
}

// Watcher polls a Source for each configured region and maintains a bounded
// history per region.
type Watcher struct {
	source       Source
	instanceType string
	regions      []string
	log          *zap.Logger

	mu      sync.Mutex
	history map[string][]float64
}

// NewWatcher builds a Watcher over the given regions and instance type.
func NewWatcher(source Source, instanceType string, regions []string, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		source:       source,
		instanceType: instanceType,
		regions:      regions,
		log:          log,
		history:      make(map[string][]float64, len(regions)),
	}
}

// Poll implements spec.md §4.2: for each configured region, fetch the
// current price, append it to that region's bounded history (FIFO eviction
// at 20 samples), and compute the sample standard deviation of the retained
// window as volatility. A failed per-region call propagates to the caller
// immediately and no partial snapshot is returned — the ControlLoop treats
// the whole tick as skipped (spec.md §4.2, §4.5 step 6) rather than acting
// on an incomplete price picture.
func (w *Watcher) Poll(ctx context.Context) (Snapshot, error) {
	snapshot := make(Snapshot, len(w.regions))
	now := time.Now().UTC()

	for _, region := range w.regions {
		price, err := w.source.SpotPrice(ctx, region, w.instanceType)
		if err != nil {
			w.log.Warn("price poll failed for region", zap.String("region", region), zap.Error(err))
			return nil, fmt.Errorf("price: poll failed for region %s: %w", region, err)
		}

		volatility := w.record(region, price)
		snapshot[region] = Entry{Price: price, Volatility: volatility, Timestamp: now}
	}

	return snapshot, nil
}

// record appends price to region's history (evicting the oldest sample once
// the window exceeds maxHistory) and returns the resulting volatility.
func (w *Watcher) record(region string, price float64) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	hist := append(w.history[region], price)
	if len(hist) > maxHistory {
		hist = hist[len(hist)-maxHistory:]
	}
	w.history[region] = hist

	return sampleStdDev(hist)
}

// History returns a copy of the retained samples for a region, oldest
// first. Intended for diagnostics and tests.
func (w *Watcher) History(region string) []float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	hist := w.history[region]
	out := make([]float64, len(hist))
	copy(out, hist)
	return out
}

// sampleStdDev returns the sample standard deviation of samples, or 0 when
// fewer than two samples are present (spec.md §4.2).
func sampleStdDev(samples []float64) float64 {
	n := len(samples)
	if n < 2 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		sum += s
	}
	mean := sum / float64(n)

	var sumSquares float64
	for _, s := range samples {
		d := s - mean
		sumSquares += d * d
	}
	return math.Sqrt(sumSquares / float64(n-1))
}
