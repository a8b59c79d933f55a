package controlloop

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/artemis/spotmigrate/internal/price"
)

// priceCache reuses the last PriceWatcher.Poll snapshot until it is older
// than the configured TTL (spec.md §4.5 step 1).
type priceCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	snapshot price.Snapshot
	fetched  time.Time
}

func newPriceCache(ttl time.Duration) *priceCache {
	return &priceCache{ttl: ttl}
}

// get returns the cached snapshot and true if it is still within the TTL.
func (c *priceCache) get(now time.Time) (price.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot == nil || now.Sub(c.fetched) >= c.ttl {
		return nil, false
	}
	return c.snapshot, true
}

// set stores a freshly polled snapshot with a fresh timestamp.
func (c *priceCache) set(snapshot price.Snapshot, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = snapshot
	c.fetched = now
}

// cooldownTracker records the last-migration timestamp per job id, bounded
// by an LRU so a long-running controller watching many jobs across their
// lifetimes doesn't grow this map without bound. Timestamps live only in
// this process: controllers sharing a registry do not see each other's
// cooldowns. Grounded on
// ipiton-alert-history-service's use of hashicorp/golang-lru/v2 for its own
// bounded in-memory caches.
type cooldownTracker struct {
	cache *lru.Cache[string, time.Time]
}

const maxTrackedJobs = 4096

func newCooldownTracker() *cooldownTracker {
	cache, err := lru.New[string, time.Time](maxTrackedJobs)
	if err != nil {
		// Only returns an error for a non-positive size, which maxTrackedJobs
		// never is.
		panic(err)
	}
	return &cooldownTracker{cache: cache}
}

// remaining returns the time left in jobID's cooldown window as of now, and
// whether the job is still cooling down at all.
func (c *cooldownTracker) remaining(jobID string, now time.Time, cooldown time.Duration) (time.Duration, bool) {
	last, ok := c.cache.Get(jobID)
	if !ok {
		return 0, false
	}
	elapsed := now.Sub(last)
	if elapsed >= cooldown {
		return 0, false
	}
	return cooldown - elapsed, true
}

// record marks jobID as having just migrated at now.
func (c *cooldownTracker) record(jobID string, now time.Time) {
	c.cache.Add(jobID, now)
}
