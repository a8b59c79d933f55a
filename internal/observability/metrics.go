package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MigrationsTotal tracks migration outcomes by outcome and reason
	MigrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotmigrate_migrations_total",
			Help: "Total number of completed migrations by outcome",
		},
		[]string{"outcome", "reason"},
	)

	// MigrationDuration tracks end-to-end migration duration
	MigrationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spotmigrate_migration_duration_seconds",
			Help:    "Duration of a full checkpoint-to-restore migration",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34 minutes
		},
		[]string{"outcome"},
	)

	// ActiveMigrations tracks currently running migrations
	ActiveMigrations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spotmigrate_active_migrations",
			Help: "Number of migrations currently in flight",
		},
	)

	// StepDuration tracks per-step duration within a migration
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spotmigrate_step_duration_seconds",
			Help:    "Duration of an individual migration step",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 15),
		},
		[]string{"step", "status"},
	)

	// RetryAttempts tracks retry attempts for retryable steps
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotmigrate_retry_attempts_total",
			Help: "Total number of retry attempts for a migration step",
		},
		[]string{"step", "outcome"},
	)

	// PricePollFailures tracks failed price-poll ticks
	PricePollFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotmigrate_price_poll_failures_total",
			Help: "Total number of failed price-watcher polls",
		},
		[]string{"region"},
	)

	// PriceSpot tracks the last observed spot price per region
	PriceSpot = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spotmigrate_price_spot",
			Help: "Last observed spot price per region",
		},
		[]string{"region"},
	)

	// RegistryConflicts tracks lost optimistic-concurrency races
	RegistryConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotmigrate_registry_conflicts_total",
			Help: "Total number of ConcurrencyConflict errors observed on registry updates",
		},
		[]string{"state"},
	)

	// DecisionsTotal tracks decision outcomes
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotmigrate_decisions_total",
			Help: "Total number of decisions evaluated by action and reason",
		},
		[]string{"action", "reason"},
	)

	// CooldownSkips tracks migrations skipped due to an active cooldown
	CooldownSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotmigrate_cooldown_skips_total",
			Help: "Total number of MIGRATE decisions skipped due to an active per-job cooldown",
		},
		[]string{"job_id"},
	)
)

// Metrics provides access to all application metrics
type Metrics struct{}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordMigration records a completed migration outcome
func (m *Metrics) RecordMigration(outcome, reason string, duration float64) {
	MigrationsTotal.WithLabelValues(outcome, reason).Inc()
	MigrationDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordStep records the duration and status of a single migration step
func (m *Metrics) RecordStep(step, status string, duration float64) {
	StepDuration.WithLabelValues(step, status).Observe(duration)
}

// RecordRetry records a retry attempt for a step
func (m *Metrics) RecordRetry(step, outcome string) {
	RetryAttempts.WithLabelValues(step, outcome).Inc()
}

// RecordPricePollFailure records a failed poll for a region
func (m *Metrics) RecordPricePollFailure(region string) {
	PricePollFailures.WithLabelValues(region).Inc()
}

// SetPrice records the last observed spot price for a region
func (m *Metrics) SetPrice(region string, price float64) {
	PriceSpot.WithLabelValues(region).Set(price)
}

// RecordRegistryConflict records a lost compare-and-swap on a registry update
func (m *Metrics) RecordRegistryConflict(state string) {
	RegistryConflicts.WithLabelValues(state).Inc()
}

// RecordDecision records a decision outcome
func (m *Metrics) RecordDecision(action, reason string) {
	DecisionsTotal.WithLabelValues(action, reason).Inc()
}

// RecordCooldownSkip records a MIGRATE decision skipped due to cooldown
func (m *Metrics) RecordCooldownSkip(jobID string) {
	CooldownSkips.WithLabelValues(jobID).Inc()
}

// SetActiveMigrations sets the number of active migrations
func (m *Metrics) SetActiveMigrations(count float64) {
	ActiveMigrations.Set(count)
}
