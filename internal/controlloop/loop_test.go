package controlloop

import (
	"context"
	"testing"
	"time"

	"github.com/artemis/spotmigrate/internal/adapter"
	"github.com/artemis/spotmigrate/internal/decision"
	"github.com/artemis/spotmigrate/internal/migrator"
	"github.com/artemis/spotmigrate/internal/observability"
	"github.com/artemis/spotmigrate/internal/price"
	"github.com/artemis/spotmigrate/internal/registry"
	"github.com/stretchr/testify/require"
)

func mustLogger(t *testing.T) *observability.Logger {
	t.Helper()
	l, err := observability.NewLogger("error")
	require.NoError(t, err)
	return l
}

func newTestLoop(t *testing.T, execute bool) (*Loop, *registry.FileRegistry, *adapter.FakePriceSource, *adapter.FakeCheckpointer) {
	t.Helper()
	reg, err := registry.NewFileRegistry(t.TempDir() + "/jobs.json")
	require.NoError(t, err)

	src := adapter.NewFakePriceSource()
	watcher := price.NewWatcher(src, "m5.large", []string{"us-east-1", "us-west-2"}, nil)

	cp := adapter.NewFakeCheckpointer()
	m := migrator.New(migrator.Config{
		Registry:      reg,
		Checkpointer:  cp,
		Store:         adapter.NewFakeObjectStore(),
		Provisioner:   adapter.NewFakeProvisioner(adapter.ProvisionedHost{InstanceID: "i-1", PublicIP: "10.0.1.5"}, nil),
		Commander:     adapter.NewFakeCommander(),
		Metrics:       observability.NewMetrics(),
		Logger:        mustLogger(t),
		AutoProvision: true,
		WorkspaceRoot: t.TempDir(),
	})

	loop := New(Config{
		Registry:      reg,
		PriceWatcher:  watcher,
		Decision:      decision.NewEngine(decision.DefaultPolicy()),
		Migrator:      m,
		Logger:        mustLogger(t),
		Metrics:       observability.NewMetrics(),
		Interval:      time.Second,
		CooldownSeconds: 600,
		PriceCacheTTL: time.Minute,
		MultiJob:      true,
		Execute:       execute,
	})
	return loop, reg, src, cp
}

func TestLoop_TickMigratesJobOnPriceSpike(t *testing.T) {
	ctx := context.Background()
	loop, reg, src, _ := newTestLoop(t, true)

	src.Prices["us-east-1"] = []float64{0.20}
	src.Prices["us-west-2"] = []float64{0.01}

	_, err := reg.Create(ctx, "job-1", registry.Attrs{Region: "us-east-1", PublicIP: "10.0.0.1", PID: 100, WorkloadType: "long"})
	require.NoError(t, err)

	require.NoError(t, loop.Tick(ctx))

	rec, err := reg.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, registry.StateRunning, rec.State)
	require.Equal(t, "us-west-2", rec.Region)
}

func TestLoop_DryRunDoesNotMigrate(t *testing.T) {
	ctx := context.Background()
	loop, reg, src, _ := newTestLoop(t, false)

	src.Prices["us-east-1"] = []float64{0.20}
	src.Prices["us-west-2"] = []float64{0.01}

	_, err := reg.Create(ctx, "job-1", registry.Attrs{Region: "us-east-1", PublicIP: "10.0.0.1", PID: 100, WorkloadType: "long"})
	require.NoError(t, err)

	require.NoError(t, loop.Tick(ctx))

	rec, err := reg.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "us-east-1", rec.Region, "execution disabled: region must be unchanged")
}

func TestLoop_CooldownSkipsSecondMigration(t *testing.T) {
	ctx := context.Background()
	loop, reg, src, _ := newTestLoop(t, true)
	loop.cfg.CooldownSeconds = 600

	src.Prices["us-east-1"] = []float64{0.20}
	src.Prices["us-west-2"] = []float64{0.01}

	_, err := reg.Create(ctx, "job-1", registry.Attrs{Region: "us-east-1", PublicIP: "10.0.0.1", PID: 100, WorkloadType: "long"})
	require.NoError(t, err)

	require.NoError(t, loop.Tick(ctx))
	rec1, err := reg.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "us-west-2", rec1.Region)

	// Price snapshot still favors migrating again (now from us-west-2 back),
	// but the job just migrated, so cooldown should block a second attempt
	// within this tick cycle regardless of direction. To isolate the
	// cooldown behavior we re-run Tick immediately; since price cache TTL
	// hasn't expired the same snapshot is reused and us-west-2 is already
	// cheapest, so no migration is suggested anyway. Force a fresh spike by
	// lowering the cache TTL to 0 and injecting a favorable new price.
	loop.prices = newPriceCache(0)
	src.Prices["us-east-1"] = []float64{0.20, 0.01}
	src.Prices["us-west-2"] = []float64{0.01, 0.20}

	require.NoError(t, loop.Tick(ctx))
	rec2, err := reg.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "us-west-2", rec2.Region, "cooldown must prevent a second migration so soon")
}

func TestLoop_SingleJobModeUsesConfiguredJobID(t *testing.T) {
	ctx := context.Background()
	loop, reg, src, _ := newTestLoop(t, true)
	loop.cfg.MultiJob = false
	loop.cfg.JobID = "job-1"

	src.Prices["us-east-1"] = []float64{0.20}
	src.Prices["us-west-2"] = []float64{0.01}

	_, err := reg.Create(ctx, "job-1", registry.Attrs{Region: "us-east-1", PublicIP: "10.0.0.1", PID: 100, WorkloadType: "long"})
	require.NoError(t, err)
	_, err = reg.Create(ctx, "job-2", registry.Attrs{Region: "us-east-1", PublicIP: "10.0.0.2", PID: 200, WorkloadType: "long"})
	require.NoError(t, err)

	require.NoError(t, loop.Tick(ctx))

	rec1, err := reg.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "us-west-2", rec1.Region)

	rec2, err := reg.Get(ctx, "job-2")
	require.NoError(t, err)
	require.Equal(t, "us-east-1", rec2.Region, "single-job mode must not touch other jobs")
}

func TestLoop_ShortWorkloadNeverMigrates(t *testing.T) {
	ctx := context.Background()
	loop, reg, src, _ := newTestLoop(t, true)

	src.Prices["us-east-1"] = []float64{1.00}
	src.Prices["us-west-2"] = []float64{0.01}

	_, err := reg.Create(ctx, "job-1", registry.Attrs{Region: "us-east-1", PublicIP: "10.0.0.1", PID: 100, WorkloadType: "short"})
	require.NoError(t, err)

	require.NoError(t, loop.Tick(ctx))

	rec, err := reg.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "us-east-1", rec.Region)
}
