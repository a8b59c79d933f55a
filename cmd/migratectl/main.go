package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/artemis/spotmigrate/internal/adapter"
	"github.com/artemis/spotmigrate/internal/config"
	"github.com/artemis/spotmigrate/internal/controlloop"
	"github.com/artemis/spotmigrate/internal/decision"
	"github.com/artemis/spotmigrate/internal/migrator"
	"github.com/artemis/spotmigrate/internal/observability"
	"github.com/artemis/spotmigrate/internal/price"
	"github.com/artemis/spotmigrate/internal/registry"
)

var (
	cfgFile string
	logger  *observability.Logger
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "migratectl",
	Short: "Cost-aware migration controller for long-running jobs on preemptible VMs",
	Long: `migratectl watches per-region spot prices and migrates running jobs
away from price spikes, checkpointing and restoring them on a cheaper host.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		logger, err = observability.NewLogger("info")
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
			os.Exit(1)
		}

		cfg, err = config.LoadConfig(cfgFile)
		if err != nil {
			logger.Error("failed to load config", zap.Error(err))
			os.Exit(1)
		}

		if cfg.LogLevel != "" {
			if l, err := observability.NewLogger(cfg.LogLevel); err != nil {
				logger.Warn("failed to set configured log level, using default", zap.Error(err))
			} else {
				logger = l
			}
		}

		logger.Info("configuration loaded", zap.Any("config", cfg.Redact()))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.spotmigrate/config.json)")

	runCmd.Flags().String("job-id", "", "job id to watch in single-job mode")
	runCmd.Flags().Bool("multi-job", false, "enumerate all jobs in the configured states instead of a single job")
	runCmd.Flags().StringSlice("states", nil, "states to enumerate in multi-job mode (default RUNNING)")
	runCmd.Flags().Duration("interval", 0, "tick interval, overrides config poll_interval")
	runCmd.Flags().Duration("cooldown", 0, "per-job cooldown as a duration (e.g. 10m), overrides config cooldown_seconds")
	runCmd.Flags().Bool("execute", false, "actually run MIGRATE decisions instead of only logging them")
	runCmd.Flags().String("target-region", "", "fixed target region; when set, candidate_regions is ignored in favor of {source_region, target-region}")
	runCmd.Flags().Int("health-port", 0, "health endpoint port, overrides config health_port")

	migrateCmd.Flags().String("job-id", "", "job id to migrate (required)")
	migrateCmd.Flags().String("target-region", "", "target region (required)")
	migrateCmd.Flags().String("target-ip", "", "target host address; skips auto-provisioning when set")
	migrateCmd.Flags().Bool("dry-run", false, "preview the migration without performing it")

	registryGetCmd.Flags().String("job-id", "", "job id (required)")
	registryListCmd.Flags().String("state", "", "state to list (required)")

	registryCreateCmd.Flags().String("job-id", "", "job id (required)")
	registryCreateCmd.Flags().String("state", string(registry.StateRunning), "initial state")
	registryCreateCmd.Flags().String("region", "", "region (required)")
	registryCreateCmd.Flags().String("public-ip", "", "public ip (required)")
	registryCreateCmd.Flags().Int("pid", 0, "source process id (required)")
	registryCreateCmd.Flags().String("workload-type", "", "workload class (short/medium/long/stateful)")

	registryUpdateCmd.Flags().String("job-id", "", "job id (required)")
	registryUpdateCmd.Flags().String("state", "", "new state (required)")
	registryUpdateCmd.Flags().String("region", "", "region")
	registryUpdateCmd.Flags().String("public-ip", "", "public ip")
	registryUpdateCmd.Flags().Int("pid", 0, "process id")
	registryUpdateCmd.Flags().String("workload-type", "", "workload class")
	registryUpdateCmd.Flags().Int64("expected-version", -1, "optimistic-lock version; omit to read-then-write unconditionally")

	registryCmd.AddCommand(registryGetCmd)
	registryCmd.AddCommand(registryListCmd)
	registryCmd.AddCommand(registryCreateCmd)
	registryCmd.AddCommand(registryUpdateCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(registryCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the control loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControlLoop(cmd)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run (or preview) a single one-shot migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOneShotMigration(cmd)
	},
}

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect the job registry",
}

var registryGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print a single job record",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, _ := cmd.Flags().GetString("job-id")
		if jobID == "" {
			return fmt.Errorf("--job-id is required")
		}
		reg, err := buildRegistry(cfg)
		if err != nil {
			return err
		}
		rec, err := reg.Get(cmd.Context(), jobID)
		if err != nil {
			return err
		}
		fmt.Printf("%+v\n", rec)
		return nil
	},
}

var registryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs in a given state",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		if state == "" {
			return fmt.Errorf("--state is required")
		}
		reg, err := buildRegistry(cfg)
		if err != nil {
			return err
		}
		recs, err := reg.ListByState(cmd.Context(), registry.State(strings.ToUpper(state)))
		if err != nil {
			return err
		}
		for _, rec := range recs {
			fmt.Printf("%+v\n", rec)
		}
		return nil
	},
}

var registryCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Bootstrap a job record (mirrors scripts/registry_cli.py's create)",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, _ := cmd.Flags().GetString("job-id")
		state, _ := cmd.Flags().GetString("state")
		region, _ := cmd.Flags().GetString("region")
		publicIP, _ := cmd.Flags().GetString("public-ip")
		pid, _ := cmd.Flags().GetInt("pid")
		workloadType, _ := cmd.Flags().GetString("workload-type")

		if jobID == "" || region == "" || publicIP == "" || pid == 0 {
			return fmt.Errorf("--job-id, --region, --public-ip and --pid are required")
		}

		reg, err := buildRegistry(cfg)
		if err != nil {
			return err
		}
		rec, err := reg.Create(cmd.Context(), jobID, registry.Attrs{
			Region:       region,
			PublicIP:     publicIP,
			PID:          pid,
			WorkloadType: workloadType,
		})
		if err != nil {
			return err
		}
		if registry.State(strings.ToUpper(state)) != registry.StateRunning {
			version := rec.Version
			rec, err = reg.Update(cmd.Context(), jobID, registry.State(strings.ToUpper(state)), &version, registry.Attrs{})
			if err != nil {
				return err
			}
		}
		fmt.Printf("%+v\n", rec)
		return nil
	},
}

var registryUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Repair or advance a job record's state (mirrors scripts/registry_cli.py's update)",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, _ := cmd.Flags().GetString("job-id")
		state, _ := cmd.Flags().GetString("state")
		region, _ := cmd.Flags().GetString("region")
		publicIP, _ := cmd.Flags().GetString("public-ip")
		pid, _ := cmd.Flags().GetInt("pid")
		workloadType, _ := cmd.Flags().GetString("workload-type")
		expectedVersion, _ := cmd.Flags().GetInt64("expected-version")

		if jobID == "" || state == "" {
			return fmt.Errorf("--job-id and --state are required")
		}

		reg, err := buildRegistry(cfg)
		if err != nil {
			return err
		}

		var versionPtr *int64
		if expectedVersion >= 0 {
			versionPtr = &expectedVersion
		}

		rec, err := reg.Update(cmd.Context(), jobID, registry.State(strings.ToUpper(state)), versionPtr, registry.Attrs{
			Region:       region,
			PublicIP:     publicIP,
			PID:          pid,
			WorkloadType: workloadType,
		})
		if err != nil {
			return err
		}
		fmt.Printf("%+v\n", rec)
		return nil
	},
}

func runControlLoop(cmd *cobra.Command) error {
	jobID, _ := cmd.Flags().GetString("job-id")
	multiJob, _ := cmd.Flags().GetBool("multi-job")
	states, _ := cmd.Flags().GetStringSlice("states")
	interval, _ := cmd.Flags().GetDuration("interval")
	cooldown, _ := cmd.Flags().GetDuration("cooldown")
	execute, _ := cmd.Flags().GetBool("execute")
	targetRegion, _ := cmd.Flags().GetString("target-region")
	healthPort, _ := cmd.Flags().GetInt("health-port")

	if err := cfg.Validate(multiJob); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if interval > 0 {
		cfg.PollInterval = interval
	}
	if cooldown > 0 {
		cfg.CooldownSeconds = int(cooldown.Seconds())
	}
	if healthPort > 0 {
		cfg.HealthPort = healthPort
	}
	if targetRegion != "" {
		cfg.TargetRegion = targetRegion
	}

	regions := cfg.CandidateRegions
	if len(regions) == 0 || targetRegion != "" {
		regions = []string{cfg.SourceRegion, cfg.TargetRegion}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	m, err := buildMigrator(ctx, cfg, reg)
	if err != nil {
		return err
	}
	priceSource, err := buildPriceSource(ctx, regions)
	if err != nil {
		return err
	}
	watcher := price.NewWatcher(priceSource, cfg.InstanceType, regions, logger.Logger)

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	healthChecker.RegisterCheck("registry", observability.PingHealthCheck("registry", reg.Ping))
	go healthChecker.StartPeriodicChecks(ctx, 10*time.Second)
	go logHealthPeriodically(ctx, healthChecker, 30*time.Second)

	policyStates := make([]registry.State, 0, len(states))
	for _, s := range states {
		policyStates = append(policyStates, registry.State(strings.ToUpper(s)))
	}

	workloadThresholds := make(map[string]*float64, len(cfg.WorkloadThresholds))
	for class, threshold := range cfg.WorkloadThresholds {
		t := threshold
		workloadThresholds[class] = &t
	}

	loop := controlloop.New(controlloop.Config{
		Registry:        reg,
		PriceWatcher:    watcher,
		Decision:        decision.NewEngine(decision.Policy{PriceSpikeThreshold: cfg.PriceSpikeThreshold, WorkloadThresholds: workloadThresholds}),
		Migrator:        m,
		Logger:          logger,
		Metrics:         metrics,
		Interval:        cfg.PollInterval,
		CooldownSeconds: cfg.CooldownSeconds,
		PriceCacheTTL:   cfg.PriceCacheTTL,
		JobID:           jobID,
		MultiJob:        multiJob,
		States:          policyStates,
		Execute:         execute,
	})

	go serveHealth(ctx, cfg.HealthPort, healthChecker)

	logger.Info("control loop starting",
		zap.Bool("multi_job", multiJob),
		zap.Bool("execute", execute),
		zap.Duration("interval", cfg.PollInterval),
	)
	return loop.Run(ctx)
}

func runOneShotMigration(cmd *cobra.Command) error {
	jobID, _ := cmd.Flags().GetString("job-id")
	targetRegion, _ := cmd.Flags().GetString("target-region")
	targetIP, _ := cmd.Flags().GetString("target-ip")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	if jobID == "" {
		jobID = uuid.NewString()
		logger.Warn("no --job-id supplied; generated one for this invocation", zap.String("job_id", jobID))
	}
	if targetRegion == "" {
		return fmt.Errorf("--target-region is required")
	}

	ctx := context.Background()
	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	m, err := buildMigrator(ctx, cfg, reg)
	if err != nil {
		return err
	}

	req := migrator.Request{JobID: jobID, TargetRegion: targetRegion, TargetIP: targetIP}

	if dryRun {
		result, err := m.DryRun(ctx, req)
		if err != nil {
			return err
		}
		for _, step := range result.Steps {
			fmt.Printf("%-14s %s\n", step.State, step.Notes)
		}
		for _, warning := range result.Warnings {
			fmt.Printf("warning: %s\n", warning)
		}
		return nil
	}

	rec, err := m.Migrate(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("migration complete: %+v\n", rec)
	return nil
}

func buildRegistry(cfg *config.Config) (registry.Registry, error) {
	switch cfg.RegistryBackend {
	case config.BackendRemote:
		client := redis.NewClient(&redis.Options{Addr: cfg.RegistryAddr})
		return registry.NewRedisRegistry(client, cfg.RegistryTable), nil
	default:
		path := cfg.DataDir
		if path == "" {
			path = "spotmigrate-jobs.json"
		} else {
			path = path + "/jobs.json"
		}
		return registry.NewFileRegistry(path)
	}
}

func buildMigrator(ctx context.Context, cfg *config.Config, reg registry.Registry) (*migrator.Migrator, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.TargetRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var commander adapter.RemoteCommander
	if cfg.SSHPrivateKeyPath != "" {
		keyBytes, err := os.ReadFile(cfg.SSHPrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read ssh private key: %w", err)
		}
		sshCommander, err := adapter.NewSSHCommander(keyBytes, "ec2-user", 22, ssh.InsecureIgnoreHostKey(), logger, observability.NewMetrics())
		if err != nil {
			return nil, fmt.Errorf("failed to build ssh commander: %w", err)
		}
		commander = sshCommander
	}

	ec2Client := ec2.NewFromConfig(awsCfg)
	s3Client := s3.NewFromConfig(awsCfg)

	return migrator.New(migrator.Config{
		Registry:      reg,
		Checkpointer:  adapter.NewCRIUCheckpointer(commander, "criu"),
		Store:         adapter.NewS3Store(s3Client, cfg.CheckpointBucket),
		Provisioner:   adapter.NewEC2Provisioner(ec2Client),
		Commander:     commander,
		Metrics:       observability.NewMetrics(),
		Logger:        logger,
		AutoProvision: cfg.AutoProvision,
		Provision: adapter.ProvisionRequest{
			InstanceType:    cfg.InstanceType,
			AMIID:           cfg.TargetAMIID,
			SecurityGroupID: cfg.TargetSecurityGroupID,
			SSHKeyName:      cfg.SSHKeyName,
		},
		WorkspaceRoot: "/var/spotmigrate/workspace",
	}), nil
}

func buildPriceSource(ctx context.Context, regions []string) (price.Source, error) {
	clients := make(map[string]*ec2.Client, len(regions))
	for _, region := range regions {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config for region %s: %w", region, err)
		}
		clients[region] = ec2.NewFromConfig(awsCfg)
	}
	return adapter.NewEC2PriceSource(clients), nil
}

// logHealthPeriodically surfaces the per-component breakdown through
// structured logging on a fixed interval. The original orchestrator's
// HealthHandler (orchestrator/main.py) returns {"status":"ok"} on every GET
// unconditionally with no diagnostics carve-out, so this repo keeps the
// richer breakdown off the wire entirely rather than exempting a second path
// from spec.md §6's literal "any path" contract.
func logHealthPeriodically(ctx context.Context, healthChecker *observability.HealthChecker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			healthChecker.LogStatus(logger)
		}
	}
}

func serveHealth(ctx context.Context, port int, healthChecker *observability.HealthChecker) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	// spec.md §6: GET to any path returns 200 with {"status":"ok"}; no path
	// is exempted, matching the original orchestrator's HealthHandler.
	router.NoRoute(healthChecker.HealthHandler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("health server stopped", zap.Error(err))
	}
}
