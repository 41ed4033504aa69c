package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glimte/mmate-dispatch/health"
	"github.com/glimte/mmate-dispatch/internal/reliability"
	"github.com/glimte/mmate-dispatch/monitor"
	"github.com/glimte/mmate-dispatch/outbox"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	cfg := defaultConfig()

	rootCmd := &cobra.Command{
		Use:   "mmate-relay",
		Short: "Relay outbox entries to a message transport",
		Long: `mmate-relay drains the transactional outbox of an application database and
delivers each entry to RabbitMQ, Kafka or NATS, preserving order per destination.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cfg.applyEnv(envLookup(), func(name string) bool {
				f := cmd.Flag(name)
				return f != nil && f.Changed
			})
		},
	}

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "Outbox store: postgres, pq, mysql, sqlite or gorm")
	flags.StringVar(&cfg.DSN, "dsn", cfg.DSN, "Store connection string")
	flags.StringVar(&cfg.OutboxTable, "outbox-table", cfg.OutboxTable, "Outbox table name")
	flags.StringVar(&cfg.InboxTable, "inbox-table", cfg.InboxTable, "Inbox table name")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable debug logging")

	// Run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Relay pending entries until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(true); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	runCmd.Flags().StringVarP(&cfg.Transport, "transport", "t", cfg.Transport, "Transport: rabbitmq, kafka, nats or memory")
	runCmd.Flags().StringVarP(&cfg.TransportURL, "transport-url", "u", "", "Transport URL; comma separated brokers for kafka")
	runCmd.Flags().StringVar(&cfg.Prefix, "prefix", "", "Prefix for destination names")
	runCmd.Flags().DurationVarP(&cfg.Interval, "interval", "i", cfg.Interval, "Polling interval")
	runCmd.Flags().IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Entries read per cycle")
	runCmd.Flags().IntVar(&cfg.Parallelism, "parallelism", cfg.Parallelism, "Destinations relayed concurrently")
	runCmd.Flags().DurationVar(&cfg.Retention, "retention", cfg.Retention, "Keep sent entries this long; 0 keeps them forever")
	runCmd.Flags().DurationVar(&cfg.SendTimeout, "send-timeout", cfg.SendTimeout, "Timeout for a single send")
	runCmd.Flags().DurationVar(&cfg.HealthInterval, "health-interval", cfg.HealthInterval, "How often to log a health report; 0 disables")

	// Stats command
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the outbox backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(false); err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, newLogger(cfg.Verbose))
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to read stats: %w", err)
			}
			printStats(stats, time.Now())
			return nil
		},
	}

	// Purge command
	var olderThan time.Duration
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete sent entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(false); err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, newLogger(cfg.Verbose))
			if err != nil {
				return err
			}
			defer store.Close()

			purged, err := store.PurgeSent(cmd.Context(), time.Now().UTC().Add(-olderThan))
			if err != nil {
				return fmt.Errorf("failed to purge: %w", err)
			}
			fmt.Printf("Purged %d sent entries older than %s\n", purged, olderThan)
			return nil
		},
	}
	purgeCmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "Age of sent entries to delete")

	// Migrate command
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the outbox and inbox tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(false); err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, newLogger(cfg.Verbose))
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Schema ready")
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, statsCmd, purgeCmd, migrateCmd)
	return rootCmd
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func run(parent context.Context, cfg config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	logger := newLogger(cfg.Verbose)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	target, err := openSender(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer target.Close()

	metrics := monitor.NewSimpleMetricsCollector()
	breaker := reliability.NewCircuitBreaker(
		reliability.WithName("relay-"+cfg.Transport),
		reliability.WithFailureThreshold(5),
		reliability.WithTimeout(30*time.Second),
		reliability.WithStateChange(func(from, to reliability.State) {
			logger.Warn("relay circuit breaker changed state", "from", from, "to", to)
		}),
	)

	relay := outbox.NewRelay(store, target,
		outbox.WithInterval(cfg.Interval),
		outbox.WithBatchSize(cfg.BatchSize),
		outbox.WithPartitionParallelism(cfg.Parallelism),
		outbox.WithRetention(cfg.Retention),
		outbox.WithSendTimeout(cfg.SendTimeout),
		outbox.WithCircuitBreaker(breaker),
		outbox.WithRelayMetrics(metrics),
		outbox.WithRelayLogger(logger),
	)

	checks := health.NewRegistry(
		health.NewOutboxChecker(store, health.DefaultOutboxThresholds()),
		health.NewRuntimeChecker(1000, 10000),
	)
	if target.checker != nil {
		checks.Register(target.checker)
	}

	relay.Start()
	go func() {
		for err := range relay.Errors() {
			logger.Debug("relay error", "error", err)
		}
	}()

	fmt.Printf("Relaying outbox to %s... Press Ctrl+C to stop\n", cfg.Transport)

	var healthTick <-chan time.Time
	if cfg.HealthInterval > 0 {
		ticker := time.NewTicker(cfg.HealthInterval)
		defer ticker.Stop()
		healthTick = ticker.C
	}

	for {
		select {
		case <-healthTick:
			report := checks.Check(ctx)
			logHealth(logger, report)
		case <-ctx.Done():
			stopCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
			defer stop()
			if err := relay.Stop(stopCtx); err != nil {
				logger.Warn("relay did not stop cleanly", "error", err)
			}
			printSummary(metrics.GetMetricsSummary())
			return nil
		}
	}
}

func logHealth(logger *slog.Logger, report health.OverallHealth) {
	attrs := []any{"status", report.Status, "duration", report.Duration}
	for name, check := range report.Checks {
		attrs = append(attrs, name, string(check.Status))
	}
	if report.Status == health.StatusHealthy {
		logger.Info("health report", attrs...)
		return
	}
	logger.Warn("health report", attrs...)
}
