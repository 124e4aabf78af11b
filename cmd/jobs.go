package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadscan/internal/digest"
)

var (
	digestSchedule  bool
	collectSchedule bool
	sweepSchedule   bool
	monitorSchedule bool
)

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Send the daily lead digest to every opted-in account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTask(cmd, "digest", cfg.Digest.Schedule, digestSchedule, runDigest)
	},
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Search for new leads for every opted-in account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTask(cmd, "collect", cfg.Digest.CollectSchedule, collectSchedule, runCollect)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete unsaved leads past the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTask(cmd, "sweep", cfg.Retention.Schedule, sweepSchedule, runSweep)
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Alert when background workers stop reporting",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTask(cmd, "monitor", cfg.Monitoring.Schedule, monitorSchedule, runMonitor)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		zap.L().Info("schema up to date", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

// runTask runs a background task once, or on spec until interrupted when
// scheduled is set.
func runTask(cmd *cobra.Command, mode, spec string, scheduled bool, task func(*appEnv) func(context.Context) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env, err := initEnv(ctx, mode)
	if err != nil {
		return err
	}
	defer env.Close()

	if !scheduled {
		return task(env)(ctx)
	}

	sched := digest.NewScheduler()
	if err := sched.Add(ctx, mode, spec, task(env)); err != nil {
		return err
	}
	sched.Run(ctx)
	return nil
}

func runDigest(env *appEnv) func(context.Context) error {
	return func(ctx context.Context) error {
		summary, err := env.Digest.Run(ctx)
		if err != nil {
			return err
		}
		zap.L().Info("digest run complete",
			zap.Int("accounts", summary.Accounts),
			zap.Int("sent", summary.Sent),
			zap.Int("skipped", summary.Skipped),
			zap.Int("failed", summary.Failed),
			zap.Int("fallback", summary.Fallback),
		)
		return nil
	}
}

func runCollect(env *appEnv) func(context.Context) error {
	return func(ctx context.Context) error {
		summary, err := env.Collector.Run(ctx)
		if err != nil {
			return err
		}
		zap.L().Info("collect run complete",
			zap.Int("accounts", summary.Accounts),
			zap.Int("inserted", summary.Inserted),
			zap.Int("skipped", summary.Skipped),
			zap.Int("failed", summary.Failed),
		)
		return nil
	}
}

func runSweep(env *appEnv) func(context.Context) error {
	return func(ctx context.Context) error {
		cutoff := time.Now().AddDate(0, 0, -cfg.Retention.UnsavedDays)
		n, err := env.Store.DeleteExpiredLeads(ctx, cutoff)
		if err != nil {
			return eris.Wrap(err, "sweep: delete expired leads")
		}
		zap.L().Info("sweep complete", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
		return nil
	}
}

func runMonitor(env *appEnv) func(context.Context) error {
	return func(ctx context.Context) error {
		alerts, err := env.Monitor.Check(ctx)
		if err != nil {
			return err
		}
		zap.L().Info("monitor check complete", zap.Int("alerts", len(alerts)))
		return nil
	}
}

func init() {
	digestCmd.Flags().BoolVar(&digestSchedule, "schedule", false, "run on digest.schedule until interrupted")
	collectCmd.Flags().BoolVar(&collectSchedule, "schedule", false, "run on digest.collect_schedule until interrupted")
	sweepCmd.Flags().BoolVar(&sweepSchedule, "schedule", false, "run on retention.schedule until interrupted")
	monitorCmd.Flags().BoolVar(&monitorSchedule, "schedule", false, "run on monitoring.schedule until interrupted")
	rootCmd.AddCommand(digestCmd, collectCmd, sweepCmd, monitorCmd, migrateCmd)
}
