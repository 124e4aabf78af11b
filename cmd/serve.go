package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadscan/internal/digest"
)

var (
	servePort      int
	serveScheduler bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for scans, lead updates and digest triggers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		srvState := &server{
			scans:       env.Scan,
			leads:       env.Store,
			db:          env.Store,
			digestToken: cfg.Server.DigestToken,
			origins:     cfg.Server.AllowedOrigins,
		}
		if env.Digest != nil {
			srvState.digest = env.Digest
		} else {
			zap.L().Warn("email.key not set, digest disabled")
		}

		if serveScheduler {
			sched, err := newScheduler(ctx, env)
			if err != nil {
				return err
			}
			go sched.Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           srvState.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port), zap.Bool("scheduler", serveScheduler))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// newScheduler registers every background task the environment can run.
func newScheduler(ctx context.Context, env *appEnv) (*digest.Scheduler, error) {
	sched := digest.NewScheduler()
	if env.Digest != nil {
		if err := sched.Add(ctx, "digest", cfg.Digest.Schedule, runDigest(env)); err != nil {
			return nil, err
		}
	}
	if env.Collector != nil {
		if err := sched.Add(ctx, "collect", cfg.Digest.CollectSchedule, runCollect(env)); err != nil {
			return nil, err
		}
	}
	if err := sched.Add(ctx, "sweep", cfg.Retention.Schedule, runSweep(env)); err != nil {
		return nil, err
	}
	if err := sched.Add(ctx, "monitor", cfg.Monitoring.Schedule, runMonitor(env)); err != nil {
		return nil, err
	}
	return sched, nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveScheduler, "scheduler", false, "also run background tasks on their cron schedules")
	rootCmd.AddCommand(serveCmd)
}
