package digest

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Scheduler runs named tasks on cron specs. A task still running when its
// next tick fires is skipped rather than overlapped.
type Scheduler struct {
	cron *cron.Cron
	log  *zap.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler() *Scheduler {
	log := zap.L().With(zap.String("component", "scheduler"))
	return &Scheduler{
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{log}))),
		log:  log,
	}
}

// Add registers fn under spec. fn receives ctx on every tick.
func (s *Scheduler) Add(ctx context.Context, name, spec string, fn func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.log.Info("scheduled task starting", zap.String("task", name))
		if err := fn(ctx); err != nil {
			s.log.Error("scheduled task failed", zap.String("task", name), zap.Error(err))
			return
		}
		s.log.Info("scheduled task finished", zap.String("task", name))
	})
	if err != nil {
		return eris.Wrapf(err, "scheduler: add %s (%q)", name, spec)
	}
	s.log.Info("scheduled task registered", zap.String("task", name), zap.String("spec", spec))
	return nil
}

// Start begins firing ticks.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops new ticks and waits for running tasks to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.Start()
	<-ctx.Done()
	s.log.Info("scheduler stopping")
	s.Stop()
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ log *zap.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, zap.Any("kv", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, zap.Error(err), zap.Any("kv", keysAndValues))
}
