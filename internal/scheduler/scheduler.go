// Package scheduler runs jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a unit of scheduled work. Its error is logged; the next tick runs
// it again.
type Job func(ctx context.Context) error

// Parser accepts standard 5-field expressions and descriptors such as @hourly.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether expr parses.
func Validate(expr string) error {
	if _, err := Parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Runner owns a cron instance. A job whose previous run is still going when
// its next tick fires is skipped rather than overlapped.
type Runner struct {
	cron    *cron.Cron
	logger  zerolog.Logger
	baseCtx context.Context

	mu      sync.Mutex
	names   map[cron.EntryID]string
	running bool
}

// New creates a runner. Jobs receive baseCtx, which should be cancelled on
// shutdown.
func New(baseCtx context.Context, logger zerolog.Logger) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	logger = logger.With().Str("component", "scheduler").Logger()
	adapter := cronLogger{logger: logger}

	return &Runner{
		cron: cron.New(
			cron.WithParser(Parser),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		logger:  logger,
		baseCtx: baseCtx,
		names:   make(map[cron.EntryID]string),
	}
}

// Add schedules job under name.
func (r *Runner) Add(expr, name string, job Job) (cron.EntryID, error) {
	id, err := r.cron.AddFunc(expr, func() {
		start := time.Now()
		logger := r.logger.With().Str("job", name).Logger()
		logger.Info().Msg("Scheduled job started")

		if err := job(r.baseCtx); err != nil {
			logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("Scheduled job failed")
			return
		}
		logger.Info().Dur("duration", time.Since(start)).Msg("Scheduled job finished")
	})
	if err != nil {
		return 0, fmt.Errorf("scheduling %s: %w", name, err)
	}

	r.mu.Lock()
	r.names[id] = name
	r.mu.Unlock()
	return id, nil
}

// Next returns when the entry fires next. Zero before Start.
func (r *Runner) Next(id cron.EntryID) time.Time {
	return r.cron.Entry(id).Next
}

// Start begins firing jobs in the background.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.cron.Start()

	for id, name := range r.names {
		r.logger.Info().Str("job", name).Time("next", r.Next(id)).Msg("Job scheduled")
	}
}

// Stop prevents new runs and waits for running jobs to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	<-r.cron.Stop().Done()
	r.logger.Info().Msg("Scheduler stopped")
}

// Run starts the runner and blocks until ctx is cancelled, then stops it.
func (r *Runner) Run(ctx context.Context) error {
	r.Start()
	<-ctx.Done()
	r.Stop()
	return nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
