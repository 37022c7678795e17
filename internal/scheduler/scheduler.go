// Package scheduler runs the pipeline on a cron schedule
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pbaille/taglisten/internal/logger"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler manages a single cron job with timezone support. A run that
// is still going when the next tick fires makes that tick a no-op.
type Scheduler struct {
	cron     *cron.Cron
	location *time.Location
	log      zerolog.Logger
	mu       sync.Mutex
	entryID  cron.EntryID
	started  bool
}

// NewScheduler creates a scheduler evaluating specs in loc
func NewScheduler(loc *time.Location, log zerolog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	log = logger.Named(log, "scheduler")
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		location: loc,
		log:      log,
	}
}

// Schedule replaces the job with fn run on spec, a standard 5-field cron
// expression or a descriptor such as "@every 15m"
func (s *Scheduler) Schedule(spec string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
		s.entryID = 0
	}

	id, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		return fmt.Errorf("add cron job %q: %w", spec, err)
	}
	s.entryID = id
	return nil
}

// Next returns when the job fires next, zero if nothing is scheduled or
// the scheduler is not running
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entryID == 0 {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// Start begins the scheduler
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.cron.Start()
		s.started = true
	}
}

// Stop halts the scheduler and returns a context done once running jobs finish
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	s.started = false
	return s.cron.Stop()
}

// Run starts the scheduler and blocks until ctx is done and the running
// job, if any, has returned
func (s *Scheduler) Run(ctx context.Context) {
	s.Start()
	s.log.Info().Time("next", s.Next()).Str("timezone", s.location.String()).Msg("scheduler started")
	<-ctx.Done()
	<-s.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
}

// cronLogger adapts zerolog to cron.Logger
type cronLogger struct {
	log zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
