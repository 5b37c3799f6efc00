// Package scheduler triggers periodic library rescans from a cron expression.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Rescanner is asked to rescan the library when the schedule fires.
type Rescanner interface {
	RequestRescan(ctx context.Context)
}

// Scheduler fires rescan requests on a cron schedule.
type Scheduler struct {
	mu sync.RWMutex

	rescanner Rescanner
	logger    *slog.Logger

	// cron parser for validating/parsing cron expressions
	parser   cron.Parser
	expr     string
	schedule cron.Schedule

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	nextRun time.Time
	lastRun time.Time
}

// NewParser returns the parser used for rescan schedules: five fields, plus
// descriptors such as "@daily" and "@every 1h".
func NewParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// NewScheduler creates a scheduler for expr. An empty expression creates a
// scheduler that never fires.
func NewScheduler(expr string, rescanner Rescanner) (*Scheduler, error) {
	s := &Scheduler{
		rescanner: rescanner,
		logger:    slog.Default(),
		parser:    NewParser(),
		expr:      expr,
	}
	if expr != "" {
		schedule, err := s.parser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression: %w", err)
		}
		s.schedule = schedule
	}
	return s, nil
}

// WithLogger sets a custom logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger.With(slog.String("component", "scheduler"))
	return s
}

// Start begins the scheduler's background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}
	if s.schedule == nil {
		s.logger.Info("library rescan schedule disabled")
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.loop(s.ctx)

	s.logger.Info("scheduler started", slog.String("schedule", s.expr))
	return nil
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	started := s.ctx != nil
	s.ctx = nil
	s.cancel = nil
	s.nextRun = time.Time{}
	s.mu.Unlock()

	if started {
		s.logger.Info("scheduler stopped")
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		s.mu.Lock()
		s.nextRun = next
		s.mu.Unlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case fired := <-timer.C:
			s.mu.Lock()
			s.lastRun = fired
			s.mu.Unlock()

			s.logger.Info("scheduled library rescan", slog.Time("next_run", s.schedule.Next(fired)))
			s.rescanner.RequestRescan(ctx)
		}
	}
}

// NextRun returns when the schedule fires next, or zero when not running.
func (s *Scheduler) NextRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextRun
}

// LastRun returns when the schedule last fired.
func (s *Scheduler) LastRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun
}

// ParseCron validates a cron expression and returns the next run time.
func (s *Scheduler) ParseCron(expr string) (time.Time, error) {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule.Next(time.Now()), nil
}

// ValidateCron validates a cron expression.
func ValidateCron(expr string) error {
	if expr == "" {
		return nil
	}
	_, err := NewParser().Parse(expr)
	return err
}
