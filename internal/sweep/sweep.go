// Package sweep runs the periodic workflow timeout sweep and validates
// template trigger schedules.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Ticker is the sweep target. It reports how many runs it transitioned.
type Ticker interface {
	Tick(ctx context.Context) (int, error)
}

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the sweeper.
type Config struct {
	Ticker   Ticker
	Logger   *slog.Logger
	Interval time.Duration // defaults to 1 minute if zero
}

// Sweeper invokes its Ticker at a fixed interval. Each invocation is
// idempotent on the Ticker side, so a missed or doubled interval never
// corrupts run state.
type Sweeper struct {
	ticker   Ticker
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Sweeper with the given config.
func New(cfg Config) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		ticker:   cfg.Ticker,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the sweep loop in a background goroutine. It respects the
// provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("workflow sweeper started", "interval", s.interval)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("workflow sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	n, err := s.ticker.Tick(ctx)
	if err != nil {
		s.logger.Error("sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("sweep timed out runs", "count", n)
	}
}

// ValidateTrigger checks that a template trigger is a well-formed 5-field
// cron expression. An empty trigger is valid: the template is reply-driven
// only.
func ValidateTrigger(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid trigger schedule %q: %w", expr, err)
	}
	return nil
}

// NextTrigger returns the next fire time of a trigger expression after the
// given time.
func NextTrigger(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
