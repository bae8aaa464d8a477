package consolidation

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSweepSchedule is used when no schedule is configured.
const DefaultSweepSchedule = "@every 1m"

// SweepTarget is anything that can check all of its live instances against
// the consolidation policy.
type SweepTarget interface {
	Sweep(ctx context.Context) int
}

// SweepFunc adapts a plain function to SweepTarget.
type SweepFunc func(ctx context.Context) int

func (f SweepFunc) Sweep(ctx context.Context) int { return f(ctx) }

// Sweeper periodically asks a SweepTarget to consolidate instances whose
// generations have aged past the policy, so an idle conversation does not
// hold its buffer until the next input arrives.
type Sweeper struct {
	cron     *cron.Cron
	target   SweepTarget
	schedule string
	logger   zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewSweeper registers target on schedule (standard 5-field cron or a
// descriptor like "@every 30s").
func NewSweeper(target SweepTarget, schedule string, logger zerolog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sweeper{
		cron:     cron.New(),
		target:   target,
		schedule: schedule,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		cancel()
		return nil, fmt.Errorf("consolidation: sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins firing on the schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info().Str("schedule", s.schedule).Msg("sweeper started")
}

// Stop halts the schedule and waits for a sweep in flight to finish or ctx
// to expire.
func (s *Sweeper) Stop(ctx context.Context) {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	s.logger.Info().Msg("sweeper stopped")
}

func (s *Sweeper) run() {
	if n := s.target.Sweep(s.ctx); n > 0 {
		s.logger.Debug().Int("swept", n).Msg("sweep finished")
	}
}
