package ingest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pressroom/pressroom/pkg/telemetry"
)

// AlertFunc is invoked when sync runs fail repeatedly. The count is the
// number of consecutive run-level failures so far.
type AlertFunc func(consecutiveFailures int, lastErr error)

// SchedulerConfig holds the periodic sync tunables.
type SchedulerConfig struct {
	// Interval between runs. Default 5m.
	Interval time.Duration

	// AlertThreshold is the consecutive run-level failure count that fires
	// the alert hook. Default 3.
	AlertThreshold int
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.AlertThreshold <= 0 {
		c.AlertThreshold = 3
	}
	return c
}

// Scheduler drives the sync engine on a fixed interval. Run-level failures
// never stop the schedule; they are counted and surfaced through the alert
// hook once the threshold is reached.
type Scheduler struct {
	cfg      SchedulerConfig
	interval atomic.Int64
	changed  chan struct{}
	engine   *Engine
	alert    AlertFunc
	logger   zerolog.Logger
}

// NewScheduler creates a periodic sync scheduler. alert may be nil.
func NewScheduler(cfg SchedulerConfig, engine *Engine, alert AlertFunc, logger zerolog.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:     cfg,
		changed: make(chan struct{}, 1),
		engine:  engine,
		alert:   alert,
		logger:  logger.With().Str("component", "sync-scheduler").Logger(),
	}
	s.interval.Store(int64(cfg.Interval))
	return s
}

// SetInterval changes the schedule, taking effect immediately. Non-positive
// values are ignored.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.interval.Store(int64(d))
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Run executes one run immediately, then ticks until the context is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	failures := 0
	s.runOnce(ctx, &failures)

	current := time.Duration(s.interval.Load())
	ticker := time.NewTicker(current)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.changed:
			if d := time.Duration(s.interval.Load()); d != current {
				current = d
				ticker.Reset(current)
				s.logger.Info().Dur("interval", current).Msg("Sync interval updated")
			}
		case <-ticker.C:
			s.runOnce(ctx, &failures)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, failures *int) {
	if ctx.Err() != nil {
		return
	}

	source := s.engine.SourceName()
	runCtx := telemetry.WithSyncRunContext(ctx, source)
	stats, err := s.engine.RunOnce(runCtx)
	telemetry.EndSyncRunContext(runCtx, source, stats.Processed, stats.Created, stats.Updated, stats.Errors, err)
	if err == nil {
		*failures = 0
		return
	}

	*failures++
	s.logger.Error().Err(err).
		Int("consecutive_failures", *failures).
		Msg("Scheduled sync run failed")

	if *failures >= s.cfg.AlertThreshold && s.alert != nil {
		s.alert(*failures, err)
	}
}
