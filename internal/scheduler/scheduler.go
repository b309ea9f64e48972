package scheduler

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/mbaxszy7/mnemora/internal/config"
	"github.com/mbaxszy7/mnemora/internal/pkg/logger"
)

// Cycle is one stage's contribution to the polling loop: do one pass of
// stale recovery + dispatch, and report when the next row in its domain
// becomes due so the engine can sleep precisely.
type Cycle interface {
	Name() string
	RunCycle(ctx context.Context) error
	EarliestNextRun(ctx context.Context) (*time.Time, error)
}

// Scheduler drives one Cycle on a self-healing timer loop. It owns no
// persistent state; all durable scheduling information lives in the work
// records the Cycle consults.
type Scheduler struct {
	cfg      config.SchedulerConfig
	log      *logger.Logger
	cycle    Cycle
	inFlight atomic.Bool
	kick     chan struct{}
}

// Handle owns the background loop started by Start. Stop cancels the loop
// and blocks until any in-flight cycle has returned.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

func New(cycle Cycle, cfg config.SchedulerConfig, baseLog *logger.Logger) *Scheduler {
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = 30 * time.Second
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = 200 * time.Millisecond
	}
	if cfg.SoonDelay <= 0 {
		cfg.SoonDelay = time.Second
	}
	return &Scheduler{
		cfg:   cfg,
		log:   baseLog.With("component", "Scheduler", "cycle", cycle.Name()),
		cycle: cycle,
		kick:  make(chan struct{}, 1),
	}
}

// Kick requests an immediate wake, e.g. after new work was enqueued. It never
// blocks; a wake already queued is enough.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Start spawns the loop and returns ownership of its handle. The first wake
// happens after SoonDelay so a restart drains overdue work quickly instead of
// sleeping a full interval.
func (s *Scheduler) Start(ctx context.Context) *Handle {
	loopCtx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go s.loop(loopCtx, h.done)
	return h
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(s.cfg.SoonDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		delay := s.runOnce(ctx)
		timer.Reset(delay)
	}
}

// runOnce executes a single guarded cycle and returns the delay until the
// next wake. A cycle error or panic never kills the loop; both reschedule at
// the default interval.
func (s *Scheduler) runOnce(ctx context.Context) (delay time.Duration) {
	if !s.inFlight.CompareAndSwap(false, true) {
		// Previous cycle still running; check back shortly.
		return s.cfg.MinDelay
	}
	defer s.inFlight.Store(false)

	// A panic unwinds past the return below, so the named return must
	// already hold a sane delay or the loop would respin immediately.
	delay = s.cfg.DefaultInterval
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Cycle panicked", "panic", r)
		}
	}()

	if err := s.cycle.RunCycle(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("Cycle failed", "error", err)
	}
	return s.NextDelay(ctx, time.Now())
}

// NextDelay computes the post-cycle sleep: clamp(earliest-now, MinDelay,
// DefaultInterval). The lower bound prevents a tight loop on overdue work,
// the upper bound keeps the nominal cadence when nothing is known to be due.
// A failing EarliestNextRun means "no known deadline", not a fatal condition.
func (s *Scheduler) NextDelay(ctx context.Context, now time.Time) time.Duration {
	earliest, err := s.cycle.EarliestNextRun(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("EarliestNextRun failed, using default interval", "error", err)
		}
		return s.cfg.DefaultInterval
	}
	if earliest == nil {
		return s.cfg.DefaultInterval
	}
	delay := earliest.Sub(now)
	if delay < s.cfg.MinDelay {
		return s.cfg.MinDelay
	}
	if delay > s.cfg.DefaultInterval {
		return s.cfg.DefaultInterval
	}
	return delay
}

// ProcessingDelay is the adaptive reschedule for work that is waiting on
// upstream completion: more pending upstream work means a longer delay,
// linearly interpolated between min and max, plus bounded jitter so many
// windows created together do not wake in lockstep.
func ProcessingDelay(pendingRatio float64, min, max, jitter time.Duration) time.Duration {
	if pendingRatio < 0 {
		pendingRatio = 0
	}
	if pendingRatio > 1 {
		pendingRatio = 1
	}
	if max < min {
		max = min
	}
	d := min + time.Duration(pendingRatio*float64(max-min))
	if jitter > 0 {
		d += time.Duration(rand.Int63n(int64(jitter)))
	}
	return d
}
