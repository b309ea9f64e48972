package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/mbaxszy7/mnemora/internal/pkg/logger"
)

// Lane names. Realtime carries never-attempted work, recovery carries
// retries and backlog. The split exists so a deep backlog cannot starve
// fresh work, and fresh bursts cannot starve retries indefinitely.
const (
	LaneRealtime = "realtime"
	LaneRecovery = "recovery"
)

type Lanes[T any] struct {
	Realtime []T
	Recovery []T
}

type Options[T any] struct {
	Lanes       Lanes[T]
	Concurrency int
	// LaneWeights is the realtime:recovery ratio for the round-robin
	// sequence. Zero values default to 3:1.
	RealtimeWeight int
	RecoveryWeight int
	// MaxItems caps how many items this call dispatches in total.
	MaxItems int
	Handler  func(ctx context.Context, lane string, item T) error
	// OnError is invoked per failing item; the default logs and continues.
	// One failing item never aborts its siblings.
	OnError func(lane string, item T, err error)
}

// laneQueues is the shared pop state across workers.
type laneQueues[T any] struct {
	mu        sync.Mutex
	realtime  []T
	recovery  []T
	sequence  []string
	cursor    int
	remaining int
}

// next pops the next item according to the weighted round-robin sequence,
// falling back to a fixed-priority scan when the scheduled lane is empty.
func (q *laneQueues[T]) next() (string, T, bool) {
	var zero T
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.remaining <= 0 {
		return "", zero, false
	}
	for range q.sequence {
		lane := q.sequence[q.cursor%len(q.sequence)]
		q.cursor++
		if item, ok := q.pop(lane); ok {
			q.remaining--
			return lane, item, true
		}
	}
	// Scheduled lane(s) empty; take whatever is left, realtime first.
	for _, lane := range []string{LaneRealtime, LaneRecovery} {
		if item, ok := q.pop(lane); ok {
			q.remaining--
			return lane, item, true
		}
	}
	return "", zero, false
}

func (q *laneQueues[T]) pop(lane string) (T, bool) {
	var zero T
	switch lane {
	case LaneRealtime:
		if len(q.realtime) > 0 {
			item := q.realtime[0]
			q.realtime = q.realtime[1:]
			return item, true
		}
	case LaneRecovery:
		if len(q.recovery) > 0 {
			item := q.recovery[0]
			q.recovery = q.recovery[1:]
			return item, true
		}
	}
	return zero, false
}

func weightedSequence(realtime, recovery int) []string {
	if realtime <= 0 {
		realtime = 3
	}
	if recovery <= 0 {
		recovery = 1
	}
	seq := make([]string, 0, realtime+recovery)
	for realtime > 0 || recovery > 0 {
		if realtime > 0 {
			seq = append(seq, LaneRealtime)
			realtime--
		}
		if recovery > 0 {
			seq = append(seq, LaneRecovery)
			recovery--
		}
	}
	return seq
}

// ProcessInLanes fans the ready items of both lanes out to min(Concurrency,
// total) workers in weighted round-robin order. This is cooperative ordering
// only: it controls the order items enter the downstream limiter, it does
// not preempt calls already in flight. It returns once every dispatched
// item's handler has returned.
func ProcessInLanes[T any](ctx context.Context, log *logger.Logger, opts Options[T]) {
	total := len(opts.Lanes.Realtime) + len(opts.Lanes.Recovery)
	if total == 0 || opts.Handler == nil {
		return
	}
	if opts.MaxItems > 0 && opts.MaxItems < total {
		total = opts.MaxItems
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	if workers > total {
		workers = total
	}
	onError := opts.OnError
	if onError == nil {
		onError = func(lane string, item T, err error) {
			log.Warn("Lane item failed", "lane", lane, "error", err)
		}
	}

	queues := &laneQueues[T]{
		realtime:  opts.Lanes.Realtime,
		recovery:  opts.Lanes.Recovery,
		sequence:  weightedSequence(opts.RealtimeWeight, opts.RecoveryWeight),
		remaining: total,
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				lane, item, ok := queues.next()
				if !ok {
					return
				}
				if err := runItem(ctx, opts.Handler, lane, item); err != nil {
					onError(lane, item, err)
				}
			}
		}()
	}
	wg.Wait()
}

// runItem isolates a single handler call, converting panics into errors so
// one misbehaving item cannot take down the worker or the scheduler loop.
func runItem[T any](ctx context.Context, handler func(context.Context, string, T) error, lane string, item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{val: r}
		}
	}()
	return handler(ctx, lane, item)
}

type panicError struct{ val any }

func (e *panicError) Error() string { return fmt.Sprintf("handler panic: %v", e.val) }
