package notify

import (
	"sync"
	"time"

	"github.com/mbaxszy7/mnemora/internal/pkg/logger"
)

// Change is the coalesced "the graph moved" event handed to the UI/IPC
// layer. Revision increases monotonically per emitted notification; FromTs
// and ToTs cover the union of all writes folded into it.
type Change struct {
	Revision int64     `json:"revision"`
	FromTs   time.Time `json:"from_ts"`
	ToTs     time.Time `json:"to_ts"`
}

// Notifier is what stage processors call after a successful write.
type Notifier interface {
	GraphChanged(fromTs, toTs time.Time)
}

// Sink receives the debounced notifications. Out-of-scope consumers plug in
// here.
type Sink func(Change)

// Debounced coalesces bursts of writes over a fixed window so that one batch
// of graph activity produces one notification instead of dozens.
type Debounced struct {
	mu       sync.Mutex
	log      *logger.Logger
	window   time.Duration
	sink     Sink
	pending  *Change
	timer    *time.Timer
	revision int64
}

func NewDebounced(window time.Duration, sink Sink, baseLog *logger.Logger) *Debounced {
	if window <= 0 {
		window = 800 * time.Millisecond
	}
	return &Debounced{
		log:    baseLog.With("component", "ChangeNotifier"),
		window: window,
		sink:   sink,
	}
}

func (d *Debounced) GraphChanged(fromTs, toTs time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		d.pending = &Change{FromTs: fromTs, ToTs: toTs}
	} else {
		if fromTs.Before(d.pending.FromTs) {
			d.pending.FromTs = fromTs
		}
		if toTs.After(d.pending.ToTs) {
			d.pending.ToTs = toTs
		}
	}
	if d.timer != nil {
		d.timer.Reset(d.window)
		return
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

func (d *Debounced) flush() {
	d.mu.Lock()
	change := d.pending
	d.pending = nil
	d.timer = nil
	if change != nil {
		d.revision++
		change.Revision = d.revision
	}
	sink := d.sink
	d.mu.Unlock()

	if change == nil || sink == nil {
		return
	}
	sink(*change)
}

// Close flushes anything still pending. Safe to call once at shutdown.
func (d *Debounced) Close() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
	d.flush()
}
