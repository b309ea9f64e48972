package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/mbaxszy7/mnemora/internal/pkg/logger"
)

func TestDebouncedCoalescesBurst(t *testing.T) {
	var mu sync.Mutex
	var changes []Change
	d := NewDebounced(50*time.Millisecond, func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	}, logger.NewNop())

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	d.GraphChanged(base.Add(10*time.Minute), base.Add(20*time.Minute))
	d.GraphChanged(base, base.Add(5*time.Minute))
	d.GraphChanged(base.Add(15*time.Minute), base.Add(30*time.Minute))

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(changes)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("debounced notification never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 1 {
		t.Fatalf("burst produced %d notifications", len(changes))
	}
	got := changes[0]
	if got.Revision != 1 {
		t.Fatalf("revision: %d", got.Revision)
	}
	// The coalesced range is the union of the burst.
	if !got.FromTs.Equal(base) || !got.ToTs.Equal(base.Add(30*time.Minute)) {
		t.Fatalf("range: %v .. %v", got.FromTs, got.ToTs)
	}
}

func TestDebouncedRevisionMonotonic(t *testing.T) {
	var mu sync.Mutex
	var revisions []int64
	d := NewDebounced(10*time.Millisecond, func(c Change) {
		mu.Lock()
		revisions = append(revisions, c.Revision)
		mu.Unlock()
	}, logger.NewNop())

	now := time.Now()
	for i := 0; i < 3; i++ {
		d.GraphChanged(now, now.Add(time.Minute))
		time.Sleep(40 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(revisions) != 3 {
		t.Fatalf("got %d notifications, want 3", len(revisions))
	}
	for i, rev := range revisions {
		if rev != int64(i+1) {
			t.Fatalf("revisions not monotonic: %v", revisions)
		}
	}
}

func TestCloseFlushesPending(t *testing.T) {
	var mu sync.Mutex
	var changes []Change
	d := NewDebounced(time.Hour, func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	}, logger.NewNop())

	now := time.Now()
	d.GraphChanged(now, now.Add(time.Minute))
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 1 {
		t.Fatalf("close flushed %d notifications, want 1", len(changes))
	}
}
