package threads

import "time"

// ComputeDurationMs sums consecutive deltas of an ascending timestamp list,
// discarding any delta above the gap threshold. Idle stretches between
// bursts of activity therefore do not count as active duration. Fewer than
// two timestamps yield zero.
func ComputeDurationMs(times []time.Time, gap time.Duration) int64 {
	if len(times) < 2 {
		return 0
	}
	var total time.Duration
	for i := 1; i < len(times); i++ {
		delta := times[i].Sub(times[i-1])
		if delta < 0 {
			continue
		}
		if delta > gap {
			continue
		}
		total += delta
	}
	return total.Milliseconds()
}
