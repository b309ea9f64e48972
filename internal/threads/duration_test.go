package threads

import (
	"testing"
	"time"
)

func TestComputeDurationMs(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	at := func(ms int64) time.Time { return base.Add(time.Duration(ms) * time.Millisecond) }

	cases := []struct {
		name  string
		times []time.Time
		gap   time.Duration
		want  int64
	}{
		{name: "empty", times: nil, gap: 2 * time.Second, want: 0},
		{name: "single", times: []time.Time{at(0)}, gap: 2 * time.Second, want: 0},
		{
			name:  "gap excluded",
			times: []time.Time{at(0), at(1000), at(10000)},
			gap:   2 * time.Second,
			want:  1000,
		},
		{
			name:  "all within gap",
			times: []time.Time{at(0), at(500), at(1500)},
			gap:   2 * time.Second,
			want:  1500,
		},
		{
			name:  "delta exactly at gap counts",
			times: []time.Time{at(0), at(2000)},
			gap:   2 * time.Second,
			want:  2000,
		},
		{
			name:  "out of order delta skipped",
			times: []time.Time{at(1000), at(0), at(1500)},
			gap:   2 * time.Second,
			want:  1500,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ComputeDurationMs(tc.times, tc.gap); got != tc.want {
				t.Fatalf("got %d, want %d", got, tc.want)
			}
		})
	}
}
