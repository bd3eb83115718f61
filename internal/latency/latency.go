// Package latency implements the per-disk rolling-window latency
// aggregator: a fixed-size ring of summary buckets, each holding a top-K of
// the largest samples seen and a fixed-boundary histogram.
package latency

const (
	// TopK is the number of largest samples retained per bucket.
	TopK = 5
	// Buckets is the number of histogram buckets, B in the spec.
	Buckets = 7
	// One bucket per 5-minute tick: 12 per hour, 24 hours a day, 30 days.
	ticksPerHour = 12
	hoursPerDay  = 24
	daysInWindow = 30
	// WindowSize is N, the number of rolling-window entries.
	WindowSize = ticksPerHour * hoursPerDay * daysInWindow
)

// boundaries are the fixed millisecond boundaries for hist buckets 0..B-2;
// the final bucket (index B-1) is the overflow bucket for ms beyond the last
// finite boundary.
var boundaries = [Buckets - 1]float64{0.5, 1.0, 3.0, 7.0, 10.0, 15.0}

// Summary is one rolling-window bucket.
type Summary struct {
	TopLatencies [TopK]float64
	Hist         [Buckets]uint32
}

// AddSample folds one latency sample (milliseconds) into the bucket,
// updating the top-K and histogram per spec.md §4.2.
func (s *Summary) AddSample(ms float64) {
	if ms > s.TopLatencies[0] {
		i := 0
		for i < TopK-1 && ms > s.TopLatencies[i+1] {
			s.TopLatencies[i] = s.TopLatencies[i+1]
			i++
		}
		s.TopLatencies[i] = ms
	}

	bucket := Buckets - 1
	for i, b := range boundaries {
		if ms <= b {
			bucket = i
			break
		}
	}
	s.Hist[bucket]++
}

// Reset zeroes the bucket in place, as done when the write cursor advances
// onto it.
func (s *Summary) Reset() {
	*s = Summary{}
}

// Window is the rolling window of Summary buckets for one disk.
type Window struct {
	Entries  [WindowSize]Summary
	CurEntry int
}

// AddSample folds a sample into the current bucket.
func (w *Window) AddSample(ms float64) {
	w.Entries[w.CurEntry].AddSample(ms)
}

// Tick advances the write cursor by one bucket, wrapping modulo WindowSize,
// and zeroes the newly-current bucket. The source left the 30-day wraparound
// undefined; this reimplementation wraps explicitly per spec.md §9.
func (w *Window) Tick() {
	w.CurEntry = (w.CurEntry + 1) % WindowSize
	w.Entries[w.CurEntry].Reset()
}

// Current returns the bucket the write cursor currently points at.
func (w *Window) Current() Summary {
	return w.Entries[w.CurEntry]
}
