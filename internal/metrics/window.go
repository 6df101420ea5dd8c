// Package metrics holds the rolling sample windows and per-client
// counters that drive quality adaptation and operator visibility.
package metrics

import (
	"math"
	"sort"
	"time"
)

type sample struct {
	value float64
	at    time.Time
}

// Window is a bounded rolling sample buffer. Samples older than maxAge
// are pruned on access; when full, the oldest sample is evicted first.
// Not safe for concurrent use; owners wrap it in their own lock.
type Window struct {
	samples  []sample
	capacity int
	maxAge   time.Duration
}

// NewWindow creates a window holding at most capacity samples no older
// than maxAge. maxAge <= 0 disables age-based pruning.
func NewWindow(capacity int, maxAge time.Duration) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{
		samples:  make([]sample, 0, capacity),
		capacity: capacity,
		maxAge:   maxAge,
	}
}

// Add records a sample timestamped now.
func (w *Window) Add(v float64) {
	w.AddAt(v, time.Now())
}

// AddAt records a sample with an explicit timestamp.
func (w *Window) AddAt(v float64, at time.Time) {
	w.prune(at)
	if len(w.samples) >= w.capacity {
		w.samples = w.samples[1:]
	}
	w.samples = append(w.samples, sample{value: v, at: at})
}

func (w *Window) prune(now time.Time) {
	if w.maxAge <= 0 {
		return
	}
	cutoff := now.Add(-w.maxAge)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = w.samples[i:]
	}
}

// Len returns the number of live samples.
func (w *Window) Len() int {
	w.prune(time.Now())
	return len(w.samples)
}

// Values returns the live sample values, oldest first.
func (w *Window) Values() []float64 {
	w.prune(time.Now())
	out := make([]float64, len(w.samples))
	for i, s := range w.samples {
		out[i] = s.value
	}
	return out
}

// Mean returns the arithmetic mean, or 0 with no samples.
func (w *Window) Mean() float64 {
	w.prune(time.Now())
	if len(w.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range w.samples {
		sum += s.value
	}
	return sum / float64(len(w.samples))
}

// Median returns the median value, or 0 with no samples.
func (w *Window) Median() float64 {
	return w.Percentile(50)
}

// Percentile returns the p-th percentile (nearest-rank), or 0 with no
// samples.
func (w *Window) Percentile(p float64) float64 {
	w.prune(time.Now())
	n := len(w.samples)
	if n == 0 {
		return 0
	}
	vals := make([]float64, n)
	for i, s := range w.samples {
		vals[i] = s.value
	}
	sort.Float64s(vals)
	rank := int(math.Ceil(p/100*float64(n))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= n {
		rank = n - 1
	}
	return vals[rank]
}

// Variance returns the population variance, or 0 with fewer than two
// samples.
func (w *Window) Variance() float64 {
	w.prune(time.Now())
	n := len(w.samples)
	if n < 2 {
		return 0
	}
	mean := 0.0
	for _, s := range w.samples {
		mean += s.value
	}
	mean /= float64(n)

	var sq float64
	for _, s := range w.samples {
		d := s.value - mean
		sq += d * d
	}
	return sq / float64(n)
}

// Max returns the largest live sample, or 0 with no samples.
func (w *Window) Max() float64 {
	w.prune(time.Now())
	if len(w.samples) == 0 {
		return 0
	}
	max := w.samples[0].value
	for _, s := range w.samples[1:] {
		if s.value > max {
			max = s.value
		}
	}
	return max
}
