package gesture

import (
	"math"
	"time"

	"github.com/prats-2311/story-sign-sub001/internal/landmark"
)

// VelocityTracker derives hand speed in normalized units per second
// from successive hand-center observations, averaged over a small
// window so single-frame jitter does not flip the state machine.
type VelocityTracker struct {
	window  int
	samples []float64
	prev    *landmark.Point
	prevAt  time.Time
}

func NewVelocityTracker(window int) *VelocityTracker {
	if window <= 0 {
		window = 5
	}
	return &VelocityTracker{window: window}
}

// Observe records one observation and returns the smoothed velocity.
// A nil center means hands were lost: tracking resets and velocity is 0.
func (t *VelocityTracker) Observe(center *landmark.Point, at time.Time) float64 {
	if center == nil {
		t.Reset()
		return 0
	}
	if t.prev == nil {
		t.prev = &landmark.Point{X: center.X, Y: center.Y}
		t.prevAt = at
		return 0
	}

	dt := at.Sub(t.prevAt).Seconds()
	if dt <= 0 {
		return t.smoothed()
	}
	v := math.Hypot(center.X-t.prev.X, center.Y-t.prev.Y) / dt

	t.samples = append(t.samples, v)
	if len(t.samples) > t.window {
		t.samples = t.samples[1:]
	}
	t.prev = &landmark.Point{X: center.X, Y: center.Y}
	t.prevAt = at
	return t.smoothed()
}

func (t *VelocityTracker) smoothed() float64 {
	if len(t.samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range t.samples {
		sum += v
	}
	return sum / float64(len(t.samples))
}

// Reset clears tracked position and the smoothing window.
func (t *VelocityTracker) Reset() {
	t.prev = nil
	t.samples = t.samples[:0]
}
