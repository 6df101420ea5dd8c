package quality

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Estimator windowing and confidence parameters.
const (
	estimatorWindow     = 30 * time.Second
	estimatorCapacity   = 300
	confidenceSamples   = 50
	latencyPenaltyStart = 50.0
	latencyPenaltySpan  = 200.0
	lossPenaltySpan     = 10.0
)

type estSample struct {
	throughput float64
	latency    float64
	loss       float64
	at         time.Time
}

// BandwidthEstimator blends several views of recent throughput samples
// into a single bandwidth figure with a confidence score. Latency and
// loss penalize the estimate so a fat but unstable link is not
// over-trusted.
type BandwidthEstimator struct {
	mu      sync.Mutex
	samples []estSample
}

func NewBandwidthEstimator() *BandwidthEstimator {
	return &BandwidthEstimator{}
}

// AddSample records one (throughput, latency, loss) observation.
func (e *BandwidthEstimator) AddSample(throughputMbps, latencyMs, lossPct float64) {
	e.addAt(throughputMbps, latencyMs, lossPct, time.Now())
}

func (e *BandwidthEstimator) addAt(throughputMbps, latencyMs, lossPct float64, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.prune(at)
	if len(e.samples) >= estimatorCapacity {
		e.samples = e.samples[1:]
	}
	e.samples = append(e.samples, estSample{
		throughput: throughputMbps,
		latency:    latencyMs,
		loss:       lossPct,
		at:         at,
	})
}

func (e *BandwidthEstimator) prune(now time.Time) {
	cutoff := now.Add(-estimatorWindow)
	i := 0
	for i < len(e.samples) && e.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		e.samples = e.samples[i:]
	}
}

// Estimate returns the blended bandwidth in Mbps and a confidence in
// [0,1]. Confidence rises with sample count (saturating at 50) and
// falls with relative variance.
func (e *BandwidthEstimator) Estimate() (mbps, confidence float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.prune(time.Now())
	n := len(e.samples)
	if n == 0 {
		return 0, 0
	}

	values := make([]float64, n)
	var mean, latPenalized, lossPenalized float64
	for i, s := range e.samples {
		values[i] = s.throughput
		mean += s.throughput

		latFactor := 1 - (s.latency-latencyPenaltyStart)/latencyPenaltySpan
		if latFactor < 0.1 {
			latFactor = 0.1
		}
		if latFactor > 1 {
			latFactor = 1
		}
		latPenalized += s.throughput * latFactor

		lossFactor := 1 - s.loss/lossPenaltySpan
		if lossFactor < 0.1 {
			lossFactor = 0.1
		}
		lossPenalized += s.throughput * lossFactor
	}
	mean /= float64(n)
	latPenalized /= float64(n)
	lossPenalized /= float64(n)

	sort.Float64s(values)
	median := percentileSorted(values, 50)
	p90 := percentileSorted(values, 90)

	mbps = 0.3*mean + 0.2*median + 0.2*p90 + 0.15*latPenalized + 0.15*lossPenalized

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(n)

	confidence = math.Min(1, float64(n)/confidenceSamples)
	if mean > 0 {
		confidence /= 1 + variance/(mean*mean)
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return mbps, confidence
}

// SampleCount reports the live sample count, for stats endpoints.
func (e *BandwidthEstimator) SampleCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prune(time.Now())
	return len(e.samples)
}

func percentileSorted(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := int(math.Ceil(p/100*float64(n))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= n {
		rank = n - 1
	}
	return sorted[rank]
}
