package msgqueue

import (
	"sync"
	"time"
)

// throughputCounter tracks processed-message counts in per-second
// buckets over a rolling 60 second window.
type throughputCounter struct {
	mu      sync.Mutex
	buckets [60]uint64
	stamps  [60]int64
}

func (t *throughputCounter) tick(n int, now time.Time) {
	sec := now.Unix()
	idx := sec % 60
	t.mu.Lock()
	if t.stamps[idx] != sec {
		t.stamps[idx] = sec
		t.buckets[idx] = 0
	}
	t.buckets[idx] += uint64(n)
	t.mu.Unlock()
}

// rate returns messages per second averaged over the window.
func (t *throughputCounter) rate(now time.Time) float64 {
	sec := now.Unix()
	var total uint64
	t.mu.Lock()
	for i := range t.buckets {
		if sec-t.stamps[i] < 60 {
			total += t.buckets[i]
		}
	}
	t.mu.Unlock()
	return float64(total) / 60
}

// Stats merges queue-side and processor-side counters.
type Stats struct {
	QueueStats
	Processed        uint64  `json:"processed"`
	Failed           uint64  `json:"failed"`
	Retried          uint64  `json:"retried"`
	AvgProcessingMs  float64 `json:"avg_processing_ms"`
	ThroughputPerSec float64 `json:"throughput_per_sec"`
}
