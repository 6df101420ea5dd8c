package metrics

import (
	"sync"
	"time"
)

// ClientMetrics tracks per-session counters and rolling windows. All
// counters are monotone; rates are computed over short windows so they
// reflect recent behavior rather than session lifetime.
type ClientMetrics struct {
	mu sync.RWMutex

	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64

	FramesProcessed uint64
	FramesDropped   uint64
	FramesSkipped   uint64
	FallbackFrames  uint64
	Errors          uint64
	QueueOverflows  uint64

	lastProcessing time.Duration
	peakProcessing time.Duration

	processingMs *Window
	latencyMs    *Window
	dropEvents   *Window
	errorEvents  *Window

	lastActivity time.Time
	startTime    time.Time
}

func NewClientMetrics() *ClientMetrics {
	now := time.Now()
	return &ClientMetrics{
		processingMs: NewWindow(300, 10*time.Second),
		latencyMs:    NewWindow(120, 60*time.Second),
		dropEvents:   NewWindow(600, 10*time.Second),
		errorEvents:  NewWindow(600, 10*time.Second),
		lastActivity: now,
		startTime:    now,
	}
}

// RecordReceived notes an inbound message of the given size.
func (m *ClientMetrics) RecordReceived(bytes int) {
	m.mu.Lock()
	m.MessagesReceived++
	m.BytesReceived += uint64(bytes)
	m.lastActivity = time.Now()
	m.mu.Unlock()
}

// RecordSent notes an outbound message of the given size.
func (m *ClientMetrics) RecordSent(bytes int) {
	m.mu.Lock()
	m.MessagesSent++
	m.BytesSent += uint64(bytes)
	m.lastActivity = time.Now()
	m.mu.Unlock()
}

// RecordProcessed notes a successfully processed frame.
func (m *ClientMetrics) RecordProcessed(d time.Duration) {
	m.mu.Lock()
	m.FramesProcessed++
	m.lastProcessing = d
	if d > m.peakProcessing {
		m.peakProcessing = d
	}
	m.processingMs.Add(float64(d.Microseconds()) / 1000.0)
	m.dropEvents.Add(0)
	m.errorEvents.Add(0)
	m.mu.Unlock()
}

// RecordDropped notes a frame dropped by backpressure or batch collapse.
func (m *ClientMetrics) RecordDropped() {
	m.mu.Lock()
	m.FramesDropped++
	m.dropEvents.Add(1)
	m.mu.Unlock()
}

// RecordSkipped notes a frame skipped by the active profile.
func (m *ClientMetrics) RecordSkipped() {
	m.mu.Lock()
	m.FramesSkipped++
	m.mu.Unlock()
}

// RecordFallback notes a frame that degraded to the fallback response.
func (m *ClientMetrics) RecordFallback() {
	m.mu.Lock()
	m.FallbackFrames++
	m.errorEvents.Add(1)
	m.mu.Unlock()
}

// RecordError notes a processing or protocol error.
func (m *ClientMetrics) RecordError() {
	m.mu.Lock()
	m.Errors++
	m.errorEvents.Add(1)
	m.mu.Unlock()
}

// RecordOverflow notes an ingress queue overflow.
func (m *ClientMetrics) RecordOverflow() {
	m.mu.Lock()
	m.QueueOverflows++
	m.mu.Unlock()
}

// RecordLatency notes a client-reported network latency sample.
func (m *ClientMetrics) RecordLatency(ms float64) {
	m.mu.Lock()
	m.latencyMs.Add(ms)
	m.mu.Unlock()
}

// Touch refreshes the last-activity timestamp.
func (m *ClientMetrics) Touch() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
}

// IdleFor reports how long the client has been inactive.
func (m *ClientMetrics) IdleFor() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.lastActivity)
}

// ClientSnapshot is a point-in-time copy for logging and stats responses.
type ClientSnapshot struct {
	MessagesSent     uint64  `json:"messages_sent"`
	MessagesReceived uint64  `json:"messages_received"`
	BytesSent        uint64  `json:"bytes_sent"`
	BytesReceived    uint64  `json:"bytes_received"`
	FramesProcessed  uint64  `json:"frames_processed"`
	FramesDropped    uint64  `json:"frames_dropped"`
	FramesSkipped    uint64  `json:"frames_skipped"`
	FallbackFrames   uint64  `json:"fallback_frames"`
	Errors           uint64  `json:"errors"`
	QueueOverflows   uint64  `json:"queue_overflows"`
	LastProcessingMs float64 `json:"last_processing_ms"`
	AvgProcessingMs  float64 `json:"avg_processing_ms"`
	PeakProcessingMs float64 `json:"peak_processing_ms"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
	DropRatePercent  float64 `json:"drop_rate_percent"`
	ErrorRatePercent float64 `json:"error_rate_percent"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	IdleSeconds      float64 `json:"idle_seconds"`
}

// Snapshot copies the current state. Rates are percentages over the
// recent event windows.
func (m *ClientMetrics) Snapshot() ClientSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return ClientSnapshot{
		MessagesSent:     m.MessagesSent,
		MessagesReceived: m.MessagesReceived,
		BytesSent:        m.BytesSent,
		BytesReceived:    m.BytesReceived,
		FramesProcessed:  m.FramesProcessed,
		FramesDropped:    m.FramesDropped,
		FramesSkipped:    m.FramesSkipped,
		FallbackFrames:   m.FallbackFrames,
		Errors:           m.Errors,
		QueueOverflows:   m.QueueOverflows,
		LastProcessingMs: float64(m.lastProcessing.Microseconds()) / 1000.0,
		AvgProcessingMs:  m.processingMs.Mean(),
		PeakProcessingMs: float64(m.peakProcessing.Microseconds()) / 1000.0,
		AvgLatencyMs:     m.latencyMs.Mean(),
		DropRatePercent:  m.dropEvents.Mean() * 100,
		ErrorRatePercent: m.errorEvents.Mean() * 100,
		UptimeSeconds:    time.Since(m.startTime).Seconds(),
		IdleSeconds:      time.Since(m.lastActivity).Seconds(),
	}
}
