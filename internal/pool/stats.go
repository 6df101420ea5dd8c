package pool

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/prats-2311/story-sign-sub001/internal/limits"
	"github.com/prats-2311/story-sign-sub001/internal/metrics"
	"github.com/prats-2311/story-sign-sub001/internal/msgqueue"
	"github.com/prats-2311/story-sign-sub001/internal/pipeline"
	"github.com/prats-2311/story-sign-sub001/internal/quality"
)

// ClientInfo is one session's full telemetry view, served for
// stats_request and the pool's per-client lookup.
type ClientInfo struct {
	ClientID    string                 `json:"client_id"`
	Group       string                 `json:"group"`
	Healthy     bool                   `json:"healthy"`
	ConnectedAt time.Time              `json:"connected_at"`
	Metrics     metrics.ClientSnapshot `json:"metrics"`
	Quality     quality.Snapshot       `json:"quality"`
	Queue       msgqueue.Stats         `json:"queue"`
	Pipeline    pipeline.Stats         `json:"pipeline"`
	Limits      limits.State           `json:"limits"`
}

// Stats is the pool-wide aggregate. Traffic counters cover live and
// retired sessions; the rest describes the current session set.
type Stats struct {
	ActiveConnections   int            `json:"active_connections"`
	UnhealthySessions   int            `json:"unhealthy_sessions"`
	TotalConnections    int64          `json:"total_connections"`
	RejectedConnections int64          `json:"rejected_connections"`
	Groups              map[string]int `json:"groups"`

	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	BytesSent        uint64 `json:"bytes_sent"`
	BytesReceived    uint64 `json:"bytes_received"`
	FramesProcessed  uint64 `json:"frames_processed"`
	FramesDropped    uint64 `json:"frames_dropped"`
	FallbackFrames   uint64 `json:"fallback_frames"`
	Errors           uint64 `json:"errors"`
	QueueOverflows   uint64 `json:"queue_overflows"`

	UptimeSeconds float64                `json:"uptime_seconds"`
	System        metrics.SystemSnapshot `json:"system"`
}

// ClientInfo reports one session's snapshot.
func (p *Pool) ClientInfo(id string) (ClientInfo, bool) {
	s, ok := p.sessions.Load(id)
	if !ok {
		return ClientInfo{}, false
	}
	return s.info(), true
}

// Clients lists a snapshot of every live session.
func (p *Pool) Clients() []ClientInfo {
	out := make([]ClientInfo, 0, p.conns.Load())
	p.sessions.Range(func(_ string, s *session) bool {
		out = append(out, s.info())
		return true
	})
	return out
}

// Stats aggregates lifetime totals with the live session set.
func (p *Pool) Stats() Stats {
	st := Stats{
		ActiveConnections:   int(p.conns.Load()),
		TotalConnections:    p.totalConnections.Value(),
		RejectedConnections: p.rejectedConnections.Value(),
		Groups:              p.groupSizes(),
		UptimeSeconds:       time.Since(p.startedAt).Seconds(),
		System:              p.System(),
	}
	p.retired.fold(&st)

	p.sessions.Range(func(_ string, s *session) bool {
		if s.unhealthy.Load() {
			st.UnhealthySessions++
		}
		snap := s.metrics.Snapshot()
		st.MessagesSent += snap.MessagesSent
		st.MessagesReceived += snap.MessagesReceived
		st.BytesSent += snap.BytesSent
		st.BytesReceived += snap.BytesReceived
		st.FramesProcessed += snap.FramesProcessed
		st.FramesDropped += snap.FramesDropped
		st.FallbackFrames += snap.FallbackFrames
		st.Errors += snap.Errors
		st.QueueOverflows += snap.QueueOverflows
		return true
	})
	return st
}

func (p *Pool) groupSizes() map[string]int {
	p.groupMu.Lock()
	defer p.groupMu.Unlock()
	out := make(map[string]int, len(p.groups))
	for name, members := range p.groups {
		out[name] = len(members)
	}
	return out
}

// lifetimeCounters accumulates the traffic of retired sessions so pool
// totals survive disconnects. Absorb runs on reaper goroutines, so the
// counters are sharded rather than a mutex-guarded struct.
type lifetimeCounters struct {
	messagesSent     *xsync.Counter
	messagesReceived *xsync.Counter
	bytesSent        *xsync.Counter
	bytesReceived    *xsync.Counter
	framesProcessed  *xsync.Counter
	framesDropped    *xsync.Counter
	fallbackFrames   *xsync.Counter
	errors           *xsync.Counter
	queueOverflows   *xsync.Counter
}

func newLifetimeCounters() *lifetimeCounters {
	return &lifetimeCounters{
		messagesSent:     xsync.NewCounter(),
		messagesReceived: xsync.NewCounter(),
		bytesSent:        xsync.NewCounter(),
		bytesReceived:    xsync.NewCounter(),
		framesProcessed:  xsync.NewCounter(),
		framesDropped:    xsync.NewCounter(),
		fallbackFrames:   xsync.NewCounter(),
		errors:           xsync.NewCounter(),
		queueOverflows:   xsync.NewCounter(),
	}
}

func (l *lifetimeCounters) absorb(snap metrics.ClientSnapshot) {
	l.messagesSent.Add(int64(snap.MessagesSent))
	l.messagesReceived.Add(int64(snap.MessagesReceived))
	l.bytesSent.Add(int64(snap.BytesSent))
	l.bytesReceived.Add(int64(snap.BytesReceived))
	l.framesProcessed.Add(int64(snap.FramesProcessed))
	l.framesDropped.Add(int64(snap.FramesDropped))
	l.fallbackFrames.Add(int64(snap.FallbackFrames))
	l.errors.Add(int64(snap.Errors))
	l.queueOverflows.Add(int64(snap.QueueOverflows))
}

func (l *lifetimeCounters) fold(st *Stats) {
	st.MessagesSent += uint64(l.messagesSent.Value())
	st.MessagesReceived += uint64(l.messagesReceived.Value())
	st.BytesSent += uint64(l.bytesSent.Value())
	st.BytesReceived += uint64(l.bytesReceived.Value())
	st.FramesProcessed += uint64(l.framesProcessed.Value())
	st.FramesDropped += uint64(l.framesDropped.Value())
	st.FallbackFrames += uint64(l.fallbackFrames.Value())
	st.Errors += uint64(l.errors.Value())
	st.QueueOverflows += uint64(l.queueOverflows.Value())
}
