// Package pool owns every live client session: admission against the
// connection ceiling, per-session ingress and egress workers, health
// probing, broadcast fan-out, and the graceful drain on shutdown.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sourcegraph/conc"

	"github.com/prats-2311/story-sign-sub001/internal/gesture"
	"github.com/prats-2311/story-sign-sub001/internal/landmark"
	"github.com/prats-2311/story-sign-sub001/internal/limits"
	"github.com/prats-2311/story-sign-sub001/internal/logging"
	"github.com/prats-2311/story-sign-sub001/internal/metrics"
	"github.com/prats-2311/story-sign-sub001/internal/msgqueue"
	"github.com/prats-2311/story-sign-sub001/internal/pipeline"
	"github.com/prats-2311/story-sign-sub001/internal/protocol"
	"github.com/prats-2311/story-sign-sub001/internal/quality"
	"github.com/prats-2311/story-sign-sub001/internal/workerpool"
)

var log = logging.L("pool")

var (
	// ErrCapacityExceeded rejects a connection over the pool ceiling.
	ErrCapacityExceeded = errors.New("pool: connection capacity exceeded")
	// ErrShuttingDown rejects a connection during the shutdown window.
	ErrShuttingDown = errors.New("pool: shutting down")
)

const (
	defaultGroup = "default"

	// drainTimeout bounds the background drain of a single dropped
	// session outside of shutdown.
	drainTimeout = 10 * time.Second

	// shutdownNoticeDelay gives the shutdown broadcast a moment on the
	// wire before connections start closing.
	shutdownNoticeDelay = 500 * time.Millisecond

	// systemSampleInterval paces the shared host telemetry sampler.
	systemSampleInterval = time.Second
)

// serverFeatures is advertised in connection_established.
var serverFeatures = []string{
	"frame_processing",
	"gesture_detection",
	"adaptive_quality",
	"practice_sessions",
	"batched_egress",
}

// Conn is the subset of *websocket.Conn the pool uses. Tests substitute
// an in-memory implementation.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Config tunes pool-wide ceilings and per-session buffers.
type Config struct {
	// MaxConnections is the admission ceiling.
	MaxConnections int
	// MaxQueueSize bounds each session's ingress queue.
	MaxQueueSize int
	// HealthCheckInterval paces idle checks and transport probes.
	HealthCheckInterval time.Duration
	// IdleTimeout disconnects sessions with no inbound traffic.
	IdleTimeout time.Duration
	// BatchSize flushes the egress batch when reached.
	BatchSize int
	// BatchTimeout flushes a partial batch after this long.
	BatchTimeout time.Duration
	// EgressBuffer sizes each session's batchable egress lane.
	EgressBuffer int
	// ShutdownGrace bounds the parallel session drain on shutdown.
	ShutdownGrace time.Duration
	// MaxInboundErrors disconnects a client after this many malformed
	// messages.
	MaxInboundErrors int
	// FrameTTL expires queued frames that waited too long to process.
	FrameTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConnections:      100,
		MaxQueueSize:        100,
		HealthCheckInterval: 30 * time.Second,
		IdleTimeout:         5 * time.Minute,
		BatchSize:           10,
		BatchTimeout:        10 * time.Millisecond,
		EgressBuffer:        100,
		ShutdownGrace:       30 * time.Second,
		MaxInboundErrors:    10,
		FrameTTL:            2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = def.MaxQueueSize
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = def.BatchTimeout
	}
	if c.EgressBuffer <= 0 {
		c.EgressBuffer = def.EgressBuffer
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = def.ShutdownGrace
	}
	if c.MaxInboundErrors <= 0 {
		c.MaxInboundErrors = def.MaxInboundErrors
	}
	if c.FrameTTL <= 0 {
		c.FrameTTL = def.FrameTTL
	}
	return c
}

// Deps wires the shared collaborators into every session the pool
// creates. Quality, Gesture, Pipeline, Queue and Limits are copied
// per session.
type Deps struct {
	// NewExtractor builds one landmark extractor per session.
	NewExtractor landmark.Factory
	// Analyzer dispatches gesture segments for all sessions.
	Analyzer pipeline.Analyzer
	// Workers is the shared CPU pool for decode and extract work.
	Workers *workerpool.Pool

	Quality  quality.Config
	Gesture  gesture.Config
	Pipeline pipeline.Config
	Queue    msgqueue.Config
	Limits   limits.Config

	// Version is echoed in connection_established.
	Version string
}

// Pool is the session registry. Lookups and the per-frame Send path
// never take a lock; only group membership sits behind a mutex.
type Pool struct {
	cfg  Config
	deps Deps

	sessions *xsync.MapOf[string, *session]
	conns    atomic.Int64

	groupMu sync.Mutex
	groups  map[string]map[string]*session

	accepting atomic.Bool
	startedAt time.Time

	// limiter caps concurrent frame processing across all sessions.
	limiter msgqueue.Limiter

	totalConnections    *xsync.Counter
	rejectedConnections *xsync.Counter
	retired             *lifetimeCounters

	sampler *metrics.SystemSampler
	system  atomic.Pointer[metrics.SystemSnapshot]

	done         chan struct{}
	bg           conc.WaitGroup
	reapers      conc.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

func New(cfg Config, deps Deps) *Pool {
	cfg = cfg.withDefaults()
	if deps.NewExtractor == nil {
		deps.NewExtractor = landmark.NewFactory(landmark.Config{})
	}
	if deps.Workers == nil {
		deps.Workers = workerpool.New(4, 64)
	}

	rate := deps.Queue.RateLimit
	if rate <= 0 {
		rate = 8
	}

	p := &Pool{
		cfg:                 cfg,
		deps:                deps,
		sessions:            xsync.NewMapOf[string, *session](),
		groups:              make(map[string]map[string]*session),
		startedAt:           time.Now(),
		limiter:             msgqueue.NewLimiter(rate),
		totalConnections:    xsync.NewCounter(),
		rejectedConnections: xsync.NewCounter(),
		retired:             newLifetimeCounters(),
		sampler:             metrics.NewSystemSampler(),
		done:                make(chan struct{}),
	}
	p.accepting.Store(true)
	p.system.Store(&metrics.SystemSnapshot{})

	p.bg.Go(p.healthLoop)
	p.bg.Go(p.samplerLoop)

	log.Info("connection pool started",
		"maxConnections", cfg.MaxConnections,
		"queueSize", cfg.MaxQueueSize,
		"healthInterval", cfg.HealthCheckInterval)
	return p
}

// System returns the most recent host sample.
func (p *Pool) System() metrics.SystemSnapshot {
	return *p.system.Load()
}

// Accepting reports whether new connections are admitted.
func (p *Pool) Accepting() bool { return p.accepting.Load() }

// Active is the current connection count.
func (p *Pool) Active() int { return int(p.conns.Load()) }

// reject closes a connection the pool will not serve, sending a close
// frame first so well-behaved clients see the reason.
func reject(conn Conn, closeCode int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, reason), deadline)
	conn.Close()
}

// Connect admits conn into the pool, queues connection_established on
// the priority lane, and starts the session loops. The returned id
// identifies the client in Send, ClientInfo and log lines.
func (p *Pool) Connect(conn Conn, group string) (string, error) {
	if !p.accepting.Load() {
		p.rejectedConnections.Inc()
		reject(conn, websocket.CloseGoingAway, "server shutting down")
		return "", ErrShuttingDown
	}

	for {
		n := p.conns.Load()
		if n >= int64(p.cfg.MaxConnections) {
			p.rejectedConnections.Inc()
			log.Warn("connection rejected at capacity", "activeConnections", n)
			reject(conn, websocket.CloseTryAgainLater, "server at capacity")
			return "", ErrCapacityExceeded
		}
		if p.conns.CompareAndSwap(n, n+1) {
			break
		}
	}

	if group == "" {
		group = defaultGroup
	}
	id := uuid.NewString()
	s := p.newSession(id, group, conn)
	p.sessions.Store(id, s)
	p.addToGroup(s)

	// A shutdown may have started between the admission check and the
	// registry write; back out before any loop starts.
	if !p.accepting.Load() {
		p.sessions.Delete(id)
		p.removeFromGroup(s)
		p.conns.Add(-1)
		p.rejectedConnections.Inc()
		reject(conn, websocket.CloseGoingAway, "server shutting down")
		s.close()
		return "", ErrShuttingDown
	}

	p.totalConnections.Inc()

	s.send(&protocol.ConnectionEstablished{
		Type:     protocol.TypeConnectionEstablished,
		ClientID: id,
		Features: serverFeatures,
		ServerInfo: protocol.ServerInfo{
			Version:          p.deps.Version,
			MaxFrameBytes:    protocol.MaxInboundMessageSize,
			TargetFrameRate:  s.quality.Current().FrameRate,
			GestureDetection: p.deps.Gesture.Enabled,
		},
		Timestamp: time.Now(),
	}, true, false)
	s.start()

	log.Info("client connected",
		logging.KeyClientID, id,
		"group", group,
		"activeConnections", p.conns.Load())
	return id, nil
}

func (p *Pool) newSession(id, group string, conn Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())

	s := &session{
		id:          id,
		group:       group,
		conn:        conn,
		cfg:         p.cfg,
		connectedAt: time.Now(),
		ingress:     msgqueue.NewQueue(p.cfg.MaxQueueSize),
		quality:     quality.NewController(id, p.deps.Quality),
		governor:    limits.NewGovernor(p.deps.Limits),
		metrics:     metrics.NewClientMetrics(),
		system:      p.System,
		prio:        make(chan []byte, priorityBuffer),
		out:         make(chan egressItem, p.cfg.EgressBuffer),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		onClose:     p.dropSession,
	}

	s.pipe = pipeline.New(ctx, p.deps.Pipeline, pipeline.Deps{
		ClientID:   id,
		Extractor:  p.deps.NewExtractor(),
		Machine:    gesture.NewMachine(id, p.deps.Gesture),
		Quality:    s.quality,
		Analyzer:   p.deps.Analyzer,
		Metrics:    s.metrics,
		Workers:    p.deps.Workers,
		System:     p.System,
		QueueDepth: s.ingress.Len,
		Emit:       s.emit,
	})

	qcfg := p.deps.Queue
	// One worker per session keeps per-client ordering; concurrency
	// comes from the shared limiter across sessions.
	qcfg.ProcessorCount = 1
	qcfg.Limiter = p.limiter
	s.processor = msgqueue.NewProcessor(s.ingress, qcfg)
	s.processor.RegisterHandler(s.dispatch)
	return s
}

// remove unregisters a session. The caller owns the returned session's
// teardown.
func (p *Pool) remove(id string) (*session, bool) {
	s, ok := p.sessions.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	p.removeFromGroup(s)
	p.conns.Add(-1)
	return s, true
}

// dropSession removes and tears down one session. Idempotent: the read
// loop, the health loop, the critical-error timer and Shutdown can all
// race here; LoadAndDelete picks one winner. The drain runs on a
// reaper goroutine because the read loop itself lands here on exit.
func (p *Pool) dropSession(id, reason string) {
	s, ok := p.remove(id)
	if !ok {
		return
	}
	s.close()

	log.Info("client disconnected",
		logging.KeyClientID, id,
		"reason", reason,
		logging.KeyDurationMs, time.Since(s.connectedAt).Milliseconds(),
		"activeConnections", p.conns.Load())

	p.reapers.Go(func() { p.retire(s, drainTimeout) })
}

// retire drains a session that is already out of the registry and
// folds its counters into the lifetime totals.
func (p *Pool) retire(s *session, grace time.Duration) {
	s.drain(grace)
	p.retired.absorb(s.metrics.Snapshot())
}

// Disconnect drops one session by id. Returns false for unknown ids.
func (p *Pool) Disconnect(id, reason string) bool {
	if _, ok := p.sessions.Load(id); !ok {
		return false
	}
	p.dropSession(id, reason)
	return true
}

// Send queues msg for one client. Priority bypasses batching. Returns
// false when the client is unknown or its egress lane refused the
// message.
func (p *Pool) Send(clientID string, msg any, priority bool) bool {
	s, ok := p.sessions.Load(clientID)
	if !ok {
		return false
	}
	return s.send(msg, priority, !priority)
}

// Broadcast queues msg for every session in group ("" means all),
// minus the excluded ids. Returns how many sessions accepted it.
func (p *Pool) Broadcast(msg any, group string, exclude map[string]struct{}, priority bool) int {
	sent := 0
	for _, s := range p.snapshotGroup(group) {
		if _, skip := exclude[s.id]; skip {
			continue
		}
		if s.send(msg, priority, !priority) {
			sent++
		}
	}
	return sent
}

func (p *Pool) snapshotGroup(group string) []*session {
	if group == "" {
		out := make([]*session, 0, p.conns.Load())
		p.sessions.Range(func(_ string, s *session) bool {
			out = append(out, s)
			return true
		})
		return out
	}

	p.groupMu.Lock()
	defer p.groupMu.Unlock()
	out := make([]*session, 0, len(p.groups[group]))
	for _, s := range p.groups[group] {
		out = append(out, s)
	}
	return out
}

func (p *Pool) addToGroup(s *session) {
	p.groupMu.Lock()
	defer p.groupMu.Unlock()
	g := p.groups[s.group]
	if g == nil {
		g = make(map[string]*session)
		p.groups[s.group] = g
	}
	g[s.id] = s
}

func (p *Pool) removeFromGroup(s *session) {
	p.groupMu.Lock()
	defer p.groupMu.Unlock()
	if g := p.groups[s.group]; g != nil {
		delete(g, s.id)
		if len(g) == 0 {
			delete(p.groups, s.group)
		}
	}
}

func (p *Pool) healthLoop() {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.checkSessions()
		}
	}
}

// checkSessions drops idle sessions and probes the rest. A session that
// fails its probe while already marked unhealthy is dropped; a first
// failure only marks it, giving one interval to recover via pong.
func (p *Pool) checkSessions() {
	p.sessions.Range(func(id string, s *session) bool {
		if s.metrics.IdleFor() > p.cfg.IdleTimeout {
			p.dropSession(id, "idle timeout")
			return true
		}
		if err := s.probe(); err != nil {
			if s.unhealthy.Load() {
				p.dropSession(id, "failed health check")
			} else {
				s.markUnhealthy()
			}
		}
		return true
	})
}

func (p *Pool) samplerLoop() {
	ticker := time.NewTicker(systemSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			snap := p.sampler.Sample()
			p.system.Store(&snap)
		}
	}
}

// Shutdown stops admissions, broadcasts the shutdown notice, gives it
// a moment on the wire, then closes and drains every session in
// parallel. The per-session drain window shrinks to fit ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() { p.shutdownErr = p.shutdown(ctx) })
	return p.shutdownErr
}

func (p *Pool) shutdown(ctx context.Context) error {
	p.accepting.Store(false)

	notified := p.Broadcast(&protocol.ServerShutdown{
		Type:      protocol.TypeServerShutdown,
		Message:   "server is shutting down",
		Timestamp: time.Now(),
	}, "", nil, true)
	log.Info("shutdown notice sent", "sessions", notified)

	select {
	case <-time.After(shutdownNoticeDelay):
	case <-ctx.Done():
	}

	grace := p.cfg.ShutdownGrace
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < grace {
			grace = remaining
		}
	}

	var wg conc.WaitGroup
	p.sessions.Range(func(id string, _ *session) bool {
		wg.Go(func() {
			if s, ok := p.remove(id); ok {
				s.close()
				p.retire(s, grace)
			}
		})
		return true
	})
	wg.Wait()

	close(p.done)
	p.reapers.Wait()
	p.bg.Wait()

	log.Info("connection pool stopped",
		"totalConnections", p.totalConnections.Value(),
		"rejectedConnections", p.rejectedConnections.Value())
	return ctx.Err()
}
