package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/prats-2311/story-sign-sub001/internal/limits"
	"github.com/prats-2311/story-sign-sub001/internal/logging"
	"github.com/prats-2311/story-sign-sub001/internal/metrics"
	"github.com/prats-2311/story-sign-sub001/internal/msgqueue"
	"github.com/prats-2311/story-sign-sub001/internal/pipeline"
	"github.com/prats-2311/story-sign-sub001/internal/protocol"
	"github.com/prats-2311/story-sign-sub001/internal/quality"
)

const (
	// writeWait bounds every wire write, control frames included.
	writeWait = 10 * time.Second

	// transportReadLimit is the hard gorilla read cap. It sits well
	// above the protocol limit so oversize messages arrive intact and
	// get a proper error response instead of a dead connection.
	transportReadLimit = 4 * protocol.MaxInboundMessageSize

	// priorityBuffer sizes the egress lane that bypasses batching.
	priorityBuffer = 16

	// criticalCloseDelay is how long a critical_error gets to leave
	// before the session is torn down.
	criticalCloseDelay = 250 * time.Millisecond

	// tickInterval paces quality adaptation and resource checks.
	tickInterval = time.Second
)

// egressItem is one queued outbound message. noBatch forces the
// pending batch out and sends the message on its own.
type egressItem struct {
	data    []byte
	noBatch bool
}

// session is one connected client: its socket, ingress queue, frame
// pipeline, quality controller and egress lanes. The read loop is the
// only reader of the socket; the egress loop is the only writer of
// data frames.
type session struct {
	id    string
	group string
	conn  Conn
	cfg   Config

	connectedAt time.Time

	ingress   *msgqueue.Queue
	processor *msgqueue.Processor
	pipe      *pipeline.Pipeline
	quality   *quality.Controller
	governor  *limits.Governor
	metrics   *metrics.ClientMetrics
	system    func() metrics.SystemSnapshot

	prio chan []byte
	out  chan egressItem

	ctx    context.Context
	cancel context.CancelFunc

	unhealthy atomic.Bool
	faults    atomic.Int64
	closed    atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	onClose func(id, reason string)
}

// start launches the session loops. The connection_established message
// must already sit on the priority lane so nothing can overtake it.
func (s *session) start() {
	s.processor.Start()
	s.wg.Add(3)
	go s.readLoop()
	go s.egressLoop()
	go s.tickLoop()
}

// readLoop owns the socket's read side. It exits on any read error or
// once the inbound fault threshold is crossed, and always reports the
// session for teardown on the way out.
func (s *session) readLoop() {
	defer s.wg.Done()

	reason := "connection closed"
	defer func() { s.onClose(s.id, reason) }()

	// Two silent health-check rounds with no traffic or pong mean the
	// peer is gone; the expired deadline fails the blocked read.
	readWait := 2 * s.cfg.HealthCheckInterval

	s.conn.SetReadLimit(transportReadLimit)
	s.conn.SetPongHandler(func(string) error {
		s.metrics.Touch()
		s.markHealthy()
		s.conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		s.conn.SetReadDeadline(time.Now().Add(readWait))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() &&
				websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("read failed", logging.KeyClientID, s.id, logging.KeyError, err)
				reason = "read error"
			}
			return
		}

		s.metrics.RecordReceived(len(data))
		s.handleInbound(data)

		if s.faults.Load() >= int64(s.cfg.MaxInboundErrors) {
			cerr := protocol.E(protocol.KindCritical, protocol.CodeTooManyErrors,
				"too many malformed messages", nil)
			log.Warn("inbound fault threshold crossed",
				logging.KeyClientID, s.id,
				logging.KeyErrorID, cerr.ID,
				"faults", s.faults.Load())
			s.send(protocol.NewCriticalErrorMessage(cerr), true, false)
			s.awaitEgress(criticalCloseDelay)
			reason = "inbound error threshold"
			return
		}
	}
}

// handleInbound routes one wire message. Frames and controls go
// through the ingress queue so the pipeline sees a single driver; ping
// and stats_request are answered inline on the priority lane.
func (s *session) handleInbound(data []byte) {
	if len(data) > protocol.MaxInboundMessageSize {
		s.fault(protocol.CodeFrameTooLarge,
			fmt.Sprintf("message of %d bytes exceeds the %d byte limit",
				len(data), protocol.MaxInboundMessageSize), nil)
		return
	}

	typ, err := protocol.PeekType(data)
	if err != nil {
		s.fault(protocol.CodeInvalidJSON, "message is not valid JSON or has no type", err)
		return
	}

	switch typ {
	case protocol.TypeRawFrame:
		var frame protocol.RawFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.fault(protocol.CodeInvalidJSON, "malformed raw_frame payload", err)
			return
		}
		if _, err := s.ingress.Enqueue(protocol.TypeRawFrame, &frame, msgqueue.PriorityNormal, s.cfg.FrameTTL); err != nil {
			// Dropped frames are deliberate backpressure, not errors:
			// the client sees the gap in frame numbers and the stats
			// channel, never an error message.
			s.metrics.RecordDropped()
			s.metrics.RecordOverflow()
			return
		}

	case protocol.TypeControl:
		var ctl protocol.Control
		if err := json.Unmarshal(data, &ctl); err != nil {
			s.fault(protocol.CodeInvalidJSON, "malformed control payload", err)
			return
		}
		if _, err := s.ingress.Enqueue(protocol.TypeControl, &ctl, msgqueue.PriorityHigh, 0); err != nil {
			s.metrics.RecordOverflow()
			werr := protocol.E(protocol.KindCapacity, protocol.CodeQueueFull,
				"control queue full, retry shortly", err)
			s.send(protocol.NewErrorMessage(werr), true, false)
			return
		}

	case protocol.TypePing:
		var ping protocol.Ping
		if err := json.Unmarshal(data, &ping); err != nil {
			s.fault(protocol.CodeInvalidJSON, "malformed ping payload", err)
			return
		}
		s.send(&protocol.Pong{
			Type:       protocol.TypePong,
			Timestamp:  ping.Timestamp,
			ServerTime: time.Now(),
		}, true, false)

	case protocol.TypeStatsRequest:
		s.send(s.statsMessage(), true, false)

	default:
		s.fault(protocol.CodeUnknownType, fmt.Sprintf("unknown message type %q", typ), nil)
	}
}

// fault records one malformed inbound message and answers with a
// recoverable error. The read loop disconnects the client once the
// count crosses the configured threshold.
func (s *session) fault(code, message string, cause error) {
	s.faults.Add(1)
	s.metrics.RecordError()
	werr := protocol.E(protocol.KindValidation, code, message, cause)
	log.Warn("inbound message rejected",
		logging.KeyClientID, s.id,
		logging.KeyErrorID, werr.ID,
		"code", code,
		logging.KeyError, werr)
	s.send(protocol.NewErrorMessage(werr), true, false)
}

// dispatch is the ingress processor handler. The processor is pinned
// to a single worker, so frames and controls reach the pipeline in
// arrival order.
func (s *session) dispatch(ctx context.Context, msg *msgqueue.Message) error {
	switch msg.Kind {
	case msgqueue.KindBatch:
		for _, inner := range msg.Payload.([]*msgqueue.Message) {
			_ = s.dispatch(ctx, inner)
		}
	case protocol.TypeRawFrame:
		s.pipe.ProcessFrame(ctx, msg.Payload.(*protocol.RawFrame), msg.CreatedAt)
	case protocol.TypeControl:
		s.pipe.HandleControl(msg.Payload.(*protocol.Control), time.Now())
	}
	return nil
}

// emit is the pipeline's send hook. A critical error additionally
// schedules the session's teardown once the message has had a chance
// to leave.
func (s *session) emit(msg any, priority bool) {
	s.send(msg, priority, !priority)
	if _, ok := msg.(*protocol.CriticalErrorMessage); ok {
		time.AfterFunc(criticalCloseDelay, func() {
			s.onClose(s.id, "critical processing error")
		})
	}
}

// send marshals msg onto an egress lane. Priority messages bypass
// batching and are attempted even while unhealthy; batchable sends are
// refused once the session is unhealthy or the lane is full.
func (s *session) send(msg any, priority, mayBatch bool) bool {
	if s.closed.Load() {
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error("egress marshal failed", logging.KeyClientID, s.id, logging.KeyError, err)
		return false
	}

	if priority {
		select {
		case s.prio <- data:
			return true
		default:
			s.metrics.RecordOverflow()
			s.markUnhealthy()
			return false
		}
	}

	if s.unhealthy.Load() {
		return false
	}
	select {
	case s.out <- egressItem{data: data, noBatch: !mayBatch}:
		return true
	default:
		s.metrics.RecordOverflow()
		s.markUnhealthy()
		return false
	}
}

func (s *session) markUnhealthy() {
	if !s.unhealthy.Swap(true) {
		log.Warn("session marked unhealthy", logging.KeyClientID, s.id)
	}
}

func (s *session) markHealthy() {
	if s.unhealthy.Swap(false) {
		log.Info("session healthy again", logging.KeyClientID, s.id)
	}
}

// tickLoop drives the once-a-second work: quality adaptation and the
// resource governor. Enforcement answers with a forced profile
// downgrade; the governor itself has already hinted a collection.
func (s *session) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.quality.Adapt(now)

			snap := s.metrics.Snapshot()
			sys := s.system()
			decision := s.governor.Check(limits.Usage{
				EstimatedBytes: s.estimateFootprint(snap),
				CPUPercent:     sys.CPUPercent,
			})
			if decision.Enforce {
				log.Warn("resource ceiling enforced",
					logging.KeyClientID, s.id,
					"estimatedBytes", s.estimateFootprint(snap),
					"cpuPercent", sys.CPUPercent)
				s.quality.ForceDowngrade("resource limit enforcement")
			}
		}
	}
}

// estimateFootprint feeds the governor's footprint model with the
// session's queue depths and average observed message sizes.
func (s *session) estimateFootprint(snap metrics.ClientSnapshot) uint64 {
	var inAvg, outAvg float64
	if snap.MessagesReceived > 0 {
		inAvg = float64(snap.BytesReceived) / float64(snap.MessagesReceived)
	}
	if snap.MessagesSent > 0 {
		outAvg = float64(snap.BytesSent) / float64(snap.MessagesSent)
	}
	return limits.EstimateFootprint(s.ingress.Len(), inAvg, len(s.out)+len(s.prio), outAvg)
}

// awaitEgress gives the egress loop up to d to put already queued
// priority messages on the wire before the caller closes the session.
func (s *session) awaitEgress(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if len(s.prio) == 0 {
			// The last dequeued message may still be mid-write.
			time.Sleep(5 * time.Millisecond)
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// probe sends a transport-level ping; the pong handler marks the
// session healthy again. An error means the connection is gone.
func (s *session) probe() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *session) statsMessage() *protocol.StatsMessage {
	info := s.info()
	return &protocol.StatsMessage{
		Type:           protocol.TypeStats,
		ClientID:       s.id,
		CurrentProfile: info.Quality.Profile.Name,
		Metrics:        info,
		UptimeSeconds:  info.Metrics.UptimeSeconds,
	}
}

func (s *session) info() ClientInfo {
	return ClientInfo{
		ClientID:    s.id,
		Group:       s.group,
		Healthy:     !s.unhealthy.Load(),
		ConnectedAt: s.connectedAt,
		Metrics:     s.metrics.Snapshot(),
		Quality:     s.quality.Snapshot(),
		Queue:       s.processor.Stats(),
		Pipeline:    s.pipe.Stats(),
		Limits:      s.governor.State(),
	}
}

// close makes the session unusable and unblocks all three loops. Safe
// to call more than once; the first caller wins.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		close(s.done)
		s.conn.Close()
	})
}

// drain closes the session, stops ingress, and waits for the in-flight
// frame, the pipeline and all loops. Bounded by timeout; a session
// stuck past it is abandoned with a warning.
func (s *session) drain(timeout time.Duration) {
	s.close()
	s.ingress.Close()

	finished := make(chan struct{})
	go func() {
		s.processor.Stop()
		s.pipe.Close()
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(timeout):
		log.Warn("session drain timed out", logging.KeyClientID, s.id)
	}
}
