package pool

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/prats-2311/story-sign-sub001/internal/logging"
	"github.com/prats-2311/story-sign-sub001/internal/protocol"
)

const (
	// egressWait bounds one idle pass of the egress loop: whatever is
	// pending flushes after at most this long, and the keepalive check
	// runs at this cadence.
	egressWait = time.Second

	// keepaliveAfter is how long the wire may stay silent before the
	// loop sends a keepalive.
	keepaliveAfter = 30 * time.Second
)

// egressLoop is the session's only data-frame writer. Batchable
// messages accumulate until the batch fills, the batch timer fires, or
// the wait timer expires; priority messages overtake the batch and go
// out on their own. Single pending messages leave unwrapped.
func (s *session) egressLoop() {
	defer s.wg.Done()

	var (
		pending [][]byte
		flush   *time.Timer
		flushC  <-chan time.Time
	)
	disarm := func() {
		if flush != nil {
			flush.Stop()
			flush, flushC = nil, nil
		}
	}
	flushNow := func() bool {
		disarm()
		return s.flushPending(&pending)
	}

	lastSend := time.Now()
	wait := time.NewTimer(egressWait)
	defer wait.Stop()

	for {
		// Priority first: anything on the fast lane overtakes the batch.
		select {
		case data := <-s.prio:
			if s.write(data) {
				lastSend = time.Now()
			}
			continue
		default:
		}

		if !wait.Stop() {
			select {
			case <-wait.C:
			default:
			}
		}
		wait.Reset(egressWait)

		select {
		case <-s.done:
			s.drainPriority()
			flushNow()
			return

		case data := <-s.prio:
			if s.write(data) {
				lastSend = time.Now()
			}

		case item := <-s.out:
			if item.noBatch {
				flushNow()
				if s.write(item.data) {
					lastSend = time.Now()
				}
				continue
			}
			pending = append(pending, item.data)
			if len(pending) >= s.cfg.BatchSize {
				if flushNow() {
					lastSend = time.Now()
				}
			} else if flush == nil {
				flush = time.NewTimer(s.cfg.BatchTimeout)
				flushC = flush.C
			}

		case <-flushC:
			if flushNow() {
				lastSend = time.Now()
			}

		case <-wait.C:
			if flushNow() {
				lastSend = time.Now()
				continue
			}
			if time.Since(lastSend) >= keepaliveAfter {
				data, err := json.Marshal(&protocol.Keepalive{
					Type:      protocol.TypeKeepalive,
					Timestamp: time.Now(),
				})
				if err == nil && s.write(data) {
					lastSend = time.Now()
				}
			}
		}
	}
}

// flushPending writes the accumulated batch: a single message goes out
// unwrapped, several get one batch envelope.
func (s *session) flushPending(pending *[][]byte) bool {
	msgs := *pending
	if len(msgs) == 0 {
		return false
	}
	defer func() { *pending = msgs[:0] }()

	if len(msgs) == 1 {
		return s.write(msgs[0])
	}

	batch := protocol.Batch{
		Type:     protocol.TypeBatch,
		Count:    len(msgs),
		Messages: make([]json.RawMessage, len(msgs)),
	}
	for i, m := range msgs {
		batch.Messages[i] = json.RawMessage(m)
	}
	data, err := json.Marshal(&batch)
	if err != nil {
		log.Error("batch marshal failed", logging.KeyClientID, s.id, logging.KeyError, err)
		return false
	}
	return s.write(data)
}

// drainPriority empties the fast lane best-effort during teardown so a
// queued shutdown notice or critical error still reaches the wire.
func (s *session) drainPriority() {
	for {
		select {
		case data := <-s.prio:
			s.write(data)
		default:
			return
		}
	}
}

// write puts one text frame on the wire. Errors mark the session
// unhealthy; the health loop decides whether it gets dropped.
func (s *session) write(data []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if !s.closed.Load() {
			log.Warn("write failed", logging.KeyClientID, s.id, logging.KeyError, err)
		}
		s.metrics.RecordError()
		s.markUnhealthy()
		return false
	}
	s.metrics.RecordSent(len(data))
	return true
}
