package msgqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/prats-2311/story-sign-sub001/internal/logging"
	"github.com/prats-2311/story-sign-sub001/internal/metrics"
)

var log = logging.L("msgqueue")

// Handler consumes one dequeued message. An error counts as a failed
// attempt and triggers a retry while attempts remain.
type Handler func(ctx context.Context, msg *Message) error

// Limiter is a token pool bounding concurrent message processing. One
// limiter may be shared by many processors to cap server-wide work.
type Limiter chan struct{}

func NewLimiter(n int) Limiter {
	if n <= 0 {
		n = 1
	}
	return make(Limiter, n)
}

// Config parameterizes a processor.
type Config struct {
	BatchSize    int
	BatchTimeout time.Duration
	// ProcessorCount is the number of worker loops.
	ProcessorCount int
	MaxRetries     int
	// RateLimit sizes the token pool when Limiter is nil.
	RateLimit int
	// Limiter optionally shares tokens across processors.
	Limiter Limiter
	// DequeueWait bounds each worker's blocking dequeue.
	DequeueWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:      1,
		BatchTimeout:   10 * time.Millisecond,
		ProcessorCount: 1,
		MaxRetries:     3,
		RateLimit:      8,
		DequeueWait:    time.Second,
	}
}

// Processor runs worker loops over a queue, invoking the registered
// handlers on every message. Sub-critical messages may be coalesced
// into synthetic batch messages before delivery.
type Processor struct {
	queue  *Queue
	cfg    Config
	tokens Limiter

	mu       sync.Mutex
	handlers []Handler
	pending  []*Message
	flush    *time.Timer

	processed uint64
	failed    uint64
	retried   uint64
	procTime  *metrics.Window
	rate      throughputCounter

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
	once   sync.Once
}

func NewProcessor(q *Queue, cfg Config) *Processor {
	if cfg.ProcessorCount <= 0 {
		cfg.ProcessorCount = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.DequeueWait <= 0 {
		cfg.DequeueWait = time.Second
	}
	tokens := cfg.Limiter
	if tokens == nil {
		tokens = NewLimiter(cfg.RateLimit)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		queue:    q,
		cfg:      cfg,
		tokens:   tokens,
		procTime: metrics.NewWindow(256, time.Minute),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterHandler adds a handler invoked for every processed message.
// Handlers registered after Start still apply to later messages.
func (p *Processor) RegisterHandler(h Handler) {
	p.mu.Lock()
	p.handlers = append(p.handlers, h)
	p.mu.Unlock()
}

// Start launches the worker loops.
func (p *Processor) Start() {
	for i := 0; i < p.cfg.ProcessorCount; i++ {
		p.wg.Go(p.worker)
	}
}

// Stop halts the workers, flushes any pending batch, and waits for
// in-flight handlers to return.
func (p *Processor) Stop() {
	p.once.Do(func() {
		p.cancel()
		p.wg.Wait()
		p.flushPending()
	})
}

func (p *Processor) worker() {
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		msg, ok := p.queue.Dequeue(p.cfg.DequeueWait)
		if !ok {
			if p.queue.IsClosed() && p.queue.Len() == 0 {
				return
			}
			continue
		}

		if p.cfg.BatchSize > 1 && msg.Priority < PriorityCritical {
			p.appendPending(msg)
			continue
		}
		p.process(p.ctx, msg)
	}
}

// appendPending buffers a sub-critical message, flushing when the
// batch fills. The first buffered message arms the flush timer.
func (p *Processor) appendPending(msg *Message) {
	p.mu.Lock()
	p.pending = append(p.pending, msg)
	full := len(p.pending) >= p.cfg.BatchSize
	if len(p.pending) == 1 && !full {
		p.flush = time.AfterFunc(p.cfg.BatchTimeout, p.flushPending)
	}
	p.mu.Unlock()

	if full {
		p.flushPending()
	}
}

// flushPending delivers the buffered messages: a singleton as itself,
// two or more wrapped in a synthetic batch message carrying the
// members' maximum priority.
func (p *Processor) flushPending() {
	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	if p.flush != nil {
		p.flush.Stop()
		p.flush = nil
	}
	p.mu.Unlock()

	switch len(batch) {
	case 0:
		return
	case 1:
		p.process(p.ctx, batch[0])
	default:
		prio := PriorityLow
		for _, m := range batch {
			if m.Priority > prio {
				prio = m.Priority
			}
		}
		p.process(p.ctx, &Message{
			ID:        uuid.NewString(),
			Kind:      KindBatch,
			Payload:   batch,
			Priority:  prio,
			CreatedAt: time.Now(),
		})
	}
}

// process invokes all handlers on one message under a rate-limit
// token. Handler panics are contained and treated as failures.
func (p *Processor) process(ctx context.Context, msg *Message) {
	acquired := false
	select {
	case p.tokens <- struct{}{}:
		acquired = true
	case <-ctx.Done():
		// The shutdown flush still delivers, just without rate limiting.
	}
	if acquired {
		defer func() { <-p.tokens }()
	}

	start := time.Now()
	err := p.invoke(ctx, msg)
	elapsed := time.Since(start)
	p.procTime.Add(float64(elapsed.Milliseconds()))

	if err != nil {
		p.handleFailure(msg, err)
		return
	}

	n := 1
	if members, ok := msg.Payload.([]*Message); ok && msg.Kind == KindBatch {
		n = len(members)
	}
	p.mu.Lock()
	p.processed += uint64(n)
	p.mu.Unlock()
	p.rate.tick(n, time.Now())
}

func (p *Processor) invoke(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("msgqueue: handler panic: %v", r)
		}
	}()

	p.mu.Lock()
	handlers := make([]Handler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// handleFailure re-enqueues the message at its original priority while
// retries remain, otherwise records a permanent failure.
func (p *Processor) handleFailure(msg *Message, err error) {
	msg.Retries++
	if msg.Retries < p.cfg.MaxRetries {
		p.mu.Lock()
		p.retried++
		p.mu.Unlock()
		if qerr := p.queue.push(msg, time.Now()); qerr == nil {
			return
		}
	}

	p.mu.Lock()
	p.failed++
	p.mu.Unlock()
	log.Warn("message processing failed",
		"kind", msg.Kind, "priority", msg.Priority.String(),
		"retries", msg.Retries, logging.KeyError, err)
}

// Stats snapshots processor and queue counters together.
func (p *Processor) Stats() Stats {
	now := time.Now()
	p.mu.Lock()
	processed, failed, retried := p.processed, p.failed, p.retried
	p.mu.Unlock()

	return Stats{
		QueueStats:       p.queue.Stats(),
		Processed:        processed,
		Failed:           failed,
		Retried:          retried,
		AvgProcessingMs:  p.procTime.Mean(),
		ThroughputPerSec: p.rate.rate(now),
	}
}
