// Package pipeline drives the per-client frame path: profile-gated
// skipping and micro-batch collapse, decode, scale, landmark
// extraction, gesture stepping, re-encode, and the response build.
// One instance per client. ProcessFrame and HandleControl are invoked
// from the session's single ingress worker; the batch flush timer is
// the only other entrant, and everything serializes on one mutex so
// the gesture machine always sees a single driver.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prats-2311/story-sign-sub001/internal/codec"
	"github.com/prats-2311/story-sign-sub001/internal/gesture"
	"github.com/prats-2311/story-sign-sub001/internal/landmark"
	"github.com/prats-2311/story-sign-sub001/internal/logging"
	"github.com/prats-2311/story-sign-sub001/internal/metrics"
	"github.com/prats-2311/story-sign-sub001/internal/protocol"
	"github.com/prats-2311/story-sign-sub001/internal/quality"
	"github.com/prats-2311/story-sign-sub001/internal/workerpool"
)

var log = logging.L("pipeline")

const (
	defaultBatchWindow = 50 * time.Millisecond
	defaultMaxFailures = 5
)

// Config tunes the micro-batch window and the failure escalation
// threshold.
type Config struct {
	BatchWindow            time.Duration
	MaxConsecutiveFailures int
}

func DefaultConfig() Config {
	return Config{
		BatchWindow:            defaultBatchWindow,
		MaxConsecutiveFailures: defaultMaxFailures,
	}
}

// Analyzer dispatches frozen gesture segments off the hot path.
// Dispatch must not invoke deliver on the calling goroutine; the
// pipeline re-enters its own lock from the callback.
type Analyzer interface {
	Dispatch(clientID string, seg *gesture.Segment, deliver func(protocol.FeedbackPayload)) error
}

// Deps wires one client's pipeline into its session.
type Deps struct {
	ClientID  string
	Extractor landmark.Extractor
	Machine   *gesture.Machine
	Quality   *quality.Controller
	Analyzer  Analyzer
	Metrics   *metrics.ClientMetrics
	Workers   *workerpool.Pool

	// System returns the latest host sample; QueueDepth the current
	// ingress backlog. Both feed the quality controller.
	System     func() metrics.SystemSnapshot
	QueueDepth func() int

	// Emit sends one outbound message; priority selects the
	// non-batched egress lane.
	Emit func(msg any, priority bool)
}

type pendingFrame struct {
	raw      *protocol.RawFrame
	received time.Time
}

// Pipeline is the per-client frame processor.
type Pipeline struct {
	ctx  context.Context
	cfg  Config
	deps Deps
	log  *slog.Logger

	mu          sync.Mutex
	serverFrame int64
	failures    int
	pending     []pendingFrame
	flush       *time.Timer
	closed      bool
}

func New(ctx context.Context, cfg Config, deps Deps) *Pipeline {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = defaultBatchWindow
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = defaultMaxFailures
	}
	if deps.System == nil {
		deps.System = func() metrics.SystemSnapshot { return metrics.SystemSnapshot{} }
	}
	if deps.QueueDepth == nil {
		deps.QueueDepth = func() int { return 0 }
	}
	return &Pipeline{
		ctx:  ctx,
		cfg:  cfg,
		deps: deps,
		log:  logging.WithClient(log, deps.ClientID),
	}
}

// ProcessFrame runs one inbound frame through the profile-gated path.
// Responses leave through Emit, not the return path, so a pending
// micro-batch never blocks the ingress worker.
func (p *Pipeline) ProcessFrame(ctx context.Context, raw *protocol.RawFrame, received time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	p.observeEcho(raw)
	profile := p.deps.Quality.Current()
	p.serverFrame++

	if profile.SkipFrames > 0 && p.serverFrame%int64(profile.SkipFrames+1) != 0 {
		p.deps.Metrics.RecordSkipped()
		p.emitSkipped(raw, profile)
		return
	}

	if profile.BatchSize > 1 {
		p.pending = append(p.pending, pendingFrame{raw: raw, received: received})
		if len(p.pending) >= profile.BatchSize {
			p.collapseLocked(ctx, profile)
		} else if p.flush == nil {
			p.flush = time.AfterFunc(p.cfg.BatchWindow, p.flushBatch)
		}
		return
	}

	p.processLocked(ctx, raw, received, profile, 0)
}

// flushBatch closes a micro-batch that filled out its window without
// reaching the profile's batch size.
func (p *Pipeline) flushBatch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flush = nil
	if p.closed || len(p.pending) == 0 {
		return
	}
	p.collapseLocked(p.ctx, p.deps.Quality.Current())
}

// collapseLocked processes the newest pending frame and counts the
// rest as dropped. Reordering is confined to the batch: nothing newer
// has been accepted while it was open.
func (p *Pipeline) collapseLocked(ctx context.Context, profile quality.Profile) {
	if p.flush != nil {
		p.flush.Stop()
		p.flush = nil
	}
	batch := p.pending
	p.pending = nil

	newest := batch[len(batch)-1]
	for range batch[:len(batch)-1] {
		p.deps.Metrics.RecordDropped()
	}
	p.processLocked(ctx, newest.raw, newest.received, profile, len(batch)-1)
}

func (p *Pipeline) processLocked(ctx context.Context, raw *protocol.RawFrame, received time.Time, profile quality.Profile, collapsed int) {
	start := time.Now()

	var out stageResult
	err := p.deps.Workers.Do(ctx, func() {
		out = runStages(p.deps.Extractor, raw.FrameData, profile)
	})
	if err != nil {
		p.fallbackLocked(raw, profile, collapsed,
			protocol.E(protocol.KindCapacity, protocol.CodePoolAtCapacity, "worker pool unavailable", err))
		return
	}
	if out.err != nil {
		p.fallbackLocked(raw, profile, collapsed, protocol.AsError(out.err))
		return
	}

	step := p.deps.Machine.Step(out.res, time.Now())

	elapsed := time.Since(start)
	p.failures = 0
	p.deps.Metrics.RecordProcessed(elapsed)

	p.deps.Emit(&protocol.ProcessedFrame{
		Type:      protocol.TypeProcessedFrame,
		FrameData: out.encoded,
		LandmarksDetected: protocol.LandmarksDetected{
			Hands: out.res.Hands,
			Face:  out.res.Face,
			Pose:  out.res.Pose,
		},
		Metadata: protocol.ProcessedFrameMetadata{
			FrameNumber:         raw.Metadata.FrameNumber,
			ServerFrameNumber:   p.serverFrame,
			ProcessingTimeMs:    ms(elapsed),
			TotalPipelineTimeMs: ms(time.Since(received)),
			QualityProfile:      profile.Name,
			GestureState:        step.State.String(),
			CollapsedFrames:     collapsed,
		},
		Success: true,
	}, false)

	p.feedPerformanceLocked(elapsed)

	if step.Frozen != nil {
		p.dispatchAnalysis(step.Frozen)
	}
}

type stageResult struct {
	res     *landmark.Result
	encoded string
	err     error
}

// runStages performs the CPU-bound stages: decode, scale, extract,
// re-encode. It runs inside a worker-pool task so the cooperative
// ingress loop never carries pixel work.
func runStages(ex landmark.Extractor, frameData string, profile quality.Profile) stageResult {
	img, _, err := codec.Decode(frameData)
	if err != nil {
		return stageResult{err: protocol.E(protocol.KindValidation,
			protocol.CodeInvalidFrameData, "frame decode failed", err)}
	}
	if profile.ResolutionScale > 0 && profile.ResolutionScale < 1 {
		img = codec.Scale(img, profile.ResolutionScale)
	}
	res, err := ex.Extract(img, landmark.Complexity(profile.ExtractorComplexity))
	if err != nil {
		return stageResult{err: protocol.E(protocol.KindInternalProcessing,
			protocol.CodeExtractorFailure, "landmark extraction failed", err)}
	}
	encoded, err := codec.EncodeBase64(res.Annotated, profile.EncodeQuality)
	if err != nil {
		return stageResult{err: protocol.E(protocol.KindInternalProcessing,
			protocol.CodeProcessingFailed, "frame encode failed", err)}
	}
	return stageResult{res: res, encoded: encoded}
}

// fallbackLocked answers a failed frame with the original payload so
// the client keeps rendering, and escalates to a critical error after
// repeated consecutive failures.
func (p *Pipeline) fallbackLocked(raw *protocol.RawFrame, profile quality.Profile, collapsed int, cerr *protocol.Error) {
	p.failures++
	p.deps.Metrics.RecordFallback()
	p.log.Warn("frame degraded to fallback",
		logging.KeyFrameNumber, raw.Metadata.FrameNumber,
		logging.KeyErrorID, cerr.ID,
		logging.KeyError, cerr)

	if p.failures >= p.cfg.MaxConsecutiveFailures {
		p.failures = 0
		p.deps.Metrics.RecordError()
		crit := protocol.E(protocol.KindCritical, protocol.CodeTooManyErrors,
			"repeated frame processing failures", cerr)
		p.log.Error("escalating to critical error", logging.KeyErrorID, crit.ID)
		p.deps.Emit(protocol.NewCriticalErrorMessage(crit), true)
		return
	}

	p.deps.Emit(&protocol.ProcessedFrame{
		Type:      protocol.TypeProcessedFrame,
		FrameData: raw.FrameData,
		Metadata: protocol.ProcessedFrameMetadata{
			FrameNumber:       raw.Metadata.FrameNumber,
			ServerFrameNumber: p.serverFrame,
			QualityProfile:    profile.Name,
			CollapsedFrames:   collapsed,
		},
		Success:  false,
		Fallback: true,
		Error: &protocol.WireError{
			Message:      cerr.Message,
			ErrorCode:    cerr.Code,
			ErrorID:      cerr.ID,
			RetryAllowed: cerr.RetryAllowed,
		},
	}, false)
}

func (p *Pipeline) emitSkipped(raw *protocol.RawFrame, profile quality.Profile) {
	p.deps.Emit(&protocol.ProcessedFrame{
		Type:    protocol.TypeProcessedFrame,
		Success: true,
		Metadata: protocol.ProcessedFrameMetadata{
			FrameNumber:       raw.Metadata.FrameNumber,
			ServerFrameNumber: p.serverFrame,
			QualityProfile:    profile.Name,
			Skipped:           true,
		},
	}, false)
}

// observeEcho feeds client-echoed latency/throughput into the quality
// controller.
func (p *Pipeline) observeEcho(raw *protocol.RawFrame) {
	md := raw.Metadata
	if md.NetworkLatencyMs <= 0 && md.ThroughputMbps <= 0 {
		return
	}
	p.deps.Quality.ObserveNetwork(quality.NetworkMetrics{
		LatencyMs:      md.NetworkLatencyMs,
		ThroughputMbps: md.ThroughputMbps,
	})
	if md.NetworkLatencyMs > 0 {
		p.deps.Metrics.RecordLatency(md.NetworkLatencyMs)
	}
}

func (p *Pipeline) feedPerformanceLocked(elapsed time.Duration) {
	snap := p.deps.Metrics.Snapshot()
	sys := p.deps.System()
	p.deps.Quality.ObservePerformance(quality.PerformanceMetrics{
		CPUPercent:      sys.CPUPercent,
		MemoryPercent:   sys.MemoryPercent,
		MemoryMB:        float64(sys.ProcessRSSMB),
		ProcessingMs:    ms(elapsed),
		QueueDepth:      float64(p.deps.QueueDepth()),
		DropRatePercent: snap.DropRatePercent,
		ErrRatePercent:  snap.ErrorRatePercent,
	})
}

// dispatchAnalysis hands a frozen segment off. Feedback arrives on the
// dispatcher's goroutine and leaves on the priority lane before the
// machine resumes.
func (p *Pipeline) dispatchAnalysis(seg *gesture.Segment) {
	if p.deps.Analyzer == nil {
		p.deps.Machine.CompleteAnalysis()
		return
	}
	err := p.deps.Analyzer.Dispatch(p.deps.ClientID, seg, func(fb protocol.FeedbackPayload) {
		p.deps.Emit(&protocol.ASLFeedback{Type: protocol.TypeASLFeedback, Data: fb}, true)
		p.mu.Lock()
		p.deps.Machine.CompleteAnalysis()
		p.mu.Unlock()
	})
	if err != nil {
		// Unstick the machine; it would otherwise wait on an analysis
		// that never started.
		p.log.Warn("analysis dispatch rejected", logging.KeyError, err)
		p.deps.Machine.CompleteAnalysis()
	}
}

// HandleControl executes one practice-session control action and acks
// it on the priority lane.
func (p *Pipeline) HandleControl(ctl *protocol.Control, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	m := p.deps.Machine
	switch ctl.Action {
	case protocol.ActionStartSession:
		var data protocol.StartSessionData
		if err := json.Unmarshal(ctl.Data, &data); err != nil {
			p.controlError(ctl.Action, protocol.CodeInvalidControl, "start_session needs {id, sentences}")
			return
		}
		if data.SessionID == "" {
			data.SessionID = uuid.NewString()
		}
		if err := m.StartSession(data.SessionID, data.Sentences, now); err != nil {
			p.controlError(ctl.Action, protocol.CodeInvalidControl, err.Error())
			return
		}
		p.sessionResponse(ctl.Action, "")

	case protocol.ActionNextSentence:
		if m.SessionID() == "" {
			p.controlError(ctl.Action, protocol.CodeSessionNotFound, "no active practice session")
			return
		}
		_, last := m.NextSentence()
		resp := p.buildSessionResponse(ctl.Action, "")
		resp.Completed = last
		p.deps.Emit(resp, true)

	case protocol.ActionTryAgain:
		if m.SessionID() == "" {
			p.controlError(ctl.Action, protocol.CodeSessionNotFound, "no active practice session")
			return
		}
		m.TryAgain()
		p.sessionResponse(ctl.Action, "")

	case protocol.ActionCompleteStory:
		if m.SessionID() == "" {
			p.controlError(ctl.Action, protocol.CodeSessionNotFound, "no active practice session")
			return
		}
		sessionID := m.SessionID()
		total := m.TotalSentences()
		completed, dur := m.CompleteStory(now)
		p.deps.Emit(&protocol.PracticeSessionResponse{
			Type:            protocol.TypePracticeSessionResponse,
			Action:          ctl.Action,
			Success:         true,
			SessionID:       sessionID,
			SentenceIndex:   completed,
			TotalSentences:  total,
			Completed:       true,
			DurationSeconds: dur.Seconds(),
			Message:         fmt.Sprintf("completed %d of %d sentences", completed, total),
		}, true)

	case protocol.ActionStopSession:
		m.StopSession()
		p.deps.Emit(&protocol.ControlResponse{
			Type:    protocol.TypeControlResponse,
			Action:  ctl.Action,
			Success: true,
			Message: "session stopped",
		}, true)

	case protocol.ActionSetFeedback:
		var data protocol.SetFeedbackData
		if len(ctl.Data) > 0 {
			if err := json.Unmarshal(ctl.Data, &data); err != nil {
				p.controlError(ctl.Action, protocol.CodeInvalidControl, "set_feedback payload malformed")
				return
			}
		}
		if data.AutoAdvance != nil {
			m.SetAutoAdvance(*data.AutoAdvance)
		}
		p.deps.Emit(&protocol.ControlResponse{
			Type:    protocol.TypeControlResponse,
			Action:  ctl.Action,
			Success: true,
		}, true)

	default:
		p.controlError(ctl.Action, protocol.CodeInvalidControl, "unknown control action")
	}
}

func (p *Pipeline) buildSessionResponse(action, message string) *protocol.PracticeSessionResponse {
	m := p.deps.Machine
	return &protocol.PracticeSessionResponse{
		Type:            protocol.TypePracticeSessionResponse,
		Action:          action,
		Success:         true,
		SessionID:       m.SessionID(),
		CurrentSentence: m.CurrentSentence(),
		SentenceIndex:   m.SentenceIndex(),
		TotalSentences:  m.TotalSentences(),
		Message:         message,
	}
}

func (p *Pipeline) sessionResponse(action, message string) {
	p.deps.Emit(p.buildSessionResponse(action, message), true)
}

func (p *Pipeline) controlError(action, code, msg string) {
	p.deps.Emit(&protocol.ControlResponse{
		Type:    protocol.TypeControlResponse,
		Action:  action,
		Success: false,
		Message: msg,
		Error:   code,
	}, true)
}

// Stats reports pipeline-internal counters not covered by the client
// metrics snapshot. The gesture state is read here because the machine
// is only ever touched under the pipeline's lock.
type Stats struct {
	ServerFrames        int64  `json:"server_frames"`
	PendingBatch        int    `json:"pending_batch"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	GestureState        string `json:"gesture_state"`
}

func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		ServerFrames:        p.serverFrame,
		PendingBatch:        len(p.pending),
		ConsecutiveFailures: p.failures,
		GestureState:        p.deps.Machine.State().String(),
	}
}

// Close drops any pending batch and stops the flush timer. Frames
// arriving afterwards are ignored.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.flush != nil {
		p.flush.Stop()
		p.flush = nil
	}
	for range p.pending {
		p.deps.Metrics.RecordDropped()
	}
	p.pending = nil
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
