// Package analysis grades frozen gesture segments against their target
// sentence through the external scoring model. Analysis runs off the
// frame path: the pipeline keeps serving frames while a request is in
// flight, and at most one request per client is outstanding.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sourcegraph/conc"

	"github.com/prats-2311/story-sign-sub001/internal/gesture"
	"github.com/prats-2311/story-sign-sub001/internal/llm"
	"github.com/prats-2311/story-sign-sub001/internal/logging"
	"github.com/prats-2311/story-sign-sub001/internal/protocol"
)

var log = logging.L("analysis")

var ErrAnalysisInFlight = errors.New("analysis: client already has an analysis in flight")

const systemPrompt = `You are an encouraging American Sign Language coach.
Given movement statistics from a student's signing attempt and the sentence
they were practicing, grade the attempt. Respond with JSON:
{"feedback": string, "confidence_score": number between 0 and 1,
"suggestions": [string], "analysis_summary": string}.`

// Config tunes the dispatcher.
type Config struct {
	Model string
	// Timeout bounds one analysis end to end, retries included.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Model:   "gpt-4o-mini",
		Timeout: 30 * time.Second,
	}
}

// Dispatcher runs analyses on background goroutines with a per-client
// single-flight guard.
type Dispatcher struct {
	client llm.ChatClient
	cfg    Config

	inflight *xsync.MapOf[string, struct{}]
	wg       conc.WaitGroup

	dispatched *xsync.Counter
	completed  *xsync.Counter
	failed     *xsync.Counter
}

func NewDispatcher(client llm.ChatClient, cfg Config) *Dispatcher {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Dispatcher{
		client:     client,
		cfg:        cfg,
		inflight:   xsync.NewMapOf[string, struct{}](),
		dispatched: xsync.NewCounter(),
		completed:  xsync.NewCounter(),
		failed:     xsync.NewCounter(),
	}
}

// Dispatch schedules the segment for analysis. The deliver callback
// runs exactly once on a dispatcher goroutine, with either the model's
// feedback or a canned error record; it never runs synchronously.
func (d *Dispatcher) Dispatch(clientID string, seg *gesture.Segment, deliver func(protocol.FeedbackPayload)) error {
	if _, loaded := d.inflight.LoadOrStore(clientID, struct{}{}); loaded {
		return ErrAnalysisInFlight
	}
	d.dispatched.Inc()

	d.wg.Go(func() {
		defer d.inflight.Delete(clientID)
		deliver(d.analyze(clientID, seg))
	})
	return nil
}

// InFlight reports whether the client has an outstanding analysis.
func (d *Dispatcher) InFlight(clientID string) bool {
	_, ok := d.inflight.Load(clientID)
	return ok
}

// Wait blocks until all outstanding analyses have delivered.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Stats reports lifetime dispatcher counters.
type Stats struct {
	Dispatched int64 `json:"dispatched"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched: d.dispatched.Value(),
		Completed:  d.completed.Value(),
		Failed:     d.failed.Value(),
	}
}

// modelFeedback is the JSON shape the scoring model is asked for.
type modelFeedback struct {
	Feedback        string   `json:"feedback"`
	ConfidenceScore float64  `json:"confidence_score"`
	Suggestions     []string `json:"suggestions"`
	AnalysisSummary string   `json:"analysis_summary"`
}

func (d *Dispatcher) analyze(clientID string, seg *gesture.Segment) protocol.FeedbackPayload {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := d.client.CreateChatCompletion(ctx, d.buildRequest(seg))
	if err != nil {
		d.failed.Inc()
		log.Warn("analysis request failed",
			logging.KeyClientID, clientID, logging.KeyError, err,
			logging.KeyDurationMs, time.Since(start).Milliseconds())
		return errorFeedback(seg.Sentence)
	}

	content := llm.FirstChoice(resp)
	if content == "" {
		d.failed.Inc()
		log.Warn("analysis returned no content", logging.KeyClientID, clientID)
		return errorFeedback(seg.Sentence)
	}

	var out modelFeedback
	if err := llm.UnmarshalContent(content, &out); err != nil {
		d.failed.Inc()
		log.Warn("analysis response unparseable",
			logging.KeyClientID, clientID, logging.KeyError, err)
		return errorFeedback(seg.Sentence)
	}

	d.completed.Inc()
	return protocol.FeedbackPayload{
		TargetSentence:  seg.Sentence,
		Feedback:        out.Feedback,
		ConfidenceScore: clamp01(out.ConfidenceScore),
		Suggestions:     out.Suggestions,
		AnalysisSummary: out.AnalysisSummary,
	}
}

func (d *Dispatcher) buildRequest(seg *gesture.Segment) openai.ChatCompletionRequest {
	summary, _ := json.Marshal(summarize(seg))

	return openai.ChatCompletionRequest{
		Model: d.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				Content: fmt.Sprintf("Target sentence: %q\nAttempt statistics: %s",
					seg.Sentence, summary),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
}

// segmentSummary condenses a capture into the statistics the model
// grades against; raw keypoints stay server-side.
type segmentSummary struct {
	DurationMs    int64   `json:"duration_ms"`
	FrameCount    int     `json:"frame_count"`
	EvictedFrames int     `json:"evicted_frames,omitempty"`
	HandsCoverage float64 `json:"hands_coverage"`
	FaceCoverage  float64 `json:"face_coverage"`
	PoseCoverage  float64 `json:"pose_coverage"`
}

func summarize(seg *gesture.Segment) segmentSummary {
	s := segmentSummary{
		DurationMs:    seg.FrozenAt.Sub(seg.StartedAt).Milliseconds(),
		FrameCount:    len(seg.Snapshots),
		EvictedFrames: seg.Evicted,
	}
	if len(seg.Snapshots) == 0 {
		return s
	}
	var hands, face, pose int
	for _, snap := range seg.Snapshots {
		if snap.Hands {
			hands++
		}
		if snap.Face {
			face++
		}
		if snap.Pose {
			pose++
		}
	}
	n := float64(len(seg.Snapshots))
	s.HandsCoverage = float64(hands) / n
	s.FaceCoverage = float64(face) / n
	s.PoseCoverage = float64(pose) / n
	return s
}

// errorFeedback is the canned record returned when analysis fails;
// the client still receives a well-formed asl_feedback message.
func errorFeedback(sentence string) protocol.FeedbackPayload {
	return protocol.FeedbackPayload{
		TargetSentence:  sentence,
		Feedback:        "We could not analyze that attempt. Please try signing the sentence again.",
		ConfidenceScore: 0,
		Suggestions: []string{
			"Keep your hands inside the camera frame",
			"Sign at a steady, natural pace",
		},
		AnalysisSummary: "analysis unavailable",
		Error:           true,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
