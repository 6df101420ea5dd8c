package analysis

import (
	"context"
	"errors"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/prats-2311/story-sign-sub001/internal/gesture"
	"github.com/prats-2311/story-sign-sub001/internal/protocol"
)

// stubChat returns a fixed response or error, optionally blocking
// until released.
type stubChat struct {
	content string
	err     error
	release chan struct{}
}

func (s *stubChat) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return openai.ChatCompletionResponse{}, ctx.Err()
		}
	}
	if s.err != nil {
		return openai.ChatCompletionResponse{}, s.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: s.content}},
		},
	}, nil
}

func testSegment() *gesture.Segment {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &gesture.Segment{
		SessionID: "s1",
		Sentence:  "I am fine",
		StartedAt: start,
		FrozenAt:  start.Add(900 * time.Millisecond),
		Snapshots: []gesture.Snapshot{
			{At: start, Hands: true, Face: true},
			{At: start.Add(300 * time.Millisecond), Hands: true},
			{At: start.Add(600 * time.Millisecond), Hands: true, Pose: true},
		},
	}
}

func deliverOnce(t *testing.T, d *Dispatcher, seg *gesture.Segment) protocol.FeedbackPayload {
	t.Helper()
	got := make(chan protocol.FeedbackPayload, 1)
	if err := d.Dispatch("c1", seg, func(p protocol.FeedbackPayload) { got <- p }); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	select {
	case p := <-got:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("feedback never delivered")
		return protocol.FeedbackPayload{}
	}
}

func TestDispatchDeliversModelFeedback(t *testing.T) {
	stub := &stubChat{content: "```json\n" +
		`{"feedback":"Clear signing with good pace.","confidence_score":0.85,` +
		`"suggestions":["Hold the final sign a little longer"],` +
		`"analysis_summary":"strong attempt"}` + "\n```"}
	d := NewDispatcher(stub, DefaultConfig())

	p := deliverOnce(t, d, testSegment())

	if p.Error {
		t.Fatal("model feedback flagged as error")
	}
	if p.TargetSentence != "I am fine" {
		t.Errorf("target sentence = %q", p.TargetSentence)
	}
	if p.Feedback != "Clear signing with good pace." {
		t.Errorf("feedback = %q", p.Feedback)
	}
	if p.ConfidenceScore != 0.85 {
		t.Errorf("confidence = %v", p.ConfidenceScore)
	}
	if len(p.Suggestions) != 1 {
		t.Errorf("suggestions = %v", p.Suggestions)
	}
	if s := d.Stats(); s.Completed != 1 || s.Failed != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestDispatchClampsConfidence(t *testing.T) {
	stub := &stubChat{content: `{"feedback":"ok","confidence_score":1.7,"suggestions":[],"analysis_summary":"x"}`}
	d := NewDispatcher(stub, DefaultConfig())

	p := deliverOnce(t, d, testSegment())
	if p.ConfidenceScore != 1 {
		t.Errorf("confidence = %v, want clamped to 1", p.ConfidenceScore)
	}
}

func TestDispatchFailureYieldsCannedFeedback(t *testing.T) {
	stub := &stubChat{err: errors.New("connection refused")}
	d := NewDispatcher(stub, DefaultConfig())

	p := deliverOnce(t, d, testSegment())

	if !p.Error {
		t.Fatal("canned feedback not flagged as error")
	}
	if p.TargetSentence != "I am fine" {
		t.Errorf("target sentence = %q", p.TargetSentence)
	}
	if p.Feedback == "" || len(p.Suggestions) == 0 {
		t.Error("canned feedback is empty")
	}
	if p.ConfidenceScore != 0 {
		t.Errorf("confidence = %v, want 0", p.ConfidenceScore)
	}
	if s := d.Stats(); s.Failed != 1 {
		t.Errorf("failed = %d, want 1", s.Failed)
	}
}

func TestDispatchUnparseableYieldsCannedFeedback(t *testing.T) {
	stub := &stubChat{content: "I think you did great!"}
	d := NewDispatcher(stub, DefaultConfig())

	p := deliverOnce(t, d, testSegment())
	if !p.Error {
		t.Fatal("unparseable content did not fall back")
	}
}

func TestSingleFlightPerClient(t *testing.T) {
	stub := &stubChat{
		content: `{"feedback":"ok","confidence_score":0.5,"suggestions":[],"analysis_summary":"x"}`,
		release: make(chan struct{}),
	}
	d := NewDispatcher(stub, DefaultConfig())

	got := make(chan protocol.FeedbackPayload, 1)
	if err := d.Dispatch("c1", testSegment(), func(p protocol.FeedbackPayload) { got <- p }); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}

	// Wait until the first analysis is actually running.
	deadline := time.Now().Add(2 * time.Second)
	for !d.InFlight("c1") && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := d.Dispatch("c1", testSegment(), func(protocol.FeedbackPayload) {}); !errors.Is(err, ErrAnalysisInFlight) {
		t.Fatalf("second dispatch err = %v, want ErrAnalysisInFlight", err)
	}

	// Another client is unaffected.
	if err := d.Dispatch("c2", testSegment(), func(protocol.FeedbackPayload) {}); err != nil {
		t.Fatalf("other client dispatch: %v", err)
	}

	close(stub.release)
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("first analysis never delivered")
	}
	d.Wait()

	if d.InFlight("c1") {
		t.Error("in-flight guard not cleared")
	}
}

func TestSummarizeCoverage(t *testing.T) {
	s := summarize(testSegment())
	if s.FrameCount != 3 {
		t.Errorf("frame count = %d", s.FrameCount)
	}
	if s.HandsCoverage != 1 {
		t.Errorf("hands coverage = %v, want 1", s.HandsCoverage)
	}
	if s.FaceCoverage < 0.33 || s.FaceCoverage > 0.34 {
		t.Errorf("face coverage = %v, want 1/3", s.FaceCoverage)
	}
	if s.DurationMs != 900 {
		t.Errorf("duration = %dms, want 900", s.DurationMs)
	}
}
