package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prats-2311/story-sign-sub001/internal/gesture"
	"github.com/prats-2311/story-sign-sub001/internal/landmark"
	"github.com/prats-2311/story-sign-sub001/internal/metrics"
	"github.com/prats-2311/story-sign-sub001/internal/protocol"
	"github.com/prats-2311/story-sign-sub001/internal/quality"
	"github.com/prats-2311/story-sign-sub001/internal/workerpool"
)

type emitted struct {
	msg      any
	priority bool
}

type emitRec struct {
	mu   sync.Mutex
	msgs []emitted
}

func (r *emitRec) emit(msg any, priority bool) {
	r.mu.Lock()
	r.msgs = append(r.msgs, emitted{msg: msg, priority: priority})
	r.mu.Unlock()
}

func (r *emitRec) all() []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emitted(nil), r.msgs...)
}

func (r *emitRec) frames() []*protocol.ProcessedFrame {
	var out []*protocol.ProcessedFrame
	for _, e := range r.all() {
		if f, ok := e.msg.(*protocol.ProcessedFrame); ok {
			out = append(out, f)
		}
	}
	return out
}

type fakeExtractor struct {
	mu      sync.Mutex
	centers []landmark.Point
	idx     int
	fail    bool
}

func (f *fakeExtractor) Extract(img image.Image, _ landmark.Complexity) (*landmark.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("extractor down")
	}
	res := &landmark.Result{
		Annotated:  image.NewRGBA(image.Rect(0, 0, 8, 8)),
		Hands:      true,
		Face:       true,
		Confidence: 0.9,
	}
	if len(f.centers) > 0 {
		i := f.idx
		if i >= len(f.centers) {
			i = len(f.centers) - 1
		}
		f.idx++
		c := f.centers[i]
		res.HandCenter = &c
	}
	return res, nil
}

type fakeAnalyzer struct {
	mu   sync.Mutex
	seg  *gesture.Segment
	fb   protocol.FeedbackPayload
	done chan struct{}
}

func newFakeAnalyzer(fb protocol.FeedbackPayload) *fakeAnalyzer {
	return &fakeAnalyzer{fb: fb, done: make(chan struct{})}
}

func (f *fakeAnalyzer) Dispatch(_ string, seg *gesture.Segment, deliver func(protocol.FeedbackPayload)) error {
	f.mu.Lock()
	f.seg = seg
	f.mu.Unlock()
	go func() {
		deliver(f.fb)
		close(f.done)
	}()
	return nil
}

func (f *fakeAnalyzer) segment() *gesture.Segment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seg
}

type fixture struct {
	p    *Pipeline
	rec  *emitRec
	m    *gesture.Machine
	ctrl *quality.Controller
	cm   *metrics.ClientMetrics
	ext  *fakeExtractor
}

func newFixture(t *testing.T, cfg Config, profile quality.Profile, gcfg gesture.Config, an Analyzer) *fixture {
	t.Helper()
	rec := &emitRec{}
	ctrl := quality.NewController("c1", quality.DefaultConfig())
	ctrl.ForceProfile(profile)
	m := gesture.NewMachine("c1", gcfg)
	cm := metrics.NewClientMetrics()
	ext := &fakeExtractor{}
	wp := workerpool.New(2, 16)
	t.Cleanup(func() { wp.Shutdown(context.Background()) })

	p := New(context.Background(), cfg, Deps{
		ClientID:  "c1",
		Extractor: ext,
		Machine:   m,
		Quality:   ctrl,
		Analyzer:  an,
		Metrics:   cm,
		Workers:   wp,
		Emit:      rec.emit,
	})
	t.Cleanup(p.Close)
	return &fixture{p: p, rec: rec, m: m, ctrl: ctrl, cm: cm, ext: ext}
}

func testProfile(name string, batch, skip int) quality.Profile {
	return quality.Profile{
		Name:                name,
		Level:               quality.LevelMedium,
		EncodeQuality:       60,
		ResolutionScale:     1.0,
		FrameRate:           20,
		ExtractorComplexity: 1,
		BatchSize:           batch,
		SkipFrames:          skip,
	}
}

var fixtureOnce struct {
	sync.Once
	b64 string
}

func jpegFrame(t *testing.T) string {
	t.Helper()
	fixtureOnce.Do(func() {
		img := image.NewRGBA(image.Rect(0, 0, 64, 64))
		for y := 0; y < 64; y++ {
			for x := 0; x < 64; x++ {
				img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 96, A: 255})
			}
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
			t.Fatalf("encode fixture: %v", err)
		}
		fixtureOnce.b64 = base64.StdEncoding.EncodeToString(buf.Bytes())
	})
	return fixtureOnce.b64
}

func rawFrame(t *testing.T, n int64) *protocol.RawFrame {
	return &protocol.RawFrame{
		Type:      protocol.TypeRawFrame,
		FrameData: jpegFrame(t),
		Metadata:  protocol.FrameMetadata{FrameNumber: n},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestProcessFrameFullPath(t *testing.T) {
	fx := newFixture(t, DefaultConfig(), testProfile("medium", 1, 0), gesture.Config{}, nil)

	fx.p.ProcessFrame(context.Background(), rawFrame(t, 7), time.Now())

	frames := fx.rec.frames()
	if len(frames) != 1 {
		t.Fatalf("emitted %d frames, want 1", len(frames))
	}
	f := frames[0]
	if !f.Success || f.Fallback {
		t.Fatalf("frame = success:%v fallback:%v", f.Success, f.Fallback)
	}
	if !strings.HasPrefix(f.FrameData, "data:image/jpeg;base64,") {
		t.Errorf("frame data not a jpeg data URI: %.40q", f.FrameData)
	}
	if !f.LandmarksDetected.Hands || !f.LandmarksDetected.Face || f.LandmarksDetected.Pose {
		t.Errorf("landmarks = %+v", f.LandmarksDetected)
	}
	md := f.Metadata
	if md.FrameNumber != 7 || md.ServerFrameNumber != 1 {
		t.Errorf("frame numbers = client:%d server:%d", md.FrameNumber, md.ServerFrameNumber)
	}
	if md.QualityProfile != "medium" || md.GestureState != "idle" {
		t.Errorf("metadata = profile:%q gesture:%q", md.QualityProfile, md.GestureState)
	}
	if md.ProcessingTimeMs <= 0 || md.TotalPipelineTimeMs < md.ProcessingTimeMs {
		t.Errorf("timings = proc:%v total:%v", md.ProcessingTimeMs, md.TotalPipelineTimeMs)
	}
	if fx.rec.all()[0].priority {
		t.Error("processed frames belong on the batchable lane")
	}
	if got := fx.cm.Snapshot().FramesProcessed; got != 1 {
		t.Errorf("processed counter = %d", got)
	}
}

func TestSkipFramesAnswerLightweight(t *testing.T) {
	fx := newFixture(t, DefaultConfig(), testProfile("skippy", 1, 1), gesture.Config{}, nil)

	for n := int64(1); n <= 4; n++ {
		fx.p.ProcessFrame(context.Background(), rawFrame(t, n), time.Now())
	}

	frames := fx.rec.frames()
	if len(frames) != 4 {
		t.Fatalf("emitted %d frames, want 4", len(frames))
	}
	for i, f := range frames {
		wantSkip := i%2 == 0
		if f.Metadata.Skipped != wantSkip {
			t.Errorf("frame %d: skipped = %v, want %v", i+1, f.Metadata.Skipped, wantSkip)
		}
		if wantSkip && f.FrameData != "" {
			t.Errorf("frame %d: skipped response carries frame data", i+1)
		}
	}
	snap := fx.cm.Snapshot()
	if snap.FramesSkipped != 2 || snap.FramesProcessed != 2 {
		t.Errorf("skipped=%d processed=%d, want 2/2", snap.FramesSkipped, snap.FramesProcessed)
	}
}

func TestMicroBatchCollapsesToNewest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchWindow = time.Hour
	fx := newFixture(t, cfg, testProfile("batchy", 3, 0), gesture.Config{}, nil)

	for n := int64(1); n <= 6; n++ {
		fx.p.ProcessFrame(context.Background(), rawFrame(t, n), time.Now())
	}

	frames := fx.rec.frames()
	if len(frames) != 2 {
		t.Fatalf("emitted %d frames, want 2 collapsed responses", len(frames))
	}
	if frames[0].Metadata.FrameNumber != 3 || frames[1].Metadata.FrameNumber != 6 {
		t.Errorf("responses for frames %d,%d, want newest of each batch (3,6)",
			frames[0].Metadata.FrameNumber, frames[1].Metadata.FrameNumber)
	}
	for _, f := range frames {
		if f.Metadata.CollapsedFrames != 2 {
			t.Errorf("collapsed = %d, want 2", f.Metadata.CollapsedFrames)
		}
	}
	snap := fx.cm.Snapshot()
	if snap.FramesDropped != 4 || snap.FramesProcessed != 2 {
		t.Errorf("dropped=%d processed=%d, want 4/2", snap.FramesDropped, snap.FramesProcessed)
	}
}

func TestMicroBatchTimerFlushesShortBatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchWindow = 20 * time.Millisecond
	fx := newFixture(t, cfg, testProfile("batchy", 5, 0), gesture.Config{}, nil)

	fx.p.ProcessFrame(context.Background(), rawFrame(t, 1), time.Now())

	waitFor(t, func() bool { return len(fx.rec.frames()) == 1 })
	f := fx.rec.frames()[0]
	if f.Metadata.FrameNumber != 1 || f.Metadata.CollapsedFrames != 0 {
		t.Errorf("flushed frame = %+v", f.Metadata)
	}
}

func TestUndecodableFrameFallsBack(t *testing.T) {
	fx := newFixture(t, DefaultConfig(), testProfile("medium", 1, 0), gesture.Config{}, nil)

	raw := &protocol.RawFrame{
		Type:      protocol.TypeRawFrame,
		FrameData: "!!!not-an-image!!!",
		Metadata:  protocol.FrameMetadata{FrameNumber: 1},
	}
	fx.p.ProcessFrame(context.Background(), raw, time.Now())

	frames := fx.rec.frames()
	if len(frames) != 1 {
		t.Fatalf("emitted %d frames, want 1", len(frames))
	}
	f := frames[0]
	if f.Success || !f.Fallback {
		t.Fatalf("frame = success:%v fallback:%v, want fallback", f.Success, f.Fallback)
	}
	if f.FrameData != raw.FrameData {
		t.Error("fallback must echo the original frame data")
	}
	if f.Error == nil || f.Error.ErrorCode != protocol.CodeInvalidFrameData {
		t.Errorf("error = %+v", f.Error)
	}
	if got := fx.cm.Snapshot().FallbackFrames; got != 1 {
		t.Errorf("fallback counter = %d", got)
	}
}

func TestExtractorFailureFallsBack(t *testing.T) {
	fx := newFixture(t, DefaultConfig(), testProfile("medium", 1, 0), gesture.Config{}, nil)
	fx.ext.fail = true

	fx.p.ProcessFrame(context.Background(), rawFrame(t, 1), time.Now())

	frames := fx.rec.frames()
	if len(frames) != 1 || !frames[0].Fallback {
		t.Fatalf("want one fallback frame, got %+v", frames)
	}
	if frames[0].Error.ErrorCode != protocol.CodeExtractorFailure {
		t.Errorf("error code = %q", frames[0].Error.ErrorCode)
	}
}

func TestRepeatedFailuresEscalateToCritical(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveFailures = 2
	fx := newFixture(t, cfg, testProfile("medium", 1, 0), gesture.Config{}, nil)

	bad := &protocol.RawFrame{Type: protocol.TypeRawFrame, FrameData: "junk"}
	for i := 0; i < 3; i++ {
		fx.p.ProcessFrame(context.Background(), bad, time.Now())
	}

	var criticals []*protocol.CriticalErrorMessage
	for _, e := range fx.rec.all() {
		if c, ok := e.msg.(*protocol.CriticalErrorMessage); ok {
			criticals = append(criticals, c)
			if !e.priority {
				t.Error("critical error must use the priority lane")
			}
		}
	}
	if len(criticals) != 1 {
		t.Fatalf("critical errors = %d, want 1 (threshold resets after escalation)", len(criticals))
	}
	if !criticals[0].RequiresReconnection || criticals[0].ErrorCode != protocol.CodeTooManyErrors {
		t.Errorf("critical = %+v", criticals[0])
	}
	if got := len(fx.rec.frames()); got != 2 {
		t.Errorf("fallback frames = %d, want 2 around the escalation", got)
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveFailures = 2
	fx := newFixture(t, cfg, testProfile("medium", 1, 0), gesture.Config{}, nil)

	bad := &protocol.RawFrame{Type: protocol.TypeRawFrame, FrameData: "junk"}
	fx.p.ProcessFrame(context.Background(), bad, time.Now())
	fx.p.ProcessFrame(context.Background(), rawFrame(t, 2), time.Now())
	fx.p.ProcessFrame(context.Background(), bad, time.Now())

	for _, e := range fx.rec.all() {
		if _, ok := e.msg.(*protocol.CriticalErrorMessage); ok {
			t.Fatal("streak crossed threshold despite an intervening success")
		}
	}
}

func TestNetworkEchoFeedsController(t *testing.T) {
	fx := newFixture(t, DefaultConfig(), testProfile("medium", 1, 0), gesture.Config{}, nil)

	raw := rawFrame(t, 1)
	raw.Metadata.NetworkLatencyMs = 20
	raw.Metadata.ThroughputMbps = 12
	fx.p.ProcessFrame(context.Background(), raw, time.Now())

	if got := fx.ctrl.Snapshot().Network; got != "excellent" {
		t.Errorf("network condition = %q, want excellent", got)
	}
	if got := fx.cm.Snapshot().AvgLatencyMs; got != 20 {
		t.Errorf("avg latency = %v, want 20", got)
	}
}

func TestGestureRoundTripDispatchesAnalysis(t *testing.T) {
	an := newFakeAnalyzer(protocol.FeedbackPayload{
		Feedback:        "nice signing",
		ConfidenceScore: 0.8,
	})
	gcfg := gesture.Config{
		Enabled:            true,
		VelocityThreshold:  0.5,
		PauseDuration:      time.Nanosecond,
		MinGestureDuration: time.Nanosecond,
		BufferSize:         32,
		SmoothingWindow:    1,
	}
	fx := newFixture(t, DefaultConfig(), testProfile("medium", 1, 0), gcfg, an)
	fx.ext.centers = []landmark.Point{
		{X: 0.1, Y: 0.1},
		{X: 0.5, Y: 0.5},
		{X: 0.9, Y: 0.9},
		{X: 0.9, Y: 0.9},
	}

	fx.p.HandleControl(&protocol.Control{
		Type:   protocol.TypeControl,
		Action: protocol.ActionStartSession,
		Data:   json.RawMessage(`{"id":"s1","sentences":["hello world"]}`),
	}, time.Now())

	for n := int64(1); n <= 4; n++ {
		fx.p.ProcessFrame(context.Background(), rawFrame(t, n), time.Now())
	}

	select {
	case <-an.done:
	case <-time.After(2 * time.Second):
		t.Fatal("analysis never delivered")
	}

	seg := an.segment()
	if seg == nil || seg.Sentence != "hello world" || seg.SessionID != "s1" {
		t.Fatalf("dispatched segment = %+v", seg)
	}

	var feedbacks int
	for _, e := range fx.rec.all() {
		if fb, ok := e.msg.(*protocol.ASLFeedback); ok {
			feedbacks++
			if fb.Data.Feedback != "nice signing" {
				t.Errorf("feedback = %q", fb.Data.Feedback)
			}
			if !e.priority {
				t.Error("feedback must use the priority lane")
			}
		}
	}
	if feedbacks != 1 {
		t.Fatalf("feedback messages = %d, want 1", feedbacks)
	}
	if got := fx.m.State(); got != gesture.StateFeedback {
		t.Errorf("machine state = %v, want feedback", got)
	}
}

func TestNilAnalyzerCompletesImmediately(t *testing.T) {
	gcfg := gesture.Config{
		Enabled:            true,
		VelocityThreshold:  0.5,
		PauseDuration:      time.Nanosecond,
		MinGestureDuration: time.Nanosecond,
		BufferSize:         32,
		SmoothingWindow:    1,
	}
	fx := newFixture(t, DefaultConfig(), testProfile("medium", 1, 0), gcfg, nil)
	fx.ext.centers = []landmark.Point{
		{X: 0.1, Y: 0.1},
		{X: 0.5, Y: 0.5},
		{X: 0.9, Y: 0.9},
		{X: 0.9, Y: 0.9},
	}

	fx.p.HandleControl(&protocol.Control{
		Type:   protocol.TypeControl,
		Action: protocol.ActionStartSession,
		Data:   json.RawMessage(`{"id":"s1","sentences":["hi"]}`),
	}, time.Now())
	for n := int64(1); n <= 4; n++ {
		fx.p.ProcessFrame(context.Background(), rawFrame(t, n), time.Now())
	}

	if got := fx.m.State(); got != gesture.StateFeedback {
		t.Errorf("machine state = %v, want feedback", got)
	}
}

func TestControlSessionLifecycle(t *testing.T) {
	fx := newFixture(t, DefaultConfig(), testProfile("medium", 1, 0), gesture.Config{Enabled: true}, nil)
	now := time.Now()

	ctl := func(action string, data string) {
		c := &protocol.Control{Type: protocol.TypeControl, Action: action}
		if data != "" {
			c.Data = json.RawMessage(data)
		}
		fx.p.HandleControl(c, now)
	}

	ctl(protocol.ActionNextSentence, "")
	ctl(protocol.ActionStartSession, `{"id":"s1","sentences":["a","b"]}`)
	ctl(protocol.ActionSetFeedback, `{"auto_advance":true}`)
	ctl(protocol.ActionNextSentence, "")
	ctl(protocol.ActionNextSentence, "")
	ctl(protocol.ActionCompleteStory, "")
	ctl(protocol.ActionStopSession, "")
	ctl("rewind", "")

	msgs := fx.rec.all()
	if len(msgs) != 8 {
		t.Fatalf("responses = %d, want 8", len(msgs))
	}
	for i, e := range msgs {
		if !e.priority {
			t.Errorf("response %d not on priority lane", i)
		}
	}

	if cr, ok := msgs[0].msg.(*protocol.ControlResponse); !ok || cr.Success || cr.Error != protocol.CodeSessionNotFound {
		t.Errorf("next_sentence without session = %+v", msgs[0].msg)
	}

	start, ok := msgs[1].msg.(*protocol.PracticeSessionResponse)
	if !ok || !start.Success || start.SessionID != "s1" || start.CurrentSentence != "a" || start.TotalSentences != 2 {
		t.Errorf("start response = %+v", msgs[1].msg)
	}

	if cr, ok := msgs[2].msg.(*protocol.ControlResponse); !ok || !cr.Success {
		t.Errorf("set_feedback response = %+v", msgs[2].msg)
	}

	next, ok := msgs[3].msg.(*protocol.PracticeSessionResponse)
	if !ok || next.CurrentSentence != "b" || next.SentenceIndex != 1 || next.Completed {
		t.Errorf("first next_sentence = %+v", msgs[3].msg)
	}

	last, ok := msgs[4].msg.(*protocol.PracticeSessionResponse)
	if !ok || !last.Completed || last.CurrentSentence != "b" {
		t.Errorf("next_sentence at end = %+v", msgs[4].msg)
	}

	done, ok := msgs[5].msg.(*protocol.PracticeSessionResponse)
	if !ok || !done.Completed || done.SessionID != "s1" || done.TotalSentences != 2 {
		t.Errorf("complete_story = %+v", msgs[5].msg)
	}
	if done.DurationSeconds < 0 {
		t.Errorf("duration = %v", done.DurationSeconds)
	}

	if cr, ok := msgs[6].msg.(*protocol.ControlResponse); !ok || !cr.Success {
		t.Errorf("stop_session = %+v", msgs[6].msg)
	}

	if cr, ok := msgs[7].msg.(*protocol.ControlResponse); !ok || cr.Success || cr.Error != protocol.CodeInvalidControl {
		t.Errorf("unknown action = %+v", msgs[7].msg)
	}
}

func TestStartSessionGeneratesMissingID(t *testing.T) {
	fx := newFixture(t, DefaultConfig(), testProfile("medium", 1, 0), gesture.Config{Enabled: true}, nil)

	fx.p.HandleControl(&protocol.Control{
		Type:   protocol.TypeControl,
		Action: protocol.ActionStartSession,
		Data:   json.RawMessage(`{"sentences":["a"]}`),
	}, time.Now())

	resp, ok := fx.rec.all()[0].msg.(*protocol.PracticeSessionResponse)
	if !ok || !resp.Success || resp.SessionID == "" {
		t.Fatalf("response = %+v", fx.rec.all()[0].msg)
	}
}

func TestStartSessionRejectsBadPayloads(t *testing.T) {
	fx := newFixture(t, DefaultConfig(), testProfile("medium", 1, 0), gesture.Config{Enabled: true}, nil)

	fx.p.HandleControl(&protocol.Control{
		Type: protocol.TypeControl, Action: protocol.ActionStartSession,
		Data: json.RawMessage(`{"id":`),
	}, time.Now())
	fx.p.HandleControl(&protocol.Control{
		Type: protocol.TypeControl, Action: protocol.ActionStartSession,
		Data: json.RawMessage(`{"id":"s1","sentences":[]}`),
	}, time.Now())

	msgs := fx.rec.all()
	if len(msgs) != 2 {
		t.Fatalf("responses = %d, want 2", len(msgs))
	}
	for i, e := range msgs {
		cr, ok := e.msg.(*protocol.ControlResponse)
		if !ok || cr.Success || cr.Error != protocol.CodeInvalidControl {
			t.Errorf("response %d = %+v", i, e.msg)
		}
	}
}

func TestCloseDropsPendingBatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchWindow = time.Hour
	fx := newFixture(t, cfg, testProfile("batchy", 3, 0), gesture.Config{}, nil)

	fx.p.ProcessFrame(context.Background(), rawFrame(t, 1), time.Now())
	fx.p.Close()

	if got := fx.cm.Snapshot().FramesDropped; got != 1 {
		t.Errorf("dropped = %d, want pending frame counted", got)
	}

	fx.p.ProcessFrame(context.Background(), rawFrame(t, 2), time.Now())
	if got := fx.p.Stats().ServerFrames; got != 1 {
		t.Errorf("server frames = %d, want close to stop intake", got)
	}
	if got := len(fx.rec.frames()); got != 0 {
		t.Errorf("frames emitted after close = %d", got)
	}
}
