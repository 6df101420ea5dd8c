package story

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

type stubChat struct {
	content string
	err     error
	lastReq openai.ChatCompletionRequest
}

func (s *stubChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.lastReq = req
	if s.err != nil {
		return openai.ChatCompletionResponse{}, s.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: s.content}},
		},
	}, nil
}

func jpegFixture(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	if buf.Len() < 500 {
		t.Fatalf("fixture too small for frame validation: %d bytes", buf.Len())
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func completeModelJSON(t *testing.T, object string) string {
	t.Helper()
	tier := func(title string) Story {
		return Story{
			Title:     title,
			Sentences: []string{"First sentence.", "Second sentence.", "Third sentence."},
		}
	}
	out := modelStories{
		IdentifiedObject: object,
		Stories: Stories{
			Amateur:   tier("A"),
			Normal:    tier("B"),
			MidLevel:  tier("C"),
			Difficult: tier("D"),
			Expert:    tier("E"),
		},
	}
	raw, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal stub stories: %v", err)
	}
	return string(raw)
}

func TestValidateRequiresExactlyOneInput(t *testing.T) {
	gen := NewGenerator(&stubChat{}, DefaultConfig())

	cases := []struct {
		name string
		req  Request
	}{
		{"empty", Request{}},
		{"word and prompt", Request{SimpleWord: "cat", CustomPrompt: "a story about cats"}},
		{"whitespace only", Request{SimpleWord: "   "}},
	}
	for _, tc := range cases {
		_, serr := gen.Generate(context.Background(), tc.req)
		if serr == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
		if serr.ErrorType != "validation_error" {
			t.Errorf("%s: error type = %q, want validation_error", tc.name, serr.ErrorType)
		}
		if serr.Status != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tc.name, serr.Status)
		}
		if serr.RetryAllowed {
			t.Errorf("%s: validation errors must not invite a retry", tc.name)
		}
	}
	if got := gen.Stats().Rejected; got != int64(len(cases)) {
		t.Errorf("rejected counter = %d, want %d", got, len(cases))
	}
}

func TestValidateInputBounds(t *testing.T) {
	gen := NewGenerator(&stubChat{}, DefaultConfig())

	longWord := strings.Repeat("x", maxWordRunes+1)
	if _, serr := gen.Generate(context.Background(), Request{SimpleWord: longWord}); serr == nil {
		t.Error("overlong simple_word accepted")
	}

	longPrompt := strings.Repeat("y", maxPromptRunes+1)
	if _, serr := gen.Generate(context.Background(), Request{CustomPrompt: longPrompt}); serr == nil {
		t.Error("overlong custom_prompt accepted")
	}

	if _, serr := gen.Generate(context.Background(), Request{FrameData: "not base64!!!"}); serr == nil {
		t.Error("undecodable frame_data accepted")
	}
}

func TestGenerateFromWord(t *testing.T) {
	stub := &stubChat{content: completeModelJSON(t, "ball")}
	gen := NewGenerator(stub, DefaultConfig())

	resp, serr := gen.Generate(context.Background(), Request{SimpleWord: "Ball"})
	if serr != nil {
		t.Fatalf("unexpected error: %v", serr)
	}
	if !resp.Success || resp.Fallback {
		t.Fatalf("want success without fallback, got success=%v fallback=%v", resp.Success, resp.Fallback)
	}
	if resp.IdentifiedTopic != "ball" {
		t.Errorf("topic = %q, want ball", resp.IdentifiedTopic)
	}
	st := resp.ProcessingStages
	if !st.Validation || !st.LLMRequest || !st.Parsing || st.Fallback {
		t.Errorf("stages = %+v", st)
	}
	if got := gen.Stats().Generated; got != 1 {
		t.Errorf("generated counter = %d, want 1", got)
	}
	if len(stub.lastReq.Messages) != 2 {
		t.Fatalf("message count = %d, want system+user", len(stub.lastReq.Messages))
	}
	if !strings.Contains(stub.lastReq.Messages[1].Content, "ball") {
		t.Errorf("user message missing topic: %q", stub.lastReq.Messages[1].Content)
	}
}

func TestGenerateFallsBackOnModelError(t *testing.T) {
	stub := &stubChat{err: errors.New("upstream down")}
	gen := NewGenerator(stub, DefaultConfig())

	resp, serr := gen.Generate(context.Background(), Request{SimpleWord: "dog"})
	if serr != nil {
		t.Fatalf("fallback path must not error: %v", serr)
	}
	if !resp.Success || !resp.Fallback {
		t.Fatalf("want success with fallback, got success=%v fallback=%v", resp.Success, resp.Fallback)
	}
	st := resp.ProcessingStages
	if !st.Validation || st.LLMRequest || st.Parsing || !st.Fallback {
		t.Errorf("stages = %+v", st)
	}
	if !resp.Stories.complete() {
		t.Error("fallback stories missing a tier")
	}
	if !strings.Contains(resp.Stories.Amateur.Sentences[0], "dog") {
		t.Errorf("fallback not built around topic: %q", resp.Stories.Amateur.Sentences[0])
	}
	if got := gen.Stats().Fallbacks; got != 1 {
		t.Errorf("fallback counter = %d, want 1", got)
	}
}

func TestGenerateFallsBackOnUnparseableResponse(t *testing.T) {
	stub := &stubChat{content: "sorry, I cannot write stories today"}
	gen := NewGenerator(stub, DefaultConfig())

	resp, serr := gen.Generate(context.Background(), Request{SimpleWord: "tree"})
	if serr != nil {
		t.Fatalf("fallback path must not error: %v", serr)
	}
	if !resp.Fallback {
		t.Fatal("expected fallback response")
	}
	st := resp.ProcessingStages
	if !st.LLMRequest || st.Parsing {
		t.Errorf("stages = %+v, want llm_request reached and parsing failed", st)
	}
}

func TestGenerateFallsBackOnMissingTier(t *testing.T) {
	partial := modelStories{Stories: Stories{
		Amateur: Story{Title: "A", Sentences: []string{"One."}},
	}}
	raw, err := json.Marshal(partial)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	gen := NewGenerator(&stubChat{content: string(raw)}, DefaultConfig())

	resp, serr := gen.Generate(context.Background(), Request{SimpleWord: "sun"})
	if serr != nil {
		t.Fatalf("unexpected error: %v", serr)
	}
	if !resp.Fallback {
		t.Fatal("incomplete tiers must trigger fallback")
	}
}

func TestGenerateFromFrameSendsVisionMessage(t *testing.T) {
	frame := jpegFixture(t)
	stub := &stubChat{content: completeModelJSON(t, "gradient")}
	gen := NewGenerator(stub, DefaultConfig())

	resp, serr := gen.Generate(context.Background(), Request{FrameData: frame})
	if serr != nil {
		t.Fatalf("unexpected error: %v", serr)
	}
	if resp.IdentifiedTopic != "gradient" {
		t.Errorf("topic = %q, want model's identified object", resp.IdentifiedTopic)
	}

	user := stub.lastReq.Messages[len(stub.lastReq.Messages)-1]
	if len(user.MultiContent) != 2 {
		t.Fatalf("vision message parts = %d, want text+image", len(user.MultiContent))
	}
	img := user.MultiContent[1]
	if img.Type != openai.ChatMessagePartTypeImageURL || img.ImageURL == nil {
		t.Fatalf("second part is not an image: %+v", img)
	}
	if !strings.HasPrefix(img.ImageURL.URL, "data:image/jpeg;base64,") {
		t.Errorf("image URI prefix wrong: %.40q", img.ImageURL.URL)
	}
	if stub.lastReq.ResponseFormat == nil || stub.lastReq.ResponseFormat.Type != openai.ChatCompletionResponseFormatTypeJSONObject {
		t.Error("response format not pinned to JSON")
	}
}

func TestTopicDerivation(t *testing.T) {
	cases := []struct {
		name string
		req  Request
		want string
	}{
		{"word lowercased", Request{SimpleWord: "Mountain"}, "mountain"},
		{"prompt skips stopwords", Request{CustomPrompt: "Write a story about my bicycle"}, "bicycle"},
		{"prompt strips punctuation", Request{CustomPrompt: "Please, a story: dragons!"}, "dragons"},
		{"prompt all stopwords", Request{CustomPrompt: "write a story please"}, "cat"},
		{"frame defaults", Request{FrameData: "ignored"}, "cat"},
	}
	for _, tc := range cases {
		if got := tc.req.topic(); got != tc.want {
			t.Errorf("%s: topic = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestFallbackStoriesGradeDifficulty(t *testing.T) {
	st := fallbackStories("river")
	if !st.complete() {
		t.Fatal("fallback missing a tier")
	}

	tiers := []Story{st.Amateur, st.Normal, st.MidLevel, st.Difficult, st.Expert}
	for i, tier := range tiers {
		if len(tier.Sentences) < 3 || len(tier.Sentences) > 5 {
			t.Errorf("tier %d: %d sentences, want 3-5", i, len(tier.Sentences))
		}
		found := false
		for _, s := range tier.Sentences {
			if strings.Contains(strings.ToLower(s), "river") {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("tier %d: topic absent from sentences", i)
		}
	}

	first := len(strings.Join(tiers[0].Sentences, " "))
	last := len(strings.Join(tiers[len(tiers)-1].Sentences, " "))
	if last <= first {
		t.Errorf("expert tier (%d chars) not longer than amateur (%d chars)", last, first)
	}
}
