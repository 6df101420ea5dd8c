// Package story implements the synchronous story-generation path: one
// HTTP request carrying exactly one of an image, a word, or a prompt,
// answered with five practice stories graded by difficulty. LLM
// failures never surface to the learner; a deterministic template set
// stands in.
package story

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	openai "github.com/sashabaranov/go-openai"

	"github.com/prats-2311/story-sign-sub001/internal/codec"
	"github.com/prats-2311/story-sign-sub001/internal/llm"
	"github.com/prats-2311/story-sign-sub001/internal/logging"
)

var log = logging.L("story")

// Input size ceilings.
const (
	maxWordRunes   = 50
	maxPromptRunes = 500
)

// Request is the recognize_and_generate body. Exactly one field must
// be set.
type Request struct {
	FrameData    string `json:"frame_data,omitempty"`
	SimpleWord   string `json:"simple_word,omitempty"`
	CustomPrompt string `json:"custom_prompt,omitempty"`
}

// Story is one practice story at a single difficulty tier.
type Story struct {
	Title     string   `json:"title"`
	Sentences []string `json:"sentences"`
}

// Stories holds all five difficulty tiers.
type Stories struct {
	Amateur   Story `json:"amateur"`
	Normal    Story `json:"normal"`
	MidLevel  Story `json:"mid_level"`
	Difficult Story `json:"difficult"`
	Expert    Story `json:"expert"`
}

// complete reports whether every tier has at least one sentence.
func (s Stories) complete() bool {
	for _, st := range []Story{s.Amateur, s.Normal, s.MidLevel, s.Difficult, s.Expert} {
		if len(st.Sentences) == 0 {
			return false
		}
	}
	return true
}

// ProcessingStages records how far a request got, for support.
type ProcessingStages struct {
	Validation bool `json:"validation"`
	LLMRequest bool `json:"llm_request"`
	Parsing    bool `json:"parsing"`
	Fallback   bool `json:"fallback"`
}

// Response is the success shape, fallback included.
type Response struct {
	Success          bool             `json:"success"`
	Stories          Stories          `json:"stories"`
	IdentifiedTopic  string           `json:"identified_topic,omitempty"`
	Fallback         bool             `json:"fallback,omitempty"`
	ProcessingStages ProcessingStages `json:"processing_stages"`
}

// StoryError is the structured failure shape returned for requests
// that cannot be served at all.
type StoryError struct {
	Status            int              `json:"-"`
	ErrorType         string           `json:"error_type"`
	UserMessage       string           `json:"user_message"`
	RetryAllowed      bool             `json:"retry_allowed"`
	RetryDelaySeconds int              `json:"retry_delay_seconds"`
	ProcessingStages  ProcessingStages `json:"processing_stages"`
}

func (e *StoryError) Error() string {
	return fmt.Sprintf("story: %s: %s", e.ErrorType, e.UserMessage)
}

func validationError(msg string) *StoryError {
	return &StoryError{
		Status:       http.StatusBadRequest,
		ErrorType:    "validation_error",
		UserMessage:  msg,
		RetryAllowed: false,
	}
}

// Config selects the story model.
type Config struct {
	Model   string
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Model:   "gpt-4o-mini",
		Timeout: 30 * time.Second,
	}
}

// Generator turns one validated request into five stories.
type Generator struct {
	client llm.ChatClient
	cfg    Config

	generated *xsync.Counter
	fallbacks *xsync.Counter
	rejected  *xsync.Counter
}

func NewGenerator(client llm.ChatClient, cfg Config) *Generator {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Generator{
		client:    client,
		cfg:       cfg,
		generated: xsync.NewCounter(),
		fallbacks: xsync.NewCounter(),
		rejected:  xsync.NewCounter(),
	}
}

// Generate answers one story request. Validation failures return a
// StoryError; anything after validation degrades to the template
// fallback rather than failing.
func (g *Generator) Generate(ctx context.Context, req Request) (*Response, *StoryError) {
	if serr := req.validate(); serr != nil {
		g.rejected.Inc()
		return nil, serr
	}
	stages := ProcessingStages{Validation: true}
	topic := req.topic()

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	resp, err := g.client.CreateChatCompletion(ctx, g.buildRequest(req))
	if err != nil {
		log.Warn("story model unavailable", "topic", topic, logging.KeyError, err)
		return g.fallback(topic, stages), nil
	}
	stages.LLMRequest = true

	var out modelStories
	content := llm.FirstChoice(resp)
	if err := llm.UnmarshalContent(content, &out); err != nil {
		log.Warn("story response unparseable", "topic", topic, logging.KeyError, err)
		return g.fallback(topic, stages), nil
	}
	if !out.Stories.complete() {
		log.Warn("story response incomplete", "topic", topic)
		return g.fallback(topic, stages), nil
	}
	stages.Parsing = true

	if out.IdentifiedObject != "" {
		topic = out.IdentifiedObject
	}
	g.generated.Inc()
	return &Response{
		Success:          true,
		Stories:          out.Stories,
		IdentifiedTopic:  topic,
		ProcessingStages: stages,
	}, nil
}

func (g *Generator) fallback(topic string, stages ProcessingStages) *Response {
	g.fallbacks.Inc()
	stages.Fallback = true
	return &Response{
		Success:          true,
		Stories:          fallbackStories(topic),
		IdentifiedTopic:  topic,
		Fallback:         true,
		ProcessingStages: stages,
	}
}

// Stats reports lifetime generation counters.
type Stats struct {
	Generated int64 `json:"generated"`
	Fallbacks int64 `json:"fallbacks"`
	Rejected  int64 `json:"rejected"`
}

func (g *Generator) Stats() Stats {
	return Stats{
		Generated: g.generated.Value(),
		Fallbacks: g.fallbacks.Value(),
		Rejected:  g.rejected.Value(),
	}
}

func (r Request) validate() *StoryError {
	frame := strings.TrimSpace(r.FrameData)
	word := strings.TrimSpace(r.SimpleWord)
	prompt := strings.TrimSpace(r.CustomPrompt)

	set := 0
	for _, v := range []string{frame, word, prompt} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return validationError("provide exactly one of frame_data, simple_word or custom_prompt")
	}

	switch {
	case frame != "":
		if _, _, err := codec.Decode(frame); err != nil {
			return validationError("frame_data is not a decodable image")
		}
	case word != "":
		if len([]rune(word)) > maxWordRunes {
			return validationError("simple_word is too long")
		}
	case prompt != "":
		if len([]rune(prompt)) > maxPromptRunes {
			return validationError("custom_prompt is too long")
		}
	}
	return nil
}

// topic picks the fallback template subject.
func (r Request) topic() string {
	if w := strings.TrimSpace(r.SimpleWord); w != "" {
		return strings.ToLower(w)
	}
	if p := strings.TrimSpace(r.CustomPrompt); p != "" {
		return firstSignificantWord(p)
	}
	return "cat"
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "about": true, "of": true,
	"my": true, "our": true, "me": true, "for": true, "to": true,
	"write": true, "make": true, "create": true, "story": true,
	"stories": true, "please": true, "with": true,
}

func firstSignificantWord(prompt string) string {
	for _, field := range strings.Fields(strings.ToLower(prompt)) {
		word := strings.Trim(field, ".,!?:;\"'()")
		if word == "" || stopwords[word] {
			continue
		}
		return word
	}
	return "cat"
}

// modelStories is the JSON shape requested from the model.
type modelStories struct {
	IdentifiedObject string  `json:"identified_object,omitempty"`
	Stories          Stories `json:"stories"`
}

const storySystemPrompt = `You are an American Sign Language curriculum writer.
Write five short practice stories about the given topic, one per difficulty
tier. Respond with JSON:
{"identified_object": string, "stories": {
 "amateur": {"title": string, "sentences": [string]},
 "normal": {...}, "mid_level": {...}, "difficult": {...}, "expert": {...}}}.
Amateur sentences use three to five common words. Each tier adds vocabulary
and grammatical complexity. Every story needs three to five sentences that
translate naturally into ASL.`

func (g *Generator) buildRequest(req Request) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model: g.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: storySystemPrompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	if frame := strings.TrimSpace(req.FrameData); frame != "" {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{
					Type: openai.ChatMessagePartTypeText,
					Text: "Identify the main object in this photo, report it as identified_object, and write the five stories about it.",
				},
				{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: imageURI(frame)},
				},
			},
		})
		return out
	}

	topic := req.topic()
	if p := strings.TrimSpace(req.CustomPrompt); p != "" {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: fmt.Sprintf("Write the five stories for this request: %s", p),
		})
		return out
	}
	out.Messages = append(out.Messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: fmt.Sprintf("Write the five stories about: %s", topic),
	})
	return out
}

// imageURI normalizes a frame payload into a data URI for the vision
// message, sniffing the leading magic bytes for the media type.
func imageURI(frame string) string {
	if strings.HasPrefix(frame, "data:") {
		return frame
	}
	format := codec.FormatJPEG
	if len(frame) >= 24 {
		if head, err := base64.StdEncoding.DecodeString(frame[:24]); err == nil {
			if f, ok := codec.Sniff(head); ok {
				format = f
			}
		}
	}
	return fmt.Sprintf("data:image/%s;base64,%s", format, frame)
}
