package llm

import (
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bare json", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"fence with trailing prose", "```json\n{\"a\":1}\n```\nHope this helps!", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"leading prose before fence", "Here you go:\n```json\n{\"a\":1}\n```", `{"a":1}`},
		{"whitespace", "  {\"a\":1}\n", `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractJSON(tt.content); got != tt.want {
				t.Errorf("ExtractJSON(%q) = %q, want %q", tt.content, got, tt.want)
			}
		})
	}
}

func TestUnmarshalContent(t *testing.T) {
	var out struct {
		Feedback   string  `json:"feedback"`
		Confidence float64 `json:"confidence"`
	}
	content := "```json\n{\"feedback\":\"good signing\",\"confidence\":0.8}\n```"
	if err := UnmarshalContent(content, &out); err != nil {
		t.Fatalf("UnmarshalContent: %v", err)
	}
	if out.Feedback != "good signing" || out.Confidence != 0.8 {
		t.Errorf("parsed %+v", out)
	}

	// Escaped characters inside strings must survive.
	var quoted struct {
		Text string `json:"text"`
	}
	if err := UnmarshalContent(`{"text":"she said \"hi\""}`, &quoted); err != nil {
		t.Fatalf("UnmarshalContent with escapes: %v", err)
	}
	if quoted.Text != `she said "hi"` {
		t.Errorf("escaped text = %q", quoted.Text)
	}
}

func TestFirstChoice(t *testing.T) {
	if got := FirstChoice(openai.ChatCompletionResponse{}); got != "" {
		t.Errorf("empty response gave %q", got)
	}

	resp := openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: "hello"}},
		},
	}
	if got := FirstChoice(resp); got != "hello" {
		t.Errorf("FirstChoice = %q", got)
	}
}
