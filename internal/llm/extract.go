package llm

import (
	"encoding/json"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ExtractJSON pulls the JSON body out of a chat reply. Models wrap
// their output in ```json fences more often than not, and sometimes
// append prose after the closing fence; both are stripped.
func ExtractJSON(content string) string {
	if strings.HasPrefix(content, "```\n") {
		if parts := strings.SplitN(content, "```\n", 2); len(parts) == 2 {
			content = parts[1]
		}
	}
	if strings.Contains(content, "```json") {
		content = strings.SplitN(content, "```json", 2)[1]
	}
	content = strings.SplitN(content, "```", 2)[0]
	return strings.TrimSpace(content)
}

// UnmarshalContent parses a chat reply into v, tolerating code fences.
func UnmarshalContent(content string, v any) error {
	return json.Unmarshal([]byte(ExtractJSON(content)), v)
}

// FirstChoice returns the first choice's message content, or "" when
// the response carries none.
func FirstChoice(resp openai.ChatCompletionResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].Message.Content
}
