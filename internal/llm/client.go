// Package llm wraps the chat-completions API used for story generation
// and signing analysis: a connection-reusing client with bounded
// exponential-backoff retries, plus tolerant parsing of the JSON the
// models return inside their replies.
package llm

import (
	"context"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultAttempts = 3
	baseRetryDelay  = time.Second
	maxRetryDelay   = 10 * time.Second
)

// ChatClient is the surface story generation and analysis consume.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config selects the upstream API and retry behavior.
type Config struct {
	BaseURL string
	APIKey  string
	// Timeout bounds each HTTP request, not the whole retry loop.
	Timeout  time.Duration
	Attempts uint
}

// RetryableClient retries transient API failures with exponential
// backoff. Auth failures are never retried.
type RetryableClient struct {
	apiClient *openai.Client
	attempts  uint
}

func New(cfg Config) *RetryableClient {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		config.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	attempts := cfg.Attempts
	if attempts == 0 {
		attempts = defaultAttempts
	}
	return &RetryableClient{
		apiClient: openai.NewClientWithConfig(config),
		attempts:  attempts,
	}
}

func (c *RetryableClient) CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (resp openai.ChatCompletionResponse, err error) {
	err = retry.Do(func() error {
		resp, err = c.apiClient.CreateChatCompletion(ctx, request)
		if err != nil {
			// A 401 arrives as APIError when the body parses and as
			// RequestError when it does not; neither is worth retrying.
			switch apiErr := err.(type) {
			case *openai.APIError:
				if apiErr.HTTPStatusCode == http.StatusUnauthorized {
					return retry.Unrecoverable(err)
				}
			case *openai.RequestError:
				if apiErr.HTTPStatusCode == http.StatusUnauthorized {
					return retry.Unrecoverable(err)
				}
			}
			return err
		}
		return nil
	},
		retry.Attempts(c.attempts),
		retry.Delay(baseRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(maxRetryDelay),
		retry.Context(ctx),
	)

	return
}
