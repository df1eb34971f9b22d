package completion

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = openai.GPT3Dot5Turbo16K

// OpenAIClient calls the OpenAI chat completions API.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	temperature float32
}

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*openai.ClientConfig)

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(url string) OpenAIOption {
	return func(c *openai.ClientConfig) { c.BaseURL = url }
}

// NewOpenAIClient creates a client for model using apiKey.
func NewOpenAIClient(apiKey, model string, opts ...OpenAIOption) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	for _, opt := range opts {
		opt(&cfg)
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAIClient{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		temperature: 1,
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, prompt string, data any) (Result, error) {
	content, err := BuildMessage(prompt, data)
	if err != nil {
		return Result{}, err
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: content},
		},
		Temperature: c.temperature,
	})
	if err != nil {
		return Result{}, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("%w: openai returned no choices", ErrUpstream)
	}

	choice := resp.Choices[0]
	return Result{
		Text:          choice.Message.Content,
		Usage:         resp.Usage.TotalTokens,
		UsageReported: resp.Usage.TotalTokens > 0,
		FinishReason:  string(choice.FinishReason),
	}, nil
}

func classifyOpenAIError(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: openai: %v", ErrQuotaExceeded, err)
	}
	return fmt.Errorf("%w: openai: %v", ErrUpstream, err)
}
