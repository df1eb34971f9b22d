package completion

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.0-flash"

type generateFunc func(ctx context.Context, model, text string) (*genai.GenerateContentResponse, error)

// GeminiClient calls the Gemini generateContent API.
type GeminiClient struct {
	model    string
	generate generateFunc
}

// NewGeminiClient creates a client for model using apiKey.
func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return newGeminiClient(model, func(ctx context.Context, model, text string) (*genai.GenerateContentResponse, error) {
		return client.Models.GenerateContent(ctx, model, genai.Text(text), nil)
	}), nil
}

func newGeminiClient(model string, generate generateFunc) *GeminiClient {
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiClient{model: model, generate: generate}
}

func (c *GeminiClient) Complete(ctx context.Context, prompt string, data any) (Result, error) {
	content, err := BuildMessage(prompt, data)
	if err != nil {
		return Result{}, err
	}

	resp, err := c.generate(ctx, c.model, content)
	if err != nil {
		return Result{}, classifyGeminiError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return Result{}, fmt.Errorf("%w: gemini returned no candidates", ErrUpstream)
	}

	res := Result{
		Text:         resp.Text(),
		FinishReason: string(resp.Candidates[0].FinishReason),
	}
	if resp.UsageMetadata != nil && resp.UsageMetadata.TotalTokenCount > 0 {
		res.Usage = int(resp.UsageMetadata.TotalTokenCount)
		res.UsageReported = true
	}
	return res, nil
}

func classifyGeminiError(err error) error {
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}
	if code == http.StatusTooManyRequests {
		return fmt.Errorf("%w: gemini: %v", ErrQuotaExceeded, err)
	}
	return fmt.Errorf("%w: gemini: %v", ErrUpstream, err)
}
