package completion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/ChuLiYu/fin-analysis/internal/metrics"
)

func TestBuildMessage(t *testing.T) {
	msg, err := BuildMessage("Summarize.", []map[string]float64{{"revenue": 10}})
	require.NoError(t, err)
	assert.Equal(t, "Summarize.\n\n[{\"revenue\":10}]", msg)

	plain, err := BuildMessage("Only prompt", nil)
	require.NoError(t, err)
	assert.Equal(t, "Only prompt", plain)
}

// ============================================================================
// OpenAI
// ============================================================================

func openAIServer(t *testing.T, status int, body string, seen *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			raw, _ := io.ReadAll(r.Body)
			*seen = string(raw)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIComplete(t *testing.T) {
	var request string
	srv := openAIServer(t, http.StatusOK, `{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "Margins are stable."}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 20, "completion_tokens": 10, "total_tokens": 30}
	}`, &request)

	client := NewOpenAIClient("test-key", "", WithBaseURL(srv.URL+"/v1"))
	res, err := client.Complete(context.Background(), "Analyse revenue.", []int{1, 2})
	require.NoError(t, err)

	assert.Equal(t, "Margins are stable.", res.Text)
	assert.Equal(t, 30, res.Usage)
	assert.True(t, res.UsageReported)
	assert.Equal(t, "stop", res.FinishReason)

	var sent struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal([]byte(request), &sent))
	assert.Equal(t, DefaultOpenAIModel, sent.Model)
	require.Len(t, sent.Messages, 1)
	assert.Equal(t, "user", sent.Messages[0].Role)
	assert.Equal(t, "Analyse revenue.\n\n[1,2]", sent.Messages[0].Content)
}

func TestOpenAIMissingUsage(t *testing.T) {
	srv := openAIServer(t, http.StatusOK, `{
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "ok"}, "finish_reason": "length"}]
	}`, nil)

	res, err := NewOpenAIClient("k", "gpt-4o", WithBaseURL(srv.URL+"/v1")).Complete(context.Background(), "p", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Usage)
	assert.False(t, res.UsageReported)
	assert.Equal(t, "length", res.FinishReason)
}

func TestOpenAIErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		want    error
		notWant error
	}{
		{"rate limited", http.StatusTooManyRequests, ErrQuotaExceeded, ErrUpstream},
		{"server error", http.StatusInternalServerError, ErrUpstream, ErrQuotaExceeded},
		{"unauthorized", http.StatusUnauthorized, ErrUpstream, ErrQuotaExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := openAIServer(t, tt.status, `{"error": {"message": "nope", "type": "test"}}`, nil)
			_, err := NewOpenAIClient("k", "", WithBaseURL(srv.URL+"/v1")).Complete(context.Background(), "p", nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.NotErrorIs(t, err, tt.notWant)
		})
	}
}

func TestOpenAIUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewOpenAIClient("k", "", WithBaseURL(url+"/v1")).Complete(context.Background(), "p", nil)
	assert.ErrorIs(t, err, ErrUpstream)
}

// ============================================================================
// Gemini
// ============================================================================

func TestGeminiComplete(t *testing.T) {
	var gotModel, gotText string
	client := newGeminiClient("", func(ctx context.Context, model, text string) (*genai.GenerateContentResponse, error) {
		gotModel, gotText = model, text
		return &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				Content:      &genai.Content{Parts: []*genai.Part{{Text: "Cash is ample."}}, Role: genai.RoleModel},
				FinishReason: genai.FinishReasonStop,
			}},
			UsageMetadata: &genai.GenerateContentResponseUsageMetadata{TotalTokenCount: 42},
		}, nil
	})

	res, err := client.Complete(context.Background(), "Assess cash.", map[string]int{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, DefaultGeminiModel, gotModel)
	assert.Equal(t, "Assess cash.\n\n{\"x\":1}", gotText)
	assert.Equal(t, "Cash is ample.", res.Text)
	assert.Equal(t, 42, res.Usage)
	assert.True(t, res.UsageReported)
	assert.Equal(t, string(genai.FinishReasonStop), res.FinishReason)
}

func TestGeminiMissingUsage(t *testing.T) {
	client := newGeminiClient("m", func(ctx context.Context, model, text string) (*genai.GenerateContentResponse, error) {
		return &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []*genai.Part{{Text: "ok"}}}}},
		}, nil
	})

	res, err := client.Complete(context.Background(), "p", nil)
	require.NoError(t, err)
	assert.False(t, res.UsageReported)
	assert.Equal(t, 0, res.Usage)
}

func TestGeminiErrors(t *testing.T) {
	quota := newGeminiClient("m", func(ctx context.Context, model, text string) (*genai.GenerateContentResponse, error) {
		return nil, genai.APIError{Code: http.StatusTooManyRequests, Message: "quota"}
	})
	_, err := quota.Complete(context.Background(), "p", nil)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	broken := newGeminiClient("m", func(ctx context.Context, model, text string) (*genai.GenerateContentResponse, error) {
		return nil, errors.New("connection reset")
	})
	_, err = broken.Complete(context.Background(), "p", nil)
	assert.ErrorIs(t, err, ErrUpstream)

	empty := newGeminiClient("m", func(ctx context.Context, model, text string) (*genai.GenerateContentResponse, error) {
		return &genai.GenerateContentResponse{}, nil
	})
	_, err = empty.Complete(context.Background(), "p", nil)
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestNewGeminiClientRequiresKey(t *testing.T) {
	_, err := NewGeminiClient(context.Background(), "", "")
	assert.Error(t, err)
}

// ============================================================================
// Fake & Instrumented
// ============================================================================

func TestFakeRecordsCalls(t *testing.T) {
	f := NewFake(nil)
	res, err := f.Complete(context.Background(), "Analyse revenue. More text", []int{1})
	require.NoError(t, err)
	assert.Equal(t, "summary: Analyse revenue", res.Text)
	assert.Equal(t, 1, f.CallCount())
	assert.Equal(t, []int{1}, f.Calls()[0].Data)
}

func TestInstrumentedRecordsOutcome(t *testing.T) {
	m := metrics.NewCollector()
	calls := 0
	f := NewFake(func(ctx context.Context, prompt string, data any) (Result, error) {
		calls++
		if strings.HasPrefix(prompt, "fail") {
			return Result{}, ErrQuotaExceeded
		}
		return Result{Text: "ok", Usage: 5, UsageReported: true}, nil
	})
	c := Instrument(f, "fake", nil, m)

	_, err := c.Complete(context.Background(), "hello", nil)
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), "fail now", nil)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	assert.Equal(t, 2, calls)
	n, err := testutil.GatherAndCount(m.Registry(), "analysis_completion_calls_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per outcome")
}
