// Package completion wraps text-generation services behind one synchronous,
// non-retrying call: given a prompt and a data payload, return generated text
// plus the number of tokens the service reports it consumed.
package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/fin-analysis/internal/metrics"
	"github.com/ChuLiYu/fin-analysis/pkg/types"
)

// Every Client error wraps exactly one of these.
var (
	ErrUpstream      = types.ErrUpstreamGeneration
	ErrQuotaExceeded = types.ErrQuotaExceeded
)

// Result is the outcome of one completion call.
type Result struct {
	Text          string
	Usage         int  // total tokens; 0 when not reported
	UsageReported bool // false when the service omitted usage
	FinishReason  string
}

// Client performs one completion. Implementations never retry.
type Client interface {
	Complete(ctx context.Context, prompt string, data any) (Result, error)
}

// BuildMessage renders the single user message sent to the model: the
// instruction, a blank line, then the data as JSON.
func BuildMessage(prompt string, data any) (string, error) {
	if data == nil {
		return prompt, nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode completion payload: %w", err)
	}
	return prompt + "\n\n" + string(payload), nil
}

// ============================================================================
// Instrumentation
// ============================================================================

// Instrumented decorates a Client with logging and metrics.
type Instrumented struct {
	next     Client
	provider string
	logger   *zap.Logger
	metrics  *metrics.Collector
}

// Instrument wraps next. logger and m may be nil.
func Instrument(next Client, provider string, logger *zap.Logger, m *metrics.Collector) *Instrumented {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Instrumented{
		next:     next,
		provider: provider,
		logger:   logger.Named("completion").With(zap.String("provider", provider)),
		metrics:  m,
	}
}

func (c *Instrumented) Complete(ctx context.Context, prompt string, data any) (Result, error) {
	start := time.Now()
	res, err := c.next.Complete(ctx, prompt, data)
	elapsed := time.Since(start)

	if err != nil {
		outcome := "error"
		if types.ErrorInfoFrom(err).Code == types.CodeQuota {
			outcome = "quota"
		}
		c.metrics.RecordCompletion(c.provider, outcome)
		c.logger.Warn("completion failed", zap.Duration("duration", elapsed), zap.Error(err))
		return res, err
	}

	c.metrics.RecordCompletion(c.provider, "ok")
	c.logger.Debug("completion generated",
		zap.Duration("duration", elapsed),
		zap.Int("usage", res.Usage),
		zap.Bool("usage_reported", res.UsageReported),
		zap.String("finish_reason", res.FinishReason))
	return res, nil
}
