package completion

import (
	"context"
	"sync"
	"time"
)

// Call records one invocation of a Fake.
type Call struct {
	Prompt string
	Data   any
}

// HandlerFunc produces a scripted response.
type HandlerFunc func(ctx context.Context, prompt string, data any) (Result, error)

// Fake is a scripted Client for tests and offline runs.
type Fake struct {
	mu      sync.Mutex
	calls   []Call
	handler HandlerFunc
	delay   time.Duration
}

// NewFake creates a Fake. A nil handler echoes the prompt with usage 10.
func NewFake(handler HandlerFunc) *Fake {
	if handler == nil {
		handler = func(ctx context.Context, prompt string, data any) (Result, error) {
			return Result{Text: "summary: " + firstLine(prompt), Usage: 10, UsageReported: true, FinishReason: "stop"}, nil
		}
	}
	return &Fake{handler: handler}
}

// WithDelay makes every call take at least d (or until ctx ends).
func (f *Fake) WithDelay(d time.Duration) *Fake {
	f.delay = d
	return f
}

func (f *Fake) Complete(ctx context.Context, prompt string, data any) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Prompt: prompt, Data: data})
	f.mu.Unlock()

	if f.delay > 0 {
		t := time.NewTimer(f.delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return f.handler(ctx, prompt, data)
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount returns the number of calls so far.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' || r == '.' {
			return s[:i]
		}
	}
	return s
}
