package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ChuLiYu/fin-analysis/internal/completion"
	"github.com/ChuLiYu/fin-analysis/internal/source"
	"github.com/ChuLiYu/fin-analysis/internal/store"
	"github.com/ChuLiYu/fin-analysis/internal/taskqueue"
	"github.com/ChuLiYu/fin-analysis/pkg/types"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newQueue(t *testing.T) *taskqueue.Queue {
	t.Helper()
	cfg := taskqueue.DefaultConfig()
	cfg.AggregateWorkers = 1
	cfg.CoordinatorWorkers = 1
	cfg.LeafWorkers = 4
	cfg.QueueSize = 32
	q, err := taskqueue.New(cfg)
	require.NoError(t, err)
	require.NoError(t, q.Start())
	t.Cleanup(q.Stop)
	return q
}

func periods(dates ...string) []types.PeriodRecord {
	out := make([]types.PeriodRecord, 0, len(dates))
	for i, d := range dates {
		out = append(out, types.PeriodRecord{Date: d, Fields: map[string]float64{
			"revenue":                              float64(100 + i),
			"netCashProvidedByOperatingActivities": float64(10 + i),
			"freeCashFlow":                         float64(5 + i),
			"totalAssets":                          float64(1000 + i),
		}})
	}
	return out
}

func sourceWith(symbol string, statements map[types.Kind][]types.PeriodRecord) *source.MemorySource {
	src := source.NewMemorySource()
	src.Put(symbol, "Acme Corp", statements)
	return src
}

// ============================================================================
// Schema
// ============================================================================

func TestLatestPeriods(t *testing.T) {
	in := periods("2020-12-31", "2023-12-31", "2021-12-31", "2019-12-31", "2022-12-31", "2018-12-31")
	got := LatestPeriods(in)

	require.Len(t, got, MaxPeriods)
	dates := make([]string, 0, len(got))
	for _, p := range got {
		dates = append(dates, p.Date)
	}
	assert.Equal(t, []string{"2023-12-31", "2022-12-31", "2021-12-31", "2020-12-31"}, dates)
	assert.Equal(t, "2020-12-31", in[0].Date, "input must not be reordered")
}

func TestBucketsFor(t *testing.T) {
	tests := []struct {
		kind  types.Kind
		count int
	}{
		{types.KindIncome, 5},
		{types.KindBalanceSheet, 5},
		{types.KindCashFlow, 4},
		{types.KindComposite, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			buckets := BucketsFor(tt.kind)
			assert.Len(t, buckets, tt.count)
			for _, b := range buckets {
				assert.NotEmpty(t, b.Fields)
				assert.NotEmpty(t, b.Prompt)
			}
		})
	}
}

func TestExtractOmitsMissingFields(t *testing.T) {
	var assetManagement Bucket
	for _, b := range BucketsFor(types.KindBalanceSheet) {
		if b.Name == "asset_management" {
			assetManagement = b
		}
	}
	require.Contains(t, assetManagement.Fields, "totalAssets")

	rows := assetManagement.Extract([]types.PeriodRecord{
		{Date: "2023-12-31", Fields: map[string]float64{"totalAssets": 42, "goodwill": 3, "revenue": 9}},
	})
	require.Len(t, rows, 1)
	assert.Equal(t, map[string]any{"date": "2023-12-31", "totalAssets": 42.0, "goodwill": 3.0}, rows[0])
}

func TestPrompts(t *testing.T) {
	for _, kind := range types.StatementKinds {
		assert.NotEmpty(t, SynthesisPrompt(kind))
	}
	assert.Contains(t, CompanyPrompt("Acme Corp"), "Acme Corp")
	assert.Equal(t, "No cash flow statement data available", NoDataNarrative(types.KindCashFlow))
}

// ============================================================================
// Engine
// ============================================================================

// usageByPrompt 依提示詞回傳固定用量
func usageByPrompt(usage map[string]int) completion.HandlerFunc {
	return func(ctx context.Context, prompt string, data any) (completion.Result, error) {
		n, ok := usage[prompt]
		if !ok {
			return completion.Result{}, fmt.Errorf("%w: unexpected prompt", completion.ErrUpstream)
		}
		return completion.Result{Text: "text", Usage: n, UsageReported: true}, nil
	}
}

func TestEngineSumsSegmentAndSynthesisUsage(t *testing.T) {
	usage := map[string]int{SynthesisPrompt(types.KindCashFlow): 20}
	for i, b := range BucketsFor(types.KindCashFlow) {
		usage[b.Prompt] = []int{30, 25, 40, 35}[i]
	}
	client := completion.NewFake(usageByPrompt(usage))
	src := sourceWith("ACME", map[types.Kind][]types.PeriodRecord{
		types.KindCashFlow: periods("2023-12-31", "2022-12-31"),
	})
	engine := NewEngine(newQueue(t), client, src, WithClock(func() time.Time { return fixedNow }))

	key := types.NewKey("acme", types.KindCashFlow)
	art, err := engine.Analyze(context.Background(), key)
	require.NoError(t, err)

	assert.Equal(t, 150, art.TokenUsage)
	assert.Equal(t, key, art.Key)
	assert.Equal(t, fixedNow, art.ComputedAt)
	assert.False(t, art.NoData)
	assert.Equal(t, 5, client.CallCount())
}

func TestEngineSynthesisReceivesEverySegment(t *testing.T) {
	client := completion.NewFake(func(ctx context.Context, prompt string, data any) (completion.Result, error) {
		return completion.Result{Text: "about " + firstWord(prompt), Usage: 1, UsageReported: true}, nil
	})
	src := sourceWith("ACME", map[types.Kind][]types.PeriodRecord{
		types.KindIncome: periods("2023-12-31"),
	})
	engine := NewEngine(newQueue(t), client, src)

	_, err := engine.Analyze(context.Background(), types.NewKey("ACME", types.KindIncome))
	require.NoError(t, err)

	calls := client.Calls()
	require.Len(t, calls, 6)
	last := calls[len(calls)-1]
	assert.Equal(t, SynthesisPrompt(types.KindIncome), last.Prompt)
	combined, ok := last.Data.(map[string]string)
	require.True(t, ok)
	for _, b := range BucketsFor(types.KindIncome) {
		assert.Equal(t, "about "+firstWord(b.Prompt), combined[b.Name])
	}
}

func firstWord(s string) string {
	return strings.Fields(s)[0]
}

func TestEngineUsesOnlyLatestFourPeriods(t *testing.T) {
	client := completion.NewFake(nil)
	src := sourceWith("ACME", map[types.Kind][]types.PeriodRecord{
		types.KindCashFlow: periods("2018-12-31", "2019-12-31", "2020-12-31", "2021-12-31", "2022-12-31", "2023-12-31"),
	})
	engine := NewEngine(newQueue(t), client, src)

	_, err := engine.Analyze(context.Background(), types.NewKey("ACME", types.KindCashFlow))
	require.NoError(t, err)

	first := client.Calls()[0]
	rows, ok := first.Data.([]map[string]any)
	require.True(t, ok)
	require.Len(t, rows, 4)
	assert.Equal(t, "2023-12-31", rows[0]["date"])
	assert.Equal(t, "2020-12-31", rows[3]["date"])
}

func TestEngineNoDataSkipsCompletion(t *testing.T) {
	client := completion.NewFake(nil)
	src := sourceWith("ACME", map[types.Kind][]types.PeriodRecord{})
	engine := NewEngine(newQueue(t), client, src)

	art, err := engine.Analyze(context.Background(), types.NewKey("ACME", types.KindBalanceSheet))
	require.NoError(t, err)

	assert.True(t, art.NoData)
	assert.Equal(t, 0, art.TokenUsage)
	assert.Equal(t, "No balance sheet data available", art.Narrative)
	assert.Equal(t, 0, client.CallCount())
}

func TestEngineUnknownEntity(t *testing.T) {
	engine := NewEngine(newQueue(t), completion.NewFake(nil), source.NewMemorySource())

	_, err := engine.Analyze(context.Background(), types.NewKey("NOPE", types.KindIncome))
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestEngineRejectsComposite(t *testing.T) {
	engine := NewEngine(newQueue(t), completion.NewFake(nil), source.NewMemorySource())

	_, err := engine.Analyze(context.Background(), types.NewKey("ACME", types.KindComposite))
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestEngineSegmentFailureAbortsBeforeSynthesis(t *testing.T) {
	client := completion.NewFake(func(ctx context.Context, prompt string, data any) (completion.Result, error) {
		if prompt == promptFinancingActivities {
			return completion.Result{}, fmt.Errorf("%w: 429", completion.ErrQuotaExceeded)
		}
		return completion.Result{Text: "ok", Usage: 1, UsageReported: true}, nil
	})
	src := sourceWith("ACME", map[types.Kind][]types.PeriodRecord{
		types.KindCashFlow: periods("2023-12-31"),
	})
	engine := NewEngine(newQueue(t), client, src)

	_, err := engine.Analyze(context.Background(), types.NewKey("ACME", types.KindCashFlow))
	require.Error(t, err)

	var info *types.ErrorInfo
	require.True(t, errors.As(err, &info))
	assert.Equal(t, types.CodeQuota, info.Code)
	for _, c := range client.Calls() {
		assert.NotEqual(t, SynthesisPrompt(types.KindCashFlow), c.Prompt)
	}
}

func TestEngineMissingUsageCountsZeroWithWarning(t *testing.T) {
	client := completion.NewFake(func(ctx context.Context, prompt string, data any) (completion.Result, error) {
		if prompt == promptCashPosition {
			return completion.Result{Text: "ok"}, nil
		}
		return completion.Result{Text: "ok", Usage: 10, UsageReported: true}, nil
	})
	src := sourceWith("ACME", map[types.Kind][]types.PeriodRecord{
		types.KindCashFlow: periods("2023-12-31"),
	})
	core, logs := observer.New(zapcore.WarnLevel)
	engine := NewEngine(newQueue(t), client, src, WithLogger(zap.New(core)))

	art, err := engine.Analyze(context.Background(), types.NewKey("ACME", types.KindCashFlow))
	require.NoError(t, err)

	assert.Equal(t, 40, art.TokenUsage)
	warnings := logs.FilterMessage("completion reported no token usage, counting zero").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "cash_position", warnings[0].ContextMap()["segment"])
}

// ============================================================================
// Aggregator
// ============================================================================

// scriptedResolver 依序回傳預設的 resolve 結果
type scriptedResolver struct {
	mu       sync.Mutex
	resolves map[types.Kind][]types.Resolution
	awaits   map[string][]awaitResult
	onAwait  func(id string)
	waits    int
}

type awaitResult struct {
	handle *types.TaskHandle
	err    error
}

func (r *scriptedResolver) Resolve(ctx context.Context, key types.AnalysisKey) (types.Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	script := r.resolves[key.Kind]
	if len(script) == 0 {
		return types.Resolution{State: types.StateCached}, nil
	}
	next := script[0]
	r.resolves[key.Kind] = script[1:]
	return next, nil
}

func (r *scriptedResolver) Await(ctx context.Context, id string) (*types.TaskHandle, error) {
	r.mu.Lock()
	r.waits++
	script := r.awaits[id]
	var next awaitResult
	if len(script) > 0 {
		next = script[0]
		r.awaits[id] = script[1:]
	}
	onAwait := r.onAwait
	r.mu.Unlock()

	if onAwait != nil {
		onAwait(id)
	}
	if next.handle == nil && next.err == nil {
		return &types.TaskHandle{ID: id, Status: types.StatusSuccess}, nil
	}
	return next.handle, next.err
}

func (r *scriptedResolver) waitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waits
}

func seedStatements(t *testing.T, st store.Store, entity string, kinds ...types.Kind) {
	t.Helper()
	for _, kind := range kinds {
		require.NoError(t, st.Put(context.Background(), &types.Artifact{
			Key:        types.NewKey(entity, kind),
			Narrative:  string(kind) + " narrative",
			TokenUsage: 100,
			ComputedAt: fixedNow,
		}))
	}
}

func newAggregator(t *testing.T, r Resolver, st store.Store, client completion.Client, opts ...Option) *Aggregator {
	t.Helper()
	src := sourceWith("ACME", nil)
	cfg := AggregatorConfig{WaitTimeout: 5 * time.Second, RetryBackoff: time.Millisecond}
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewAggregator(cfg, r, st, src, newQueue(t), client, opts...)
}

func TestAggregatorAllCachedNeedsNoWaits(t *testing.T) {
	st := store.NewMemoryStore()
	seedStatements(t, st, "ACME", types.StatementKinds...)
	resolver := &scriptedResolver{resolves: map[types.Kind][]types.Resolution{}}
	client := completion.NewFake(func(ctx context.Context, prompt string, data any) (completion.Result, error) {
		return completion.Result{Text: "company view", Usage: 77, UsageReported: true}, nil
	})
	agg := newAggregator(t, resolver, st, client)

	key := types.NewKey("ACME", types.KindComposite)
	art, err := agg.Analyze(context.Background(), key)
	require.NoError(t, err)

	assert.Equal(t, 0, resolver.waitCount())
	assert.Equal(t, 1, client.CallCount())
	assert.Equal(t, 77, art.TokenUsage, "composite usage excludes the statement analyses")
	assert.Equal(t, "company view", art.Narrative)
	assert.Equal(t, key, art.Key)

	call := client.Calls()[0]
	assert.Contains(t, call.Prompt, "Acme Corp")
	assert.Equal(t, map[string]string{
		"income_analysis":        "income narrative",
		"balance_sheet_analysis": "balance_sheet narrative",
		"cash_flow_analysis":     "cash_flow narrative",
	}, call.Data)
}

func TestAggregatorWaitsForPendingDependencies(t *testing.T) {
	st := store.NewMemoryStore()
	seedStatements(t, st, "ACME", types.KindIncome)
	resolver := &scriptedResolver{
		resolves: map[types.Kind][]types.Resolution{
			types.KindBalanceSheet: {{State: types.StatePending, HandleID: "bs"}},
			types.KindCashFlow:     {{State: types.StatePending, HandleID: "cf"}},
		},
		awaits: map[string][]awaitResult{},
	}
	// 依賴完成時才寫入產物
	resolver.onAwait = func(id string) {
		kind := map[string]types.Kind{"bs": types.KindBalanceSheet, "cf": types.KindCashFlow}[id]
		seedStatements(t, st, "ACME", kind)
	}
	client := completion.NewFake(nil)
	agg := newAggregator(t, resolver, st, client)

	_, err := agg.Analyze(context.Background(), types.NewKey("ACME", types.KindComposite))
	require.NoError(t, err)
	assert.Equal(t, 2, resolver.waitCount())
	assert.Equal(t, 1, client.CallCount())
}

func TestAggregatorReResolvesOnRetryAndStalePointer(t *testing.T) {
	st := store.NewMemoryStore()
	seedStatements(t, st, "ACME", types.StatementKinds...)
	resolver := &scriptedResolver{
		resolves: map[types.Kind][]types.Resolution{
			types.KindIncome: {{State: types.StateRetry}, {State: types.StateRetry}},
			types.KindCashFlow: {
				{State: types.StatePending, HandleID: "gone"},
				{State: types.StateCached},
			},
		},
		awaits: map[string][]awaitResult{
			"gone": {{err: fmt.Errorf("%w: gone", types.ErrStalePointer)}},
		},
	}
	agg := newAggregator(t, resolver, st, completion.NewFake(nil))

	_, err := agg.Analyze(context.Background(), types.NewKey("ACME", types.KindComposite))
	require.NoError(t, err)
	assert.Empty(t, resolver.resolves[types.KindIncome])
	assert.Empty(t, resolver.resolves[types.KindCashFlow])
}

func TestAggregatorMissingArtifactIsConsistencyViolation(t *testing.T) {
	st := store.NewMemoryStore()
	seedStatements(t, st, "ACME", types.KindIncome, types.KindCashFlow)
	resolver := &scriptedResolver{
		resolves: map[types.Kind][]types.Resolution{
			types.KindBalanceSheet: {{State: types.StatePending, HandleID: "bs"}},
		},
	}
	client := completion.NewFake(nil)
	core, logs := observer.New(zapcore.WarnLevel)
	agg := newAggregator(t, resolver, st, client, WithLogger(zap.New(core)))

	_, err := agg.Analyze(context.Background(), types.NewKey("ACME", types.KindComposite))
	assert.ErrorIs(t, err, types.ErrConsistencyViolation)
	assert.Equal(t, types.CodeConsistency, types.ErrorInfoFrom(err).Code)
	assert.Equal(t, 0, client.CallCount())

	entries := logs.FilterMessage("dependency succeeded without artifact").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "balance_sheet_analysis_ACME", entries[0].ContextMap()["key"])
}

func TestAggregatorFailedDependency(t *testing.T) {
	st := store.NewMemoryStore()
	resolver := &scriptedResolver{
		resolves: map[types.Kind][]types.Resolution{
			types.KindIncome: {{State: types.StatePending, HandleID: "inc"}},
		},
		awaits: map[string][]awaitResult{
			"inc": {{handle: &types.TaskHandle{ID: "inc", Status: types.StatusFailed,
				Error: &types.ErrorInfo{Code: types.CodeUpstream, Message: "boom"}}}},
		},
	}
	client := completion.NewFake(nil)
	agg := newAggregator(t, resolver, st, client)

	_, err := agg.Analyze(context.Background(), types.NewKey("ACME", types.KindComposite))
	require.Error(t, err)
	assert.Equal(t, types.CodeUpstream, types.ErrorInfoFrom(err).Code)
	assert.Equal(t, 0, client.CallCount())
}

func TestAggregatorWaitTimeout(t *testing.T) {
	st := store.NewMemoryStore()
	resolver := &scriptedResolver{resolves: map[types.Kind][]types.Resolution{}}
	for _, kind := range types.StatementKinds {
		script := make([]types.Resolution, 10000)
		for i := range script {
			script[i] = types.Resolution{State: types.StateRetry}
		}
		resolver.resolves[kind] = script
	}
	cfg := AggregatorConfig{WaitTimeout: 30 * time.Millisecond, RetryBackoff: 5 * time.Millisecond}
	agg := NewAggregator(cfg, resolver, st, sourceWith("ACME", nil), newQueue(t), completion.NewFake(nil))

	_, err := agg.Analyze(context.Background(), types.NewKey("ACME", types.KindComposite))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, types.CodeTimeout, types.ErrorInfoFrom(err).Code)
}

func TestRouter(t *testing.T) {
	st := store.NewMemoryStore()
	seedStatements(t, st, "ACME", types.StatementKinds...)
	client := completion.NewFake(nil)
	src := sourceWith("ACME", map[types.Kind][]types.PeriodRecord{})
	q := newQueue(t)
	router := NewRouter(NewEngine(q, client, src))

	_, err := router.Generate(context.Background(), types.NewKey("ACME", types.KindComposite))
	require.Error(t, err)

	art, err := router.Generate(context.Background(), types.NewKey("ACME", types.KindIncome))
	require.NoError(t, err)
	assert.True(t, art.NoData)

	router.SetAggregator(NewAggregator(DefaultAggregatorConfig(), &scriptedResolver{resolves: map[types.Kind][]types.Resolution{}},
		st, src, q, client))
	art, err = router.Generate(context.Background(), types.NewKey("ACME", types.KindComposite))
	require.NoError(t, err)
	assert.Equal(t, types.KindComposite, art.Key.Kind)
}
