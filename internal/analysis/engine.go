// ============================================================================
// Fin-Analysis 分析引擎 - 報表分段扇出與彙總
// ============================================================================
//
// Package: internal/analysis
// 文件: engine.go
// 功能: 單一報表的分析管線
//
// 流程:
//   1. 取得來源期間，依日期遞減排序，保留最近 4 期
//   2. 無期間 → 直接產生 NoData 產物，不派送任何補全
//   3. 每個分段（bucket）派送一個 leaf 任務
//   4. 等待全部分段完成後，以分段名稱組合結果
//   5. 派送一個彙總 leaf 任務，產生最終敘述
//   6. token 用量 = 各分段用量 + 彙總用量
//
// ============================================================================

package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/fin-analysis/internal/completion"
	"github.com/ChuLiYu/fin-analysis/internal/source"
	"github.com/ChuLiYu/fin-analysis/internal/worker"
	"github.com/ChuLiYu/fin-analysis/pkg/types"
)

// Dispatcher 任務派送與等待，由 taskqueue.Queue 實作
type Dispatcher interface {
	Enqueue(ctx context.Context, class types.WorkerClass, name string, fn worker.Func) (string, error)
	Wait(ctx context.Context, id string) (*types.TaskHandle, error)
}

// settings Engine 與 Aggregator 共用的選項
type settings struct {
	logger *zap.Logger
	now    func() time.Time
}

// Option 分析選項
type Option func(*settings)

// WithLogger 設定日誌
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock 設定時間來源
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

func newSettings(opts []Option) settings {
	s := settings{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Engine 報表分析引擎
type Engine struct {
	settings
	dispatcher Dispatcher
	client     completion.Client
	source     source.Source
}

// NewEngine 建立分析引擎
func NewEngine(d Dispatcher, client completion.Client, src source.Source, opts ...Option) *Engine {
	return &Engine{
		settings:   newSettings(opts),
		dispatcher: d,
		client:     client,
		source:     src,
	}
}

// segmentOutput 一個分段 leaf 任務的結果
type segmentOutput struct {
	Bucket string
	Result completion.Result
}

// Analyze 對單一報表執行完整分析管線；必須在 coordinator 類別的任務中呼叫
func (e *Engine) Analyze(ctx context.Context, key types.AnalysisKey) (*types.Artifact, error) {
	buckets := BucketsFor(key.Kind)
	if buckets == nil {
		return nil, fmt.Errorf("%w: %s is not a statement kind", types.ErrInvalidInput, key.Kind)
	}

	periods, err := e.source.FetchPeriods(ctx, key.EntityID, key.Kind)
	if err != nil {
		return nil, fmt.Errorf("fetch %s periods for %s: %w", key.Kind, key.EntityID, err)
	}
	periods = LatestPeriods(periods)
	if len(periods) == 0 {
		e.logger.Info("no source periods, producing empty artifact", zap.String("key", key.String()))
		return &types.Artifact{
			Key:        key,
			Narrative:  NoDataNarrative(key.Kind),
			ComputedAt: e.now().UTC(),
			NoData:     true,
		}, nil
	}

	// 扇出：每個分段一個 leaf 任務
	ids := make([]string, 0, len(buckets))
	for _, b := range buckets {
		id, err := e.dispatcher.Enqueue(ctx, types.ClassLeaf, key.String()+"/"+b.Name,
			e.segmentTask(b.Name, b.Prompt, b.Extract(periods)))
		if err != nil {
			return nil, fmt.Errorf("dispatch segment %s: %w", b.Name, err)
		}
		ids = append(ids, id)
	}

	// 匯合：全部分段完成後才彙總
	combined := make(map[string]string, len(buckets))
	usage := 0
	for i, id := range ids {
		out, err := e.await(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", buckets[i].Name, err)
		}
		combined[out.Bucket] = out.Result.Text
		usage += e.usageOf(key, out.Bucket, out.Result)
	}

	id, err := e.dispatcher.Enqueue(ctx, types.ClassLeaf, key.String()+"/synthesis",
		e.segmentTask("synthesis", SynthesisPrompt(key.Kind), combined))
	if err != nil {
		return nil, fmt.Errorf("dispatch synthesis: %w", err)
	}
	final, err := e.await(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("synthesis: %w", err)
	}
	usage += e.usageOf(key, "synthesis", final.Result)

	e.logger.Info("statement analysis complete",
		zap.String("key", key.String()),
		zap.Int("periods", len(periods)),
		zap.Int("segments", len(buckets)),
		zap.Int("token_usage", usage))

	return &types.Artifact{
		Key:        key,
		Narrative:  final.Result.Text,
		TokenUsage: usage,
		ComputedAt: e.now().UTC(),
	}, nil
}

// segmentTask 建立一次補全呼叫的 leaf 任務
func (e *Engine) segmentTask(bucket, prompt string, data any) worker.Func {
	return func(ctx context.Context) (any, error) {
		res, err := e.client.Complete(ctx, prompt, data)
		if err != nil {
			return nil, err
		}
		return segmentOutput{Bucket: bucket, Result: res}, nil
	}
}

// await 等待 leaf handle 並取出其結果
func (e *Engine) await(ctx context.Context, id string) (segmentOutput, error) {
	h, err := e.dispatcher.Wait(ctx, id)
	if err != nil {
		return segmentOutput{}, err
	}
	if h.Status == types.StatusFailed {
		if h.Error != nil {
			return segmentOutput{}, h.Error
		}
		return segmentOutput{}, errors.New("task failed without error detail")
	}
	out, ok := h.Value.(segmentOutput)
	if !ok {
		return segmentOutput{}, fmt.Errorf("unexpected segment result %T", h.Value)
	}
	return out, nil
}

func (e *Engine) usageOf(key types.AnalysisKey, bucket string, res completion.Result) int {
	if !res.UsageReported {
		e.logger.Warn("completion reported no token usage, counting zero",
			zap.String("key", key.String()),
			zap.String("segment", bucket))
		return 0
	}
	return res.Usage
}
