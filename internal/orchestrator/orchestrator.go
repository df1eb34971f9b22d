// ============================================================================
// Fin-Analysis 協調器 - Get-or-Generate
// ============================================================================
//
// Package: internal/orchestrator
// 文件: orchestrator.go
// 功能: 對任意分析鍵提供「已快取 / 產生中 / 重試」三種結果，
//       並保證同一時間每個鍵最多只有一個產生任務
//
// Resolve 流程:
//   1. Store 命中 → cached
//   2. 非阻塞取得租約
//      - 忙碌：查登記表，有指標 → pending(handle)，否則 → retry
//      - 取得：入隊產生任務 → 發布指標 → pending(handle)
//   3. 入隊或發布失敗 → 釋放租約後返回錯誤
//
// 任務清理（含 panic）:
//   先清除指標，再以擁有者 token 釋放租約
//
// ============================================================================

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ChuLiYu/fin-analysis/internal/lease"
	"github.com/ChuLiYu/fin-analysis/internal/metrics"
	"github.com/ChuLiYu/fin-analysis/internal/registry"
	"github.com/ChuLiYu/fin-analysis/internal/store"
	"github.com/ChuLiYu/fin-analysis/internal/worker"
	"github.com/ChuLiYu/fin-analysis/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// errNotPublished 指標發布失敗，任務放棄執行
var errNotPublished = errors.New("generation aborted: in-flight pointer was not published")

// Generator 產生一個分析產物
type Generator interface {
	Generate(ctx context.Context, key types.AnalysisKey) (*types.Artifact, error)
}

// Queue 任務佇列，由 taskqueue.Queue 實作
type Queue interface {
	Enqueue(ctx context.Context, class types.WorkerClass, name string, fn worker.Func) (string, error)
	Wait(ctx context.Context, id string) (*types.TaskHandle, error)
}

// Config 協調器配置
type Config struct {
	LeaseTTL       time.Duration // 租約 TTL，限制崩潰持有者阻擋重新產生的時間
	RetryBackoff   time.Duration // ResolveAndWait 遇到 retry 時的等待
	CleanupTimeout time.Duration // 任務結束時清理指標與租約的時限
	ResolveTimeout time.Duration // 合併後的單次 resolve 時限，不隨任一調用者取消
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		LeaseTTL:       lease.DefaultTTL,
		RetryBackoff:   500 * time.Millisecond,
		CleanupTimeout: 10 * time.Second,
		ResolveTimeout: 30 * time.Second,
	}
}

// Orchestrator get-or-generate 協調器
type Orchestrator struct {
	config    Config
	store     store.Store
	lease     lease.Lease
	registry  registry.Registry
	queue     Queue
	generator Generator
	logger    *zap.Logger
	metrics   *metrics.Collector
	group     singleflight.Group
}

// Option 協調器選項
type Option func(*Orchestrator)

// WithLogger 設定日誌
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics 設定指標收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New 創建協調器
func New(cfg Config, st store.Store, l lease.Lease, reg registry.Registry, q Queue, g Generator, opts ...Option) *Orchestrator {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = lease.DefaultTTL
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 10 * time.Second
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 30 * time.Second
	}
	o := &Orchestrator{
		config:    cfg,
		store:     st,
		lease:     l,
		registry:  reg,
		queue:     q,
		generator: g,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ============================================================================
// Resolve
// ============================================================================

// Resolve 取得或開始產生分析產物，不會阻塞等待產生完成
func (o *Orchestrator) Resolve(ctx context.Context, key types.AnalysisKey) (types.Resolution, error) {
	if err := key.Validate(); err != nil {
		return types.Resolution{}, err
	}

	// 同一進程內對同一鍵的並發請求合併為一次；
	// 共享的工作不繼承首個調用者的取消，每個調用者只等待自己的 ctx
	ch := o.group.DoChan(key.String(), func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.ResolveTimeout)
		defer cancel()
		return o.resolve(rctx, key)
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return types.Resolution{}, r.Err
		}
		res := r.Val.(types.Resolution)
		o.metrics.RecordResolution(string(key.Kind), string(res.State))
		return res, nil
	case <-ctx.Done():
		return types.Resolution{}, ctx.Err()
	}
}

func (o *Orchestrator) resolve(ctx context.Context, key types.AnalysisKey) (types.Resolution, error) {
	art, err := o.store.Get(ctx, key)
	if err != nil {
		return types.Resolution{}, fmt.Errorf("store lookup %s: %w", key, err)
	}
	if art != nil {
		return types.Resolution{State: types.StateCached, Artifact: art}, nil
	}

	name := key.String()
	token, err := o.lease.Acquire(ctx, name, o.config.LeaseTTL)
	if errors.Is(err, types.ErrLeaseBusy) {
		o.metrics.RecordLease("busy")
		id, found, err := o.registry.Lookup(ctx, name)
		if err != nil {
			return types.Resolution{}, fmt.Errorf("lookup in-flight %s: %w", name, err)
		}
		if !found {
			// 租約持有者尚未發布指標，或剛完成清理
			return types.Resolution{State: types.StateRetry}, nil
		}
		return types.Resolution{State: types.StatePending, HandleID: id}, nil
	}
	if err != nil {
		o.metrics.RecordLease("error")
		return types.Resolution{}, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	o.metrics.RecordLease("acquired")

	// 指標發布前任務不得開始，避免任務先完成清理後留下過期指標
	ready := make(chan bool, 1)
	id, err := o.queue.Enqueue(ctx, classFor(key.Kind), name, o.job(key, token, ready))
	if err != nil {
		o.release(key, token)
		return types.Resolution{}, fmt.Errorf("enqueue %s: %w", name, err)
	}
	if err := o.registry.Publish(ctx, name, id); err != nil {
		ready <- false
		o.release(key, token)
		return types.Resolution{}, fmt.Errorf("publish in-flight %s: %w", name, err)
	}
	ready <- true

	o.logger.Info("analysis generation started",
		zap.String("key", name),
		zap.String("handle", id))
	return types.Resolution{State: types.StatePending, HandleID: id}, nil
}

// classFor 組合分析在 aggregate 類別執行，報表分析在 coordinator 類別執行
func classFor(kind types.Kind) types.WorkerClass {
	if kind == types.KindComposite {
		return types.ClassAggregate
	}
	return types.ClassCoordinator
}

// job 建立產生任務；任何結束路徑都會清除指標並釋放租約
//
// 即使任務 ctx 已結束也要先等 Resolve 的發布結果，
// 清理必須排在發布之後，否則指標會在清理後才寫入而過期
func (o *Orchestrator) job(key types.AnalysisKey, token string, ready <-chan bool) worker.Func {
	return func(ctx context.Context) (any, error) {
		if ok := <-ready; !ok {
			// 租約已由 Resolve 釋放，不可再清理
			return nil, errNotPublished
		}
		defer o.cleanup(key, token)
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		art, err := o.generator.Generate(ctx, key)
		if err != nil {
			o.logger.Warn("analysis generation failed",
				zap.String("key", key.String()),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err))
			return nil, err
		}
		if err := o.store.Put(ctx, art); err != nil {
			return nil, fmt.Errorf("store artifact %s: %w", key, err)
		}

		o.metrics.AddTokens(string(key.Kind), art.TokenUsage)
		o.logger.Info("analysis stored",
			zap.String("key", key.String()),
			zap.Int("token_usage", art.TokenUsage),
			zap.Bool("no_data", art.NoData),
			zap.Duration("duration", time.Since(start)))
		return art, nil
	}
}

// cleanup 先清除指標再釋放租約
func (o *Orchestrator) cleanup(key types.AnalysisKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.config.CleanupTimeout)
	defer cancel()

	if err := o.registry.Clear(ctx, key.String()); err != nil {
		o.logger.Error("failed to clear in-flight pointer", zap.String("key", key.String()), zap.Error(err))
	}
	if err := o.lease.Release(ctx, key.String(), token); err != nil {
		o.logger.Error("failed to release lease", zap.String("key", key.String()), zap.Error(err))
	}
}

func (o *Orchestrator) release(key types.AnalysisKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.config.CleanupTimeout)
	defer cancel()
	if err := o.lease.Release(ctx, key.String(), token); err != nil {
		o.logger.Error("failed to release lease", zap.String("key", key.String()), zap.Error(err))
	}
}

// ============================================================================
// 等待
// ============================================================================

// Await 等待 handle 進入終態；本進程不認得的 handle 視為過期指標
func (o *Orchestrator) Await(ctx context.Context, handleID string) (*types.TaskHandle, error) {
	h, err := o.queue.Wait(ctx, handleID)
	if errors.Is(err, types.ErrHandleNotFound) {
		return nil, fmt.Errorf("%w: %s", types.ErrStalePointer, handleID)
	}
	return h, err
}

// ResolveAndWait 重複 resolve 直到取得產物、產生失敗或 ctx 結束
func (o *Orchestrator) ResolveAndWait(ctx context.Context, key types.AnalysisKey) (*types.Artifact, error) {
	for {
		res, err := o.Resolve(ctx, key)
		if err != nil {
			return nil, err
		}

		switch res.State {
		case types.StateCached:
			return res.Artifact, nil
		case types.StatePending:
			h, err := o.Await(ctx, res.HandleID)
			if err != nil && !errors.Is(err, types.ErrStalePointer) {
				return nil, err
			}
			if err == nil {
				if h.Status == types.StatusFailed {
					return nil, h.Error
				}
				if h.Artifact != nil {
					return h.Artifact, nil
				}
			}
		}

		if err := sleep(ctx, o.config.RetryBackoff); err != nil {
			return nil, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
