package analysis

import (
	"context"
	"fmt"
	"sync"

	"github.com/ChuLiYu/fin-analysis/pkg/types"
)

// Router 依分析種類將產生工作分派給 Engine 或 Aggregator
type Router struct {
	engine *Engine

	mu         sync.RWMutex
	aggregator *Aggregator
}

// NewRouter 建立 Router；Aggregator 依賴 Resolver，因此於 Resolver 建立後再以 SetAggregator 掛上
func NewRouter(engine *Engine) *Router {
	return &Router{engine: engine}
}

// SetAggregator 設定組合分析的產生器
func (r *Router) SetAggregator(a *Aggregator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aggregator = a
}

// Generate 產生一個分析產物
func (r *Router) Generate(ctx context.Context, key types.AnalysisKey) (*types.Artifact, error) {
	if key.Kind == types.KindComposite {
		r.mu.RLock()
		agg := r.aggregator
		r.mu.RUnlock()
		if agg == nil {
			return nil, fmt.Errorf("composite analysis is not configured")
		}
		return agg.Analyze(ctx, key)
	}
	return r.engine.Analyze(ctx, key)
}
