// ============================================================================
// Fin-Analysis Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露協調層運行指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - analysis_tasks_enqueued_total{class}
//      - analysis_tasks_finished_total{class,status}
//
//   2. 協調計數器 (Counter)：
//      - analysis_resolutions_total{kind,state}   cached / pending / retry
//      - analysis_lease_acquire_total{outcome}    acquired / busy / error
//      - analysis_completion_calls_total{provider,outcome}
//      - analysis_completion_tokens_total{kind}
//
//   3. 性能指標 (Histogram)：
//      - analysis_task_latency_seconds{class}
//
//   4. 狀態指標 (Gauge)：
//      - analysis_handles{status}
//      - analysis_pool_busy_workers{class}
//      - analysis_pool_queue_depth{class}
//      - analysis_recovery_time_seconds
//
// 每個 Collector 擁有獨立的 Registry，避免重複註冊。
// 所有記錄方法對 nil Collector 是 no-op，元件可不注入指標。
//
// Prometheus 查詢示例:
//
//   # 快取命中率
//   sum(rate(analysis_resolutions_total{state="cached"}[5m]))
//     / sum(rate(analysis_resolutions_total[5m]))
//
//   # leaf 池飽和度
//   analysis_pool_busy_workers{class="leaf"}
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	registry *prometheus.Registry

	tasksEnqueued *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	taskLatency   *prometheus.HistogramVec

	resolutions     *prometheus.CounterVec
	leaseAcquire    *prometheus.CounterVec
	completionCalls *prometheus.CounterVec
	tokens          *prometheus.CounterVec

	handles      *prometheus.GaugeVec
	poolBusy     *prometheus.GaugeVec
	poolDepth    *prometheus.GaugeVec
	recoveryTime prometheus.Gauge
}

// NewCollector 創建新的指標收集器，並註冊 Go runtime 與 process 指標
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		tasksEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analysis_tasks_enqueued_total",
			Help: "Total number of tasks enqueued, by worker class",
		}, []string{"class"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analysis_tasks_finished_total",
			Help: "Total number of tasks that reached a terminal state",
		}, []string{"class", "status"}),
		taskLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "analysis_task_latency_seconds",
			Help:    "Task execution latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"class"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analysis_resolutions_total",
			Help: "Get-or-generate resolutions by analysis kind and outcome",
		}, []string{"kind", "state"}),
		leaseAcquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analysis_lease_acquire_total",
			Help: "Lease acquisition attempts by outcome",
		}, []string{"outcome"}),
		completionCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analysis_completion_calls_total",
			Help: "Completion service calls by provider and outcome",
		}, []string{"provider", "outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analysis_completion_tokens_total",
			Help: "Tokens recorded on finished artifacts, by analysis kind",
		}, []string{"kind"}),
		handles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "analysis_handles",
			Help: "Current number of task handles by status",
		}, []string{"status"}),
		poolBusy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "analysis_pool_busy_workers",
			Help: "Workers currently executing a task, by class",
		}, []string{"class"}),
		poolDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "analysis_pool_queue_depth",
			Help: "Tasks buffered waiting for a worker, by class",
		}, []string{"class"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "analysis_recovery_time_seconds",
			Help: "Time taken to restore the handle table at startup",
		}),
	}

	c.registry.MustRegister(
		c.tasksEnqueued, c.tasksFinished, c.taskLatency,
		c.resolutions, c.leaseAcquire, c.completionCalls, c.tokens,
		c.handles, c.poolBusy, c.poolDepth, c.recoveryTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry 返回此收集器的 Registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 返回 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordEnqueue 記錄任務加入佇列
func (c *Collector) RecordEnqueue(class string) {
	if c == nil {
		return
	}
	c.tasksEnqueued.WithLabelValues(class).Inc()
}

// RecordFinished 記錄任務進入終態
func (c *Collector) RecordFinished(class, status string, latencySeconds float64) {
	if c == nil {
		return
	}
	c.tasksFinished.WithLabelValues(class, status).Inc()
	c.taskLatency.WithLabelValues(class).Observe(latencySeconds)
}

// RecordResolution 記錄一次 get-or-generate 結果
func (c *Collector) RecordResolution(kind, state string) {
	if c == nil {
		return
	}
	c.resolutions.WithLabelValues(kind, state).Inc()
}

// RecordLease 記錄租約取得結果
func (c *Collector) RecordLease(outcome string) {
	if c == nil {
		return
	}
	c.leaseAcquire.WithLabelValues(outcome).Inc()
}

// RecordCompletion 記錄補全服務呼叫
func (c *Collector) RecordCompletion(provider, outcome string) {
	if c == nil {
		return
	}
	c.completionCalls.WithLabelValues(provider, outcome).Inc()
}

// AddTokens 累加產物的 token 用量
func (c *Collector) AddTokens(kind string, tokens int) {
	if c == nil || tokens <= 0 {
		return
	}
	c.tokens.WithLabelValues(kind).Add(float64(tokens))
}

// UpdateHandleStats 更新 handle 狀態統計
func (c *Collector) UpdateHandleStats(stats map[string]int) {
	if c == nil {
		return
	}
	for _, status := range []string{"pending", "success", "failed"} {
		c.handles.WithLabelValues(status).Set(float64(stats[status]))
	}
}

// UpdatePoolStats 更新工作者池狀態
func (c *Collector) UpdatePoolStats(class string, busy, depth int) {
	if c == nil {
		return
	}
	c.poolBusy.WithLabelValues(class).Set(float64(busy))
	c.poolDepth.WithLabelValues(class).Set(float64(depth))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(seconds)
}
