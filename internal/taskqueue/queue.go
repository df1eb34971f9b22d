// ============================================================================
// Fin-Analysis 任務佇列 - 非同步執行與 Handle 協調
// ============================================================================
//
// Package: internal/taskqueue
// 文件: queue.go
// 功能: 以工作者類別分池執行任務，並維護可輪詢的 handle 表
//
// 架構設計:
//   - JobManager: handle 表（pending -> success/failed）
//   - Pools: 每個工作者類別一個 Worker Pool
//       aggregate   → 組合分析（等待 coordinator handle）
//       coordinator → 報表分析管線（等待 leaf handle）
//       leaf        → 單次補全呼叫（從不等待）
//   - Snapshot: 定期保存 handle 表，重啟後終態 handle 仍可輪詢
//   - WAL: 記錄快照之間的 handle 轉換（CREATE / RESOLVE），快照後旋轉
//
// 核心循環:
//   1. Result Loop（每個池一個）- 接收結果並轉換 handle 終態
//   2. Housekeeping Loop - 清除過期 handle，更新指標
//   3. Snapshot Loop - 定期寫入快照（有設定路徑時）
//
// 恢復順序:
//   1. 載入快照
//   2. 重放 WAL（冪等，尾端損毀時停在最後一筆完整記錄）
//   3. 仍為 pending 的 handle 轉為 failed (worker_lost)
//   4. 立即快照並旋轉 WAL
//
// 關閉順序:
//   1. close(stopCh) 並取消執行中任務的 context
//   2. 由上而下停止 Pool（aggregate → coordinator → leaf），
//      上層任務結束前下層仍可服務
//   3. 等待所有循環退出
//   4. 最後一次快照，關閉 WAL
//
// ============================================================================

package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fin-analysis/internal/jobmanager"
	"github.com/ChuLiYu/fin-analysis/internal/metrics"
	"github.com/ChuLiYu/fin-analysis/internal/snapshot"
	"github.com/ChuLiYu/fin-analysis/internal/storage/wal"
	"github.com/ChuLiYu/fin-analysis/internal/worker"
	"github.com/ChuLiYu/fin-analysis/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 佇列配置
type Config struct {
	AggregateWorkers   int           // aggregate 池大小
	CoordinatorWorkers int           // coordinator 池大小
	LeafWorkers        int           // leaf 池大小
	QueueSize          int           // 每個池的任務緩衝
	LeafTimeout        time.Duration // 單次補全任務超時
	JobTimeout         time.Duration // 分析管線任務超時
	Retention          time.Duration // 終態 handle 保留時間
	SweepInterval      time.Duration // 清除間隔
	SnapshotInterval   time.Duration // 快照間隔
	SnapshotPath       string        // 快照檔案路徑，空字串表示停用
	WALPath            string        // handle 日誌路徑，需搭配快照
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		AggregateWorkers:   2,
		CoordinatorWorkers: 4,
		LeafWorkers:        16,
		QueueSize:          1024,
		LeafTimeout:        2 * time.Minute,
		JobTimeout:         90 * time.Minute,
		Retention:          12 * time.Hour,
		SweepInterval:      time.Minute,
		SnapshotInterval:   30 * time.Second,
	}
}

// Validate 檢查配置
func (c Config) Validate() error {
	if c.AggregateWorkers < 1 || c.CoordinatorWorkers < 1 || c.LeafWorkers < 1 {
		return errors.New("every worker class needs at least one worker")
	}
	if c.QueueSize < 0 {
		return errors.New("queue size must not be negative")
	}
	if c.WALPath != "" && c.SnapshotPath == "" {
		return errors.New("wal path requires a snapshot path")
	}
	return nil
}

// Queue 任務佇列
type Queue struct {
	mu        sync.Mutex
	jobs      *jobmanager.JobManager
	snapshot  *snapshot.Manager
	journal   *wal.WAL
	journalMu sync.RWMutex // 寫鎖：快照+旋轉；讀鎖：handle 轉換+追加
	pools     map[types.WorkerClass]*worker.Pool
	config    Config
	logger    *zap.Logger
	metrics   *metrics.Collector
	baseCtx   context.Context
	cancel    context.CancelFunc
	stopCh    chan struct{}
	started   bool
	stopped   bool
	startTime time.Time
	loopWg    sync.WaitGroup
}

// Option 設定 Queue
type Option func(*Queue)

// WithLogger 注入 logger
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMetrics 注入指標收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithJobManager 使用自訂的 handle 表（測試注入時鐘用）
func WithJobManager(jm *jobmanager.JobManager) Option {
	return func(q *Queue) { q.jobs = jm }
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立新的 Queue 實例
func New(config Config, opts ...Option) (*Queue, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task queue config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		config:  config,
		logger:  zap.NewNop(),
		baseCtx: ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
		pools: map[types.WorkerClass]*worker.Pool{
			types.ClassAggregate:   worker.NewPool(types.ClassAggregate, config.QueueSize),
			types.ClassCoordinator: worker.NewPool(types.ClassCoordinator, config.QueueSize),
			types.ClassLeaf:        worker.NewPool(types.ClassLeaf, config.QueueSize),
		},
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.jobs == nil {
		q.jobs = jobmanager.NewJobManager(config.Retention)
	}
	if config.SnapshotPath != "" {
		q.snapshot = snapshot.NewManager(config.SnapshotPath)
	}
	if config.WALPath != "" {
		journal, err := wal.NewWAL(config.WALPath, false)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to open wal: %w", err)
		}
		q.journal = journal
	}
	q.logger = q.logger.Named("taskqueue")
	return q, nil
}

// Start 啟動 Queue
//
// 流程：
//  1. 恢復階段：從快照載入 handle 表
//  2. 啟動階段：啟動三個 Worker Pool 與核心循環
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("task queue already started")
	}
	q.startTime = time.Now()

	if err := q.recoverHandles(); err != nil {
		return fmt.Errorf("recoverHandles failed: %w", err)
	}

	counts := map[types.WorkerClass]int{
		types.ClassAggregate:   q.config.AggregateWorkers,
		types.ClassCoordinator: q.config.CoordinatorWorkers,
		types.ClassLeaf:        q.config.LeafWorkers,
	}
	for _, class := range types.WorkerClasses {
		if err := q.pools[class].Start(counts[class]); err != nil {
			return fmt.Errorf("failed to start %s pool: %w", class, err)
		}
	}

	for _, class := range types.WorkerClasses {
		q.loopWg.Add(1)
		go q.resultLoop(q.pools[class])
	}
	q.loopWg.Add(1)
	go q.housekeepingLoop()
	if q.snapshot != nil && q.config.SnapshotInterval > 0 {
		q.loopWg.Add(1)
		go q.snapshotLoop()
	}

	q.started = true
	q.logger.Info("task queue started",
		zap.Int("aggregate_workers", counts[types.ClassAggregate]),
		zap.Int("coordinator_workers", counts[types.ClassCoordinator]),
		zap.Int("leaf_workers", counts[types.ClassLeaf]))
	return nil
}

// recoverHandles 從快照與 WAL 恢復 handle 表
func (q *Queue) recoverHandles() error {
	if q.snapshot == nil {
		return nil
	}
	start := time.Now()

	data, err := q.snapshot.Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	replayed, err := q.replayWAL(&data)
	if err != nil {
		return err
	}
	if err := q.jobs.Restore(data); err != nil {
		return fmt.Errorf("failed to restore handles: %w", err)
	}

	elapsed := time.Since(start)
	q.metrics.SetRecoveryTime(elapsed.Seconds())
	q.logger.Info("handle table restored",
		zap.Int("handles", len(data.Handles)),
		zap.Int("wal_events", replayed),
		zap.Duration("duration", elapsed))

	if q.journal != nil {
		// 恢復後的狀態（含 worker_lost）立即落盤，WAL 重新起算
		if err := q.takeSnapshot(); err != nil {
			return fmt.Errorf("failed to snapshot recovered handles: %w", err)
		}
	}
	return nil
}

// replayWAL 將快照之後的 handle 事件套用到快照資料上
//
// 冪等：CREATE 不覆蓋已知 handle，RESOLVE 以日誌中的終態為準
func (q *Queue) replayWAL(data *types.HandleSnapshot) (int, error) {
	if q.journal == nil {
		return 0, nil
	}
	if data.Handles == nil {
		data.Handles = make(map[string]*types.TaskHandle)
	}

	applied := 0
	handler := func(event wal.Event) error {
		h, err := event.Handle()
		if err != nil {
			return err
		}
		switch event.Type {
		case wal.EventCreate:
			if _, exists := data.Handles[h.ID]; exists {
				return nil
			}
		case wal.EventResolve:
		default:
			return nil
		}
		data.Handles[h.ID] = h
		applied++
		return nil
	}

	err := q.journal.Replay(handler)
	switch {
	case err == nil:
	case errors.Is(err, wal.ErrCorruptedWAL), errors.Is(err, wal.ErrChecksumMismatch):
		q.logger.Warn("wal replay stopped at damaged record",
			zap.String("path", q.journal.Path()),
			zap.Int("applied", applied),
			zap.Error(err))
	default:
		return applied, fmt.Errorf("failed to replay wal: %w", err)
	}
	return applied, nil
}

// resultLoop 處理 Worker 執行結果，直到 Pool 關閉且結果取盡
func (q *Queue) resultLoop(pool *worker.Pool) {
	defer q.loopWg.Done()
	for {
		result, err := pool.ReceiveResult()
		if err != nil {
			q.logger.Debug("result loop stopped", zap.String("class", string(pool.Class())))
			return
		}
		q.handleResult(pool.Class(), result)
	}
}

// handleResult 將結果寫入 handle 表
func (q *Queue) handleResult(class types.WorkerClass, result worker.Result) {
	taskErr := result.Error
	if errors.Is(taskErr, worker.ErrTaskPanic) {
		taskErr = &types.ErrorInfo{Code: types.CodePanic, Message: taskErr.Error()}
	}
	if err := q.resolveHandle(result.ID, result.Value, taskErr); err != nil {
		q.logger.Warn("failed to resolve handle", zap.String("handle", result.ID), zap.Error(err))
		return
	}

	status := types.StatusSuccess
	if !result.Success {
		status = types.StatusFailed
		q.logger.Warn("task failed",
			zap.String("handle", result.ID),
			zap.String("class", string(class)),
			zap.Duration("duration", result.Duration),
			zap.Error(result.Error))
	} else {
		q.logger.Debug("task completed",
			zap.String("handle", result.ID),
			zap.String("class", string(class)),
			zap.Duration("duration", result.Duration))
	}
	q.metrics.RecordFinished(string(class), string(status), result.Duration.Seconds())
}

// housekeepingLoop 清除過期 handle 並更新指標
func (q *Queue) housekeepingLoop() {
	defer q.loopWg.Done()
	interval := q.config.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			if removed := q.jobs.Sweep(); len(removed) > 0 {
				q.logger.Debug("expired handles swept", zap.Int("count", len(removed)))
			}
			if q.journal != nil {
				if err := q.journal.Flush(); err != nil {
					q.logger.Warn("failed to flush wal", zap.Error(err))
				}
			}
			q.updateMetrics()
		}
	}
}

func (q *Queue) updateMetrics() {
	if q.metrics == nil {
		return
	}
	q.metrics.UpdateHandleStats(q.jobs.Stats())
	for class, pool := range q.pools {
		q.metrics.UpdatePoolStats(string(class), pool.BusyCount(), pool.QueueDepth())
	}
}

// snapshotLoop 定期生成快照
func (q *Queue) snapshotLoop() {
	defer q.loopWg.Done()
	ticker := time.NewTicker(q.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			if err := q.takeSnapshot(); err != nil {
				q.logger.Error("failed to take snapshot", zap.Error(err))
			}
		}
	}
}

// takeSnapshot 執行快照操作
func (q *Queue) takeSnapshot() error {
	if q.snapshot == nil {
		return nil
	}
	q.journalMu.Lock()
	defer q.journalMu.Unlock()

	data := q.jobs.Snapshot()
	if err := q.snapshot.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if q.journal != nil {
		if err := q.journal.Rotate(); err != nil {
			return fmt.Errorf("failed to rotate wal: %w", err)
		}
	}
	q.logger.Debug("snapshot taken", zap.Int("handles", len(data.Handles)))
	return nil
}

// ============================================================================
// Handle 轉換（同時寫入 WAL）
// ============================================================================

func (q *Queue) createHandle(id, name string, class types.WorkerClass) error {
	q.journalMu.RLock()
	defer q.journalMu.RUnlock()
	if err := q.jobs.Create(id, name, class); err != nil {
		return err
	}
	q.journalAppend(wal.EventCreate, id)
	return nil
}

func (q *Queue) resolveHandle(id string, value any, taskErr error) error {
	q.journalMu.RLock()
	defer q.journalMu.RUnlock()
	if err := q.jobs.Resolve(id, value, taskErr); err != nil {
		return err
	}
	q.journalAppend(wal.EventResolve, id)
	return nil
}

// journalAppend 追加事件；寫入失敗只記錄，handle 表仍為準
// leaf handle 的終態不強制同步
func (q *Queue) journalAppend(eventType wal.EventType, id string) {
	if q.journal == nil {
		return
	}
	h, ok := q.jobs.Get(id)
	if !ok {
		return
	}
	force := eventType == wal.EventResolve && h.Class != types.ClassLeaf
	if err := q.journal.Append(eventType, h, force); err != nil {
		q.logger.Warn("failed to append wal event",
			zap.String("handle", id),
			zap.String("event", string(eventType)),
			zap.Error(err))
	}
}

// ============================================================================
// 公開方法
// ============================================================================

// Enqueue 建立 pending handle 並將任務提交給對應類別的 Pool
//
// 返回值：
//   - string: handle id（UUID）
//   - error: Pool 已關閉、ctx 取消或類別未知時的錯誤；此時 handle 已標記為 failed
func (q *Queue) Enqueue(ctx context.Context, class types.WorkerClass, name string, fn worker.Func) (string, error) {
	pool, ok := q.pools[class]
	if !ok {
		return "", fmt.Errorf("unknown worker class %q", class)
	}

	id := uuid.NewString()
	if err := q.createHandle(id, name, class); err != nil {
		return "", err
	}

	task := worker.Task{
		ID:      id,
		Run:     q.wrap(id, fn),
		Timeout: q.timeoutFor(class),
	}
	if err := pool.Submit(ctx, task); err != nil {
		_ = q.resolveHandle(id, nil, err)
		return "", fmt.Errorf("submit %s task %s: %w", class, name, err)
	}

	q.metrics.RecordEnqueue(string(class))
	q.logger.Debug("task enqueued",
		zap.String("handle", id),
		zap.String("class", string(class)),
		zap.String("name", name))
	return id, nil
}

// wrap 記錄開始時間，並在 Queue 停止時取消任務
func (q *Queue) wrap(id string, fn worker.Func) worker.Func {
	return func(ctx context.Context) (any, error) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(q.baseCtx, cancel)
		defer stop()

		_ = q.jobs.MarkStarted(id)
		return fn(ctx)
	}
}

func (q *Queue) timeoutFor(class types.WorkerClass) time.Duration {
	if class == types.ClassLeaf {
		return q.config.LeafTimeout
	}
	return q.config.JobTimeout
}

// Get 取得 handle 副本
func (q *Queue) Get(id string) (*types.TaskHandle, error) {
	h, ok := q.jobs.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrHandleNotFound, id)
	}
	return h, nil
}

// Wait 阻塞直到 handle 進入終態或 ctx 結束
func (q *Queue) Wait(ctx context.Context, id string) (*types.TaskHandle, error) {
	return q.jobs.Wait(ctx, id)
}

// GetStatus 取得佇列狀態
func (q *Queue) GetStatus() map[string]interface{} {
	stats := q.jobs.Stats()
	pools := make(map[string]interface{}, len(q.pools))
	for class, pool := range q.pools {
		pools[string(class)] = map[string]int{
			"workers": pool.GetWorkerCount(),
			"busy":    pool.BusyCount(),
			"queued":  pool.QueueDepth(),
		}
	}

	q.mu.Lock()
	uptime := time.Duration(0)
	if q.started {
		uptime = time.Since(q.startTime)
	}
	q.mu.Unlock()

	return map[string]interface{}{
		"uptime":  uptime.String(),
		"pending": stats["pending"],
		"success": stats["success"],
		"failed":  stats["failed"],
		"pools":   pools,
	}
}

// Stop 優雅關閉 Queue，可重複呼叫
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started || q.stopped {
		alreadyStopped := q.stopped
		q.stopped = true
		q.mu.Unlock()
		q.cancel()
		if !alreadyStopped {
			q.closeJournal()
		}
		return
	}
	q.stopped = true
	q.mu.Unlock()

	q.logger.Info("stopping task queue")

	close(q.stopCh)
	q.cancel()

	q.pools[types.ClassAggregate].Stop()
	q.pools[types.ClassCoordinator].Stop()
	q.pools[types.ClassLeaf].Stop()

	q.loopWg.Wait()

	if err := q.takeSnapshot(); err != nil {
		q.logger.Error("failed to take final snapshot", zap.Error(err))
	}
	q.closeJournal()
	q.logger.Info("task queue stopped")
}

func (q *Queue) closeJournal() {
	if q.journal == nil {
		return
	}
	if err := q.journal.Close(); err != nil {
		q.logger.Error("failed to close wal", zap.Error(err))
	}
}
