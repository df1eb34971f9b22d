// ============================================================================
// Fin-Analysis 任務 Handle 表 - Handle 狀態機實現
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理非同步任務 handle 的完整生命週期和狀態轉換
//
// Handle 狀態轉換 (State Machine):
//   Pending (已入隊 / 執行中)
//      ↓ Resolve(value, err)   只允許一次
//   Success / Failed (終態)
//
// 數據結構設計:
//   handles map[string]*TaskHandle - 主存儲，單一真實來源
//   done    map[string]chan struct{} - 每個 pending handle 一個，終態時關閉，
//                                     讓 Wait 不需輪詢
//
// 保留期:
//   終態 handle 在 FinishedAt + retention 之後由 Sweep() 移除，
//   之後的查詢得到 ErrHandleNotFound。
//
// 快照支持:
//   - Snapshot() - 序列化所有 handle
//   - Restore() - 從快照恢復；崩潰前仍為 pending 的 handle 已無人執行，
//     恢復時直接標記為 failed (worker_lost)
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - Get/Snapshot 回傳副本，呼叫端不會觀察到後續修改
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/fin-analysis/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrDuplicateHandle handle ID 重複
	ErrDuplicateHandle = errors.New("handle already exists")
	// ErrAlreadyTerminal handle 已進入終態，不可再次轉換
	ErrAlreadyTerminal = errors.New("handle already terminal")
)

// SnapshotSchemaVersion 快照格式版本
const SnapshotSchemaVersion = 1

// ============================================================================
// 資料結構定義
// ============================================================================

// JobManager 任務 handle 表
type JobManager struct {
	mu        sync.RWMutex
	handles   map[string]*types.TaskHandle // 所有 handle（單一真實來源）
	done      map[string]chan struct{}     // pending handle 的完成訊號
	retention time.Duration                // 終態 handle 保留時間
	now       func() time.Time
}

// Option 設定 JobManager
type Option func(*JobManager)

// WithClock 注入時鐘（測試用）
func WithClock(now func() time.Time) Option {
	return func(jm *JobManager) { jm.now = now }
}

// NewJobManager 創建 handle 表
// 參數：
//   - retention: 終態 handle 保留時間，<= 0 表示永不清除
func NewJobManager(retention time.Duration, opts ...Option) *JobManager {
	jm := &JobManager{
		handles:   make(map[string]*types.TaskHandle),
		done:      make(map[string]chan struct{}),
		retention: retention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(jm)
	}
	return jm
}

// ============================================================================
// 狀態轉換
// ============================================================================

// Create 建立一個 pending handle
func (jm *JobManager) Create(id, name string, class types.WorkerClass) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.handles[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandle, id)
	}
	jm.handles[id] = &types.TaskHandle{
		ID:        id,
		Name:      name,
		Class:     class,
		Status:    types.StatusPending,
		CreatedAt: jm.now(),
	}
	jm.done[id] = make(chan struct{})
	return nil
}

// MarkStarted 記錄 worker 開始執行的時間，不改變狀態
func (jm *JobManager) MarkStarted(id string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	h, ok := jm.handles[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrHandleNotFound, id)
	}
	if h.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, id)
	}
	now := jm.now()
	h.StartedAt = &now
	return nil
}

// Resolve 將 pending handle 轉為終態
// err == nil 時轉為 success，value 為 *types.Artifact 時同時填入 Artifact；
// 否則轉為 failed 並記錄結構化錯誤。每個 handle 只能 Resolve 一次。
func (jm *JobManager) Resolve(id string, value any, err error) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	h, ok := jm.handles[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrHandleNotFound, id)
	}
	if h.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, id)
	}

	now := jm.now()
	h.FinishedAt = &now
	if err != nil {
		h.Status = types.StatusFailed
		h.Error = types.ErrorInfoFrom(err)
	} else {
		h.Status = types.StatusSuccess
		h.Value = value
		if a, ok := value.(*types.Artifact); ok {
			h.Artifact = a
		}
	}

	if ch, ok := jm.done[id]; ok {
		close(ch)
		delete(jm.done, id)
	}
	return nil
}

// ============================================================================
// 查詢
// ============================================================================

// Get 取得 handle 副本
func (jm *JobManager) Get(id string) (*types.TaskHandle, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	h, ok := jm.handles[id]
	if !ok {
		return nil, false
	}
	cp := *h
	return &cp, true
}

// Wait 阻塞直到 handle 進入終態或 ctx 結束
func (jm *JobManager) Wait(ctx context.Context, id string) (*types.TaskHandle, error) {
	jm.mu.RLock()
	h, ok := jm.handles[id]
	if !ok {
		jm.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", types.ErrHandleNotFound, id)
	}
	if h.Status.IsTerminal() {
		cp := *h
		jm.mu.RUnlock()
		return &cp, nil
	}
	ch := jm.done[id]
	jm.mu.RUnlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	got, ok := jm.Get(id)
	if !ok {
		// 終態後立即被 Sweep 清除，只可能在 retention 極短時發生
		return nil, fmt.Errorf("%w: %s", types.ErrHandleNotFound, id)
	}
	return got, nil
}

// Stats 返回各狀態的 handle 數量
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := map[string]int{
		string(types.StatusPending): 0,
		string(types.StatusSuccess): 0,
		string(types.StatusFailed):  0,
	}
	for _, h := range jm.handles {
		stats[string(h.Status)]++
	}
	stats["total"] = len(jm.handles)
	return stats
}

// ============================================================================
// 保留期清除
// ============================================================================

// Sweep 移除超過保留期的終態 handle，返回被移除的 ID
func (jm *JobManager) Sweep() []string {
	if jm.retention <= 0 {
		return nil
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	cutoff := jm.now().Add(-jm.retention)
	var removed []string
	for id, h := range jm.handles {
		if h.Status.IsTerminal() && h.FinishedAt != nil && h.FinishedAt.Before(cutoff) {
			delete(jm.handles, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// ============================================================================
// 快照
// ============================================================================

// Snapshot 序列化所有 handle
func (jm *JobManager) Snapshot() types.HandleSnapshot {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	handles := make(map[string]*types.TaskHandle, len(jm.handles))
	for id, h := range jm.handles {
		cp := *h
		handles[id] = &cp
	}
	return types.HandleSnapshot{
		Handles:   handles,
		SchemaVer: SnapshotSchemaVersion,
		TakenAt:   jm.now(),
	}
}

// Restore 從快照恢復 handle 表，會覆蓋現有內容
// 快照中仍為 pending 的 handle 轉為 failed (worker_lost)
func (jm *JobManager) Restore(data types.HandleSnapshot) error {
	if data.SchemaVer != 0 && data.SchemaVer != SnapshotSchemaVersion {
		return fmt.Errorf("unsupported snapshot schema version %d", data.SchemaVer)
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	for _, ch := range jm.done {
		close(ch)
	}
	jm.handles = make(map[string]*types.TaskHandle, len(data.Handles))
	jm.done = make(map[string]chan struct{})

	now := jm.now()
	for id, h := range data.Handles {
		if h == nil {
			continue
		}
		cp := *h
		cp.ID = id
		if !cp.Status.IsTerminal() {
			cp.Status = types.StatusFailed
			cp.Error = &types.ErrorInfo{
				Code:    types.CodeWorkerLost,
				Message: "task was in flight when the process stopped",
			}
			cp.FinishedAt = &now
		}
		jm.handles[id] = &cp
	}
	return nil
}
