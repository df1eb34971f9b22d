// ============================================================================
// Fin-Analysis Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理單一工作者類別的 Worker goroutine 生命週期和任務分發
//
// 設計模式:
//   每個工作者類別（aggregate / coordinator / leaf）各自擁有一個 Pool：
//   1. 固定數量的 Worker goroutine 持續運行
//   2. 通過共享的任務 channel 分發任務
//   3. 通過結果 channel 收集執行結果
//
// 架構組件:
//   ┌─────────────┐
//   │  TaskQueue  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. Submit(ctx, task) - 提交任務到 taskCh
//   4. ReceiveResult() - 從 resultCh 讀取結果，直到 Pool 關閉且結果取盡
//   5. Stop() - 關閉 taskCh，等待所有 Worker 完成
//
// 並發控制:
//   - sendMu: Submit 持有讀鎖進行發送，Stop 取得寫鎖後才關閉 taskCh，
//     因此不會向已關閉的 channel 發送
//   - WaitGroup: 追蹤所有 Worker，確保優雅關閉
//   - mu: 保護 started/stopped 狀態
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/fin-analysis/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	class    types.WorkerClass // 此 Pool 服務的工作者類別
	workers  []*Worker         // Worker 列表
	taskCh   chan Task         // 任務通道
	resultCh chan Result       // 結果通道
	stopCh   chan struct{}     // 停止訊號，喚醒阻塞中的 Submit
	wg       sync.WaitGroup    // 等待所有 Worker 完成
	busy     atomic.Int64      // 正在執行任務的 Worker 數
	started  bool
	stopped  bool
	mu       sync.Mutex   // 保護 started 和 stopped 狀態
	sendMu   sync.RWMutex // 發送與關閉 taskCh 的互斥
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - class: 工作者類別
//   - bufferSize: 任務和結果通道的緩衝大小
//
// 返回值：
//   - *Pool: Worker Pool 實例
func NewPool(class types.WorkerClass, bufferSize int) *Pool {
	return &Pool{
		class:    class,
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動指定數量的 Worker
// 參數：
//   - workerCount: 要啟動的 Worker 數量，必須 >= 1
//
// 返回值：
//   - error: 如果 Pool 已啟動或數量不合法則返回錯誤
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount < 1 {
		return errors.New("pool needs at least one worker")
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.taskCh, p.resultCh, &p.busy)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	return nil
}

// Submit 提交任務到 Worker Pool
//
// 緩衝區滿時會阻塞，直到有空位、ctx 取消或 Pool 關閉。
//
// 返回值：
//   - error: Pool 未啟動、已關閉或 ctx 取消時返回錯誤
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	task.Class = p.class
	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReceiveResult 從結果通道接收執行結果
// Pool 停止後仍會先回傳剩餘結果，取盡後才返回 ErrPoolClosed
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌
//  2. 關閉 stopCh，喚醒阻塞中的 Submit
//  3. 等待進行中的 Submit 離開後關閉 taskCh
//  4. 等待所有 Worker 完成當前與緩衝中的任務
//  5. 關閉 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)

	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()

	p.wg.Wait()

	close(p.resultCh)
}

// Class 返回此 Pool 的工作者類別
func (p *Pool) Class() types.WorkerClass {
	return p.class
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// BusyCount 返回正在執行任務的 Worker 數量
func (p *Pool) BusyCount() int {
	return int(p.busy.Load())
}

// QueueDepth 返回等待中的任務數量
func (p *Pool) QueueDepth() int {
	return len(p.taskCh)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
