package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加 handle 事件到日誌檔案（append-only）
// 2. 提供重放功能，補上最後一次快照之後的 handle 轉換
// 3. 快照完成後旋轉（清空）日誌
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/fin-analysis/pkg/types"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool

	buffer        []Event // 批次寫入事件緩衝區
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個完整事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create wal dir: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open wal %s: %w", path, err)
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		// 尾端殘缺的記錄不影響序號延續
		if last, _ := LastEvent(path); last != nil {
			seq = last.Seq
		}
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Event, 0, 256),
		bufferSize:    256,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}, nil
}

// Append 追加一個 handle 事件
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum
// - 先放入緩衝區；force、syncOnAppend、緩衝區滿或超過 flushInterval 時寫入並同步
func (w *WAL) Append(eventType EventType, h *types.TaskHandle, force bool) error {
	if h == nil {
		return errors.New("wal: nil handle")
	}
	payload, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("wal: encode handle %s: %w", h.ID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		HandleID:  h.ID,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(event.Type, event.HandleID, event.Seq, event.Payload)
	w.buffer = append(w.buffer, event)

	if force || w.syncOnAppend || len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval {
		return w.flushLocked()
	}
	return nil
}

// Flush 將緩衝中的事件寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 先 flush 緩衝，再從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件
// - 遇到損毀記錄立即停止，之前已套用的事件保留
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}
	return replayFile(w.path, handler)
}

// Rotate 清空日誌檔案
// 在快照寫入成功後呼叫，此後的事件只需相對於新快照重放。seq 不重設。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}

	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close before rotate: %w", err)
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		w.closed = true
		return fmt.Errorf("wal: reopen after rotate: %w", err)
	}
	w.file = file
	w.encoder = json.NewEncoder(file)
	w.lastFlushTime = time.Now()
	return nil
}

// Close 關閉 WAL，關閉後的實例不可再用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	flushErr := w.flushLocked()
	if err := w.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// GetLastSeq 取得當前的事件序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 回傳 WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// LastEvent 讀取檔案中最後一個完整且校驗正確的事件，檔案為空時回傳 nil
func LastEvent(path string) (*Event, error) {
	var last *Event
	err := replayFile(path, func(e Event) error {
		ev := e
		last = &ev
		return nil
	})
	return last, err
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// flushLocked 假設調用者已經持有 w.mu 鎖
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return fmt.Errorf("wal: write seq=%d: %w", event.Seq, err)
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	return nil
}

func replayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("wal: open for replay: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for {
		offset := decoder.InputOffset()
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return &CorruptionError{Offset: offset, Cause: err}
		}
		if !VerifyChecksum(event) {
			return &ChecksumError{
				Seq:      event.Seq,
				Expected: CalculateChecksum(event.Type, event.HandleID, event.Seq, event.Payload),
				Actual:   event.Checksum,
			}
		}
		if err := handler(event); err != nil {
			return err
		}
	}
}
