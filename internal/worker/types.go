package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/fin-analysis/pkg/types"
)

// Func 任務實際要執行的邏輯，回傳值會成為 handle 的終態結果
type Func func(ctx context.Context) (any, error)

// Task 代表要執行的任務
type Task struct {
	ID      string            // 任務唯一識別碼（即 handle id）
	Class   types.WorkerClass // 任務所屬的工作者類別
	Run     Func              // 任務邏輯
	Timeout time.Duration     // 執行超時時間，0 表示不限制
}

// Result 代表任務執行結果
type Result struct {
	ID       string        // 任務 ID
	Value    any           // 任務回傳值
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}
