// Package types 定義了財報分析協調系統中使用的核心領域模型
package types

import (
	"fmt"
	"strings"
	"time"
)

// Kind 分析種類
type Kind string

// 定義分析種類常數
const (
	KindIncome       Kind = "income"        // 損益表分析
	KindBalanceSheet Kind = "balance_sheet" // 資產負債表分析
	KindCashFlow     Kind = "cash_flow"     // 現金流量表分析
	KindComposite    Kind = "composite"     // 公司整體分析（依賴上述三種）
)

// StatementKinds 是組合分析所依賴的三種報表分析，順序固定
var StatementKinds = []Kind{KindIncome, KindBalanceSheet, KindCashFlow}

// MaxEntityLength 股票代碼長度上限
const MaxEntityLength = 5

// ParseKind 解析分析種類字串，接受 "company" 作為 composite 的別名
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindIncome, "income_statement":
		return KindIncome, nil
	case KindBalanceSheet:
		return KindBalanceSheet, nil
	case KindCashFlow, "cashflow":
		return KindCashFlow, nil
	case KindComposite, "company":
		return KindComposite, nil
	}
	return "", fmt.Errorf("%w: unknown analysis kind %q", ErrInvalidInput, s)
}

// AnalysisKey 唯一識別一個可快取的分析產物，建立後不可變
type AnalysisKey struct {
	EntityID string `json:"entity_id"`
	Kind     Kind   `json:"kind"`
}

// NewKey 建立正規化（代碼轉大寫）的分析鍵
func NewKey(entityID string, kind Kind) AnalysisKey {
	return AnalysisKey{EntityID: strings.ToUpper(strings.TrimSpace(entityID)), Kind: kind}
}

// Validate 檢查分析鍵是否合法
func (k AnalysisKey) Validate() error {
	if k.EntityID == "" {
		return fmt.Errorf("%w: entity id is required", ErrInvalidInput)
	}
	if len(k.EntityID) > MaxEntityLength {
		return fmt.Errorf("%w: entity id %q is too long", ErrInvalidInput, k.EntityID)
	}
	switch k.Kind {
	case KindIncome, KindBalanceSheet, KindCashFlow, KindComposite:
		return nil
	}
	return fmt.Errorf("%w: unknown analysis kind %q", ErrInvalidInput, k.Kind)
}

// String 回傳租約與登記表使用的邏輯鍵，例如 income_analysis_AAPL
func (k AnalysisKey) String() string {
	return fmt.Sprintf("%s_analysis_%s", k.Kind, k.EntityID)
}

// Artifact 分析產物，由 Result Store 擁有
type Artifact struct {
	Key        AnalysisKey `json:"key"`
	Narrative  string      `json:"narrative"`
	TokenUsage int         `json:"token_usage"`
	ComputedAt time.Time   `json:"computed_at"`
	NoData     bool        `json:"no_data,omitempty"` // 無來源資料時的終態產物
}

// Lease 分散式租約記錄
type Lease struct {
	Key       string    `json:"key"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// InFlightPointer 分析鍵指向正在產生它的任務 handle
type InFlightPointer struct {
	Key      string `json:"key"`
	HandleID string `json:"handle_id"`
}

// HandleStatus 任務 handle 狀態
type HandleStatus string

// 定義 handle 狀態常數，僅允許 pending -> success/failed 一次轉換
const (
	StatusPending HandleStatus = "pending" // 已入隊或執行中
	StatusSuccess HandleStatus = "success" // 成功完成
	StatusFailed  HandleStatus = "failed"  // 執行失敗
)

// IsTerminal 是否為終態
func (s HandleStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// WorkerClass 工作者類別
type WorkerClass string

// 三個類別形成嚴格分層：每一層只等待更低層的任務，因此任何池大小 >= 1 都不會互相卡死
const (
	ClassAggregate   WorkerClass = "aggregate"   // 組合分析，等待 coordinator 任務
	ClassCoordinator WorkerClass = "coordinator" // 報表分析管線，等待 leaf 任務
	ClassLeaf        WorkerClass = "leaf"        // 只呼叫補全服務，從不等待其他任務
)

// WorkerClasses 所有工作者類別
var WorkerClasses = []WorkerClass{ClassAggregate, ClassCoordinator, ClassLeaf}

// ErrorInfo 失敗 handle 的結構化錯誤
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return e.Code + ": " + e.Message
}

// TaskHandle 非同步工作單元的參照，可輪詢其終態
type TaskHandle struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Class      WorkerClass  `json:"class"`
	Status     HandleStatus `json:"status"`
	Value      any          `json:"-"`                  // 終態結果（記憶體內）
	Artifact   *Artifact    `json:"artifact,omitempty"` // 成功且結果為產物時
	Error      *ErrorInfo   `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// PeriodRecord 單一期間的原始財報記錄
type PeriodRecord struct {
	Date   string             `json:"date" yaml:"date"`
	Fields map[string]float64 `json:"fields" yaml:"fields"`
}

// CompanyProfile 公司基本資料，提示詞以公司名稱樣板化
type CompanyProfile struct {
	Symbol string `json:"symbol" yaml:"symbol"`
	Name   string `json:"name" yaml:"name"`
}

// SegmentUnit 扇出步驟產生的內部工作單元，不持久化，只會被消費一次
type SegmentUnit struct {
	EntityID string               `json:"entity_id"`
	Bucket   string               `json:"bucket"`
	Fields   []map[string]float64 `json:"fields"`
	Prompt   string               `json:"-"`
}

// HandleSnapshot 終態 handle 的快照資料，用於重啟後仍可輪詢
type HandleSnapshot struct {
	Handles   map[string]*TaskHandle `json:"handles"`
	SchemaVer int                    `json:"schema_ver"`
	TakenAt   time.Time              `json:"taken_at"`
}

// ResolutionState get-or-generate 的結果狀態
type ResolutionState string

// 定義 resolve 結果常數
const (
	StateCached  ResolutionState = "cached"  // 產物已存在
	StatePending ResolutionState = "pending" // 已有任務在產生，可輪詢 HandleID
	StateRetry   ResolutionState = "retry"   // 短暫競爭窗口，稍後重新 resolve
)

// Resolution 一次 resolve 的結果
type Resolution struct {
	State    ResolutionState `json:"state"`
	Artifact *Artifact       `json:"artifact,omitempty"`
	HandleID string          `json:"task_id,omitempty"`
}
