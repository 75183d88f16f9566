// Package types 定義了 beaver-mail 系統中使用的核心領域模型
package types

import (
	"time"
)

// ItemID 工作項目唯一識別碼（通常是郵件 ID）
type ItemID string

// Partition 工作項目在佇列中的分區
type Partition string

// 定義佇列分區常數
const (
	PartitionPending    Partition = "pending"    // 待處理：已加入佇列但尚未被取出
	PartitionProcessing Partition = "processing" // 處理中：已被 Dequeue 取出
	PartitionCompleted  Partition = "completed"  // 已完成：保留一段時間後過期
	PartitionError      Partition = "error"      // 失敗：附帶原因記錄
)

// WorkItem 佇列中的一個工作單元
type WorkItem struct {
	ID         ItemID    `json:"id"`
	Queue      string    `json:"queue"`
	Partition  Partition `json:"partition"`
	PayloadRef string    `json:"payload_ref,omitempty"` // 指向郵件內容的參照，佇列本身不保存內容
}

// ErrorRecord 失敗記錄，追加於佇列的 error 清單
type ErrorRecord struct {
	Item      ItemID `json:"item"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"` // Unix 毫秒
}

// QueueStats 單一命名佇列的統計快照（唯讀，隨需計算）
type QueueStats struct {
	Queue      string `json:"queue"`
	Pending    int64  `json:"pending"`
	Processing int64  `json:"processing"`
	Completed  int64  `json:"completed"`
	Error      int64  `json:"error"`
}

// Total 回傳四個分區的總數
func (s QueueStats) Total() int64 {
	return s.Pending + s.Processing + s.Completed + s.Error
}

// CycleStatus 處理週期狀態機的狀態
type CycleStatus string

const (
	StatusIdle       CycleStatus = "idle"
	StatusChecking   CycleStatus = "checking"
	StatusProcessing CycleStatus = "processing"
	StatusSaving     CycleStatus = "saving"
	StatusError      CycleStatus = "error"
)

// Event 推送給訂閱者的事件，不可變、不持久化
type Event struct {
	Channel   string         `json:"channel"`
	Type      string         `json:"type"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"` // Unix 毫秒
}

// NewEvent builds an event stamped with the current time.
func NewEvent(channel, eventType, name string, data map[string]any) Event {
	return Event{
		Channel:   channel,
		Type:      eventType,
		Event:     name,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Message 從信箱取得的一封郵件
type Message struct {
	ID         ItemID    `json:"id"`
	ThreadID   string    `json:"thread_id,omitempty"`
	From       string    `json:"from"`
	To         []string  `json:"to,omitempty"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	Labels     []string  `json:"labels,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// UserContext 傳給分析管線的使用者背景資料
type UserContext struct {
	Name      string `json:"name" yaml:"name" toml:"name"`
	Email     string `json:"email" yaml:"email" toml:"email"`
	Company   string `json:"company,omitempty" yaml:"company" toml:"company"`
	Role      string `json:"role,omitempty" yaml:"role" toml:"role"`
	Signature string `json:"signature,omitempty" yaml:"signature" toml:"signature"`
	Tone      string `json:"tone,omitempty" yaml:"tone" toml:"tone"`
}

// Draft 管線產生並準備派送的草稿
type Draft struct {
	ID         string    `json:"id"`
	MessageID  ItemID    `json:"message_id"`
	ThreadID   string    `json:"thread_id,omitempty"`
	To         string    `json:"to"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// CycleStats 協調器的累計統計
type CycleStats struct {
	Processed int64 `json:"processed"`
	Drafted   int64 `json:"drafted"`
	Errors    int64 `json:"errors"`
}

// OrchestratorStatus status() 操作的回傳值
type OrchestratorStatus struct {
	Running   bool        `json:"running"`
	State     CycleStatus `json:"state"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
	LastCheck *time.Time  `json:"last_check,omitempty"`
	Stats     CycleStats  `json:"stats"`
	Uptime    string      `json:"uptime"`
	LastError string      `json:"last_error,omitempty"`
	Interval  string      `json:"interval"`
	BatchSize int         `json:"batch_size"`
	AutoSend  bool        `json:"auto_send_drafts"`
}

// Analysis 單封郵件的管線分析結果（分類、摘要、策略）
type Analysis struct {
	MessageID  ItemID    `json:"message_id"`
	Category   string    `json:"category"`
	Priority   int       `json:"priority"`
	Confidence float64   `json:"confidence"`
	Summary    string    `json:"summary"`
	Approach   string    `json:"approach"`
	Tone       string    `json:"tone,omitempty"`
	KeyPoints  []string  `json:"key_points,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
