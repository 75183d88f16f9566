package snapshot

// ============================================================================
// 職責說明：
// 1. 將 in-memory queue store 的完整內容序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 單機部署重啟後恢復 pending / processing / completed / error 分區
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-mail/internal/queuestore"
)

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 1

// Data 快照內容
type Data struct {
	SchemaVer int                    `json:"schema_version"`
	TakenAt   time.Time              `json:"taken_at"`
	Queues    queuestore.MemoryState `json:"queues"`
}

// Manager 快照管理器
type Manager struct {
	path string
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write 原子性寫入快照
//
// 1. 寫入臨時檔案（.tmp）
// 2. os.Rename 原子性替換原始檔案
func (m *Manager) Write(data Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion
	if data.TakenAt.IsZero() {
		data.TakenAt = time.Now().UTC()
	}

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load 載入快照；檔案不存在時回傳空快照（首次啟動）
func (m *Manager) Load() (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Data{SchemaVer: SchemaVersion}, nil
		}
		return Data{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var data Data
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return Data{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	return data, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Path 快照檔案路徑
func (m *Manager) Path() string {
	return m.path
}

// Capture 匯出 store 目前內容並寫入快照
func (m *Manager) Capture(store *queuestore.MemoryStore) error {
	return m.Write(Data{Queues: store.Export()})
}

// Restore 把快照內容載入 store；回傳是否真的有資料被還原
func (m *Manager) Restore(store *queuestore.MemoryStore) (bool, error) {
	data, err := m.Load()
	if err != nil {
		return false, err
	}
	if data.Queues.Empty() {
		return false, nil
	}
	if err := store.Import(data.Queues); err != nil {
		return false, fmt.Errorf("failed to restore snapshot: %w", err)
	}
	return true, nil
}
