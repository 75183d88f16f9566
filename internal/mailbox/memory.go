package mailbox

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/beaver-mail/pkg/types"
)

// Memory 記憶體信箱，用於 demo 與測試
type Memory struct {
	mu       sync.Mutex
	messages map[types.ItemID]types.Message
	read     map[types.ItemID]bool
	drafts   []types.Draft

	// FetchErr 非 nil 時 FetchUnread 回傳此錯誤
	FetchErr error
	// DraftErr 可針對個別草稿注入派送失敗
	DraftErr func(types.Draft) error
}

// NewMemory 建立記憶體信箱並放入初始郵件
func NewMemory(messages ...types.Message) *Memory {
	m := &Memory{
		messages: make(map[types.ItemID]types.Message),
		read:     make(map[types.ItemID]bool),
	}
	for _, msg := range messages {
		m.messages[msg.ID] = msg
	}
	return m
}

// Deliver 新增一封未讀郵件
func (m *Memory) Deliver(msg types.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = msg
	delete(m.read, msg.ID)
}

func (m *Memory) FetchUnread(ctx context.Context, limit int) ([]types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}

	unread := make([]types.Message, 0, len(m.messages))
	for id, msg := range m.messages {
		if !m.read[id] {
			unread = append(unread, msg)
		}
	}
	sortMessages(unread)
	if limit > 0 && len(unread) > limit {
		unread = unread[:limit]
	}
	return unread, nil
}

func (m *Memory) MarkRead(_ context.Context, id types.ItemID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[id]; !ok {
		return fmt.Errorf("mark read %s: %w", id, ErrNotFound)
	}
	m.read[id] = true
	return nil
}

func (m *Memory) CreateDraft(_ context.Context, draft types.Draft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DraftErr != nil {
		if err := m.DraftErr(draft); err != nil {
			return err
		}
	}
	m.drafts = append(m.drafts, draft)
	return nil
}

// Drafts 回傳已建立的草稿副本
func (m *Memory) Drafts() []types.Draft {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Draft(nil), m.drafts...)
}

// IsRead 回傳郵件是否已讀
func (m *Memory) IsRead(id types.ItemID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read[id]
}

func sortMessages(msgs []types.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].ReceivedAt.Equal(msgs[j].ReceivedAt) {
			return msgs[i].ReceivedAt.Before(msgs[j].ReceivedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}
