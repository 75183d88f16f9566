// ============================================================================
// Beaver-Mail Queue Store - 共享儲存抽象
// ============================================================================
//
// Package: internal/queuestore
// 文件: store.go
// 功能: 提供原子性的 list / set / sorted-set 原語與 publish/subscribe 通道
//
// 設計理念:
//   Work Queue Service 的正確性完全依賴這一層的原子性：
//   - PopToSet: LPOP + SADD 必須是一個不可分割的操作
//   - MoveToSortedSet / MoveToList: SREM + ZADD / RPUSH 必須是一個操作
//   - PushTailPruned / MoveToList 的前綴清理與追加在同一步完成，
//     讓同一項目在 error 清單中最多只有一筆記錄
//   只要 store 保證這三個複合原語的原子性，上層就不需要任何額外的鎖，
//   並且可以被多個 orchestrator 實例同時使用。
//
// 實作:
//   - Redis: 以 Lua script 實現複合原語（部署用）
//   - Memory: 以單一 sync.Mutex 保護所有資料結構（測試、單機模式）
//
// ============================================================================

package queuestore

import (
	"context"
	"errors"
	"log/slog"
)

var log = slog.Default()

var (
	// ErrStoreClosed store 已關閉
	ErrStoreClosed = errors.New("queue store is closed")
	// ErrWrongType key 已存在但資料型別不同
	ErrWrongType = errors.New("operation against a key holding the wrong kind of value")
)

// Message is a pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub subscription. Messages is closed after Close.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Store is the shared store behind the work queue. Every method is individually
// atomic against the store; no method spans more than the keys it names.
type Store interface {
	// PushTail appends value to the list at key.
	PushTail(ctx context.Context, list, value string) error
	// PushTailPruned appends value to list and, in the same step, drops every
	// element of prune that starts with prefix. Returns how many were dropped.
	PushTailPruned(ctx context.Context, list, value, prune, prefix string) (int64, error)
	// PopToSet pops the head of list and adds it to set in one step.
	// ok is false when the list is empty.
	PopToSet(ctx context.Context, list, set string) (value string, ok bool, err error)
	// MoveToSortedSet removes member from set and, only if it was present,
	// adds it to zset with score. Returns whether the member was moved.
	MoveToSortedSet(ctx context.Context, set, zset, member string, score float64) (bool, error)
	// MoveToList removes member from set and, only if it was present,
	// drops the elements of list starting with prefix (none when prefix is
	// empty) and appends value. Returns whether the member was moved.
	MoveToList(ctx context.Context, set, list, member, value, prefix string) (bool, error)

	AddToSet(ctx context.Context, set, member string) error
	IsMember(ctx context.Context, set, member string) (bool, error)
	Members(ctx context.Context, set string) ([]string, error)

	ListLen(ctx context.Context, list string) (int64, error)
	ListRange(ctx context.Context, list string, start, stop int64) ([]string, error)
	SetLen(ctx context.Context, set string) (int64, error)
	SortedSetLen(ctx context.Context, zset string) (int64, error)
	SortedSetScore(ctx context.Context, zset, member string) (float64, bool, error)
	// RemoveSortedByScore drops zset members whose score is <= max.
	RemoveSortedByScore(ctx context.Context, zset string, max float64) (int64, error)

	Delete(ctx context.Context, keys ...string) error

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}
