// ============================================================================
// Beaver-Mail 工作佇列服務 - 命名佇列的分區狀態機
// ============================================================================
//
// Package: internal/workqueue
// 文件: workqueue.go
// 功能: 在 Queue Store 之上提供命名佇列語意與統計
//
// 分區狀態轉換 (State Machine):
//   Pending (待處理)
//      ↓ Dequeue()            LPOP pending + SADD processing（單一原子操作）
//   Processing (處理中)
//      ↓ Complete()           SREM processing + ZADD completed（分數為完成時間）
//      ↓ Fail()               SREM processing + RPUSH errors（JSON 失敗記錄）
//   Completed (已完成，保留 retention 後過期) / Error (失敗記錄，呼叫端自行清理)
//      ↓ Enqueue()            刪除該項目的失敗記錄 + RPUSH pending（重試）
//
// 分區不變量:
//   每個項目在 error 清單中最多一筆記錄：Fail 會取代舊記錄，Enqueue 會清除它，
//   兩者都和分區轉換在同一個 store 原子操作內完成
//
// Key 命名空間:
//   queue:<name>:pending     list
//   queue:<name>:processing  set
//   queue:<name>:completed   sorted set（score = Unix 毫秒）
//   queue:<name>:errors      list
//   queue:index              set（所有出現過的佇列名稱）
//   queue:events / queue:<name>:events   pub/sub 頻道
//
// 失敗語意:
//   - Store 不可用時直接回傳錯誤，服務本身不重試（重試策略屬於協調器）
//   - 狀態轉換成功後的 publish 失敗只記錄日誌，不回滾轉換
//   - pending 不做 ID 去重；去重由協調器的 CycleState 負責
//   - Reclaim 把前一個行程遺留在 pending / processing 的項目移到 error
//
// ============================================================================

package workqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ChuLiYu/beaver-mail/internal/metrics"
	"github.com/ChuLiYu/beaver-mail/internal/queuestore"
	"github.com/ChuLiYu/beaver-mail/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrNotProcessing 項目不在 processing 分區
	ErrNotProcessing = errors.New("item not in processing")
	// ErrInvalidArgument 佇列名稱或項目 ID 為空
	ErrInvalidArgument = errors.New("queue name and item id are required")
)

const (
	// EventsChannel 所有佇列共用的事件頻道
	EventsChannel = "queue:events"
	// EventType 佇列事件的 type 欄位
	EventType = "queue_event"

	EventItemAdded     = "item_added"
	EventItemDequeued  = "item_dequeued"
	EventItemCompleted = "item_completed"
	EventItemFailed    = "item_failed"

	indexKey = "queue:index"

	// DefaultRetention completed 分區的預設保留時間
	DefaultRetention = 24 * time.Hour
)

// QueueChannel 回傳單一佇列的事件頻道名稱
func QueueChannel(queue string) string {
	return "queue:" + queue + ":events"
}

func pendingKey(queue string) string    { return "queue:" + queue + ":pending" }
func processingKey(queue string) string { return "queue:" + queue + ":processing" }
func completedKey(queue string) string  { return "queue:" + queue + ":completed" }
func errorsKey(queue string) string     { return "queue:" + queue + ":errors" }

// Option 自訂 Service 建構
type Option func(*Service)

// WithMetrics 注入指標收集器
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Service) {
		s.metrics = c
	}
}

// WithRetention 設定 completed 分區的保留時間
func WithRetention(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithClock 讓測試控制時間
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service 命名佇列服務；本身不持有任何鎖，原子性完全來自 store
type Service struct {
	store     queuestore.Store
	metrics   *metrics.Collector
	retention time.Duration
	now       func() time.Time
}

// New 建立工作佇列服務
func New(store queuestore.Store, opts ...Option) *Service {
	s := &Service{
		store:     store,
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Enqueue 將 itemID 追加到佇列的 pending 分區；先前失敗的項目在同一步
// 移出 error 分區
func (s *Service) Enqueue(ctx context.Context, queue string, itemID types.ItemID) error {
	if queue == "" || itemID == "" {
		return ErrInvalidArgument
	}
	if err := s.store.AddToSet(ctx, indexKey, queue); err != nil {
		return fmt.Errorf("register queue %s: %w", queue, err)
	}
	cleared, err := s.store.PushTailPruned(ctx, pendingKey(queue), string(itemID), errorsKey(queue), recordPrefix(itemID))
	if err != nil {
		return fmt.Errorf("enqueue %s to %s: %w", itemID, queue, err)
	}
	if cleared > 0 {
		log.Debug("Cleared failure records on retry", "queue", queue, "item", itemID, "count", cleared)
	}
	s.metrics.RecordQueueOp(queue, "enqueue")
	s.publish(ctx, queue, EventItemAdded, map[string]any{"item": string(itemID)})
	return nil
}

// Dequeue 原子性地取出一個 pending 項目並移入 processing；
// 沒有待處理項目時 ok 為 false，永不阻塞
func (s *Service) Dequeue(ctx context.Context, queue string) (types.ItemID, bool, error) {
	if queue == "" {
		return "", false, ErrInvalidArgument
	}
	value, ok, err := s.store.PopToSet(ctx, pendingKey(queue), processingKey(queue))
	if err != nil {
		return "", false, fmt.Errorf("dequeue from %s: %w", queue, err)
	}
	if !ok {
		return "", false, nil
	}
	s.metrics.RecordQueueOp(queue, "dequeue")
	s.publish(ctx, queue, EventItemDequeued, map[string]any{"item": value})
	return types.ItemID(value), true, nil
}

// Complete 將項目從 processing 移到 completed
func (s *Service) Complete(ctx context.Context, queue string, itemID types.ItemID) error {
	if queue == "" || itemID == "" {
		return ErrInvalidArgument
	}
	now := s.now()
	moved, err := s.store.MoveToSortedSet(ctx, processingKey(queue), completedKey(queue),
		string(itemID), float64(now.UnixMilli()))
	if err != nil {
		return fmt.Errorf("complete %s in %s: %w", itemID, queue, err)
	}
	if !moved {
		return fmt.Errorf("complete %s in %s: %w", itemID, queue, ErrNotProcessing)
	}
	s.metrics.RecordQueueOp(queue, "complete")
	s.pruneCompleted(ctx, queue, now)
	s.publish(ctx, queue, EventItemCompleted, map[string]any{"item": string(itemID)})
	return nil
}

// Fail 將項目從 processing 移出並寫入失敗記錄，取代該項目較早的記錄
func (s *Service) Fail(ctx context.Context, queue string, itemID types.ItemID, reason string) error {
	if queue == "" || itemID == "" {
		return ErrInvalidArgument
	}
	record := types.ErrorRecord{
		Item:      itemID,
		Reason:    reason,
		Timestamp: s.now().UnixMilli(),
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode error record: %w", err)
	}
	moved, err := s.store.MoveToList(ctx, processingKey(queue), errorsKey(queue),
		string(itemID), string(encoded), recordPrefix(itemID))
	if err != nil {
		return fmt.Errorf("fail %s in %s: %w", itemID, queue, err)
	}
	if !moved {
		return fmt.Errorf("fail %s in %s: %w", itemID, queue, ErrNotProcessing)
	}
	s.metrics.RecordQueueOp(queue, "fail")
	s.publish(ctx, queue, EventItemFailed, map[string]any{"item": string(itemID), "reason": reason})
	return nil
}

// Reclaim 把 processing 與 pending 中的所有項目以 reason 移到 error 分區，
// 回傳被回收的 ID（依出現順序、不重複）。用於行程啟動時回收前一個行程
// 中斷時遺留的項目；pending 中的重複 ID 只留下一筆記錄
func (s *Service) Reclaim(ctx context.Context, queue, reason string) ([]types.ItemID, error) {
	if queue == "" {
		return nil, ErrInvalidArgument
	}
	members, err := s.store.Members(ctx, processingKey(queue))
	if err != nil {
		return nil, fmt.Errorf("reclaim %s: %w", queue, err)
	}
	sort.Strings(members)

	var reclaimed []types.ItemID
	seen := make(map[types.ItemID]struct{})
	fail := func(id types.ItemID) error {
		err := s.Fail(ctx, queue, id, reason)
		if errors.Is(err, ErrNotProcessing) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			reclaimed = append(reclaimed, id)
		}
		return nil
	}

	for _, member := range members {
		if err := fail(types.ItemID(member)); err != nil {
			return reclaimed, err
		}
	}
	for {
		id, ok, err := s.Dequeue(ctx, queue)
		if err != nil {
			return reclaimed, err
		}
		if !ok {
			return reclaimed, nil
		}
		if err := fail(id); err != nil {
			return reclaimed, err
		}
	}
}

// Stats 取得單一佇列的分區統計（唯讀快照）
func (s *Service) Stats(ctx context.Context, queue string) (types.QueueStats, error) {
	stats := types.QueueStats{Queue: queue}
	if queue == "" {
		return stats, ErrInvalidArgument
	}
	s.pruneCompleted(ctx, queue, s.now())

	var err error
	if stats.Pending, err = s.store.ListLen(ctx, pendingKey(queue)); err != nil {
		return stats, fmt.Errorf("stats %s pending: %w", queue, err)
	}
	if stats.Processing, err = s.store.SetLen(ctx, processingKey(queue)); err != nil {
		return stats, fmt.Errorf("stats %s processing: %w", queue, err)
	}
	if stats.Completed, err = s.store.SortedSetLen(ctx, completedKey(queue)); err != nil {
		return stats, fmt.Errorf("stats %s completed: %w", queue, err)
	}
	if stats.Error, err = s.store.ListLen(ctx, errorsKey(queue)); err != nil {
		return stats, fmt.Errorf("stats %s errors: %w", queue, err)
	}
	s.metrics.UpdateQueueStats(queue, stats.Pending, stats.Processing, stats.Completed, stats.Error)
	return stats, nil
}

// StatsAll 取得所有已知佇列的統計，依名稱排序
func (s *Service) StatsAll(ctx context.Context) ([]types.QueueStats, error) {
	queues, err := s.Queues(ctx)
	if err != nil {
		return nil, err
	}
	all := make([]types.QueueStats, 0, len(queues))
	for _, q := range queues {
		stats, err := s.Stats(ctx, q)
		if err != nil {
			return nil, err
		}
		all = append(all, stats)
	}
	return all, nil
}

// Queues 回傳所有曾經 Enqueue 過的佇列名稱
func (s *Service) Queues(ctx context.Context) ([]string, error) {
	queues, err := s.store.Members(ctx, indexKey)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	sort.Strings(queues)
	return queues, nil
}

// Errors 回傳最新的 limit 筆失敗記錄（新到舊）；limit <= 0 回傳全部
func (s *Service) Errors(ctx context.Context, queue string, limit int) ([]types.ErrorRecord, error) {
	if queue == "" {
		return nil, ErrInvalidArgument
	}
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raw, err := s.store.ListRange(ctx, errorsKey(queue), start, -1)
	if err != nil {
		return nil, fmt.Errorf("list errors for %s: %w", queue, err)
	}
	records := make([]types.ErrorRecord, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var rec types.ErrorRecord
		if err := json.Unmarshal([]byte(raw[i]), &rec); err != nil {
			log.Warn("Skipping undecodable error record", "queue", queue, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// ClearErrors 清空佇列的失敗記錄
func (s *Service) ClearErrors(ctx context.Context, queue string) error {
	if queue == "" {
		return ErrInvalidArgument
	}
	if err := s.store.Delete(ctx, errorsKey(queue)); err != nil {
		return fmt.Errorf("clear errors for %s: %w", queue, err)
	}
	return nil
}

// Locate 找出項目目前所在的分區；ok 為 false 表示不在任何分區
func (s *Service) Locate(ctx context.Context, queue string, itemID types.ItemID) (types.Partition, bool, error) {
	id := string(itemID)

	pending, err := s.store.ListRange(ctx, pendingKey(queue), 0, -1)
	if err != nil {
		return "", false, fmt.Errorf("locate %s: %w", itemID, err)
	}
	for _, v := range pending {
		if v == id {
			return types.PartitionPending, true, nil
		}
	}

	processing, err := s.store.IsMember(ctx, processingKey(queue), id)
	if err != nil {
		return "", false, fmt.Errorf("locate %s: %w", itemID, err)
	}
	if processing {
		return types.PartitionProcessing, true, nil
	}

	if _, ok, err := s.store.SortedSetScore(ctx, completedKey(queue), id); err != nil {
		return "", false, fmt.Errorf("locate %s: %w", itemID, err)
	} else if ok {
		return types.PartitionCompleted, true, nil
	}

	records, err := s.Errors(ctx, queue, 0)
	if err != nil {
		return "", false, err
	}
	for _, rec := range records {
		if rec.Item == itemID {
			return types.PartitionError, true, nil
		}
	}
	return "", false, nil
}

// pruneCompleted 移除超過保留時間的 completed 項目
func (s *Service) pruneCompleted(ctx context.Context, queue string, now time.Time) {
	cutoff := float64(now.Add(-s.retention).UnixMilli())
	if n, err := s.store.RemoveSortedByScore(ctx, completedKey(queue), cutoff); err != nil {
		log.Warn("Failed to prune completed items", "queue", queue, "error", err)
	} else if n > 0 {
		log.Debug("Pruned expired completed items", "queue", queue, "count", n)
	}
}

// recordPrefix 回傳 itemID 失敗記錄的 JSON 開頭（item 是 ErrorRecord 的第一個欄位）
func recordPrefix(itemID types.ItemID) string {
	id, _ := json.Marshal(string(itemID))
	return `{"item":` + string(id) + `,`
}

func (s *Service) publish(ctx context.Context, queue, name string, data map[string]any) {
	data["queue"] = queue
	event := types.NewEvent("queue", EventType, name, data)
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error("Failed to encode queue event", "queue", queue, "event", name, "error", err)
		return
	}
	for _, channel := range []string{QueueChannel(queue), EventsChannel} {
		if err := s.store.Publish(ctx, channel, payload); err != nil {
			log.Warn("Failed to publish queue event", "channel", channel, "event", name, "error", err)
		}
	}
}
