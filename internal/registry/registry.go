// ============================================================================
// Beaver-Mail 連線註冊表 - 即時訂閱者與頻道廣播
// ============================================================================
//
// Package: internal/registry
// 文件: registry.go
// 功能: 管理即時連線、每個訂閱者的頻道集合，以及依頻道扇出事件
//
// 並發模型:
//   - 單一 RWMutex 保護 subscriber map 與各訂閱者的頻道集合
//   - Broadcast 在鎖內取收件者快照，在鎖外送出（慢速連線不阻塞其他呼叫者）
//   - 每個訂閱者有自己的 send mutex，保證同一連線上的訊息依發佈順序送達
//   - 送出失敗的訂閱者在掃描結束後統一斷線，迭代期間不修改 map
//
// 投遞語意: best effort，沒有 at-least-once 或 exactly-once 保證。
//
// ============================================================================

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/beaver-mail/internal/metrics"
	"github.com/ChuLiYu/beaver-mail/pkg/types"
)

var log = slog.Default()

var (
	// ErrUnknownSubscriber 訂閱者不存在或已斷線
	ErrUnknownSubscriber = errors.New("unknown subscriber")
)

// 預設頻道
const (
	ChannelEmails = "emails"
	ChannelDrafts = "drafts"
	ChannelAgents = "agents"
	ChannelQueue  = "queue"
)

// DefaultChannels 新連線預設取得的頻道
var DefaultChannels = []string{ChannelEmails, ChannelDrafts, ChannelAgents}

// Conn 一條可送出訊息的即時連線
type Conn interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Stats 註冊表快照
type Stats struct {
	Connections int            `json:"connections"`
	Channels    map[string]int `json:"channels"`
}

// SubscriberInfo 單一訂閱者的唯讀資訊
type SubscriberInfo struct {
	ID          string    `json:"id"`
	Channels    []string  `json:"channels"`
	ConnectedAt time.Time `json:"connected_at"`
}

type subscriber struct {
	id          string
	conn        Conn
	channels    map[string]struct{}
	connectedAt time.Time

	sendMu sync.Mutex
	once   sync.Once
}

func (s *subscriber) send(ctx context.Context, payload []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.conn.Send(ctx, payload)
}

func (s *subscriber) close() {
	s.once.Do(func() {
		if err := s.conn.Close(); err != nil {
			log.Debug("Closing subscriber connection failed", "subscriber", s.id, "error", err)
		}
	})
}

func (s *subscriber) channelList() []string {
	list := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		list = append(list, ch)
	}
	sort.Strings(list)
	return list
}

// Option 自訂 Registry 建構
type Option func(*Registry)

// WithMetrics 注入指標收集器
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Registry) {
		r.metrics = c
	}
}

// WithDefaultChannels 覆寫新連線的預設頻道
func WithDefaultChannels(channels ...string) Option {
	return func(r *Registry) {
		r.defaults = append([]string(nil), channels...)
	}
}

// Registry 連線註冊表
type Registry struct {
	mu       sync.RWMutex
	subs     map[string]*subscriber
	defaults []string
	metrics  *metrics.Collector
}

// New 建立連線註冊表
func New(opts ...Option) *Registry {
	r := &Registry{
		subs:     make(map[string]*subscriber),
		defaults: DefaultChannels,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// NewSubscriberID 產生隨機訂閱者 ID
func NewSubscriberID() string {
	return uuid.NewString()
}

// Connect 註冊連線並授予預設頻道；id 為空時自動產生。
// 同一 id 重複連線時，舊連線會被關閉並取代。
func (r *Registry) Connect(id string, conn Conn) string {
	if id == "" {
		id = NewSubscriberID()
	}
	sub := &subscriber{
		id:          id,
		conn:        conn,
		channels:    make(map[string]struct{}, len(r.defaults)),
		connectedAt: time.Now(),
	}
	for _, ch := range r.defaults {
		sub.channels[ch] = struct{}{}
	}

	r.mu.Lock()
	old := r.subs[id]
	r.subs[id] = sub
	count := len(r.subs)
	r.mu.Unlock()

	if old != nil {
		log.Info("Replacing existing subscriber connection", "subscriber", id)
		old.close()
	}
	r.metrics.SetSubscribers(count)
	log.Info("Subscriber connected", "subscriber", id, "total", count)
	return id
}

// Disconnect 移除訂閱者並關閉連線；回傳是否真的移除了
func (r *Registry) Disconnect(id string) bool {
	r.mu.Lock()
	sub, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	count := len(r.subs)
	r.mu.Unlock()

	if !ok {
		return false
	}
	sub.close()
	r.metrics.SetSubscribers(count)
	log.Info("Subscriber disconnected", "subscriber", id, "total", count)
	return true
}

// disconnectIf 只有在 map 中仍是同一個 subscriber 時才移除（避免誤刪重連後的新連線）
func (r *Registry) disconnectIf(sub *subscriber) {
	r.mu.Lock()
	current, ok := r.subs[sub.id]
	if ok && current == sub {
		delete(r.subs, sub.id)
	}
	count := len(r.subs)
	r.mu.Unlock()

	sub.close()
	if ok && current == sub {
		r.metrics.SetSubscribers(count)
		r.metrics.RecordBroadcastFailure()
		log.Warn("Dropped dead subscriber", "subscriber", sub.id, "total", count)
	}
}

// SendTo 單播訊息給指定訂閱者；送出失敗時該訂閱者會被斷線
func (r *Registry) SendTo(ctx context.Context, id string, msg any) error {
	r.mu.RLock()
	sub, ok := r.subs[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send to %s: %w", id, ErrUnknownSubscriber)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", id, err)
	}
	if err := sub.send(ctx, payload); err != nil {
		r.disconnectIf(sub)
		return fmt.Errorf("send to %s: %w", id, err)
	}
	return nil
}

// Broadcast 將事件送給所有訂閱了 event.Channel 的訂閱者，回傳成功送達數
func (r *Registry) Broadcast(ctx context.Context, event types.Event) int {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error("Failed to encode broadcast event", "channel", event.Channel, "error", err)
		return 0
	}

	r.mu.RLock()
	recipients := make([]*subscriber, 0, len(r.subs))
	for _, sub := range r.subs {
		if _, ok := sub.channels[event.Channel]; ok {
			recipients = append(recipients, sub)
		}
	}
	r.mu.RUnlock()

	var (
		delivered int
		dead      []*subscriber
	)
	for _, sub := range recipients {
		if err := sub.send(ctx, payload); err != nil {
			log.Debug("Broadcast send failed", "subscriber", sub.id, "channel", event.Channel, "error", err)
			dead = append(dead, sub)
			continue
		}
		delivered++
	}
	for _, sub := range dead {
		r.disconnectIf(sub)
	}

	r.metrics.RecordBroadcast(event.Channel, delivered)
	return delivered
}

// Subscribe 為訂閱者加入頻道，回傳更新後的頻道列表
func (r *Registry) Subscribe(id string, channels ...string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, fmt.Errorf("subscribe %s: %w", id, ErrUnknownSubscriber)
	}
	for _, ch := range channels {
		if ch != "" {
			sub.channels[ch] = struct{}{}
		}
	}
	return sub.channelList(), nil
}

// Unsubscribe 移除訂閱者的頻道，回傳更新後的頻道列表
func (r *Registry) Unsubscribe(id string, channels ...string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, fmt.Errorf("unsubscribe %s: %w", id, ErrUnknownSubscriber)
	}
	for _, ch := range channels {
		delete(sub.channels, ch)
	}
	return sub.channelList(), nil
}

// Channels 回傳訂閱者目前的頻道（已排序）
func (r *Registry) Channels(id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, fmt.Errorf("channels %s: %w", id, ErrUnknownSubscriber)
	}
	return sub.channelList(), nil
}

// Count 目前連線數
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Subscribers 回傳所有訂閱者資訊，依 ID 排序
func (r *Registry) Subscribers() []SubscriberInfo {
	r.mu.RLock()
	infos := make([]SubscriberInfo, 0, len(r.subs))
	for _, sub := range r.subs {
		infos = append(infos, SubscriberInfo{
			ID:          sub.id,
			Channels:    sub.channelList(),
			ConnectedAt: sub.connectedAt,
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Stats 連線數與每個頻道的訂閱數
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := Stats{
		Connections: len(r.subs),
		Channels:    make(map[string]int),
	}
	for _, sub := range r.subs {
		for ch := range sub.channels {
			stats.Channels[ch]++
		}
	}
	return stats
}

// Close 斷開所有連線
func (r *Registry) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*subscriber)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	r.metrics.SetSubscribers(0)
}
