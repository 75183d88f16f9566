package queuestore

// ============================================================================
// Memory Store
// 職責：
// 1. 以單一互斥鎖保護 list / set / sorted-set，所有複合原語在鎖內完成
// 2. 提供行程內 publish/subscribe（非阻塞投遞，緩衝滿時丟棄）
// 3. 供測試與單機部署使用，語意與 Redis 實作一致
// ============================================================================

import (
	"context"
	"sort"
	"strings"
	"sync"
)

const defaultSubscriptionBuffer = 256

// MemoryStore 行程內的 Store 實作
type MemoryStore struct {
	mu     sync.Mutex
	lists  map[string][]string
	sets   map[string]map[string]struct{}
	zsets  map[string]map[string]float64
	subs   map[string]map[*memorySubscription]struct{}
	buffer int
	closed bool
}

// NewMemoryStore 建立新的 MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lists:  make(map[string][]string),
		sets:   make(map[string]map[string]struct{}),
		zsets:  make(map[string]map[string]float64),
		subs:   make(map[string]map[*memorySubscription]struct{}),
		buffer: defaultSubscriptionBuffer,
	}
}

// checkKeyLocked 確認 key 沒有被其他型別佔用
func (m *MemoryStore) checkKeyLocked(key string, kind string) error {
	if m.closed {
		return ErrStoreClosed
	}
	if _, ok := m.lists[key]; ok && kind != "list" {
		return ErrWrongType
	}
	if _, ok := m.sets[key]; ok && kind != "set" {
		return ErrWrongType
	}
	if _, ok := m.zsets[key]; ok && kind != "zset" {
		return ErrWrongType
	}
	return nil
}

func (m *MemoryStore) PushTail(_ context.Context, list, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkKeyLocked(list, "list"); err != nil {
		return err
	}
	m.lists[list] = append(m.lists[list], value)
	return nil
}

func (m *MemoryStore) PushTailPruned(_ context.Context, list, value, prune, prefix string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkKeyLocked(list, "list"); err != nil {
		return 0, err
	}
	if err := m.checkKeyLocked(prune, "list"); err != nil {
		return 0, err
	}
	dropped := m.pruneListLocked(prune, prefix)
	m.lists[list] = append(m.lists[list], value)
	return dropped, nil
}

func (m *MemoryStore) PopToSet(_ context.Context, list, set string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkKeyLocked(list, "list"); err != nil {
		return "", false, err
	}
	if err := m.checkKeyLocked(set, "set"); err != nil {
		return "", false, err
	}

	items := m.lists[list]
	if len(items) == 0 {
		return "", false, nil
	}
	value := items[0]
	if len(items) == 1 {
		delete(m.lists, list)
	} else {
		m.lists[list] = items[1:]
	}
	m.addToSetLocked(set, value)
	return value, true, nil
}

func (m *MemoryStore) MoveToSortedSet(_ context.Context, set, zset, member string, score float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkKeyLocked(set, "set"); err != nil {
		return false, err
	}
	if err := m.checkKeyLocked(zset, "zset"); err != nil {
		return false, err
	}
	if !m.removeFromSetLocked(set, member) {
		return false, nil
	}
	if m.zsets[zset] == nil {
		m.zsets[zset] = make(map[string]float64)
	}
	m.zsets[zset][member] = score
	return true, nil
}

func (m *MemoryStore) MoveToList(_ context.Context, set, list, member, value, prefix string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkKeyLocked(set, "set"); err != nil {
		return false, err
	}
	if err := m.checkKeyLocked(list, "list"); err != nil {
		return false, err
	}
	if !m.removeFromSetLocked(set, member) {
		return false, nil
	}
	m.pruneListLocked(list, prefix)
	m.lists[list] = append(m.lists[list], value)
	return true, nil
}

func (m *MemoryStore) AddToSet(_ context.Context, set, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkKeyLocked(set, "set"); err != nil {
		return err
	}
	m.addToSetLocked(set, member)
	return nil
}

func (m *MemoryStore) IsMember(_ context.Context, set, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkKeyLocked(set, "set"); err != nil {
		return false, err
	}
	_, ok := m.sets[set][member]
	return ok, nil
}

func (m *MemoryStore) Members(_ context.Context, set string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkKeyLocked(set, "set"); err != nil {
		return nil, err
	}
	members := make([]string, 0, len(m.sets[set]))
	for member := range m.sets[set] {
		members = append(members, member)
	}
	return members, nil
}

func (m *MemoryStore) ListLen(_ context.Context, list string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkKeyLocked(list, "list"); err != nil {
		return 0, err
	}
	return int64(len(m.lists[list])), nil
}

// ListRange 與 Redis LRANGE 相同的索引語意（負數從尾端計算，stop 包含在內）
func (m *MemoryStore) ListRange(_ context.Context, list string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkKeyLocked(list, "list"); err != nil {
		return nil, err
	}
	items := m.lists[list]
	n := int64(len(items))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return []string{}, nil
	}
	out := make([]string, stop-start+1)
	copy(out, items[start:stop+1])
	return out, nil
}

func (m *MemoryStore) SetLen(_ context.Context, set string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkKeyLocked(set, "set"); err != nil {
		return 0, err
	}
	return int64(len(m.sets[set])), nil
}

func (m *MemoryStore) SortedSetLen(_ context.Context, zset string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkKeyLocked(zset, "zset"); err != nil {
		return 0, err
	}
	return int64(len(m.zsets[zset])), nil
}

func (m *MemoryStore) SortedSetScore(_ context.Context, zset, member string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkKeyLocked(zset, "zset"); err != nil {
		return 0, false, err
	}
	score, ok := m.zsets[zset][member]
	return score, ok, nil
}

func (m *MemoryStore) RemoveSortedByScore(_ context.Context, zset string, max float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkKeyLocked(zset, "zset"); err != nil {
		return 0, err
	}
	var removed int64
	for member, score := range m.zsets[zset] {
		if score <= max {
			delete(m.zsets[zset], member)
			removed++
		}
	}
	if len(m.zsets[zset]) == 0 {
		delete(m.zsets, zset)
	}
	return removed, nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	for _, key := range keys {
		delete(m.lists, key)
		delete(m.sets, key)
		delete(m.zsets, key)
	}
	return nil
}

// Publish 非阻塞投遞；訂閱者緩衝已滿時丟棄該訊息
func (m *MemoryStore) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStoreClosed
	}
	targets := make([]*memorySubscription, 0, len(m.subs[channel]))
	for sub := range m.subs[channel] {
		targets = append(targets, sub)
	}
	m.mu.Unlock()

	for _, sub := range targets {
		msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
		if !sub.deliver(msg) {
			log.Warn("Dropping pub/sub message for slow subscriber", "channel", channel)
		}
	}
	return nil
}

func (m *MemoryStore) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	sub := &memorySubscription{
		store:    m,
		channels: append([]string(nil), channels...),
		ch:       make(chan Message, m.buffer),
	}
	for _, channel := range channels {
		if m.subs[channel] == nil {
			m.subs[channel] = make(map[*memorySubscription]struct{})
		}
		m.subs[channel][sub] = struct{}{}
	}
	return sub, nil
}

func (m *MemoryStore) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close 關閉 store 與所有訂閱
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var subs []*memorySubscription
	seen := make(map[*memorySubscription]struct{})
	for _, set := range m.subs {
		for sub := range set {
			if _, ok := seen[sub]; !ok {
				seen[sub] = struct{}{}
				subs = append(subs, sub)
			}
		}
	}
	m.subs = make(map[string]map[*memorySubscription]struct{})
	m.mu.Unlock()

	for _, sub := range subs {
		sub.closeChannel()
	}
	return nil
}

// MemoryState MemoryStore 資料的可序列化複本（不含訂閱）
type MemoryState struct {
	Lists map[string][]string           `json:"lists"`
	Sets  map[string][]string           `json:"sets"`
	ZSets map[string]map[string]float64 `json:"zsets"`
}

// Empty 是否沒有任何 key
func (s MemoryState) Empty() bool {
	return len(s.Lists) == 0 && len(s.Sets) == 0 && len(s.ZSets) == 0
}

// Export 在鎖內複製目前所有 list / set / sorted-set
func (m *MemoryStore) Export() MemoryState {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := MemoryState{
		Lists: make(map[string][]string, len(m.lists)),
		Sets:  make(map[string][]string, len(m.sets)),
		ZSets: make(map[string]map[string]float64, len(m.zsets)),
	}
	for k, items := range m.lists {
		st.Lists[k] = append([]string(nil), items...)
	}
	for k, members := range m.sets {
		out := make([]string, 0, len(members))
		for member := range members {
			out = append(out, member)
		}
		sort.Strings(out)
		st.Sets[k] = out
	}
	for k, scores := range m.zsets {
		out := make(map[string]float64, len(scores))
		for member, score := range scores {
			out[member] = score
		}
		st.ZSets[k] = out
	}
	return st
}

// Import 以 st 取代目前的資料；同一 key 出現在多種型別時回傳 ErrWrongType
func (m *MemoryStore) Import(st MemoryState) error {
	lists := make(map[string][]string, len(st.Lists))
	sets := make(map[string]map[string]struct{}, len(st.Sets))
	zsets := make(map[string]map[string]float64, len(st.ZSets))

	for k, items := range st.Lists {
		if len(items) > 0 {
			lists[k] = append([]string(nil), items...)
		}
	}
	for k, members := range st.Sets {
		if _, dup := lists[k]; dup {
			return ErrWrongType
		}
		if len(members) == 0 {
			continue
		}
		set := make(map[string]struct{}, len(members))
		for _, member := range members {
			set[member] = struct{}{}
		}
		sets[k] = set
	}
	for k, scores := range st.ZSets {
		_, inList := lists[k]
		_, inSet := sets[k]
		if inList || inSet {
			return ErrWrongType
		}
		if len(scores) == 0 {
			continue
		}
		zset := make(map[string]float64, len(scores))
		for member, score := range scores {
			zset[member] = score
		}
		zsets[k] = zset
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.lists, m.sets, m.zsets = lists, sets, zsets
	return nil
}

func (m *MemoryStore) addToSetLocked(set, member string) {
	if m.sets[set] == nil {
		m.sets[set] = make(map[string]struct{})
	}
	m.sets[set][member] = struct{}{}
}

// pruneListLocked 刪除 list 中以 prefix 開頭的元素；prefix 為空時不動作
func (m *MemoryStore) pruneListLocked(list, prefix string) int64 {
	items, ok := m.lists[list]
	if !ok || prefix == "" {
		return 0
	}
	kept := items[:0]
	for _, v := range items {
		if !strings.HasPrefix(v, prefix) {
			kept = append(kept, v)
		}
	}
	dropped := int64(len(items) - len(kept))
	if len(kept) == 0 {
		delete(m.lists, list)
	} else {
		m.lists[list] = kept
	}
	return dropped
}

func (m *MemoryStore) removeFromSetLocked(set, member string) bool {
	members, ok := m.sets[set]
	if !ok {
		return false
	}
	if _, ok := members[member]; !ok {
		return false
	}
	delete(members, member)
	if len(members) == 0 {
		delete(m.sets, set)
	}
	return true
}

func (m *MemoryStore) unsubscribe(sub *memorySubscription) {
	m.mu.Lock()
	for _, channel := range sub.channels {
		if set, ok := m.subs[channel]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(m.subs, channel)
			}
		}
	}
	m.mu.Unlock()
	sub.closeChannel()
}

type memorySubscription struct {
	store    *MemoryStore
	channels []string

	mu     sync.Mutex
	ch     chan Message
	closed bool
}

func (s *memorySubscription) Messages() <-chan Message {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.store.unsubscribe(s)
	return nil
}

func (s *memorySubscription) deliver(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

func (s *memorySubscription) closeChannel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
