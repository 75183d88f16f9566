package queuestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ============================================================================
// Redis Store
// 職責：
// 1. 以 Lua script 執行複合原語，讓 Redis 以單一操作完成每個分區轉換
// 2. 以 go-redis PubSub 提供訂閱，慢速訂閱者的訊息直接丟棄
// 3. 把 WRONGTYPE / 連線關閉轉成套件的哨兵錯誤
// ============================================================================

// pruneSnippet 刪除 KEYS[2] 中以 ARGV[3] 開頭的元素，結果累加到 dropped
const pruneSnippet = `
local dropped = 0
if ARGV[3] ~= '' then
  local n = string.len(ARGV[3])
  for _, v in ipairs(redis.call('LRANGE', KEYS[2], 0, -1)) do
    if string.sub(v, 1, n) == ARGV[3] then
      dropped = dropped + redis.call('LREM', KEYS[2], 1, v)
    end
  end
end
`

// 複合原語
var (
	// KEYS: list, prune  ARGV: value, (unused), prefix
	pushTailPrunedScript = redis.NewScript(pruneSnippet + `
redis.call('RPUSH', KEYS[1], ARGV[1])
return dropped`)

	popToSetScript = redis.NewScript(`
local v = redis.call('LPOP', KEYS[1])
if v then
  redis.call('SADD', KEYS[2], v)
end
return v`)

	moveToSortedSetScript = redis.NewScript(`
local n = redis.call('SREM', KEYS[1], ARGV[1])
if n == 1 then
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
end
return n`)

	// KEYS: set, list  ARGV: member, value, prefix
	moveToListScript = redis.NewScript(`
local n = redis.call('SREM', KEYS[1], ARGV[1])
if n == 0 then
  return 0
end` + pruneSnippet + `
redis.call('RPUSH', KEYS[2], ARGV[2])
return n`)
)

// RedisOptions NewRedisStore 的連線設定
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore 以 Redis list / set / sorted-set 與 pub/sub 實作的 Store
type RedisStore struct {
	client redis.UniversalClient
	owned  bool

	mu   sync.Mutex
	subs map[*redisSubscription]struct{}
}

// NewRedisStore 連線 Redis 並以 PING 確認可用
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	s := NewRedisStoreFromClient(client)
	s.owned = true
	return s, nil
}

// NewRedisStoreFromClient 包裝既有 client；Close 不會關閉它
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client: client,
		subs:   make(map[*redisSubscription]struct{}),
	}
}

func (s *RedisStore) PushTail(ctx context.Context, list, value string) error {
	return wrapRedisErr("rpush", s.client.RPush(ctx, list, value).Err())
}

func (s *RedisStore) PushTailPruned(ctx context.Context, list, value, prune, prefix string) (int64, error) {
	n, err := pushTailPrunedScript.Run(ctx, s.client, []string{list, prune}, value, "", prefix).Int64()
	if err != nil {
		return 0, wrapRedisErr("push tail pruned", err)
	}
	return n, nil
}

func (s *RedisStore) PopToSet(ctx context.Context, list, set string) (string, bool, error) {
	value, err := popToSetScript.Run(ctx, s.client, []string{list, set}).Text()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapRedisErr("pop to set", err)
	}
	return value, true, nil
}

func (s *RedisStore) MoveToSortedSet(ctx context.Context, set, zset, member string, score float64) (bool, error) {
	n, err := moveToSortedSetScript.Run(ctx, s.client, []string{set, zset},
		member, strconv.FormatFloat(score, 'f', -1, 64)).Int64()
	if err != nil {
		return false, wrapRedisErr("move to sorted set", err)
	}
	return n == 1, nil
}

func (s *RedisStore) MoveToList(ctx context.Context, set, list, member, value, prefix string) (bool, error) {
	n, err := moveToListScript.Run(ctx, s.client, []string{set, list}, member, value, prefix).Int64()
	if err != nil {
		return false, wrapRedisErr("move to list", err)
	}
	return n == 1, nil
}

func (s *RedisStore) AddToSet(ctx context.Context, set, member string) error {
	return wrapRedisErr("sadd", s.client.SAdd(ctx, set, member).Err())
}

func (s *RedisStore) IsMember(ctx context.Context, set, member string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, set, member).Result()
	return ok, wrapRedisErr("sismember", err)
}

func (s *RedisStore) Members(ctx context.Context, set string) ([]string, error) {
	members, err := s.client.SMembers(ctx, set).Result()
	return members, wrapRedisErr("smembers", err)
}

func (s *RedisStore) ListLen(ctx context.Context, list string) (int64, error) {
	n, err := s.client.LLen(ctx, list).Result()
	return n, wrapRedisErr("llen", err)
}

func (s *RedisStore) ListRange(ctx context.Context, list string, start, stop int64) ([]string, error) {
	items, err := s.client.LRange(ctx, list, start, stop).Result()
	return items, wrapRedisErr("lrange", err)
}

func (s *RedisStore) SetLen(ctx context.Context, set string) (int64, error) {
	n, err := s.client.SCard(ctx, set).Result()
	return n, wrapRedisErr("scard", err)
}

func (s *RedisStore) SortedSetLen(ctx context.Context, zset string) (int64, error) {
	n, err := s.client.ZCard(ctx, zset).Result()
	return n, wrapRedisErr("zcard", err)
}

func (s *RedisStore) SortedSetScore(ctx context.Context, zset, member string) (float64, bool, error) {
	score, err := s.client.ZScore(ctx, zset, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapRedisErr("zscore", err)
	}
	return score, true, nil
}

func (s *RedisStore) RemoveSortedByScore(ctx context.Context, zset string, max float64) (int64, error) {
	n, err := s.client.ZRemRangeByScore(ctx, zset, "-inf", strconv.FormatFloat(max, 'f', -1, 64)).Result()
	return n, wrapRedisErr("zremrangebyscore", err)
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrapRedisErr("del", s.client.Del(ctx, keys...).Err())
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return wrapRedisErr("publish", s.client.Publish(ctx, channel, payload).Err())
}

// Subscribe 等到訂閱確認後才返回，之後發佈的訊息不會遺漏
func (s *RedisStore) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := s.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, wrapRedisErr("subscribe", err)
	}

	sub := &redisSubscription{
		store: s,
		ps:    ps,
		ch:    make(chan Message, defaultSubscriptionBuffer),
		done:  make(chan struct{}),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.pump()
	return sub, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return wrapRedisErr("ping", s.client.Ping(ctx).Err())
}

// Close 關閉所有訂閱；client 由本 store 建立時一併關閉
func (s *RedisStore) Close() error {
	s.mu.Lock()
	subs := make([]*redisSubscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	if s.owned {
		return s.client.Close()
	}
	return nil
}

type redisSubscription struct {
	store *RedisStore
	ps    *redis.PubSub
	ch    chan Message
	done  chan struct{}
	once  sync.Once
}

func (r *redisSubscription) Messages() <-chan Message {
	return r.ch
}

func (r *redisSubscription) pump() {
	defer close(r.ch)
	in := r.ps.Channel()
	for {
		select {
		case <-r.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case r.ch <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-r.done:
				return
			default:
				log.Warn("Dropping pub/sub message for slow subscriber", "channel", msg.Channel)
			}
		}
	}
}

func (r *redisSubscription) Close() error {
	var err error
	r.once.Do(func() {
		r.store.mu.Lock()
		delete(r.store.subs, r)
		r.store.mu.Unlock()
		close(r.done)
		err = r.ps.Close()
	})
	return err
}

func wrapRedisErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if strings.HasPrefix(err.Error(), "WRONGTYPE") {
		return fmt.Errorf("redis %s: %w", op, ErrWrongType)
	}
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("redis %s: %w", op, ErrStoreClosed)
	}
	return fmt.Errorf("redis %s: %w", op, err)
}
