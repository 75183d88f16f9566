package workqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-mail/internal/metrics"
	"github.com/ChuLiYu/beaver-mail/internal/queuestore"
	"github.com/ChuLiYu/beaver-mail/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newMemoryService(t *testing.T, opts ...Option) (*Service, queuestore.Store) {
	t.Helper()
	store := queuestore.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	return New(store, opts...), store
}

func newRedisService(t *testing.T, opts ...Option) (*Service, queuestore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := queuestore.NewRedisStoreFromClient(client)
	t.Cleanup(func() {
		_ = store.Close()
		_ = client.Close()
	})
	return New(store, opts...), store
}

func eachBackend(t *testing.T, fn func(t *testing.T, svc *Service, store queuestore.Store)) {
	t.Run("memory", func(t *testing.T) {
		svc, store := newMemoryService(t)
		fn(t, svc, store)
	})
	t.Run("redis", func(t *testing.T) {
		svc, store := newRedisService(t)
		fn(t, svc, store)
	})
}

func dequeueOrFail(t *testing.T, svc *Service, queue string) types.ItemID {
	t.Helper()
	id, ok, err := svc.Dequeue(context.Background(), queue)
	require.NoError(t, err)
	require.True(t, ok, "expected an item in %s", queue)
	return id
}

// ============================================================================
// Scenario Tests
// ============================================================================

func TestEnqueueDequeueOrder(t *testing.T) {
	eachBackend(t, func(t *testing.T, svc *Service, _ queuestore.Store) {
		ctx := context.Background()
		require.NoError(t, svc.Enqueue(ctx, "intake", "m1"))
		require.NoError(t, svc.Enqueue(ctx, "intake", "m2"))

		assert.Equal(t, types.ItemID("m1"), dequeueOrFail(t, svc, "intake"))
		assert.Equal(t, types.ItemID("m2"), dequeueOrFail(t, svc, "intake"))

		_, ok, err := svc.Dequeue(ctx, "intake")
		require.NoError(t, err)
		assert.False(t, ok, "third dequeue should report empty")

		stats, err := svc.Stats(ctx, "intake")
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.Pending)
		assert.Equal(t, int64(2), stats.Processing)
		assert.Equal(t, int64(0), stats.Completed)
		assert.Equal(t, int64(0), stats.Error)
	})
}

func TestFailCountsUnderError(t *testing.T) {
	eachBackend(t, func(t *testing.T, svc *Service, _ queuestore.Store) {
		ctx := context.Background()
		require.NoError(t, svc.Enqueue(ctx, "intake", "m3"))
		dequeueOrFail(t, svc, "intake")

		require.NoError(t, svc.Fail(ctx, "intake", "m3", "network"))

		stats, err := svc.Stats(ctx, "intake")
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Error)
		assert.Equal(t, int64(0), stats.Processing)

		records, err := svc.Errors(ctx, "intake", 10)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, types.ItemID("m3"), records[0].Item)
		assert.Equal(t, "network", records[0].Reason)
		assert.NotZero(t, records[0].Timestamp)
	})
}

// ============================================================================
// Invariant Tests
// ============================================================================

func TestPartitionInvariant(t *testing.T) {
	eachBackend(t, func(t *testing.T, svc *Service, _ queuestore.Store) {
		ctx := context.Background()

		assertIn := func(id types.ItemID, want types.Partition) {
			t.Helper()
			got, ok, err := svc.Locate(ctx, "intake", id)
			require.NoError(t, err)
			require.True(t, ok, "%s should be in a partition", id)
			assert.Equal(t, want, got)

			stats, err := svc.Stats(ctx, "intake")
			require.NoError(t, err)
			assert.Equal(t, int64(1), stats.Total(), "item must be counted exactly once")
		}

		_, ok, err := svc.Locate(ctx, "intake", "m1")
		require.NoError(t, err)
		assert.False(t, ok, "never-enqueued item belongs to no partition")

		require.NoError(t, svc.Enqueue(ctx, "intake", "m1"))
		assertIn("m1", types.PartitionPending)

		dequeueOrFail(t, svc, "intake")
		assertIn("m1", types.PartitionProcessing)

		require.NoError(t, svc.Complete(ctx, "intake", "m1"))
		assertIn("m1", types.PartitionCompleted)
	})
}

func TestRetryAfterFailKeepsOnePartition(t *testing.T) {
	eachBackend(t, func(t *testing.T, svc *Service, _ queuestore.Store) {
		ctx := context.Background()

		assertOnly := func(want types.Partition) {
			t.Helper()
			got, ok, err := svc.Locate(ctx, "intake", "m1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, want, got)

			stats, err := svc.Stats(ctx, "intake")
			require.NoError(t, err)
			assert.Equal(t, int64(2), stats.Total(), "m1 and m10 are each counted once")
		}

		// m10 shares m1's prefix and must keep its own record
		require.NoError(t, svc.Enqueue(ctx, "intake", "m10"))
		dequeueOrFail(t, svc, "intake")
		require.NoError(t, svc.Fail(ctx, "intake", "m10", "network"))

		for attempt := 0; attempt < 2; attempt++ {
			require.NoError(t, svc.Enqueue(ctx, "intake", "m1"))
			assertOnly(types.PartitionPending)
			dequeueOrFail(t, svc, "intake")
			assertOnly(types.PartitionProcessing)
			require.NoError(t, svc.Fail(ctx, "intake", "m1", "timeout"))
			assertOnly(types.PartitionError)
		}

		require.NoError(t, svc.Enqueue(ctx, "intake", "m1"))
		dequeueOrFail(t, svc, "intake")
		require.NoError(t, svc.Complete(ctx, "intake", "m1"))
		assertOnly(types.PartitionCompleted)

		stats, err := svc.Stats(ctx, "intake")
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Completed)
		assert.Equal(t, int64(1), stats.Error)

		records, err := svc.Errors(ctx, "intake", 0)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, types.ItemID("m10"), records[0].Item)
	})
}

func TestFailReplacesEarlierRecord(t *testing.T) {
	eachBackend(t, func(t *testing.T, svc *Service, store queuestore.Store) {
		ctx := context.Background()
		require.NoError(t, svc.Enqueue(ctx, "intake", "m1"))
		dequeueOrFail(t, svc, "intake")
		require.NoError(t, svc.Fail(ctx, "intake", "m1", "timeout"))

		// 直接放回 processing，模擬同一 ID 再次被取出
		require.NoError(t, store.AddToSet(ctx, processingKey("intake"), "m1"))
		require.NoError(t, svc.Fail(ctx, "intake", "m1", "network"))

		records, err := svc.Errors(ctx, "intake", 0)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "network", records[0].Reason)
	})
}

func TestReclaimMovesLeftoversToError(t *testing.T) {
	eachBackend(t, func(t *testing.T, svc *Service, _ queuestore.Store) {
		ctx := context.Background()
		for _, id := range []types.ItemID{"p1", "p2", "m1", "m2", "m1"} {
			require.NoError(t, svc.Enqueue(ctx, "intake", id))
		}
		dequeueOrFail(t, svc, "intake")
		dequeueOrFail(t, svc, "intake")

		reclaimed, err := svc.Reclaim(ctx, "intake", "abandoned")
		require.NoError(t, err)
		assert.Equal(t, []types.ItemID{"p1", "p2", "m1", "m2"}, reclaimed)

		stats, err := svc.Stats(ctx, "intake")
		require.NoError(t, err)
		assert.Equal(t, types.QueueStats{Queue: "intake", Error: 4}, stats)

		records, err := svc.Errors(ctx, "intake", 0)
		require.NoError(t, err)
		for _, rec := range records {
			assert.Equal(t, "abandoned", rec.Reason)
		}

		again, err := svc.Reclaim(ctx, "intake", "abandoned")
		require.NoError(t, err)
		assert.Empty(t, again)
	})
}

func TestCompleteRequiresProcessing(t *testing.T) {
	eachBackend(t, func(t *testing.T, svc *Service, _ queuestore.Store) {
		ctx := context.Background()
		require.NoError(t, svc.Enqueue(ctx, "intake", "m1"))

		err := svc.Complete(ctx, "intake", "m1")
		assert.ErrorIs(t, err, ErrNotProcessing, "pending item cannot be completed")

		err = svc.Fail(ctx, "intake", "ghost", "x")
		assert.ErrorIs(t, err, ErrNotProcessing)

		dequeueOrFail(t, svc, "intake")
		require.NoError(t, svc.Complete(ctx, "intake", "m1"))
		assert.ErrorIs(t, svc.Complete(ctx, "intake", "m1"), ErrNotProcessing, "second complete is rejected")

		stats, err := svc.Stats(ctx, "intake")
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Completed)
		assert.Equal(t, int64(0), stats.Error)
	})
}

func TestInvalidArguments(t *testing.T) {
	svc, _ := newMemoryService(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.Enqueue(ctx, "", "m1"), ErrInvalidArgument)
	assert.ErrorIs(t, svc.Enqueue(ctx, "intake", ""), ErrInvalidArgument)
	_, _, err := svc.Dequeue(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = svc.Stats(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNoDeduplicationOnEnqueue(t *testing.T) {
	svc, _ := newMemoryService(t)
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, "intake", "m1"))
	require.NoError(t, svc.Enqueue(ctx, "intake", "m1"))

	stats, err := svc.Stats(ctx, "intake")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Pending)
}

func TestConcurrentDequeueHandsOutEachItemOnce(t *testing.T) {
	svc, _ := newMemoryService(t)
	ctx := context.Background()

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, svc.Enqueue(ctx, "intake", types.ItemID(fmt.Sprintf("m%d", i))))
	}

	var (
		mu   sync.Mutex
		seen = make(map[types.ItemID]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, ok, err := svc.Dequeue(ctx, "intake")
				if err != nil || !ok {
					return
				}
				mu.Lock()
				seen[id]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "item %s dequeued more than once", id)
	}
}

// ============================================================================
// Retention and Error List Tests
// ============================================================================

func TestCompletedRetentionPruning(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	svc, _ := newMemoryService(t, WithRetention(time.Hour), WithClock(clock))
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, "intake", "old"))
	dequeueOrFail(t, svc, "intake")
	require.NoError(t, svc.Complete(ctx, "intake", "old"))

	now = now.Add(2 * time.Hour)

	stats, err := svc.Stats(ctx, "intake")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Completed, "expired completed entry should be pruned")

	_, ok, err := svc.Locate(ctx, "intake", "old")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestErrorsNewestFirstAndClear(t *testing.T) {
	svc, _ := newMemoryService(t)
	ctx := context.Background()

	for _, id := range []types.ItemID{"a", "b", "c"} {
		require.NoError(t, svc.Enqueue(ctx, "intake", id))
		dequeueOrFail(t, svc, "intake")
		require.NoError(t, svc.Fail(ctx, "intake", id, "reason-"+string(id)))
	}

	records, err := svc.Errors(ctx, "intake", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, types.ItemID("c"), records[0].Item)
	assert.Equal(t, types.ItemID("b"), records[1].Item)

	all, err := svc.Errors(ctx, "intake", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, svc.ClearErrors(ctx, "intake"))
	stats, err := svc.Stats(ctx, "intake")
	require.NoError(t, err)
	assert.Zero(t, stats.Error)
}

func TestStatsAllListsKnownQueues(t *testing.T) {
	eachBackend(t, func(t *testing.T, svc *Service, _ queuestore.Store) {
		ctx := context.Background()
		require.NoError(t, svc.Enqueue(ctx, "outbox", "d1"))
		require.NoError(t, svc.Enqueue(ctx, "intake", "m1"))
		require.NoError(t, svc.Enqueue(ctx, "intake", "m2"))

		all, err := svc.StatsAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "intake", all[0].Queue)
		assert.Equal(t, int64(2), all[0].Pending)
		assert.Equal(t, "outbox", all[1].Queue)
		assert.Equal(t, int64(1), all[1].Pending)
	})
}

// ============================================================================
// Event and Metrics Tests
// ============================================================================

func TestTransitionsPublishEvents(t *testing.T) {
	eachBackend(t, func(t *testing.T, svc *Service, store queuestore.Store) {
		ctx := context.Background()
		sub, err := store.Subscribe(ctx, EventsChannel)
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, svc.Enqueue(ctx, "intake", "m1"))
		dequeueOrFail(t, svc, "intake")
		require.NoError(t, svc.Complete(ctx, "intake", "m1"))

		want := []string{EventItemAdded, EventItemDequeued, EventItemCompleted}
		for _, name := range want {
			select {
			case msg := <-sub.Messages():
				var event types.Event
				require.NoError(t, json.Unmarshal(msg.Payload, &event))
				assert.Equal(t, EventType, event.Type)
				assert.Equal(t, name, event.Event)
				assert.Equal(t, "intake", event.Data["queue"])
				assert.Equal(t, "m1", event.Data["item"])
			case <-time.After(2 * time.Second):
				t.Fatalf("timed out waiting for %s", name)
			}
		}
	})
}

func TestPerQueueChannel(t *testing.T) {
	svc, store := newMemoryService(t)
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, QueueChannel("outbox"))
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, svc.Enqueue(ctx, "intake", "m1"))
	require.NoError(t, svc.Enqueue(ctx, "outbox", "d1"))

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "queue:outbox:events", msg.Channel)
		assert.Contains(t, string(msg.Payload), `"d1"`)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbox event")
	}
}

func TestStoreFailureSurfaces(t *testing.T) {
	store := queuestore.NewMemoryStore()
	svc := New(store)
	require.NoError(t, store.Close())

	err := svc.Enqueue(context.Background(), "intake", "m1")
	assert.ErrorIs(t, err, queuestore.ErrStoreClosed)
}

func TestMetricsRecorded(t *testing.T) {
	collector := metrics.NewCollector(prometheus.NewRegistry())
	svc, _ := newMemoryService(t, WithMetrics(collector))
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, "intake", "m1"))
	dequeueOrFail(t, svc, "intake")
	_, err := svc.Stats(ctx, "intake")
	require.NoError(t, err)
}

// ============================================================================
// Performance tests (Benchmarks)
// ============================================================================

func BenchmarkEnqueue(b *testing.B) {
	ctx := context.Background()
	svc := New(queuestore.NewMemoryStore())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := svc.Enqueue(ctx, "bench", types.ItemID(fmt.Sprintf("m-%d", i))); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDequeueComplete(b *testing.B) {
	ctx := context.Background()
	svc := New(queuestore.NewMemoryStore())

	// prefill
	for i := 0; i < b.N; i++ {
		if err := svc.Enqueue(ctx, "bench", types.ItemID(fmt.Sprintf("m-%d", i))); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id, ok, err := svc.Dequeue(ctx, "bench")
		if err != nil || !ok {
			b.Fatalf("dequeue: ok=%v err=%v", ok, err)
		}
		if err := svc.Complete(ctx, "bench", id); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkConcurrentEnqueue(b *testing.B) {
	ctx := context.Background()
	svc := New(queuestore.NewMemoryStore())
	var seq seqCounter

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if err := svc.Enqueue(ctx, "bench", types.ItemID(fmt.Sprintf("m-%d", seq.next()))); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

type seqCounter struct {
	mu sync.Mutex
	n  int
}

func (c *seqCounter) next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}
