package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	t.Run("IncrementCounter", func(t *testing.T) {
		window := time.Minute

		count1, err := cache.IncrementCounter(ctx, "warning:calls_per_window:alice", window)
		if err != nil {
			t.Fatalf("IncrementCounter failed: %v", err)
		}
		if count1 != 1 {
			t.Errorf("expected count 1, got %d", count1)
		}

		count2, _ := cache.IncrementCounter(ctx, "warning:calls_per_window:alice", window)
		if count2 != 2 {
			t.Errorf("expected count 2, got %d", count2)
		}

		now = now.Add(window)

		count3, _ := cache.IncrementCounter(ctx, "warning:calls_per_window:alice", window)
		if count3 != 1 {
			t.Errorf("expected count 1 after window reset, got %d", count3)
		}
	})

	t.Run("KeysAreIndependent", func(t *testing.T) {
		a, _ := cache.IncrementCounter(ctx, "k-a", time.Minute)
		b, _ := cache.IncrementCounter(ctx, "k-b", time.Minute)
		if a != 1 || b != 1 {
			t.Errorf("expected independent counters, got %d and %d", a, b)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_, _ = cache.IncrementCounter(ctx, "del", time.Minute)
		_, _ = cache.IncrementCounter(ctx, "del", time.Minute)

		if err := cache.Delete(ctx, "del"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		count, _ := cache.IncrementCounter(ctx, "del", time.Minute)
		if count != 1 {
			t.Errorf("expected count 1 after delete, got %d", count)
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		small := NewLRUCache(3)

		_, _ = small.IncrementCounter(ctx, "a", time.Minute)
		_, _ = small.IncrementCounter(ctx, "b", time.Minute)
		_, _ = small.IncrementCounter(ctx, "c", time.Minute)

		// Touch 'a' so 'b' becomes the oldest.
		_, _ = small.IncrementCounter(ctx, "a", time.Minute)
		_, _ = small.IncrementCounter(ctx, "d", time.Minute)

		if count, _ := small.IncrementCounter(ctx, "b", time.Minute); count != 1 {
			t.Errorf("expected 'b' to be evicted, got count %d", count)
		}
		if size, _ := small.Stats(); size != 3 {
			t.Errorf("expected size 3, got %d", size)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_, _ = statsCache.IncrementCounter(ctx, "k1", time.Minute)
		_, _ = statsCache.IncrementCounter(ctx, "k2", time.Minute)

		size, capacity := statsCache.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_, _ = testCache.IncrementCounter(ctx, "k", time.Minute)

		if err := testCache.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		if size, _ := testCache.Stats(); size != 0 {
			t.Errorf("expected cache to be cleared after close, size %d", size)
		}
	})
}

func TestLRUCacheConcurrentIncrements(t *testing.T) {
	cache := NewLRUCache(10)
	ctx := context.Background()

	const workers, perWorker = 8, 250
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, _ = cache.IncrementCounter(ctx, "shared", time.Hour)
			}
		}()
	}
	wg.Wait()

	count, _ := cache.IncrementCounter(ctx, "shared", time.Hour)
	if count != workers*perWorker+1 {
		t.Errorf("expected %d, got %d", workers*perWorker+1, count)
	}
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	cache, err := NewRedisCache(mr.Addr(), "", 0, "test")
	if err != nil {
		t.Fatalf("NewRedisCache failed: %v", err)
	}
	defer cache.Close()

	t.Run("IncrementCounter", func(t *testing.T) {
		for want := int64(1); want <= 3; want++ {
			got, err := cache.IncrementCounter(ctx, "critical:total_calls:bob", time.Minute)
			if err != nil {
				t.Fatalf("IncrementCounter failed: %v", err)
			}
			if got != want {
				t.Errorf("expected %d, got %d", want, got)
			}
		}

		if !mr.Exists("test:counter:critical:total_calls:bob") {
			t.Error("expected prefixed key in redis")
		}
		if ttl := mr.TTL("test:counter:critical:total_calls:bob"); ttl <= 0 || ttl > time.Minute {
			t.Errorf("expected TTL within window, got %v", ttl)
		}
	})

	t.Run("WindowExpiry", func(t *testing.T) {
		_, _ = cache.IncrementCounter(ctx, "expiring", time.Second)
		_, _ = cache.IncrementCounter(ctx, "expiring", time.Second)

		mr.FastForward(2 * time.Second)

		got, err := cache.IncrementCounter(ctx, "expiring", time.Second)
		if err != nil {
			t.Fatalf("IncrementCounter failed: %v", err)
		}
		if got != 1 {
			t.Errorf("expected count 1 after expiry, got %d", got)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_, _ = cache.IncrementCounter(ctx, "gone", time.Minute)
		if err := cache.Delete(ctx, "gone"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if mr.Exists("test:counter:gone") {
			t.Error("expected key to be deleted")
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})
}

func TestRedisCacheUnreachable(t *testing.T) {
	if _, err := NewRedisCache("127.0.0.1:1", "", 0, ""); err == nil {
		t.Error("expected connection error")
	}
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cache, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("RedisType", func(t *testing.T) {
		mr := miniredis.RunT(t)

		cache, err := New(domain.CacheConfig{Type: "redis", RedisAddr: mr.Addr()})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*RedisCache); !ok {
			t.Error("expected RedisCache for redis type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
