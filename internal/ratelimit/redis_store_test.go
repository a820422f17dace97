package ratelimit

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// Integration tests - require a reachable Redis
func newRedisTestStore(t *testing.T) (*RedisStore, *redis.Client) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("skipping redis integration test - set TEST_REDIS_ADDR to host:port")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}

	prefix := fmt.Sprintf("scenecast:test:%s:%d", t.Name(), time.Now().UnixNano())
	store, err := NewRedisStore(client, prefix)
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), prefix+":*").Result()
		if len(keys) > 0 {
			_ = client.Del(context.Background(), keys...).Err()
		}
		_ = client.Close()
	})
	return store, client
}

func TestRedisStoreFixedWindow(t *testing.T) {
	store, _ := newRedisTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	window := time.Minute

	steps := []struct {
		name      string
		at        time.Time
		wantCount int64
		wantStart time.Time
	}{
		{"first request opens window", start, 1, start},
		{"same window increments", start.Add(10 * time.Second), 2, start},
		{"boundary stays in window", start.Add(window), 3, start},
		{"past boundary resets", start.Add(window + time.Millisecond), 1, start.Add(window + time.Millisecond)},
		{"new window increments", start.Add(window + 2*time.Second), 2, start.Add(window + time.Millisecond)},
	}
	for _, step := range steps {
		got, err := store.Increment(ctx, "10.0.0.1", step.at, window)
		if err != nil {
			t.Fatalf("%s: increment: %v", step.name, err)
		}
		if got.Count != step.wantCount || !got.Start.Equal(step.wantStart) {
			t.Fatalf("%s: expected count=%d start=%s, got count=%d start=%s", step.name, step.wantCount, step.wantStart, got.Count, got.Start)
		}
	}

	other, err := store.Increment(ctx, "10.0.0.2", start.Add(window+2*time.Second), window)
	if err != nil {
		t.Fatalf("increment other key: %v", err)
	}
	if other.Count != 1 {
		t.Fatalf("expected independent key to start at 1, got %d", other.Count)
	}
}

func TestRedisStoreExpiresIdleKeys(t *testing.T) {
	store, client := newRedisTestStore(t)
	ctx := context.Background()
	window := 30 * time.Second

	if _, err := store.Increment(ctx, "10.0.0.1", time.Now(), window); err != nil {
		t.Fatalf("increment: %v", err)
	}

	ttl, err := client.PTTL(ctx, store.redisKey("10.0.0.1")).Result()
	if err != nil {
		t.Fatalf("pttl: %v", err)
	}
	if ttl <= window || ttl > 2*window {
		t.Fatalf("expected ttl in (%s, %s], got %s", window, 2*window, ttl)
	}
}

func TestRedisStoreConcurrentIncrementsAreAtomic(t *testing.T) {
	store, _ := newRedisTestStore(t)
	now := time.Now()
	const callers = 50

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		counts []int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := store.Increment(context.Background(), "shared", now, time.Minute)
			if err != nil {
				t.Errorf("increment: %v", err)
				return
			}
			mu.Lock()
			counts = append(counts, int(got.Count))
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Ints(counts)
	if len(counts) != callers {
		t.Fatalf("expected %d results, got %d", callers, len(counts))
	}
	for i, c := range counts {
		if c != i+1 {
			t.Fatalf("expected counts 1..%d with no duplicates, got %v", callers, counts)
		}
	}
}

func TestLimiterOverRedisStore(t *testing.T) {
	store, _ := newRedisTestStore(t)
	limiter, err := NewLimiter(store, 2, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}

	var got []bool
	for range 3 {
		got = append(got, limiter.Allow(context.Background(), "10.0.0.1"))
	}
	if got[0] != true || got[1] != true || got[2] != false {
		t.Fatalf("expected [true true false], got %v", got)
	}
}
