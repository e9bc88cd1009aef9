package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"syreclabs.com/go/faker"
)

// clock is a manually advanced time source
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func withClock(c *clock) Option {
	return func(o *options) {
		o.now = c.Now
	}
}

// testStore runs the behaviour every Store shares
func testStore(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("first claim wins", func(t *testing.T) {
		id := faker.Lorem().Characters(12)
		dup, err := store.IsDuplicate(ctx, id)
		if err != nil {
			t.Fatalf("IsDuplicate failed: %v", err)
		}
		if dup {
			t.Error("expected new id")
		}
		if dup, _ := store.IsDuplicate(ctx, id); !dup {
			t.Error("expected claimed id to be a duplicate")
		}
	})

	t.Run("processed id is a duplicate", func(t *testing.T) {
		id := faker.Lorem().Characters(12)
		if err := store.MarkProcessed(ctx, id); err != nil {
			t.Fatalf("MarkProcessed failed: %v", err)
		}
		if dup, _ := store.IsDuplicate(ctx, id); !dup {
			t.Error("expected duplicate")
		}
	})

	t.Run("remove releases claim", func(t *testing.T) {
		id := faker.Lorem().Characters(12)
		store.IsDuplicate(ctx, id)
		if err := store.Remove(ctx, id); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		if dup, _ := store.IsDuplicate(ctx, id); dup {
			t.Error("expected released id to be new")
		}
	})

	t.Run("empty id", func(t *testing.T) {
		if _, err := store.IsDuplicate(ctx, ""); !errors.Is(err, ErrEmptyMessageID) {
			t.Errorf("expected ErrEmptyMessageID, got %v", err)
		}
		if err := store.MarkProcessed(ctx, ""); !errors.Is(err, ErrEmptyMessageID) {
			t.Errorf("expected ErrEmptyMessageID, got %v", err)
		}
	})

	t.Run("concurrent claims", func(t *testing.T) {
		id := faker.Lorem().Characters(12)
		var winners atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if dup, err := store.IsDuplicate(ctx, id); err == nil && !dup {
					winners.Add(1)
				}
			}()
		}
		wg.Wait()
		if winners.Load() != 1 {
			t.Errorf("expected exactly one winner, got %d", winners.Load())
		}
	})
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())

	t.Run("entries expire", func(t *testing.T) {
		ctx := context.Background()
		c := &clock{now: time.Now()}
		store := NewMemoryStore(WithTTL(time.Hour), WithClaimTTL(time.Minute), withClock(c))

		store.IsDuplicate(ctx, "claimed")
		store.MarkProcessed(ctx, "done")
		c.Advance(2 * time.Minute)

		if dup, _ := store.IsDuplicate(ctx, "claimed"); dup {
			t.Error("expected stale claim to expire")
		}
		if dup, _ := store.IsDuplicate(ctx, "done"); !dup {
			t.Error("expected processed id remembered")
		}

		c.Advance(2 * time.Hour)
		if n := store.Len(); n != 0 {
			t.Errorf("expected all entries expired, got %d", n)
		}
	})

	t.Run("writes sweep expired entries", func(t *testing.T) {
		ctx := context.Background()
		c := &clock{now: time.Now()}
		store := NewMemoryStore(WithTTL(time.Hour), WithCleanupInterval(time.Minute), withClock(c))

		for i := 0; i < 10000; i++ {
			id := fmt.Sprintf("m-%d", i)
			store.IsDuplicate(ctx, id)
			store.MarkProcessed(ctx, id)
		}
		c.Advance(time.Hour + time.Minute)
		store.IsDuplicate(ctx, "fresh")

		store.mu.Lock()
		n := len(store.entries)
		store.mu.Unlock()
		if n != 1 {
			t.Errorf("expected only the fresh claim retained, got %d entries", n)
		}
	})

	t.Run("sweep waits for the cleanup interval", func(t *testing.T) {
		ctx := context.Background()
		c := &clock{now: time.Now()}
		store := NewMemoryStore(WithTTL(time.Second), WithCleanupInterval(time.Hour), withClock(c))

		store.MarkProcessed(ctx, "old")
		c.Advance(time.Minute)
		store.MarkProcessed(ctx, "new")

		store.mu.Lock()
		n := len(store.entries)
		store.mu.Unlock()
		if n != 2 {
			t.Errorf("expected no sweep before the interval, got %d entries", n)
		}
	})
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	testStore(t, NewRedisStore(client))

	t.Run("keys carry prefix and ttl", func(t *testing.T) {
		ctx := context.Background()
		store := NewRedisStore(client, WithPrefix("orders:"), WithTTL(time.Hour), WithClaimTTL(time.Minute))

		store.IsDuplicate(ctx, "m-1")
		if ttl := mr.TTL("orders:m-1"); ttl != time.Minute {
			t.Errorf("expected claim ttl 1m, got %v", ttl)
		}
		store.MarkProcessed(ctx, "m-1")
		if ttl := mr.TTL("orders:m-1"); ttl != time.Hour {
			t.Errorf("expected processed ttl 1h, got %v", ttl)
		}

		mr.FastForward(2 * time.Hour)
		if dup, _ := store.IsDuplicate(ctx, "m-1"); dup {
			t.Error("expected expired key to be new")
		}
	})

	t.Run("server error", func(t *testing.T) {
		mr.SetError("READONLY")
		defer mr.SetError("")
		if _, err := NewRedisStore(client).IsDuplicate(context.Background(), "m-2"); err == nil {
			t.Error("expected error")
		}
	})
}
