package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func exerciseCache(t *testing.T, c Cache) {
	t.Helper()
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	if _, ok, err := c.Get(ctx, key); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := c.Set(ctx, key, []byte("chrome"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := c.Get(ctx, key)
	if err != nil || !ok || string(got) != "chrome" {
		t.Fatalf("expected hit, got %q ok=%v err=%v", got, ok, err)
	}
	if err := c.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := c.Get(ctx, key); ok {
		t.Fatal("expected miss after delete")
	}

	lock := key + ":lock"
	held, err := c.Lock(ctx, lock, "a", time.Minute)
	if err != nil || !held {
		t.Fatalf("expected lock for a, got %v %v", held, err)
	}
	held, err = c.Lock(ctx, lock, "b", time.Minute)
	if err != nil || held {
		t.Fatalf("expected b to be refused, got %v %v", held, err)
	}
	released, err := c.Unlock(ctx, lock, "b")
	if err != nil || released {
		t.Fatalf("expected b unable to unlock, got %v %v", released, err)
	}
	released, err = c.Unlock(ctx, lock, "a")
	if err != nil || !released {
		t.Fatalf("expected a to unlock, got %v %v", released, err)
	}
}

func TestLocalCache(t *testing.T) {
	exerciseCache(t, NewLocal(16, time.Hour))
}

func TestLocalCacheHonorsShortTTL(t *testing.T) {
	c := NewLocal(16, time.Hour)
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()
	if err := c.Set(ctx, "k", []byte("v"), time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	now = now.Add(2 * time.Second)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("expected entry to expire")
	}
}

func TestRedisCache(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}
	c, err := NewRedis(context.Background(), url, "qualitybots-test:")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()
	exerciseCache(t, c)
}
