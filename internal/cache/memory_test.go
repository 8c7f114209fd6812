package cache

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestMemorySetGet(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(clockwork.NewFakeClock())

	if err := c.Set(ctx, "k", map[string]string{"a": "b"}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	var got map[string]string
	ok, err := c.Get(ctx, "k", &got)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got["a"] != "b" {
		t.Errorf("got %v", got)
	}

	var missing string
	if ok, _ := c.Get(ctx, "absent", &missing); ok {
		t.Error("expected miss for absent key")
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	ctx := context.Background()
	clk := clockwork.NewFakeClock()
	c := NewMemory(clk)

	c.Set(ctx, "k", "v", time.Minute)
	clk.Advance(59 * time.Second)
	if ok, _ := c.Exists(ctx, "k"); !ok {
		t.Error("key should exist before TTL")
	}
	clk.Advance(2 * time.Second)
	if ok, _ := c.Exists(ctx, "k"); ok {
		t.Error("key should expire after TTL")
	}
}

func TestMemoryIncr(t *testing.T) {
	ctx := context.Background()
	clk := clockwork.NewFakeClock()
	c := NewMemory(clk)

	for want := int64(1); want <= 3; want++ {
		n, err := c.Incr(ctx, "counter", time.Minute)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if n != want {
			t.Errorf("incr = %d, want %d", n, want)
		}
	}

	// Counter restarts after expiry
	clk.Advance(2 * time.Minute)
	if n, _ := c.Incr(ctx, "counter", time.Minute); n != 1 {
		t.Errorf("expired counter restarted at %d, want 1", n)
	}
}

func TestMemoryRemoveByPattern(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(clockwork.NewFakeClock())

	c.Set(ctx, "permission:t1:u1:queue.read", true, 0)
	c.Set(ctx, "permission:t1:u1:queue.create", true, 0)
	c.Set(ctx, "permission:t1:u2:queue.read", true, 0)

	if err := c.RemoveByPattern(ctx, "permission:t1:u1:*"); err != nil {
		t.Fatalf("remove by pattern: %v", err)
	}

	if ok, _ := c.Exists(ctx, "permission:t1:u1:queue.read"); ok {
		t.Error("matching key should be removed")
	}
	if ok, _ := c.Exists(ctx, "permission:t1:u2:queue.read"); !ok {
		t.Error("non-matching key should survive")
	}
}

func TestMemoryDecodeMismatchIsMiss(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(clockwork.NewFakeClock())

	c.Set(ctx, "k", "not-a-number", time.Minute)
	var n int
	ok, err := c.Get(ctx, "k", &n)
	if err != nil {
		t.Fatalf("decode mismatch should not error: %v", err)
	}
	if ok {
		t.Error("decode mismatch should report a miss")
	}
}
