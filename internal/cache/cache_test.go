package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryGetSet(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	if _, ok := c.Get(ctx, "missing"); ok {
		t.Fatalf("hit on empty cache")
	}
	c.Set(ctx, "k", "v", time.Minute)
	got, ok := c.Get(ctx, "k")
	if !ok || got != "v" {
		t.Fatalf("get = %q, %v", got, ok)
	}
}

func TestMemoryExpiry(t *testing.T) {
	c := NewMemory()
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.Set(ctx, "k", "v", 30*time.Second)
	now = now.Add(31 * time.Second)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatalf("expired entry still served")
	}
}
