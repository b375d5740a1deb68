package natskv

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/edmas/internal/port/cache/cachetest"
)

func TestCacheCompliance(t *testing.T) {
	cachetest.Run(t, NewCache(newMemKV()))
}

func TestCacheGetSetDelete(t *testing.T) {
	kv := newMemKV()
	c := NewCache(kv)
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	v, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("Get = %q, %v, %v", v, ok, err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss after delete")
	}
	if len(kv.purged) != 1 {
		t.Fatalf("expected purge, got %v", kv.purged)
	}
	if err := c.Delete(ctx, "missing"); err != nil {
		t.Fatalf("deleting a missing key must not fail: %v", err)
	}
}
