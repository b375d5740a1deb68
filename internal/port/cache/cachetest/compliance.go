// Package cachetest provides the compliance suite shared by cache.Cache
// adapters.
package cachetest

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/edmas/internal/port/cache"
)

// Run exercises c against the cache.Cache contract.
func Run(t *testing.T, c cache.Cache) {
	t.Helper()
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := c.Set(ctx, "agent.p1.analyzer_00000001", []byte(`{"agent_id":"analyzer_00000001"}`), time.Minute); err != nil {
			t.Fatal(err)
		}
		val, found, err := c.Get(ctx, "agent.p1.analyzer_00000001")
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatal("expected found after Set")
		}
		if string(val) != `{"agent_id":"analyzer_00000001"}` {
			t.Fatalf("unexpected value %s", val)
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		_, found, err := c.Get(ctx, "agent.p1.missing")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss for unknown key")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = c.Set(ctx, "agent.p1.risk_00000001", []byte("{}"), time.Minute)
		if err := c.Delete(ctx, "agent.p1.risk_00000001"); err != nil {
			t.Fatal(err)
		}
		_, found, err := c.Get(ctx, "agent.p1.risk_00000001")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss after Delete")
		}
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		if err := c.Delete(ctx, "agent.p1.never"); err != nil {
			t.Fatalf("Delete of a missing key should not error: %v", err)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = c.Set(ctx, "agent.p1.ow", []byte("v1"), time.Minute)
		_ = c.Set(ctx, "agent.p1.ow", []byte("v2"), time.Minute)
		val, found, err := c.Get(ctx, "agent.p1.ow")
		if err != nil || !found {
			t.Fatalf("expected hit after overwrite, found=%v err=%v", found, err)
		}
		if string(val) != "v2" {
			t.Fatalf("expected v2 after overwrite, got %s", val)
		}
	})
}
