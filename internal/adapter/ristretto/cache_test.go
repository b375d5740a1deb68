package ristretto_test

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/edmas/internal/adapter/ristretto"
	"github.com/Strob0t/edmas/internal/port/cache/cachetest"
)

func TestCacheCompliance(t *testing.T) {
	c, err := ristretto.New(1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	cachetest.Run(t, c)
}

func TestCacheSetGetDelete(t *testing.T) {
	c, err := ristretto.New(1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	ctx := context.Background()

	if err := c.Set(ctx, "agent:a", []byte(`{"agent_id":"a"}`), time.Minute); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.Get(ctx, "agent:a")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if string(got) != `{"agent_id":"a"}` {
		t.Fatalf("got %s", got)
	}

	if err := c.Delete(ctx, "agent:a"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Get(ctx, "agent:a"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestCacheCopiesValue(t *testing.T) {
	c, err := ristretto.New(1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	ctx := context.Background()

	buf := []byte("abc")
	if err := c.Set(ctx, "k", buf, time.Minute); err != nil {
		t.Fatal(err)
	}
	buf[0] = 'x'
	got, ok, _ := c.Get(ctx, "k")
	if !ok || string(got) != "abc" {
		t.Fatalf("cached value aliased caller buffer: %q", got)
	}
}
