// Package statestoretest provides the compliance suite every
// statestore.Store adapter runs in its tests.
package statestoretest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/edmas/internal/domain"
	"github.com/Strob0t/edmas/internal/domain/agent"
	"github.com/Strob0t/edmas/internal/port/statestore"
)

// Run exercises s against the statestore.Store contract. newID must return a
// fresh agent ID per call so the suite can run against shared backends.
func Run(t *testing.T, s statestore.Store, newID func(agentType string) string) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	mk := func(t *testing.T, id, typ string, status agent.Status, hb time.Time) agent.State {
		t.Helper()
		st, err := agent.NewState(id, typ, status, 0.5, base, hb, "cfg-"+id, 12.5, agent.WithCounts(1, 2))
		if err != nil {
			t.Fatalf("NewState: %v", err)
		}
		return st
	}

	t.Run("CreateAndGet", func(t *testing.T) {
		want := mk(t, newID(agent.TypeAnalyzer), agent.TypeAnalyzer, agent.StatusActive, base)
		if err := s.Create(ctx, want); err != nil {
			t.Fatalf("Create: %v", err)
		}
		got, err := s.Get(ctx, want.AgentID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got != want {
			t.Fatalf("Get returned %+v, want %+v", got, want)
		}
	})

	t.Run("CreateDuplicateConflicts", func(t *testing.T) {
		st := mk(t, newID(agent.TypeRisk), agent.TypeRisk, agent.StatusActive, base)
		if err := s.Create(ctx, st); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := s.Create(ctx, st); !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected ErrConflict on duplicate, got %v", err)
		}
	})

	t.Run("PutReplaces", func(t *testing.T) {
		st := mk(t, newID(agent.TypeExecution), agent.TypeExecution, agent.StatusActive, base)
		if err := s.Create(ctx, st); err != nil {
			t.Fatal(err)
		}
		next, err := st.WithHeartbeat(base.Add(time.Second), 20).WithOutcome(1, 0).WithStatus(agent.StatusPaused)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Put(ctx, next); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, err := s.Get(ctx, st.AgentID)
		if err != nil {
			t.Fatal(err)
		}
		if got != next {
			t.Fatalf("after Put got %+v, want %+v", got, next)
		}
	})

	t.Run("PutMissing", func(t *testing.T) {
		st := mk(t, newID(agent.TypeGeneric), agent.TypeGeneric, agent.StatusActive, base)
		if err := s.Put(ctx, st); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := s.Get(ctx, newID(agent.TypeGeneric)); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		st := mk(t, newID(agent.TypeGeneric), agent.TypeGeneric, agent.StatusFailed, base)
		if err := s.Create(ctx, st); err != nil {
			t.Fatal(err)
		}
		if err := s.Delete(ctx, st.AgentID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := s.Get(ctx, st.AgentID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after Delete, got %v", err)
		}
		if err := s.Delete(ctx, st.AgentID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound on second Delete, got %v", err)
		}
		// The identifier is free again.
		if err := s.Create(ctx, st); err != nil {
			t.Fatalf("re-Create after Delete: %v", err)
		}
	})

	t.Run("ListFilters", func(t *testing.T) {
		typ := "list" + newID("x")[2:] // type unique to this run
		old := mk(t, newID(typ), typ, agent.StatusActive, base)
		fresh := mk(t, newID(typ), typ, agent.StatusPaused, base.Add(time.Hour))
		for _, st := range []agent.State{old, fresh} {
			if err := s.Create(ctx, st); err != nil {
				t.Fatal(err)
			}
		}

		all, err := s.List(ctx, statestore.Filter{AgentType: typ})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("expected 2 records of type %s, got %d", typ, len(all))
		}
		if all[0].AgentID > all[1].AgentID {
			t.Fatalf("expected ordering by agent_id, got %s before %s", all[0].AgentID, all[1].AgentID)
		}

		paused, err := s.List(ctx, statestore.Filter{AgentType: typ, Status: agent.StatusPaused})
		if err != nil {
			t.Fatal(err)
		}
		if len(paused) != 1 || paused[0].AgentID != fresh.AgentID {
			t.Fatalf("expected only %s, got %+v", fresh.AgentID, paused)
		}

		stale, err := s.List(ctx, statestore.Filter{AgentType: typ, HeartbeatBefore: base.Add(time.Minute)})
		if err != nil {
			t.Fatal(err)
		}
		if len(stale) != 1 || stale[0].AgentID != old.AgentID {
			t.Fatalf("expected only %s, got %+v", old.AgentID, stale)
		}
	})
}

// Sample returns a valid ACTIVE state for id with a millisecond-precision
// creation time.
func Sample(t *testing.T, id string) agent.State {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	st, err := agent.NewState(id, agent.TypeGeneric, agent.StatusActive, 0, now, now, "", 0)
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	return st
}
