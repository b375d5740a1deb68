// Package cachedstore decorates a state store with a read-through cache for
// single-record lookups.
package cachedstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/Strob0t/edmas/internal/domain/agent"
	"github.com/Strob0t/edmas/internal/port/cache"
	"github.com/Strob0t/edmas/internal/port/statestore"
)

// Store serves Get from the cache and writes through on Create and Put.
// List always reads the underlying store.
type Store struct {
	next  statestore.Store
	cache cache.Cache
	ns    string
	ttl   time.Duration
	log   *slog.Logger
}

var _ statestore.Store = (*Store)(nil)

// New wraps next. namespace separates projects sharing one cache.
func New(next statestore.Store, c cache.Cache, namespace string, ttl time.Duration, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{next: next, cache: c, ns: namespace, ttl: ttl, log: log}
}

func (s *Store) key(id string) string { return "agent." + s.ns + "." + id }

func (s *Store) Create(ctx context.Context, st agent.State) error {
	if err := s.next.Create(ctx, st); err != nil {
		return err
	}
	s.fill(ctx, st)
	return nil
}

func (s *Store) Put(ctx context.Context, st agent.State) error {
	if err := s.next.Put(ctx, st); err != nil {
		// The stored record may differ from what we hold.
		s.evict(ctx, st.AgentID)
		return err
	}
	s.fill(ctx, st)
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (agent.State, error) {
	data, ok, err := s.cache.Get(ctx, s.key(id))
	if err != nil {
		s.log.Warn("state cache get failed", "agent_id", id, "error", err)
	}
	if ok {
		st, decErr := agent.UnmarshalRecord(data)
		if decErr == nil {
			return st, nil
		}
		s.log.Warn("dropping undecodable cache entry", "agent_id", id, "error", decErr)
		s.evict(ctx, id)
	}

	st, err := s.next.Get(ctx, id)
	if err != nil {
		return agent.State{}, err
	}
	s.fill(ctx, st)
	return st, nil
}

func (s *Store) List(ctx context.Context, f statestore.Filter) ([]agent.State, error) {
	return s.next.List(ctx, f)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.next.Delete(ctx, id)
	s.evict(ctx, id)
	return err
}

func (s *Store) fill(ctx context.Context, st agent.State) {
	data, err := agent.MarshalRecord(st)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, s.key(st.AgentID), data, s.ttl); err != nil {
		s.log.Warn("state cache set failed", "agent_id", st.AgentID, "error", err)
	}
}

func (s *Store) evict(ctx context.Context, id string) {
	if err := s.cache.Delete(ctx, s.key(id)); err != nil {
		s.log.Warn("state cache delete failed", "agent_id", id, "error", err)
	}
}
