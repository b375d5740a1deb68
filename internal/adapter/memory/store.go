// Package memory provides an in-process agent state store.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/Strob0t/edmas/internal/domain"
	"github.com/Strob0t/edmas/internal/domain/agent"
	"github.com/Strob0t/edmas/internal/port/statestore"
)

// StateStore keeps encoded record documents in a map. Documents go through
// the same codec as the persistent stores so behaviour matches them.
type StateStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

var _ statestore.Store = (*StateStore)(nil)

// NewStateStore returns an empty store.
func NewStateStore() *StateStore {
	return &StateStore{docs: make(map[string][]byte)}
}

func (s *StateStore) Create(_ context.Context, st agent.State) error {
	doc, err := agent.MarshalRecord(st)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[st.AgentID]; ok {
		return fmt.Errorf("create agent state %s: %w", st.AgentID, domain.ErrConflict)
	}
	s.docs[st.AgentID] = doc
	return nil
}

func (s *StateStore) Put(_ context.Context, st agent.State) error {
	doc, err := agent.MarshalRecord(st)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[st.AgentID]; !ok {
		return fmt.Errorf("put agent state %s: %w", st.AgentID, domain.ErrNotFound)
	}
	s.docs[st.AgentID] = doc
	return nil
}

func (s *StateStore) Get(_ context.Context, id string) (agent.State, error) {
	s.mu.RLock()
	doc, ok := s.docs[id]
	s.mu.RUnlock()
	if !ok {
		return agent.State{}, fmt.Errorf("get agent state %s: %w", id, domain.ErrNotFound)
	}
	return agent.UnmarshalRecord(doc)
}

func (s *StateStore) List(_ context.Context, f statestore.Filter) ([]agent.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var states []agent.State
	for _, doc := range s.docs {
		st, err := agent.UnmarshalRecord(doc)
		if err != nil {
			return nil, err
		}
		if f.Match(st) {
			states = append(states, st)
		}
	}
	slices.SortFunc(states, func(a, b agent.State) int { return strings.Compare(a.AgentID, b.AgentID) })
	return states, nil
}

func (s *StateStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return fmt.Errorf("delete agent state %s: %w", id, domain.ErrNotFound)
	}
	delete(s.docs, id)
	return nil
}

// PutRaw stores an arbitrary document under id, bypassing the codec. It
// lets tests plant corrupt records.
func (s *StateStore) PutRaw(id string, doc []byte) {
	s.mu.Lock()
	s.docs[id] = append([]byte(nil), doc...)
	s.mu.Unlock()
}
