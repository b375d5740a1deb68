// Package statestore defines the port for persisting agent state records
// to an external document store.
package statestore

import (
	"context"
	"time"

	"github.com/Strob0t/edmas/internal/domain/agent"
)

// Filter narrows List results. Zero-valued fields match everything.
type Filter struct {
	AgentType       string
	Status          agent.Status
	HeartbeatBefore time.Time // only records whose last_heartbeat is strictly earlier
}

// Match reports whether s satisfies f.
func (f Filter) Match(s agent.State) bool {
	if f.AgentType != "" && s.AgentType != f.AgentType {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if !f.HeartbeatBefore.IsZero() && !s.LastHeartbeat.Before(f.HeartbeatBefore) {
		return false
	}
	return true
}

// Store is the port interface for agent state records.
//
// Implementations persist exactly the agent.State.ToRecord document and
// decode reads with agent.FromRecord, so a corrupt document surfaces as
// *agent.DecodeError.
type Store interface {
	// Create inserts a new record. Returns domain.ErrConflict if the agent ID exists.
	Create(ctx context.Context, s agent.State) error
	// Put replaces an existing record. Returns domain.ErrNotFound if absent.
	Put(ctx context.Context, s agent.State) error
	// Get returns the record for id or domain.ErrNotFound.
	Get(ctx context.Context, id string) (agent.State, error)
	// List returns matching records ordered by agent ID.
	List(ctx context.Context, f Filter) ([]agent.State, error)
	// Delete removes the record for id or returns domain.ErrNotFound.
	Delete(ctx context.Context, id string) error
}
