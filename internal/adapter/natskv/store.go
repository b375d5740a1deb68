package natskv

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/edmas/internal/domain"
	"github.com/Strob0t/edmas/internal/domain/agent"
	"github.com/Strob0t/edmas/internal/port/statestore"
)

// StateStore implements statestore.Store on a JetStream KV bucket. The key
// is the agent ID and the value is the record document. Writes use the
// entry revision for optimistic concurrency.
type StateStore struct {
	kv jetstream.KeyValue
}

var _ statestore.Store = (*StateStore)(nil)

// BucketName returns the per-project bucket name. Characters NATS does not
// allow in bucket names are replaced by underscores.
func BucketName(prefix, projectID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, prefix+"_"+projectID)
}

// OpenStateStore creates (or binds to) the project bucket and returns a store on it.
func OpenStateStore(ctx context.Context, js jetstream.JetStream, prefix, projectID string) (*StateStore, error) {
	bucket := BucketName(prefix, projectID)
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "EDMAS agent state records for project " + projectID,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", bucket, err)
	}
	return NewStateStore(kv), nil
}

// NewStateStore wraps an existing bucket.
func NewStateStore(kv jetstream.KeyValue) *StateStore {
	return &StateStore{kv: kv}
}

func (s *StateStore) Create(ctx context.Context, st agent.State) error {
	doc, err := agent.MarshalRecord(st)
	if err != nil {
		return err
	}
	if _, err := s.kv.Create(ctx, st.AgentID, doc); err != nil {
		return mapErr(err, "create agent state %s", st.AgentID)
	}
	return nil
}

func (s *StateStore) Put(ctx context.Context, st agent.State) error {
	doc, err := agent.MarshalRecord(st)
	if err != nil {
		return err
	}
	entry, err := s.kv.Get(ctx, st.AgentID)
	if err != nil {
		return mapErr(err, "put agent state %s", st.AgentID)
	}
	if _, err := s.kv.Update(ctx, st.AgentID, doc, entry.Revision()); err != nil {
		return mapErr(err, "put agent state %s", st.AgentID)
	}
	return nil
}

func (s *StateStore) Get(ctx context.Context, id string) (agent.State, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		return agent.State{}, mapErr(err, "get agent state %s", id)
	}
	st, err := agent.UnmarshalRecord(entry.Value())
	if err != nil {
		return agent.State{}, fmt.Errorf("get agent state %s: %w", id, err)
	}
	return st, nil
}

func (s *StateStore) List(ctx context.Context, f statestore.Filter) ([]agent.State, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list agent states: %w", err)
	}
	var keys []string
	for k := range lister.Keys() {
		keys = append(keys, k)
	}
	_ = lister.Stop()
	slices.Sort(keys)

	var states []agent.State
	for _, k := range keys {
		st, err := s.Get(ctx, k)
		if errors.Is(err, domain.ErrNotFound) {
			continue // deleted between listing and reading
		}
		if err != nil {
			return nil, fmt.Errorf("list agent states: %w", err)
		}
		if f.Match(st) {
			states = append(states, st)
		}
	}
	return states, nil
}

func (s *StateStore) Delete(ctx context.Context, id string) error {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		return mapErr(err, "delete agent state %s", id)
	}
	if err := s.kv.Delete(ctx, id, jetstream.LastRevision(entry.Revision())); err != nil {
		return mapErr(err, "delete agent state %s", id)
	}
	return nil
}

// mapErr translates KV errors to domain sentinels.
func mapErr(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound), errors.Is(err, jetstream.ErrKeyDeleted):
		return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
	case errors.Is(err, jetstream.ErrKeyExists), isWrongLastSequence(err):
		return fmt.Errorf("%s: %w", msg, domain.ErrConflict)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
