package natskv

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/edmas/internal/domain"
	"github.com/Strob0t/edmas/internal/domain/agent"
	"github.com/Strob0t/edmas/internal/port/statestore/statestoretest"
)

func TestStateStoreCompliance(t *testing.T) {
	statestoretest.Run(t, NewStateStore(newMemKV()), agent.NewID)
}

func TestMapErr(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"not found", jetstream.ErrKeyNotFound, domain.ErrNotFound},
		{"deleted", jetstream.ErrKeyDeleted, domain.ErrNotFound},
		{"exists", jetstream.ErrKeyExists, domain.ErrConflict},
		{"wrong sequence", &jetstream.APIError{ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence}, domain.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := mapErr(tt.in, "op"); !errors.Is(err, tt.want) {
				t.Fatalf("mapErr(%v) = %v, want %v", tt.in, err, tt.want)
			}
		})
	}

	other := errors.New("boom")
	if err := mapErr(other, "op"); !errors.Is(err, other) || errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unexpected mapping of generic error: %v", err)
	}
}

func TestStateStoreCorruptDocument(t *testing.T) {
	kv := newMemKV()
	s := NewStateStore(kv)
	if _, err := kv.Put(context.Background(), "broken", []byte(`{"agent_type":"risk"}`)); err != nil {
		t.Fatal(err)
	}
	_, err := s.Get(context.Background(), "broken")
	if !agent.IsDecodeError(err) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestBucketName(t *testing.T) {
	tests := []struct {
		prefix, project, want string
	}{
		{"agent_states", "default", "agent_states_default"},
		{"agent_states", "acme.prod", "agent_states_acme_prod"},
		{"states", "a b/c", "states_a_b_c"},
	}
	for _, tt := range tests {
		if got := BucketName(tt.prefix, tt.project); got != tt.want {
			t.Errorf("BucketName(%q, %q) = %q, want %q", tt.prefix, tt.project, got, tt.want)
		}
	}
}

func TestStateStoreLive(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)
	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	project := "test-" + uuid.New().String()[:8]
	s, err := OpenStateStore(ctx, js, "agent_states", project)
	if err != nil {
		t.Fatalf("OpenStateStore: %v", err)
	}
	t.Cleanup(func() { _ = js.DeleteKeyValue(ctx, BucketName("agent_states", project)) })

	statestoretest.Run(t, s, agent.NewID)
}
