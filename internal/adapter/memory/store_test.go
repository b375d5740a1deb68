package memory_test

import (
	"context"
	"testing"

	"github.com/Strob0t/edmas/internal/adapter/memory"
	"github.com/Strob0t/edmas/internal/domain/agent"
	"github.com/Strob0t/edmas/internal/port/statestore"
	"github.com/Strob0t/edmas/internal/port/statestore/statestoretest"
)

func TestStateStoreCompliance(t *testing.T) {
	statestoretest.Run(t, memory.NewStateStore(), agent.NewID)
}

func TestCorruptRecordSurfacesDecodeError(t *testing.T) {
	s := memory.NewStateStore()
	s.PutRaw("bad", []byte(`{"agent_id":"bad","agent_type":"risk","status":"ACTIVE","last_heartbeat":"yesterday"}`))

	_, err := s.Get(context.Background(), "bad")
	if !agent.IsDecodeError(err) {
		t.Fatalf("expected DecodeError from Get, got %v", err)
	}
	_, err = s.List(context.Background(), statestore.Filter{})
	if !agent.IsDecodeError(err) {
		t.Fatalf("expected DecodeError from List, got %v", err)
	}
}
