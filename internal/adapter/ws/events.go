package ws

import (
	"context"
	"encoding/json"

	"github.com/Strob0t/edmas/internal/port/broadcast"
)

var _ broadcast.Broadcaster = (*Hub)(nil)

// AgentStatusEvent is broadcast when an agent's lifecycle status changes.
type AgentStatusEvent struct {
	AgentID   string `json:"agent_id"`
	ProjectID string `json:"project_id"`
	From      string `json:"from"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// AgentStateEvent carries the full record after every persisted change.
type AgentStateEvent struct {
	ProjectID string         `json:"project_id"`
	Record    map[string]any `json:"record"`
}

// agentScoped is implemented by payloads that concern a single agent.
type agentScoped interface{ agent() string }

func (e AgentStatusEvent) agent() string { return e.AgentID }

func (e AgentStateEvent) agent() string {
	id, _ := e.Record["agent_id"].(string)
	return id
}

// BroadcastEvent is a convenience method that marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	msg := Message{Type: eventType, Payload: json.RawMessage(data)}
	if s, ok := payload.(agentScoped); ok {
		msg.AgentID = s.agent()
	}
	h.Broadcast(ctx, msg)
}
