package messagequeue

import (
	"encoding/json"
	"time"
)

// AgentStatePayload is the schema for agents.state messages. Record is the
// AgentState document exactly as stored.
type AgentStatePayload struct {
	ProjectID string         `json:"project_id"`
	Record    map[string]any `json:"record"`
}

// AgentStatusPayload is the schema for agents.status messages.
type AgentStatusPayload struct {
	AgentID   string    `json:"agent_id"`
	ProjectID string    `json:"project_id"`
	From      string    `json:"from"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

// AgentMessagePayload is the schema for agents.inbox.{id} messages.
type AgentMessagePayload struct {
	ID      string          `json:"id"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}
