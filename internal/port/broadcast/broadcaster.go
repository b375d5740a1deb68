// Package broadcast defines the port for pushing agent events to connected clients.
package broadcast

import "context"

// Event types broadcast to clients.
const (
	EventAgentState  = "agent.state"
	EventAgentStatus = "agent.status"
)

// Broadcaster sends real-time events to all connected clients.
type Broadcaster interface {
	// BroadcastEvent sends a typed event to all connected clients.
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}
