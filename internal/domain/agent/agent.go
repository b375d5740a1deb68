// Package agent defines the trading agent capability set and the persisted
// agent state record.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/edmas/internal/domain"
)

// Report is one heartbeat's sample. Successes and Failures are the number of
// units of work completed since the previous report.
type Report struct {
	MemoryUsageMB    float64
	PerformanceScore float64
	Successes        int
	Failures         int
}

// Validate rejects samples that cannot be persisted.
func (r Report) Validate() error {
	if !IsFinite(r.PerformanceScore) || !IsFinite(r.MemoryUsageMB) {
		return fmt.Errorf("%w: heartbeat report has non-finite values (score=%v memory=%v)",
			domain.ErrValidation, r.PerformanceScore, r.MemoryUsageMB)
	}
	return nil
}

// Agent is the capability set every trading agent implements.
type Agent interface {
	ID() string
	Type() string
	ConfigurationHash() string
	// Heartbeat is called on every liveness tick. A non-nil error counts as
	// a failure but still refreshes liveness.
	Heartbeat(ctx context.Context) (Report, error)
}

// Evolver is implemented by agents that can replace their own configuration.
// The supervisor holds the agent in EVOLVING while Evolve runs.
type Evolver interface {
	Evolve(ctx context.Context) error
}

// MessageHandler is implemented by agents that accept inbound messages.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg Message) error
}

// KindConfigure asks an agent to replace its configuration with the payload.
const KindConfigure = "configure"

// Scoped is implemented by agents bound to a document-store project.
type Scoped interface {
	ProjectID() string
}

// Message is an envelope delivered to an agent's inbox.
type Message struct {
	ID      string          `json:"id"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}
