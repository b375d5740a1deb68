package agent

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Strob0t/edmas/internal/domain"
)

// Status represents the lifecycle phase of an agent.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusPaused   Status = "PAUSED"
	StatusEvolving Status = "EVOLVING"
	StatusFailed   Status = "FAILED"
)

// ErrInvalidTransition is returned when a status change is not allowed by the lifecycle.
var ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", domain.ErrValidation)

// ValidStatus reports whether s is a known lifecycle status.
func ValidStatus(s string) bool {
	switch Status(s) {
	case StatusActive, StatusPaused, StatusEvolving, StatusFailed:
		return true
	}
	return false
}

// IsTerminal returns true if no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusFailed
}

// CanTransitionTo reports whether the lifecycle permits moving from s to next.
// Staying in the same status is always allowed.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusActive:
		return next == StatusPaused || next == StatusEvolving || next == StatusFailed
	case StatusPaused:
		return next == StatusActive || next == StatusFailed
	case StatusEvolving:
		return next == StatusActive || next == StatusFailed
	}
	return false
}

// State is the persisted snapshot of one agent's identity, lifecycle status
// and health counters. It is a value: the With* methods return a modified
// copy and never touch the receiver.
type State struct {
	AgentID           string    `json:"agent_id"`
	AgentType         string    `json:"agent_type"`
	Status            Status    `json:"status"`
	PerformanceScore  float64   `json:"performance_score"`
	CreatedAt         time.Time `json:"created_at"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	ConfigurationHash string    `json:"configuration_hash"`
	MemoryUsageMB     float64   `json:"memory_usage_mb"`
	ErrorCount        int       `json:"error_count"`
	SuccessCount      int       `json:"success_count"`
}

// StateOption customises optional fields in NewState.
type StateOption func(*State)

// WithCounts sets the cumulative error and success counters.
func WithCounts(errorCount, successCount int) StateOption {
	return func(s *State) {
		s.ErrorCount = errorCount
		s.SuccessCount = successCount
	}
}

// NewState builds a validated State. Counters default to zero.
func NewState(
	agentID, agentType string,
	status Status,
	performanceScore float64,
	createdAt, lastHeartbeat time.Time,
	configurationHash string,
	memoryUsageMB float64,
	opts ...StateOption,
) (State, error) {
	s := State{
		AgentID:           agentID,
		AgentType:         agentType,
		Status:            status,
		PerformanceScore:  performanceScore,
		CreatedAt:         normalizeTime(createdAt),
		LastHeartbeat:     normalizeTime(lastHeartbeat),
		ConfigurationHash: configurationHash,
		MemoryUsageMB:     memoryUsageMB,
	}
	for _, o := range opts {
		o(&s)
	}
	if err := s.Validate(); err != nil {
		return State{}, err
	}
	return s, nil
}

// Validate checks the structural invariants of the snapshot.
func (s State) Validate() error {
	if s.AgentID == "" {
		return fmt.Errorf("%w: agent_id is required", domain.ErrValidation)
	}
	if s.AgentType == "" {
		return fmt.Errorf("%w: agent_type is required", domain.ErrValidation)
	}
	if !ValidStatus(string(s.Status)) {
		return fmt.Errorf("%w: unknown status %q", domain.ErrValidation, s.Status)
	}
	if s.CreatedAt.IsZero() {
		return fmt.Errorf("%w: created_at is required", domain.ErrValidation)
	}
	if !inRecordRange(s.CreatedAt) || !inRecordRange(s.LastHeartbeat) {
		return fmt.Errorf("%w: timestamps must fall within years 0000-9999", domain.ErrValidation)
	}
	if s.LastHeartbeat.Before(s.CreatedAt) {
		return fmt.Errorf("%w: last_heartbeat %s precedes created_at %s",
			domain.ErrValidation, s.LastHeartbeat.Format(time.RFC3339Nano), s.CreatedAt.Format(time.RFC3339Nano))
	}
	if s.ErrorCount < 0 || s.SuccessCount < 0 {
		return fmt.Errorf("%w: counters must be >= 0", domain.ErrValidation)
	}
	if !IsFinite(s.PerformanceScore) {
		return fmt.Errorf("%w: performance_score must be finite", domain.ErrValidation)
	}
	if !IsFinite(s.MemoryUsageMB) {
		return fmt.Errorf("%w: memory_usage_mb must be finite", domain.ErrValidation)
	}
	return nil
}

// IsFinite reports whether f is neither NaN nor an infinity. JSON documents
// cannot carry other values.
func IsFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// inRecordRange reports whether t formats as a four-digit RFC 3339 year.
func inRecordRange(t time.Time) bool {
	y := t.UTC().Year()
	return y >= 0 && y <= 9999
}

// Equal reports whether two snapshots hold the same values, comparing
// timestamps by instant rather than by representation.
func (s State) Equal(o State) bool {
	return s.AgentID == o.AgentID &&
		s.AgentType == o.AgentType &&
		s.Status == o.Status &&
		s.PerformanceScore == o.PerformanceScore &&
		s.CreatedAt.Equal(o.CreatedAt) &&
		s.LastHeartbeat.Equal(o.LastHeartbeat) &&
		s.ConfigurationHash == o.ConfigurationHash &&
		s.MemoryUsageMB == o.MemoryUsageMB &&
		s.ErrorCount == o.ErrorCount &&
		s.SuccessCount == o.SuccessCount
}

// WithHeartbeat records a liveness signal and a fresh memory sample.
// A timestamp earlier than the current heartbeat is ignored so that
// last_heartbeat never moves backwards.
func (s State) WithHeartbeat(at time.Time, memoryUsageMB float64) State {
	at = normalizeTime(at)
	if at.After(s.LastHeartbeat) {
		s.LastHeartbeat = at
	}
	s.MemoryUsageMB = memoryUsageMB
	return s
}

// WithStatus moves the snapshot to next if the lifecycle allows it.
func (s State) WithStatus(next Status) (State, error) {
	if !ValidStatus(string(next)) {
		return s, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, next)
	}
	if !s.Status.CanTransitionTo(next) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
	}
	s.Status = next
	return s, nil
}

// WithOutcome adds to the cumulative success and error counters.
// Negative deltas are treated as zero.
func (s State) WithOutcome(successes, failures int) State {
	s.SuccessCount += max(successes, 0)
	s.ErrorCount += max(failures, 0)
	return s
}

// WithPerformance replaces the performance score.
func (s State) WithPerformance(score float64) State {
	s.PerformanceScore = score
	return s
}

// WithConfigurationHash replaces the configuration fingerprint.
func (s State) WithConfigurationHash(hash string) State {
	s.ConfigurationHash = hash
	return s
}

// IsStale reports whether the last heartbeat is older than timeout at now.
func (s State) IsStale(now time.Time, timeout time.Duration) bool {
	return timeout > 0 && now.Sub(s.LastHeartbeat) > timeout
}

// normalizeTime converts t to UTC and drops the monotonic clock reading so
// that snapshots compare equal after a round trip through the store.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Round(0)
}

// IsInvalidTransition reports whether err was caused by a rejected status change.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
