package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects only need valid JSON.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	switch {
	case subject == SubjectAgentState:
		var p AgentStatePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if _, ok := p.Record["agent_id"].(string); !ok {
			return fmt.Errorf("schema validation failed for %s: record.agent_id missing", subject)
		}
	case subject == SubjectAgentStatus:
		var p AgentStatusPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.AgentID == "" || p.Status == "" {
			return fmt.Errorf("schema validation failed for %s: agent_id and status are required", subject)
		}
	case strings.HasPrefix(subject, SubjectAgentInbox+"."):
		var p AgentMessagePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.To == "" {
			return fmt.Errorf("schema validation failed for %s: %w", subject, errors.New("to is required"))
		}
		if want := strings.TrimPrefix(subject, SubjectAgentInbox+"."); p.To != want {
			return fmt.Errorf("schema validation failed for %s: addressed to %q", subject, p.To)
		}
	}
	return nil
}
