package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/edmas/internal/domain/agent"
	"github.com/Strob0t/edmas/internal/port/statestore"
)

// StateStore implements statestore.Store on the agent_states table. Each row
// holds the record document as JSONB plus indexed copies of the fields List
// filters on. All rows are scoped by the project ID given at construction.
type StateStore struct {
	pool      *pgxpool.Pool
	projectID string
}

var _ statestore.Store = (*StateStore)(nil)

// NewStateStore creates a StateStore for one project backed by pool.
func NewStateStore(pool *pgxpool.Pool, projectID string) *StateStore {
	return &StateStore{pool: pool, projectID: projectID}
}

func (s *StateStore) Create(ctx context.Context, st agent.State) error {
	doc, err := agent.MarshalRecord(st)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agent_states (project_id, agent_id, agent_type, status, last_heartbeat, document)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.projectID, st.AgentID, st.AgentType, string(st.Status), st.LastHeartbeat, doc)
	if err != nil {
		return conflictWrap(err, "create agent state %s", st.AgentID)
	}
	return nil
}

func (s *StateStore) Put(ctx context.Context, st agent.State) error {
	doc, err := agent.MarshalRecord(st)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_states
		 SET agent_type = $3, status = $4, last_heartbeat = $5, document = $6,
		     version = version + 1, updated_at = now()
		 WHERE project_id = $1 AND agent_id = $2`,
		s.projectID, st.AgentID, st.AgentType, string(st.Status), st.LastHeartbeat, doc)
	return execExpectOne(tag, err, "put agent state %s", st.AgentID)
}

func (s *StateStore) Get(ctx context.Context, id string) (agent.State, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT document FROM agent_states WHERE project_id = $1 AND agent_id = $2`,
		s.projectID, id)
	st, err := scanState(row)
	if err != nil {
		return agent.State{}, notFoundWrap(err, "get agent state %s", id)
	}
	return st, nil
}

func (s *StateStore) List(ctx context.Context, f statestore.Filter) ([]agent.State, error) {
	query, args := listQuery(s.projectID, f)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agent states: %w", err)
	}
	defer rows.Close()

	var states []agent.State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("list agent states: %w", err)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

func (s *StateStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM agent_states WHERE project_id = $1 AND agent_id = $2`, s.projectID, id)
	return execExpectOne(tag, err, "delete agent state %s", id)
}

// listQuery builds the filtered SELECT for List.
func listQuery(projectID string, f statestore.Filter) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT document FROM agent_states WHERE project_id = $1`)
	args := []any{projectID}

	add := func(clause string, v any) {
		args = append(args, v)
		b.WriteString(" AND ")
		b.WriteString(clause)
		b.WriteString(" $")
		b.WriteString(strconv.Itoa(len(args)))
	}
	if f.AgentType != "" {
		add("agent_type =", f.AgentType)
	}
	if f.Status != "" {
		add("status =", string(f.Status))
	}
	if !f.HeartbeatBefore.IsZero() {
		add("last_heartbeat <", f.HeartbeatBefore)
	}
	b.WriteString(" ORDER BY agent_id")
	return b.String(), args
}

// scanState decodes the JSONB document of one row.
func scanState(row scannable) (agent.State, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		return agent.State{}, err
	}
	return agent.UnmarshalRecord(doc)
}
