package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Strob0t/edmas/internal/domain"
	"github.com/Strob0t/edmas/internal/domain/agent"
	"github.com/Strob0t/edmas/internal/port/messagequeue"
	"github.com/Strob0t/edmas/internal/port/statestore"
	"github.com/Strob0t/edmas/internal/resilience"
	"github.com/Strob0t/edmas/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Agents  *service.AgentService
	Queue   messagequeue.Queue // optional, reported by Health
	Version string
}

// agentListResponse wraps List results.
type agentListResponse struct {
	Agents []agent.Record `json:"agents"`
	Count  int            `json:"count"`
}

// evolveResponse carries the final record and, when the hook failed, its
// error. A failed evolution still returns the agent to ACTIVE.
type evolveResponse struct {
	Record agent.Record `json:"record"`
	Error  string       `json:"error,omitempty"`
}

// sendMessageRequest is the body of POST /agents/{id}/messages.
type sendMessageRequest struct {
	From    string          `json:"from"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Store   string `json:"store"`
	NATS    string `json:"nats,omitempty"`
	Agents  int    `json:"agents"`
}

// Health reports liveness. It answers 503 while the store breaker is open.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: h.Version,
		Store:   h.Agents.BreakerState(),
		Agents:  len(h.Agents.Registered()),
	}
	status := http.StatusOK
	if resp.Store == "open" {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	if h.Queue != nil {
		resp.NATS = "connected"
		if !h.Queue.IsConnected() {
			resp.NATS = "disconnected"
			resp.Status = "degraded"
		}
	}
	writeJSON(w, status, resp)
}

// GetVersion handles GET /api/v1/.
func (h *Handlers) GetVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": h.Version})
}

// ListAgents handles GET /api/v1/agents?type=&status=.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := statestore.Filter{AgentType: q.Get("type")}
	if s := q.Get("status"); s != "" {
		if !agent.ValidStatus(s) {
			writeError(w, http.StatusBadRequest, "status must be one of ACTIVE, PAUSED, EVOLVING, FAILED")
			return
		}
		f.Status = agent.Status(s)
	}

	states, err := h.Agents.List(r.Context(), f)
	if err != nil {
		writeDomainError(w, err, "agents not found")
		return
	}
	out := make([]agent.Record, 0, len(states))
	for _, st := range states {
		out = append(out, st.ToRecord())
	}
	writeJSON(w, http.StatusOK, agentListResponse{Agents: out, Count: len(out)})
}

// GetAgent handles GET /api/v1/agents/{id}.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	st, err := h.Agents.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, st.ToRecord())
}

// PauseAgent handles POST /api/v1/agents/{id}/pause.
func (h *Handlers) PauseAgent(w http.ResponseWriter, r *http.Request) {
	st, err := h.Agents.Pause(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, st.ToRecord())
}

// ResumeAgent handles POST /api/v1/agents/{id}/resume.
func (h *Handlers) ResumeAgent(w http.ResponseWriter, r *http.Request) {
	st, err := h.Agents.Resume(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, st.ToRecord())
}

// EvolveAgent handles POST /api/v1/agents/{id}/evolve.
func (h *Handlers) EvolveAgent(w http.ResponseWriter, r *http.Request) {
	st, err := h.Agents.Evolve(r.Context(), urlParam(r, "id"))
	if err != nil && (st.AgentID == "" || isServiceError(err)) {
		writeDomainError(w, err, "agent not found")
		return
	}
	resp := evolveResponse{Record: st.ToRecord()}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// isServiceError reports errors raised by the service itself rather than by
// an agent's evolution hook.
func isServiceError(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrConflict) ||
		errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, resilience.ErrCircuitOpen)
}

// SendMessage handles POST /api/v1/agents/{id}/messages.
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[sendMessageRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Kind, "kind") {
		return
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		writeError(w, http.StatusBadRequest, "payload must be valid JSON")
		return
	}

	msg, err := h.Agents.Send(r.Context(), agent.Message{
		From:    req.From,
		To:      urlParam(r, "id"),
		Kind:    req.Kind,
		Payload: req.Payload,
	})
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

// DeleteAgent handles DELETE /api/v1/agents/{id}.
func (h *Handlers) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.Agents.Deregister(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
