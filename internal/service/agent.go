package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Strob0t/edmas/internal/adapter/otel"
	"github.com/Strob0t/edmas/internal/adapter/ws"
	"github.com/Strob0t/edmas/internal/config"
	"github.com/Strob0t/edmas/internal/domain"
	"github.com/Strob0t/edmas/internal/domain/agent"
	"github.com/Strob0t/edmas/internal/logger"
	"github.com/Strob0t/edmas/internal/port/broadcast"
	"github.com/Strob0t/edmas/internal/port/messagequeue"
	"github.com/Strob0t/edmas/internal/port/statestore"
	"github.com/Strob0t/edmas/internal/resilience"
)

// AgentService supervises registered agents: it persists their state
// records, drives heartbeats, applies lifecycle commands and delivers inbox
// messages.
type AgentService struct {
	store     statestore.Store
	queue     messagequeue.Queue    // optional
	hub       broadcast.Broadcaster // optional
	metrics   *otel.Metrics       // optional
	breaker   *resilience.Breaker
	limiter   *resilience.Limiter // bounds concurrent Heartbeat calls
	cfg       config.Agents
	projectID string
	log       *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	agents  map[string]*entry
	running bool
	runCtx  context.Context
	loops   sync.WaitGroup
}

// entry is one registered agent. mu serialises read-modify-write cycles on
// its state record; consecutive counts heartbeat errors in a row.
type entry struct {
	agent       agent.Agent
	mu          sync.Mutex
	consecutive int
	cancel      context.CancelFunc
}

// Option configures an AgentService.
type Option func(*AgentService)

// WithQueue publishes state changes and routes inbox messages through q.
func WithQueue(q messagequeue.Queue) Option { return func(s *AgentService) { s.queue = q } }

// WithBroadcaster pushes state changes to WebSocket clients.
func WithBroadcaster(b broadcast.Broadcaster) Option { return func(s *AgentService) { s.hub = b } }

// WithMetrics records telemetry.
func WithMetrics(m *otel.Metrics) Option { return func(s *AgentService) { s.metrics = m } }

// WithBreaker guards store calls with b.
func WithBreaker(b *resilience.Breaker) Option { return func(s *AgentService) { s.breaker = b } }

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option { return func(s *AgentService) { s.log = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *AgentService) { s.now = now } }

// NewAgentService creates an AgentService for one document-store project.
func NewAgentService(store statestore.Store, cfg config.Agents, projectID string, opts ...Option) *AgentService {
	s := &AgentService{
		store:     store,
		cfg:       cfg,
		projectID: projectID,
		log:       slog.Default(),
		now:       time.Now,
		agents:    make(map[string]*entry),
		limiter:   resilience.NewLimiter(cfg.MaxConcurrent),
	}
	for _, o := range opts {
		o(s)
	}
	if s.breaker == nil {
		s.breaker = NewStoreBreaker(5, 30*time.Second)
	}
	s.log = s.log.With("component", "agents", "project_id", projectID)
	return s
}

// NewStoreBreaker returns a breaker that trips only on infrastructure
// errors. Domain outcomes such as not-found or a corrupt record pass through.
func NewStoreBreaker(maxFailures int, timeout time.Duration) *resilience.Breaker {
	return resilience.NewBreaker(maxFailures, timeout, resilience.WithFailurePredicate(isInfraError))
}

func isInfraError(err error) bool {
	return !errors.Is(err, domain.ErrNotFound) &&
		!errors.Is(err, domain.ErrConflict) &&
		!errors.Is(err, domain.ErrValidation) &&
		!agent.IsDecodeError(err)
}

// BreakerState reports the store circuit breaker state.
func (s *AgentService) BreakerState() string { return s.breaker.State() }

// Register persists the initial record for a and starts supervising it.
// A record left by a previous run is adopted unless it is FAILED.
func (s *AgentService) Register(ctx context.Context, a agent.Agent) (agent.State, error) {
	id := a.ID()
	if id == "" || a.Type() == "" {
		return agent.State{}, fmt.Errorf("%w: agent id and type are required", domain.ErrValidation)
	}
	if sc, ok := a.(agent.Scoped); ok && sc.ProjectID() != "" && sc.ProjectID() != s.projectID {
		return agent.State{}, fmt.Errorf("%w: agent %s belongs to project %q, not %q",
			domain.ErrValidation, id, sc.ProjectID(), s.projectID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; ok {
		return agent.State{}, fmt.Errorf("register %s: already registered: %w", id, domain.ErrConflict)
	}

	now := s.now()
	st, err := agent.NewState(id, a.Type(), agent.StatusActive, 0, now, now, a.ConfigurationHash(), 0)
	if err != nil {
		return agent.State{}, err
	}

	var prev agent.State
	err = s.exec(ctx, func(ctx context.Context) error { return s.store.Create(ctx, st) })
	switch {
	case errors.Is(err, domain.ErrConflict):
		existing, gerr := s.get(ctx, id)
		if gerr != nil {
			return agent.State{}, fmt.Errorf("register %s: %w", id, gerr)
		}
		if st, err = adopt(existing, a, now); err != nil {
			return agent.State{}, fmt.Errorf("register %s: %w", id, err)
		}
		if err := s.exec(ctx, func(ctx context.Context) error { return s.store.Put(ctx, st) }); err != nil {
			return agent.State{}, fmt.Errorf("register %s: %w", id, err)
		}
		prev = existing
		s.log.Info("agent record adopted", "agent_id", id, "status", st.Status)
	case err != nil:
		return agent.State{}, fmt.Errorf("register %s: %w", id, err)
	default:
		s.log.Info("agent registered", "agent_id", id, "agent_type", a.Type())
	}

	e := &entry{agent: a}
	s.agents[id] = e
	if s.running {
		s.startLoop(e)
	}
	s.publish(ctx, prev, st, "registered")
	return st, nil
}

// adopt takes over a record persisted by an earlier process.
func adopt(existing agent.State, a agent.Agent, now time.Time) (agent.State, error) {
	if existing.Status.IsTerminal() {
		return agent.State{}, fmt.Errorf("record is %s: %w", existing.Status, domain.ErrConflict)
	}
	if existing.AgentType != a.Type() {
		return agent.State{}, fmt.Errorf("record has type %q, agent is %q: %w", existing.AgentType, a.Type(), domain.ErrConflict)
	}
	st := existing.WithHeartbeat(now, existing.MemoryUsageMB).WithConfigurationHash(a.ConfigurationHash())
	if st.Status == agent.StatusEvolving {
		// The evolution was interrupted with the previous process.
		st, _ = st.WithStatus(agent.StatusActive)
	}
	return st, nil
}

// Deregister stops supervising id and deletes its record.
func (s *AgentService) Deregister(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.agents[id]
	if ok {
		delete(s.agents, id)
		if e.cancel != nil {
			e.cancel()
		}
	}
	s.mu.Unlock()

	err := s.exec(ctx, func(ctx context.Context) error { return s.store.Delete(ctx, id) })
	if err != nil && (!ok || !errors.Is(err, domain.ErrNotFound)) {
		return fmt.Errorf("deregister %s: %w", id, err)
	}
	s.log.Info("agent deregistered", "agent_id", id)
	return nil
}

// Get returns the persisted record for id.
func (s *AgentService) Get(ctx context.Context, id string) (agent.State, error) {
	return s.get(ctx, id)
}

// List returns persisted records matching f, ordered by agent ID.
func (s *AgentService) List(ctx context.Context, f statestore.Filter) ([]agent.State, error) {
	var out []agent.State
	err := s.exec(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.store.List(ctx, f)
		return err
	})
	return out, err
}

// Registered returns the IDs of the agents supervised by this process.
func (s *AgentService) Registered() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Pause moves an ACTIVE agent to PAUSED. Paused agents keep reporting
// liveness but their Heartbeat is not invoked.
func (s *AgentService) Pause(ctx context.Context, id string) (agent.State, error) {
	if _, err := s.lookup(id); err != nil {
		return agent.State{}, err
	}
	return s.update(ctx, id, "paused", func(st agent.State) (agent.State, error) {
		return st.WithStatus(agent.StatusPaused)
	})
}

// Resume moves a PAUSED agent back to ACTIVE.
func (s *AgentService) Resume(ctx context.Context, id string) (agent.State, error) {
	e, err := s.lookup(id)
	if err != nil {
		return agent.State{}, err
	}
	return s.update(ctx, id, "resumed", func(st agent.State) (agent.State, error) {
		if st.Status != agent.StatusPaused && st.Status != agent.StatusActive {
			return st, fmt.Errorf("%w: %s -> %s", agent.ErrInvalidTransition, st.Status, agent.StatusActive)
		}
		e.consecutive = 0
		return st.WithStatus(agent.StatusActive)
	})
}

// outcomeWriteTimeout bounds writes that record the result of work already done.
const outcomeWriteTimeout = 5 * time.Second

// detached returns a context that keeps ctx's values but not its cancellation,
// for writes that must land after the caller has gone away.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
}

// Evolve runs the agent's evolution hook while holding it in EVOLVING. The
// outcome is counted and the agent returns to ACTIVE either way; the hook's
// error is returned alongside the final record.
func (s *AgentService) Evolve(ctx context.Context, id string) (agent.State, error) {
	e, err := s.lookup(id)
	if err != nil {
		return agent.State{}, err
	}
	ev, ok := e.agent.(agent.Evolver)
	if !ok {
		return agent.State{}, fmt.Errorf("%w: agent %s does not support evolution", domain.ErrValidation, id)
	}

	_, err = s.update(ctx, id, "evolution started", func(st agent.State) (agent.State, error) {
		if st.Status != agent.StatusActive {
			return st, fmt.Errorf("%w: %s -> %s", agent.ErrInvalidTransition, st.Status, agent.StatusEvolving)
		}
		return st.WithStatus(agent.StatusEvolving)
	})
	if err != nil {
		return agent.State{}, err
	}

	ctx = logger.WithAgentID(ctx, id)
	spanCtx, span := otel.StartEvolveSpan(ctx, id)
	evolveErr := ev.Evolve(spanCtx)
	otel.EndSpan(span, evolveErr)
	s.metrics.RecordEvolution(ctx, e.agent.Type(), evolveErr == nil)

	reason := "evolution completed"
	if evolveErr != nil {
		reason = "evolution failed"
		logger.For(ctx, s.log).Warn("evolution failed", "error", evolveErr)
	}
	// The hook may have outlived the caller; the agent must still leave EVOLVING.
	wctx, cancel := detached(ctx)
	defer cancel()
	final, err := s.update(wctx, id, reason, func(st agent.State) (agent.State, error) {
		if evolveErr != nil {
			st = st.WithOutcome(0, 1)
		} else {
			st = st.WithOutcome(1, 0).WithConfigurationHash(e.agent.ConfigurationHash())
		}
		if st.Status == agent.StatusEvolving {
			return st.WithStatus(agent.StatusActive)
		}
		return st, nil
	})
	if err != nil {
		return agent.State{}, err
	}
	if evolveErr != nil {
		return final, fmt.Errorf("evolve %s: %w", id, evolveErr)
	}
	return final, nil
}

// Send addresses msg to an agent's inbox. The message gets an ID and a send
// time. Without a queue it is delivered in-process.
func (s *AgentService) Send(ctx context.Context, msg agent.Message) (agent.Message, error) {
	if msg.To == "" || msg.Kind == "" {
		return agent.Message{}, fmt.Errorf("%w: message needs to and kind", domain.ErrValidation)
	}
	st, err := s.get(ctx, msg.To)
	if err != nil {
		return agent.Message{}, err
	}
	if st.Status.IsTerminal() {
		return agent.Message{}, fmt.Errorf("%w: agent %s is %s", domain.ErrValidation, msg.To, st.Status)
	}
	msg.ID = newMessageID()
	msg.SentAt = s.now().UTC()

	if s.queue == nil {
		return msg, s.deliver(ctx, msg)
	}
	data, err := json.Marshal(messagequeue.AgentMessagePayload(msg))
	if err != nil {
		return agent.Message{}, fmt.Errorf("marshal message: %w", err)
	}
	if err := s.queue.Publish(ctx, messagequeue.InboxSubject(msg.To), data); err != nil {
		return agent.Message{}, fmt.Errorf("send to %s: %w", msg.To, err)
	}
	return msg, nil
}

// lookup returns the registry entry for id or domain.ErrNotFound.
func (s *AgentService) lookup(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s is not registered: %w", id, domain.ErrNotFound)
	}
	return e, nil
}

// update applies fn to the current record of id and persists the result.
// Registered agents are locked for the whole cycle.
func (s *AgentService) update(ctx context.Context, id, reason string, fn func(agent.State) (agent.State, error)) (agent.State, error) {
	s.mu.RLock()
	e := s.agents[id]
	s.mu.RUnlock()
	if e != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
	}

	st, err := s.get(ctx, id)
	if err != nil {
		return agent.State{}, err
	}
	next, err := fn(st)
	if err != nil {
		return st, err
	}
	if next == st {
		return st, nil
	}
	if err := s.save(ctx, st, next, reason); err != nil {
		return st, err
	}
	return next, nil
}

// save persists next and announces it.
func (s *AgentService) save(ctx context.Context, prev, next agent.State, reason string) error {
	if err := s.exec(ctx, func(ctx context.Context) error { return s.store.Put(ctx, next) }); err != nil {
		return fmt.Errorf("save %s: %w", next.AgentID, err)
	}
	s.publish(ctx, prev, next, reason)
	return nil
}

// publish announces a persisted record on the queue and to WebSocket
// clients. A zero prev marks a newly created record.
func (s *AgentService) publish(ctx context.Context, prev, next agent.State, reason string) {
	rec := next.ToRecord()
	s.publishJSON(ctx, messagequeue.SubjectAgentState, messagequeue.AgentStatePayload{
		ProjectID: s.projectID,
		Record:    rec,
	})
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, broadcast.EventAgentState, ws.AgentStateEvent{ProjectID: s.projectID, Record: rec})
	}

	if prev.Status == next.Status {
		return
	}
	logger.For(ctx, s.log).Info("agent status changed",
		"agent_id", next.AgentID, "from", prev.Status, "to", next.Status, "reason", reason)
	s.metrics.RecordTransition(ctx, next.AgentType, string(prev.Status), string(next.Status))
	s.publishJSON(ctx, messagequeue.SubjectAgentStatus, messagequeue.AgentStatusPayload{
		AgentID:   next.AgentID,
		ProjectID: s.projectID,
		From:      string(prev.Status),
		Status:    string(next.Status),
		Reason:    reason,
		ChangedAt: s.now().UTC(),
	})
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, broadcast.EventAgentStatus, ws.AgentStatusEvent{
			AgentID:   next.AgentID,
			ProjectID: s.projectID,
			From:      string(prev.Status),
			Status:    string(next.Status),
			Reason:    reason,
		})
	}
}

func (s *AgentService) publishJSON(ctx context.Context, subject string, payload any) {
	if s.queue == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("marshal event", "subject", subject, "error", err)
		return
	}
	if err := s.queue.Publish(ctx, subject, data); err != nil {
		logger.For(ctx, s.log).Warn("publish event failed", "subject", subject, "error", err)
	}
}

// get reads a record through the breaker.
func (s *AgentService) get(ctx context.Context, id string) (agent.State, error) {
	var st agent.State
	err := s.exec(ctx, func(ctx context.Context) error {
		var err error
		st, err = s.store.Get(ctx, id)
		return err
	})
	return st, err
}

func (s *AgentService) exec(ctx context.Context, fn func(context.Context) error) error {
	return s.breaker.ExecuteCtx(ctx, fn)
}
