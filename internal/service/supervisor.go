package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/edmas/internal/adapter/otel"
	"github.com/Strob0t/edmas/internal/domain/agent"
	"github.com/Strob0t/edmas/internal/logger"
	"github.com/Strob0t/edmas/internal/port/messagequeue"
	"github.com/Strob0t/edmas/internal/port/statestore"
)

// ErrAlreadyRunning is returned when Run is called twice concurrently.
var ErrAlreadyRunning = errors.New("agent service is already running")

// Run supervises all registered agents until ctx is cancelled: one heartbeat
// loop per agent, the sweeper and the inbox subscription. Agents registered
// while Run is active start immediately.
func (s *AgentService) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.runCtx = runCtx
	for _, e := range s.agents {
		s.startLoop(e)
	}
	n := len(s.agents)
	s.mu.Unlock()

	s.log.Info("agent supervisor started", "agents", n,
		"heartbeat_interval", s.cfg.HeartbeatInterval, "sweep_interval", s.cfg.SweepInterval)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		s.sweepLoop(gctx)
		return nil
	})
	if s.queue != nil {
		stop, err := s.queue.Subscribe(gctx, messagequeue.InboxWildcard, s.handleInbox)
		if err != nil {
			cancel()
			_ = g.Wait()
			s.stopLoops()
			return fmt.Errorf("subscribe inbox: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			stop()
			return nil
		})
	}

	err := g.Wait()
	s.stopLoops()
	s.log.Info("agent supervisor stopped")
	return err
}

// stopLoops marks the service stopped and waits for heartbeat loops to exit.
// The loops observe the cancelled run context.
func (s *AgentService) stopLoops() {
	s.mu.Lock()
	s.running = false
	for _, e := range s.agents {
		if e.cancel != nil {
			e.cancel()
			e.cancel = nil
		}
	}
	s.mu.Unlock()
	s.loops.Wait()
}

// startLoop must be called with s.mu held and s.running set.
func (s *AgentService) startLoop(e *entry) {
	ctx, cancel := context.WithCancel(logger.WithAgentID(s.runCtx, e.agent.ID()))
	e.cancel = cancel
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		s.heartbeatLoop(ctx, e)
	}()
}

func (s *AgentService) heartbeatLoop(ctx context.Context, e *entry) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.tick(ctx, e) {
				logger.For(ctx, s.log).Info("heartbeat loop stopped")
				return
			}
		}
	}
}

// tick performs one heartbeat. It reports false once the agent is FAILED.
// The agent's Heartbeat runs without holding the entry lock so a hung agent
// cannot block commands or the sweeper.
func (s *AgentService) tick(ctx context.Context, e *entry) bool {
	id := e.agent.ID()
	st, err := s.get(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			logger.For(ctx, s.log).Warn("heartbeat read failed", "error", err)
		}
		return true
	}
	switch st.Status {
	case agent.StatusFailed:
		return false
	case agent.StatusActive:
	default:
		// Liveness only: paused and evolving agents are not invoked.
		_, err := s.update(ctx, id, "", func(st agent.State) (agent.State, error) {
			return st.WithHeartbeat(s.now(), st.MemoryUsageMB), nil
		})
		if err != nil && ctx.Err() == nil {
			logger.For(ctx, s.log).Warn("heartbeat write failed", "error", err)
		}
		return true
	}

	var rep agent.Report
	hbErr := s.limiter.Do(ctx, func(ctx context.Context) error {
		hbCtx, span := otel.StartHeartbeatSpan(ctx, id, e.agent.Type())
		hbCtx, cancel := context.WithTimeout(hbCtx, s.cfg.HeartbeatInterval)
		defer cancel()
		var err error
		rep, err = e.agent.Heartbeat(hbCtx)
		if err == nil {
			err = rep.Validate()
		}
		otel.EndSpan(span, err)
		return err
	})
	if ctx.Err() != nil {
		return false
	}
	s.metrics.RecordHeartbeat(ctx, e.agent.Type(), hbErr == nil, rep.PerformanceScore, rep.MemoryUsageMB)

	var consecutive int
	next, err := s.update(ctx, id, "heartbeat errors", func(st agent.State) (agent.State, error) {
		now := s.now()
		if hbErr != nil {
			e.consecutive++
			consecutive = e.consecutive
			st = st.WithHeartbeat(now, st.MemoryUsageMB).WithOutcome(0, 1)
			if st.Status == agent.StatusActive && consecutive >= s.cfg.MaxConsecutiveErrors {
				return st.WithStatus(agent.StatusFailed)
			}
			return st, nil
		}
		e.consecutive = 0
		st = st.WithHeartbeat(now, rep.MemoryUsageMB)
		if st.Status != agent.StatusActive {
			// Paused or evolving since the heartbeat started.
			return st, nil
		}
		return st.WithPerformance(rep.PerformanceScore).
			WithOutcome(rep.Successes, rep.Failures).
			WithConfigurationHash(e.agent.ConfigurationHash()), nil
	})
	if hbErr != nil {
		logger.For(ctx, s.log).Warn("heartbeat failed", "error", hbErr, "consecutive", consecutive)
	}
	if err != nil {
		if ctx.Err() == nil {
			logger.For(ctx, s.log).Warn("heartbeat write failed", "error", err)
		}
		return true
	}
	if next.Status == agent.StatusFailed {
		logger.For(ctx, s.log).Error("agent failed", "consecutive_errors", consecutive)
		return false
	}
	return true
}

func (s *AgentService) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("sweep failed", "error", err)
			}
		}
	}
}

// Sweep marks records whose heartbeat is older than the heartbeat timeout as
// FAILED and deletes FAILED records older than the retention period.
func (s *AgentService) Sweep(ctx context.Context) error {
	now := s.now()
	var errs []error

	if s.cfg.HeartbeatTimeout > 0 {
		stale, err := s.List(ctx, statestore.Filter{HeartbeatBefore: now.Add(-s.cfg.HeartbeatTimeout)})
		if err != nil {
			return fmt.Errorf("list stale: %w", err)
		}
		for _, st := range stale {
			if st.Status.IsTerminal() {
				continue
			}
			_, err := s.update(ctx, st.AgentID, "heartbeat timeout", func(cur agent.State) (agent.State, error) {
				if !cur.IsStale(now, s.cfg.HeartbeatTimeout) {
					return cur, nil // refreshed meanwhile
				}
				return cur.WithStatus(agent.StatusFailed)
			})
			if err != nil {
				errs = append(errs, err)
				continue
			}
			s.stopAgent(st.AgentID)
		}
	}

	if s.cfg.Retention > 0 {
		expired, err := s.List(ctx, statestore.Filter{
			Status:          agent.StatusFailed,
			HeartbeatBefore: now.Add(-s.cfg.Retention),
		})
		if err != nil {
			return errors.Join(append(errs, fmt.Errorf("list expired: %w", err))...)
		}
		for _, st := range expired {
			if err := s.Deregister(ctx, st.AgentID); err != nil {
				errs = append(errs, err)
				continue
			}
			s.log.Info("expired record deleted", "agent_id", st.AgentID, "last_heartbeat", st.LastHeartbeat)
		}
	}
	return errors.Join(errs...)
}

// stopAgent cancels the heartbeat loop of a registered agent, if any.
func (s *AgentService) stopAgent(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.agents[id]; ok && e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// handleInbox is the queue handler for agents.inbox.>.
func (s *AgentService) handleInbox(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.AgentMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode inbox message: %w", err)
	}
	return s.deliver(ctx, agent.Message(p))
}

// deliver hands msg to its recipient if this process supervises it. Handler
// failures are counted on the record and not redelivered.
func (s *AgentService) deliver(ctx context.Context, msg agent.Message) error {
	s.mu.RLock()
	e := s.agents[msg.To]
	s.mu.RUnlock()
	ctx = logger.WithAgentID(ctx, msg.To)
	log := logger.For(ctx, s.log)
	if e == nil {
		log.Debug("inbox message for agent hosted elsewhere", "message_id", msg.ID)
		return nil
	}
	h, ok := e.agent.(agent.MessageHandler)
	if !ok {
		log.Warn("agent does not accept messages", "message_id", msg.ID, "kind", msg.Kind)
		return nil
	}

	st, err := s.get(ctx, msg.To)
	if err != nil {
		return err
	}
	if st.Status != agent.StatusActive {
		log.Warn("message dropped, agent not active", "message_id", msg.ID, "status", st.Status)
		return nil
	}

	spanCtx, span := otel.StartMessageSpan(ctx, msg.ID, msg.To, msg.Kind)
	handleErr := h.HandleMessage(spanCtx, msg)
	otel.EndSpan(span, handleErr)
	s.metrics.RecordMessage(ctx, msg.Kind, handleErr == nil)

	wctx, cancel := detached(ctx)
	defer cancel()
	_, err = s.update(wctx, msg.To, "", func(st agent.State) (agent.State, error) {
		if handleErr != nil {
			return st.WithOutcome(0, 1), nil
		}
		return st.WithOutcome(1, 0).WithConfigurationHash(e.agent.ConfigurationHash()), nil
	})
	if handleErr != nil {
		log.Warn("message handler failed", "message_id", msg.ID, "kind", msg.Kind, "error", handleErr)
	}
	return err
}

func newMessageID() string {
	return uuid.NewString()
}
