package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Strob0t/edmas/internal/domain/agent"
	"github.com/Strob0t/edmas/internal/port/broadcast"
	"github.com/Strob0t/edmas/internal/port/messagequeue"
)

// Ensure mock types implement their interfaces at compile time.
var (
	_ broadcast.Broadcaster = (*mockBroadcaster)(nil)
	_ messagequeue.Queue    = (*mockQueue)(nil)
	_ agent.Agent           = (*fakeAgent)(nil)
	_ agent.Evolver         = (*fakeAgent)(nil)
	_ agent.MessageHandler  = (*fakeAgent)(nil)
)

type mockBroadcaster struct {
	mu     sync.Mutex
	events []struct {
		eventType string
		payload   any
	}
}

func (m *mockBroadcaster) BroadcastEvent(_ context.Context, eventType string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, struct {
		eventType string
		payload   any
	}{eventType, payload})
}

func (m *mockBroadcaster) count(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.eventType == eventType {
			n++
		}
	}
	return n
}

type published struct {
	subject string
	data    []byte
}

// mockQueue records publishes and delivers inbox messages synchronously to
// the subscribed handler.
type mockQueue struct {
	mu         sync.Mutex
	published  []published
	handler    messagequeue.Handler
	publishErr error
}

func (m *mockQueue) Publish(ctx context.Context, subject string, data []byte) error {
	m.mu.Lock()
	if m.publishErr != nil {
		m.mu.Unlock()
		return m.publishErr
	}
	m.published = append(m.published, published{subject, data})
	h := m.handler
	m.mu.Unlock()
	if h != nil && strings.HasPrefix(subject, messagequeue.SubjectAgentInbox+".") {
		return h(ctx, subject, data)
	}
	return nil
}

func (m *mockQueue) Subscribe(_ context.Context, _ string, h messagequeue.Handler) (func(), error) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.handler = nil
		m.mu.Unlock()
	}, nil
}

func (m *mockQueue) Drain() error      { return nil }
func (m *mockQueue) Close() error      { return nil }
func (m *mockQueue) IsConnected() bool { return true }

func (m *mockQueue) subjects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.published))
	for _, p := range m.published {
		out = append(out, p.subject)
	}
	return out
}

func (m *mockQueue) subscribed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler != nil
}

// fakeAgent is a scriptable agent.
type fakeAgent struct {
	*agent.Base

	mu        sync.Mutex
	report    agent.Report
	hbErr     error
	evolveErr error
	msgErr    error
	received  []agent.Message
	beats     int
}

func newFakeAgent(id string) *fakeAgent {
	return &fakeAgent{Base: agent.NewBase(agent.TypeAnalyzer, agent.WithID(id))}
}

func (f *fakeAgent) Heartbeat(_ context.Context) (agent.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beats++
	return f.report, f.hbErr
}

func (f *fakeAgent) Evolve(_ context.Context) error {
	if f.evolveErr != nil {
		return f.evolveErr
	}
	f.SetConfig(map[string]any{"generation": 2})
	return nil
}

func (f *fakeAgent) HandleMessage(_ context.Context, msg agent.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, msg)
	return f.msgErr
}

func (f *fakeAgent) setHeartbeat(r agent.Report, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.report, f.hbErr = r, err
}

func (f *fakeAgent) beatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.beats
}

// plainAgent implements only agent.Agent.
type plainAgent struct{ *agent.Base }

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")
