package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "edmas"

// Metrics holds all EDMAS metric instruments.
type Metrics struct {
	Heartbeats        metric.Int64Counter
	HeartbeatFailures metric.Int64Counter
	Transitions       metric.Int64Counter
	Evolutions        metric.Int64Counter
	Messages          metric.Int64Counter
	Performance       metric.Float64Histogram
	MemoryUsage       metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.Heartbeats, err = meter.Int64Counter("edmas.agent.heartbeats",
		metric.WithDescription("Number of agent heartbeats recorded"))
	if err != nil {
		return nil, err
	}

	m.HeartbeatFailures, err = meter.Int64Counter("edmas.agent.heartbeat_failures",
		metric.WithDescription("Number of agent heartbeats that reported an error"))
	if err != nil {
		return nil, err
	}

	m.Transitions, err = meter.Int64Counter("edmas.agent.transitions",
		metric.WithDescription("Number of agent status transitions"))
	if err != nil {
		return nil, err
	}

	m.Evolutions, err = meter.Int64Counter("edmas.agent.evolutions",
		metric.WithDescription("Number of evolution attempts"))
	if err != nil {
		return nil, err
	}

	m.Messages, err = meter.Int64Counter("edmas.agent.messages",
		metric.WithDescription("Number of inbox messages handled"))
	if err != nil {
		return nil, err
	}

	m.Performance, err = meter.Float64Histogram("edmas.agent.performance_score",
		metric.WithDescription("Reported agent performance score"))
	if err != nil {
		return nil, err
	}

	m.MemoryUsage, err = meter.Float64Histogram("edmas.agent.memory_usage_mb",
		metric.WithDescription("Reported agent memory usage in MB"),
		metric.WithUnit("MBy"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordHeartbeat records one heartbeat sample for an agent type.
func (m *Metrics) RecordHeartbeat(ctx context.Context, agentType string, ok bool, score, memMB float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("agent.type", agentType))
	m.Heartbeats.Add(ctx, 1, attrs)
	if !ok {
		m.HeartbeatFailures.Add(ctx, 1, attrs)
		return
	}
	m.Performance.Record(ctx, score, attrs)
	m.MemoryUsage.Record(ctx, memMB, attrs)
}

// RecordTransition counts a status change.
func (m *Metrics) RecordTransition(ctx context.Context, agentType, from, to string) {
	if m == nil {
		return
	}
	m.Transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent.type", agentType),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordEvolution counts an evolution attempt and its outcome.
func (m *Metrics) RecordEvolution(ctx context.Context, agentType string, ok bool) {
	if m == nil {
		return
	}
	m.Evolutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent.type", agentType),
		attribute.Bool("success", ok),
	))
}

// RecordMessage counts a delivered inbox message and its outcome.
func (m *Metrics) RecordMessage(ctx context.Context, kind string, ok bool) {
	if m == nil {
		return
	}
	m.Messages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("message.kind", kind),
		attribute.Bool("success", ok),
	))
}
