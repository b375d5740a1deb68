package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/edmas/internal/domain/agent"
	"github.com/Strob0t/edmas/internal/logger"
	"github.com/Strob0t/edmas/internal/port/messagequeue"
)

// testConnect connects to NATS or skips the test if NATS_URL is not set.
func testConnect(t *testing.T) *Queue {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	q, err := Connect(context.Background(), url, WithName("edmas-test"))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := q.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return q
}

// testAgentID derives a per-test agent id so inbox subjects never collide
// with messages left in the stream by earlier runs.
func testAgentID(t *testing.T) string {
	return fmt.Sprintf("analyzer_%08x", uint32(xxhash.Sum64String(t.Name()+time.Now().String())))
}

// watchDLQ consumes the dead letter subject of subject with a raw JetStream
// consumer, bypassing Queue.Subscribe's validation.
func watchDLQ(t *testing.T, q *Queue, subject string) <-chan jetstream.Msg {
	t.Helper()
	cons, err := q.js.CreateOrUpdateConsumer(context.Background(), streamName, jetstream.ConsumerConfig{
		FilterSubject: dlqPrefix + subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		t.Fatalf("create DLQ consumer: %v", err)
	}
	out := make(chan jetstream.Msg, 8)
	sub, err := cons.Consume(func(msg jetstream.Msg) {
		_ = msg.Ack()
		select {
		case out <- msg:
		default:
		}
	})
	if err != nil {
		t.Fatalf("consume DLQ: %v", err)
	}
	t.Cleanup(sub.Stop)
	return out
}

func inboxMessage(t *testing.T, to, kind string) []byte {
	t.Helper()
	data, err := json.Marshal(messagequeue.AgentMessagePayload{
		ID:      "m-" + kind,
		From:    "risk_00000001",
		To:      to,
		Kind:    kind,
		Payload: json.RawMessage(`{"window":30}`),
		SentAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestQueue_AgentStateRecord(t *testing.T) {
	q := testConnect(t)
	ctx := logger.WithRequestID(context.Background(), "req-state-1")

	now := time.Now()
	st, err := agent.NewState(testAgentID(t), agent.TypeAnalyzer, agent.StatusActive, 0.42,
		now, now, "0123456789abcdef", 64.5, agent.WithCounts(1, 9))
	if err != nil {
		t.Fatal(err)
	}

	type delivery struct {
		reqID string
		rec   agent.Record
	}
	got := make(chan delivery, 8)
	stop, err := q.Subscribe(ctx, messagequeue.SubjectAgentState, func(ctx context.Context, _ string, d []byte) error {
		var p messagequeue.AgentStatePayload
		if err := json.Unmarshal(d, &p); err != nil {
			return err
		}
		select {
		case got <- delivery{reqID: logger.RequestID(ctx), rec: p.Record}:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	data, err := json.Marshal(messagequeue.AgentStatePayload{ProjectID: "test", Record: st.ToRecord()})
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Publish(ctx, messagequeue.SubjectAgentState, data); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case d := <-got:
			if d.rec[agent.KeyAgentID] != st.AgentID {
				continue
			}
			if d.reqID != "req-state-1" {
				t.Errorf("request ID = %q, want req-state-1", d.reqID)
			}
			decoded, err := agent.FromRecord(d.rec)
			if err != nil {
				t.Fatalf("FromRecord: %v", err)
			}
			if !decoded.Equal(st) {
				t.Fatalf("record changed in transit:\n got  %+v\n want %+v", decoded, st)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for agents.state message")
		}
	}
}

func TestQueue_InboxAddressing(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()
	id := testAgentID(t)
	subject := messagequeue.InboxSubject(id)
	dlq := watchDLQ(t, q, subject)

	var (
		mu    sync.Mutex
		kinds []string
		done  = make(chan struct{})
		once  sync.Once
	)
	stop, err := q.Subscribe(ctx, subject, func(_ context.Context, _ string, d []byte) error {
		var p messagequeue.AgentMessagePayload
		if err := json.Unmarshal(d, &p); err != nil {
			return err
		}
		mu.Lock()
		kinds = append(kinds, p.Kind)
		mu.Unlock()
		once.Do(func() { close(done) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	if err := q.Publish(ctx, subject, inboxMessage(t, "risk_ffffffff", "misaddressed")); err != nil {
		t.Fatalf("Publish misaddressed: %v", err)
	}
	if err := q.Publish(ctx, subject, inboxMessage(t, id, agent.KindConfigure)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-dlq:
		var p messagequeue.AgentMessagePayload
		if err := json.Unmarshal(msg.Data(), &p); err != nil {
			t.Fatal(err)
		}
		if p.Kind != "misaddressed" {
			t.Errorf("dead-lettered kind = %q, want misaddressed", p.Kind)
		}
		if msg.Headers().Get("X-Error") == "" {
			t.Error("dead letter carries no X-Error header")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for misaddressed message in DLQ")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inbox delivery")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 1 || kinds[0] != agent.KindConfigure {
		t.Errorf("handler saw %v, want only configure", kinds)
	}
}

func TestQueue_StatusSchemaRejected(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()
	subject := messagequeue.SubjectAgentStatus
	dlq := watchDLQ(t, q, subject)

	stop, err := q.Subscribe(ctx, subject, func(_ context.Context, _ string, _ []byte) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	id := testAgentID(t)
	bad := fmt.Sprintf(`{"agent_id":%q,"project_id":"test","from":"ACTIVE"}`, id)
	if err := q.Publish(ctx, subject, []byte(bad)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.After(10 * time.Second)
	for {
		select {
		case msg := <-dlq:
			if string(msg.Data()) == bad {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for status without a status in DLQ")
		}
	}
}

func TestQueue_HandlerFailureRedelivers(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()
	id := testAgentID(t)
	subject := messagequeue.InboxSubject(id)

	var calls atomic.Int32
	done := make(chan struct{})
	stop, err := q.Subscribe(ctx, subject, func(_ context.Context, _ string, _ []byte) error {
		switch calls.Add(1) {
		case 1:
			return errors.New("agent busy")
		case 2:
			close(done)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	if err := q.Publish(ctx, subject, inboxMessage(t, id, "signal")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("no redelivery after handler failure, calls=%d", calls.Load())
	}
}

func TestQueue_RetryExhaustionDeadLetters(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()
	id := testAgentID(t)
	subject := messagequeue.InboxSubject(id)
	dlq := watchDLQ(t, q, subject)

	stop, err := q.Subscribe(ctx, subject, func(_ context.Context, _ string, _ []byte) error {
		return errors.New("handler always fails")
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	// A message that already used its retry budget goes straight to the DLQ.
	data := inboxMessage(t, id, "signal")
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	msg.Header.Set(headerRetryCount, fmt.Sprint(maxRetries))
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		t.Fatalf("PublishMsg: %v", err)
	}

	select {
	case got := <-dlq:
		if string(got.Data()) != string(data) {
			t.Errorf("DLQ data = %s, want %s", got.Data(), data)
		}
		if got.Headers().Get("X-Error") != "handler always fails" {
			t.Errorf("X-Error = %q", got.Headers().Get("X-Error"))
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for DLQ message after retry exhaustion")
	}
}

func TestQueue_KeyValueStoresRecords(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()
	bucket := "edmas_test_" + fmt.Sprintf("%08x", uint32(xxhash.Sum64String(t.Name())))

	kv, err := q.KeyValue(ctx, bucket, time.Minute)
	if err != nil {
		t.Fatalf("KeyValue: %v", err)
	}
	t.Cleanup(func() { _ = q.js.DeleteKeyValue(context.Background(), bucket) })
	if _, err := q.KeyValue(ctx, bucket, time.Minute); err != nil {
		t.Fatalf("KeyValue on existing bucket: %v", err)
	}

	now := time.Now()
	st, err := agent.NewState(testAgentID(t), agent.TypeRisk, agent.StatusPaused, 0.5, now, now, "h", 1)
	if err != nil {
		t.Fatal(err)
	}
	data, err := agent.MarshalRecord(st)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := kv.Put(ctx, st.AgentID, data); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entry, err := kv.Get(ctx, st.AgentID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got, err := agent.UnmarshalRecord(entry.Value())
	if err != nil {
		t.Fatalf("UnmarshalRecord: %v", err)
	}
	if !got.Equal(st) {
		t.Errorf("stored %+v, want %+v", got, st)
	}
}

func TestQueue_IsConnected(t *testing.T) {
	q := testConnect(t)
	if !q.IsConnected() {
		t.Error("IsConnected() = false after Connect, want true")
	}
}

func TestConnectOptions(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		want int
	}{
		{"none", nil, 0},
		{"credentials", []Option{WithCredentials("/etc/edmas/nats.creds")}, 1},
		{"empty credentials path", []Option{WithCredentials("")}, 0},
		{"name and credentials", []Option{WithName("edmas-prod"), WithCredentials("/x.creds")}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []nats.Option
			for _, o := range tt.opts {
				o(&got)
			}
			if len(got) != tt.want {
				t.Errorf("got %d nats options, want %d", len(got), tt.want)
			}
		})
	}
}

func TestRetryCount(t *testing.T) {
	tests := []struct {
		name string
		h    nats.Header
		want int
	}{
		{"nil header", nil, 0},
		{"missing", nats.Header{}, 0},
		{"garbage", nats.Header{headerRetryCount: []string{"x"}}, 0},
		{"set", nats.Header{headerRetryCount: []string{"2"}}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryCount(tt.h); got != tt.want {
				t.Errorf("retryCount = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCopyHeaderIsDeep(t *testing.T) {
	h := nats.Header{"A": []string{"1"}}
	c := copyHeader(h)
	c["A"][0] = "2"
	if h.Get("A") != "1" {
		t.Fatal("copyHeader shares slices with the source")
	}
}
