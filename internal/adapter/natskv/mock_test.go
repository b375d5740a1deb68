package natskv

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// memKV is an in-memory jetstream.KeyValue with revision semantics close
// enough to a real bucket for the store and cache tests.
type memKV struct {
	mu      sync.Mutex
	rev     uint64
	entries map[string]*memEntry
	purged  []string
}

func newMemKV() *memKV {
	return &memKV{entries: make(map[string]*memEntry)}
}

func (m *memKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.op != jetstream.KeyValuePut {
		return nil, jetstream.ErrKeyNotFound
	}
	c := *e
	return &c, nil
}

func (m *memKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(key, value), nil
}

func (m *memKV) Create(_ context.Context, key string, value []byte, _ ...jetstream.KVCreateOpt) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.op == jetstream.KeyValuePut {
		return 0, jetstream.ErrKeyExists
	}
	return m.write(key, value), nil
}

func (m *memKV) Update(_ context.Context, key string, value []byte, last uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.rev != last {
		return 0, jetstream.ErrKeyExists
	}
	return m.write(key, value), nil
}

func (m *memKV) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		m.rev++
		e.op = jetstream.KeyValueDelete
		e.rev = m.rev
		e.value = nil
	}
	return nil
}

func (m *memKV) Purge(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	m.purged = append(m.purged, key)
	return nil
}

func (m *memKV) ListKeys(_ context.Context, _ ...jetstream.WatchOpt) (jetstream.KeyLister, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan string, len(m.entries))
	for k, e := range m.entries {
		if e.op == jetstream.KeyValuePut {
			ch <- k
		}
	}
	close(ch)
	return memLister(ch), nil
}

// write must be called with mu held.
func (m *memKV) write(key string, value []byte) uint64 {
	m.rev++
	m.entries[key] = &memEntry{key: key, value: append([]byte(nil), value...), rev: m.rev, op: jetstream.KeyValuePut}
	return m.rev
}

// Remaining jetstream.KeyValue methods are unused by the adapters.
func (m *memKV) Bucket() string                                          { return "test" }
func (m *memKV) PutString(_ context.Context, _, _ string) (uint64, error) { return 0, nil }
func (m *memKV) GetRevision(_ context.Context, _ string, _ uint64) (jetstream.KeyValueEntry, error) {
	return nil, jetstream.ErrKeyNotFound
}
func (m *memKV) Keys(_ context.Context, _ ...jetstream.WatchOpt) ([]string, error) { return nil, nil }
func (m *memKV) ListKeysFiltered(_ context.Context, _ ...string) (jetstream.KeyLister, error) {
	return nil, nil
}
func (m *memKV) History(_ context.Context, _ string, _ ...jetstream.WatchOpt) ([]jetstream.KeyValueEntry, error) {
	return nil, nil
}
func (m *memKV) Watch(_ context.Context, _ string, _ ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	return nil, nil
}
func (m *memKV) WatchAll(_ context.Context, _ ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	return nil, nil
}
func (m *memKV) WatchFiltered(_ context.Context, _ []string, _ ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	return nil, nil
}
func (m *memKV) Status(_ context.Context) (jetstream.KeyValueStatus, error)      { return nil, nil }
func (m *memKV) PurgeDeletes(_ context.Context, _ ...jetstream.KVPurgeOpt) error { return nil }

type memEntry struct {
	key   string
	value []byte
	rev   uint64
	op    jetstream.KeyValueOp
}

func (e *memEntry) Bucket() string                  { return "test" }
func (e *memEntry) Key() string                     { return e.key }
func (e *memEntry) Value() []byte                   { return e.value }
func (e *memEntry) Revision() uint64                { return e.rev }
func (e *memEntry) Created() time.Time              { return time.Time{} }
func (e *memEntry) Delta() uint64                   { return 0 }
func (e *memEntry) Operation() jetstream.KeyValueOp { return e.op }

type memLister chan string

func (l memLister) Keys() <-chan string { return l }
func (l memLister) Stop() error         { return nil }
