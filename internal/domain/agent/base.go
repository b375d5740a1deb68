package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"runtime"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/Strob0t/edmas/internal/domain"
)

const bytesPerMB = 1 << 20

// Base implements the identity, configuration and default heartbeat parts
// of Agent. Specialised agents embed it and override what they need.
type Base struct {
	id        string
	agentType string

	projectID       string
	credentialsPath string

	mu     sync.RWMutex
	config map[string]any
	hash   string
	score  float64
}

// BaseOption configures a Base.
type BaseOption func(*Base)

// WithID assigns a fixed identifier instead of a generated one.
func WithID(id string) BaseOption {
	return func(b *Base) { b.id = id }
}

// WithConfig sets the initial configuration.
func WithConfig(cfg map[string]any) BaseOption {
	return func(b *Base) { b.config = maps.Clone(cfg) }
}

// WithStore records the document-store scope the agent belongs to. The
// connection itself is owned by the process, not the agent.
func WithStore(projectID, credentialsPath string) BaseOption {
	return func(b *Base) {
		b.projectID = projectID
		b.credentialsPath = credentialsPath
	}
}

// NewBase creates a Base of the given type. Without WithID the identifier is
// generated by NewID.
func NewBase(agentType string, opts ...BaseOption) *Base {
	if agentType == "" {
		agentType = TypeGeneric
	}
	b := &Base{agentType: agentType}
	for _, o := range opts {
		o(b)
	}
	if b.id == "" {
		b.id = NewID(agentType)
	}
	b.hash = fingerprint(b.config)
	return b
}

func (b *Base) ID() string   { return b.id }
func (b *Base) Type() string { return b.agentType }

// ProjectID returns the document-store project, empty when unscoped.
func (b *Base) ProjectID() string { return b.projectID }

// CredentialsPath returns the document-store credentials file, if any.
func (b *Base) CredentialsPath() string { return b.credentialsPath }

// ConfigurationHash returns the fingerprint of the active configuration.
func (b *Base) ConfigurationHash() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hash
}

// Config returns a copy of the active configuration.
func (b *Base) Config() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.config)
}

// SetConfig replaces the configuration and recomputes its fingerprint.
func (b *Base) SetConfig(cfg map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.config = maps.Clone(cfg)
	b.hash = fingerprint(b.config)
}

// SetPerformance records the score reported on the next heartbeat.
func (b *Base) SetPerformance(score float64) {
	b.mu.Lock()
	b.score = score
	b.mu.Unlock()
}

// Heartbeat reports the process heap size and the last recorded score.
func (b *Base) Heartbeat(_ context.Context) (Report, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	b.mu.RLock()
	score := b.score
	b.mu.RUnlock()

	return Report{
		MemoryUsageMB:    float64(ms.HeapAlloc) / bytesPerMB,
		PerformanceScore: score,
	}, nil
}

// HandleMessage accepts KindConfigure messages whose payload is a JSON
// object replacing the configuration.
func (b *Base) HandleMessage(_ context.Context, msg Message) error {
	if msg.Kind != KindConfigure {
		return fmt.Errorf("%w: unsupported message kind %q", domain.ErrValidation, msg.Kind)
	}
	var cfg map[string]any
	if err := json.Unmarshal(msg.Payload, &cfg); err != nil || cfg == nil {
		return fmt.Errorf("%w: configure payload must be a JSON object", domain.ErrValidation)
	}
	b.SetConfig(cfg)
	return nil
}

// fingerprint hashes the canonical JSON form of cfg. encoding/json sorts map
// keys, so equal configurations hash equally.
func fingerprint(cfg map[string]any) string {
	if cfg == nil {
		cfg = map[string]any{}
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		data = fmt.Appendf(nil, "%v", cfg)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}
