// Package registry publishes the decoders running in this process so status
// endpoints (and other instances, with the Redis backend) can list them.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/hwdec/internal/decoder"
)

var (
	// ErrDecoderNotFound is returned for an unknown decoder ID
	ErrDecoderNotFound = errors.New("decoder not found")
	// ErrDecoderExists is returned when registering a live ID twice
	ErrDecoderExists = errors.New("decoder already registered")
)

// Decoder is the published record of one decode controller.
type Decoder struct {
	ID            string        `json:"id"`
	Instance      string        `json:"instance"`
	Codec         string        `json:"codec"`
	Width         int           `json:"width"`
	Height        int           `json:"height"`
	Input         string        `json:"input"`
	Stats         decoder.Stats `json:"stats"`
	CreatedAt     time.Time     `json:"created_at"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
}

// Registry stores decoder records.
type Registry interface {
	// Register adds a decoder. The ID must not be live.
	Register(ctx context.Context, d *Decoder) error

	// Unregister removes a decoder
	Unregister(ctx context.Context, id string) error

	// Get retrieves a decoder by ID
	Get(ctx context.Context, id string) (*Decoder, error)

	// List returns all live decoders ordered by ID
	List(ctx context.Context) ([]*Decoder, error)

	// UpdateHeartbeat refreshes the decoder's liveness
	UpdateHeartbeat(ctx context.Context, id string) error

	// UpdateStats replaces the decoder's stats snapshot
	UpdateStats(ctx context.Context, id string, stats decoder.Stats) error

	// Close releases resources held by the registry
	Close() error
}

// MemoryRegistry is the in-process registry used when no Redis is
// configured. Records expire after ttl without a heartbeat; 0 keeps them.
type MemoryRegistry struct {
	mu       sync.RWMutex
	decoders map[string]*Decoder
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryRegistry creates an in-memory registry.
func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	return &MemoryRegistry{
		decoders: make(map[string]*Decoder),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (m *MemoryRegistry) expired(d *Decoder) bool {
	return m.ttl > 0 && m.now().Sub(d.LastHeartbeat) > m.ttl
}

func (m *MemoryRegistry) Register(ctx context.Context, d *Decoder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.decoders[d.ID]; ok && !m.expired(existing) {
		return ErrDecoderExists
	}
	rec := *d
	rec.CreatedAt = m.now()
	rec.LastHeartbeat = rec.CreatedAt
	m.decoders[d.ID] = &rec
	return nil
}

func (m *MemoryRegistry) Unregister(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.decoders[id]; !ok {
		return ErrDecoderNotFound
	}
	delete(m.decoders, id)
	return nil
}

func (m *MemoryRegistry) Get(ctx context.Context, id string) (*Decoder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.decoders[id]
	if !ok || m.expired(d) {
		return nil, ErrDecoderNotFound
	}
	rec := *d
	return &rec, nil
}

func (m *MemoryRegistry) List(ctx context.Context) ([]*Decoder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Decoder, 0, len(m.decoders))
	for id, d := range m.decoders {
		if m.expired(d) {
			delete(m.decoders, id)
			continue
		}
		rec := *d
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRegistry) UpdateHeartbeat(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.decoders[id]
	if !ok || m.expired(d) {
		return ErrDecoderNotFound
	}
	d.LastHeartbeat = m.now()
	return nil
}

func (m *MemoryRegistry) UpdateStats(ctx context.Context, id string, stats decoder.Stats) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.decoders[id]
	if !ok || m.expired(d) {
		return ErrDecoderNotFound
	}
	d.Stats = stats
	d.LastHeartbeat = m.now()
	return nil
}

func (m *MemoryRegistry) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decoders = make(map[string]*Decoder)
	return nil
}
