// Package registry holds the authoritative in-memory map of tunnels.
// It is the single source of truth for what is currently forwarding.
package registry

import (
	"sync"

	"github.com/portgate/portgate/internal/domain"
)

// Registry maps tunnel IDs to tunnel records. All mutations go through
// the lifecycle controller; the mutex makes Put/Remove/ActiveCount atomic
// with respect to each other.
type Registry struct {
	mu      sync.RWMutex
	tunnels map[string]*domain.Tunnel
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tunnels: make(map[string]*domain.Tunnel)}
}

// Put inserts a new record. It fails with [domain.ErrDuplicateID] if the
// ID is already present, enforcing the uniqueness contract rather than
// assuming UUID generation never collides.
func (r *Registry) Put(t *domain.Tunnel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tunnels[t.ID]; exists {
		return domain.ErrDuplicateID
	}
	r.tunnels[t.ID] = t
	return nil
}

// Get returns the record for id or [domain.ErrTunnelNotFound].
func (r *Registry) Get(id string) (*domain.Tunnel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tunnels[id]
	if !ok {
		return nil, domain.ErrTunnelNotFound
	}
	return t, nil
}

// Remove deletes the record for id or fails with [domain.ErrTunnelNotFound].
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tunnels[id]; !ok {
		return domain.ErrTunnelNotFound
	}
	delete(r.tunnels, id)
	return nil
}

// ActiveCount returns the number of records in state active.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, t := range r.tunnels {
		if t.State == domain.TunnelStateActive {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of all current records, for enumeration without
// holding the lock.
func (r *Registry) Snapshot() []domain.Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		out = append(out, *t)
	}
	return out
}
