// Package allocator assigns public TCP ports to tunnels from a fixed
// range without colliding with any currently active tunnel.
//
// Policy: monotonic-first. Fresh ports are handed out in increasing order;
// ports released by stopped tunnels are parked on a FIFO recycle queue
// that is only drawn from once the fresh range runs out. A just-released
// port is therefore never immediately reassigned (avoiding TIME_WAIT
// collisions and clients holding stale addresses), while the range is
// still not permanently exhaustible.
package allocator

import (
	"fmt"
	"sync"

	"github.com/portgate/portgate/internal/domain"
)

// Allocator hands out public ports from [base, max] inclusive.
type Allocator struct {
	mu       sync.Mutex
	base     int
	max      int
	next     int
	recycled []int
	inUse    map[int]bool
}

// New creates an allocator over [base, max]. It panics on an inverted or
// out-of-range configuration; config validation rejects those earlier.
func New(base, max int) *Allocator {
	if base <= 0 || max < base || max > 65535 {
		panic(fmt.Sprintf("allocator: invalid port range %d..%d", base, max))
	}
	return &Allocator{
		base:  base,
		max:   max,
		next:  base,
		inUse: make(map[int]bool),
	}
}

// Allocate returns a public port not held by any active tunnel, or
// [domain.ErrPortsExhausted] when the range is fully in use.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.next <= a.max {
		p := a.next
		a.next++
		a.inUse[p] = true
		return p, nil
	}
	for len(a.recycled) > 0 {
		p := a.recycled[0]
		a.recycled = a.recycled[1:]
		if a.inUse[p] {
			continue
		}
		a.inUse[p] = true
		return p, nil
	}
	return 0, domain.ErrPortsExhausted
}

// Release returns port to the recycle queue. Releasing a port that is not
// currently allocated is a no-op, which keeps stop idempotent-safe.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.inUse[port] {
		return
	}
	delete(a.inUse, port)
	a.recycled = append(a.recycled, port)
}

// InUse reports whether port is currently allocated.
func (a *Allocator) InUse(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse[port]
}
