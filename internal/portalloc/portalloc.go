// Package portalloc hands out and reclaims unique local TCP ports from a
// configured range for backend subprocesses to bind to.
package portalloc

import (
	"fmt"
	"net"
	"sync"
)

// Allocator serializes port allocation over a contiguous range. A port
// handed out by Allocate is never reissued until the caller explicitly
// Releases it, and a bind probe reclaims ports leaked by processes that
// crashed without releasing (spec section 7 policy).
type Allocator struct {
	mu       sync.Mutex
	base     int
	size     int
	assigned map[int]bool
}

func New(base, size int) *Allocator {
	return &Allocator{base: base, size: size, assigned: make(map[int]bool)}
}

// Allocate returns the lowest port in range that is neither already
// assigned by this allocator nor currently bindable-but-refused by the OS
// (i.e. it is actually free). Concurrent calls are serialized.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for offset := 0; offset < a.size; offset++ {
		port := a.base + offset
		if a.assigned[port] {
			continue
		}
		if !probeBindable(port) {
			continue
		}
		a.assigned[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("portalloc: no free port in range [%d, %d)", a.base, a.base+a.size)
}

// Release returns a port to the pool. Idempotent: releasing a port that
// was never assigned (or already released) is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.assigned, port)
}

// probeBindable checks, by actually binding and immediately closing, that
// the OS considers the port free. This is how ports leaked by crashed
// backends (which never called Release) get reclaimed.
func probeBindable(port int) bool {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
