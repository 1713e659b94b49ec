package device

import (
	"errors"
	"sort"
	"sync"
)

// ErrNoPorts is returned when every debugger port is in use.
var ErrNoPorts = errors.New("no debugger port available")

// PortPool hands out debugger proxy ports. Free ports are kept sorted and
// the lowest one is handed out first; the pool grows one port at a time
// from base, up to count ports when count is positive.
type PortPool struct {
	mu    sync.Mutex
	base  int
	count int
	free  []int
}

// NewPortPool returns a pool starting at base.
func NewPortPool(base, count int) *PortPool {
	return &PortPool{base: base, count: count, free: []int{base}}
}

// Get removes and returns the lowest free port.
func (p *PortPool) Get() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, ErrNoPorts
	}
	port := p.free[0]
	p.free = p.free[1:]
	if len(p.free) == 0 && p.inRange(port+1) {
		p.free = append(p.free, port+1)
	}
	return port, nil
}

// Put returns a port to the pool. Ports outside of the pool range and
// ports already free are ignored.
func (p *PortPool) Put(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inRange(port) {
		return
	}
	i := sort.SearchInts(p.free, port)
	if i < len(p.free) && p.free[i] == port {
		return
	}
	p.free = append(p.free, 0)
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = port
}

// Free returns a copy of the free ports.
func (p *PortPool) Free() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.free...)
}

func (p *PortPool) inRange(port int) bool {
	if port < p.base {
		return false
	}
	return p.count <= 0 || port < p.base+p.count
}
