package net

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/lcx/oscroute/metrics"
)

const (
	virtualHostPrefix = "v192.168"
	minVirtualPort    = 1024
	maxVirtualPort    = 65535
)

// Allocator hands out unique virtual endpoint addresses. Allocation draws a
// random host and port and retries on collision; the check and the insert
// happen under one lock, so concurrent transports never share an address.
type Allocator struct {
	mu    sync.Mutex
	rnd   *rand.Rand
	taken map[Address]struct{}
}

// NewAllocator draws from rnd; a nil rnd is seeded from the time. Pass a
// seeded source for reproducible addresses.
func NewAllocator(rnd *rand.Rand) *Allocator {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Allocator{rnd: rnd, taken: make(map[Address]struct{})}
}

var _defaultAllocator = NewAllocator(nil)

// DefaultAllocator is shared by every transport that is not given its own.
func DefaultAllocator() *Allocator {
	return _defaultAllocator
}

// Allocate returns an address no earlier call has returned.
func (a *Allocator) Allocate() Address {
	a.mu.Lock()
	defer a.mu.Unlock()

	for {
		addr := Address{
			Host: fmt.Sprintf("%s.%d.%d", virtualHostPrefix, a.rnd.Intn(256), a.rnd.Intn(256)),
			Port: minVirtualPort + a.rnd.Intn(maxVirtualPort-minVirtualPort+1),
		}
		if _, dup := a.taken[addr]; !dup {
			a.taken[addr] = struct{}{}
			return addr
		}
		metrics.IncrCounterWithGroup(metricsGroup, "allocation_retries_total", 1)
	}
}

// Allocated reports whether addr has been handed out.
func (a *Allocator) Allocated(addr Address) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.taken[addr]
	return ok
}

// Len returns how many addresses have been handed out.
func (a *Allocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.taken)
}
