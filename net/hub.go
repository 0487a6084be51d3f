package net

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/lcx/oscroute/metrics"
)

const hubQueueSize = 1024

// HubAddr is the physical address of every endpoint on a Hub, the way
// sockets sharing one host and port look to each other.
type HubAddr string

// Network is "hub".
func (a HubAddr) Network() string { return "hub" }
func (a HubAddr) String() string  { return string(a) }

type hubPacket struct {
	data []byte
	from net.Addr
}

// Hub is an in-memory multicast channel. Everything written by one of its
// connections is delivered to all of them, the writer included, like a
// multicast socket with loopback enabled.
type Hub struct {
	addr HubAddr

	mu    sync.RWMutex
	conns map[*hubConn]struct{}
}

// NewHub creates a hub whose endpoints share addr.
func NewHub(addr string) *Hub {
	return &Hub{addr: HubAddr(addr), conns: make(map[*hubConn]struct{})}
}

var (
	_processHubOnce sync.Once
	_processHub     *Hub
)

// ProcessHub is the hub behind the "virtual" transport.
func ProcessHub() *Hub {
	_processHubOnce.Do(func() {
		_processHub = NewHub("127.0.0.1:5001")
	})
	return _processHub
}

// Addr is the physical address shared by the hub's connections.
func (h *Hub) Addr() net.Addr {
	return h.addr
}

// Listen opens a connection on the hub.
func (h *Hub) Listen() net.PacketConn {
	c := &hubConn{
		hub:    h,
		queue:  make(chan hubPacket, hubQueueSize),
		wake:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// Inject delivers data to every connection as if it was sent from a
// different host.
func (h *Hub) Inject(data []byte, from net.Addr) {
	h.broadcast(data, from)
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) broadcast(data []byte, from net.Addr) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		c.enqueue(hubPacket{data: append([]byte(nil), data...), from: from})
	}
}

func (h *Hub) remove(c *hubConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

type hubConn struct {
	hub   *Hub
	queue chan hubPacket

	mu       sync.Mutex
	deadline time.Time
	wake     chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *hubConn) enqueue(p hubPacket) {
	select {
	case <-c.closed:
	case c.queue <- p:
	default:
		metrics.IncrCounterWithGroup(metricsGroup, "hub_dropped_total", 1)
	}
}

func (c *hubConn) ReadFrom(b []byte) (int, net.Addr, error) {
	for {
		c.mu.Lock()
		deadline, wake := c.deadline, c.wake
		c.mu.Unlock()

		var timeout <-chan time.Time
		var timer *time.Timer
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, nil, os.ErrDeadlineExceeded
			}
			timer = time.NewTimer(d)
			timeout = timer.C
		}

		select {
		case <-c.closed:
			stopTimer(timer)
			return 0, nil, net.ErrClosed
		case p := <-c.queue:
			stopTimer(timer)
			return copy(b, p.data), p.from, nil
		case <-timeout:
			return 0, nil, os.ErrDeadlineExceeded
		case <-wake:
			stopTimer(timer)
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// WriteTo ignores addr: every write reaches the whole hub.
func (c *hubConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	c.hub.broadcast(b, c.hub.addr)
	return len(b), nil
}

func (c *hubConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.hub.remove(c)
	})
	return nil
}

func (c *hubConn) LocalAddr() net.Addr {
	return c.hub.addr
}

func (c *hubConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *hubConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	close(c.wake)
	c.wake = make(chan struct{})
	c.mu.Unlock()
	return nil
}

func (c *hubConn) SetWriteDeadline(time.Time) error {
	return nil
}
