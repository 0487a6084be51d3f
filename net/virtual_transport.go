package net

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/lcx/oscroute/log"
	"github.com/lcx/oscroute/metrics"
)

const defaultMaxPacketSize = 65507

// VirtualOption customizes a VirtualTransport.
type VirtualOption func(*VirtualTransport)

// WithAllocator draws the endpoint address from a instead of
// DefaultAllocator.
func WithAllocator(a *Allocator) VirtualOption {
	return func(t *VirtualTransport) { t.allocator = a }
}

// WithEnvelopeCodec frames envelopes with c instead of JSON.
func WithEnvelopeCodec(c EnvelopeCodec) VirtualOption {
	return func(t *VirtualTransport) { t.codec = c }
}

// WithLocalCheck decides which physical senders belong to this host; their
// frames are envelopes, everything else passes through unchanged.
func WithLocalCheck(isLocal func(net.Addr) bool) VirtualOption {
	return func(t *VirtualTransport) { t.isLocal = isLocal }
}

// WithVirtualLogger sends the transport's log output to l.
func WithVirtualLogger(l log.Logger) VirtualOption {
	return func(t *VirtualTransport) { t.logger = l }
}

// WithMaxPacketSize bounds the frames read from the physical channel.
func WithMaxPacketSize(n int) VirtualOption {
	return func(t *VirtualTransport) { t.maxPacketSize = n }
}

// VirtualTransport gives an endpoint its own virtual address on a physical
// channel shared with other endpoints of the same host. Every send is
// wrapped in an envelope and written to the channel's group address; on
// receive, envelopes addressed to someone else are discarded.
type VirtualTransport struct {
	conn          net.PacketConn
	group         net.Addr
	local         Address
	allocator     *Allocator
	codec         EnvelopeCodec
	isLocal       func(net.Addr) bool
	logger        log.Logger
	maxPacketSize int

	closeOnce sync.Once
}

// NewVirtualTransport takes ownership of conn and writes every frame to
// group.
func NewVirtualTransport(conn net.PacketConn, group net.Addr, opts ...VirtualOption) (*VirtualTransport, error) {
	if conn == nil || group == nil {
		return nil, errors.New("virtual transport needs a connection and a group address")
	}
	t := &VirtualTransport{conn: conn, group: group}
	for _, opt := range opts {
		opt(t)
	}
	if t.allocator == nil {
		t.allocator = DefaultAllocator()
	}
	if t.codec == nil {
		t.codec = JSONEnvelopeCodec{}
	}
	if t.isLocal == nil {
		t.isLocal = sameHost(conn.LocalAddr())
	}
	if t.logger == nil {
		t.logger = log.Default()
	}
	if t.maxPacketSize <= 0 {
		t.maxPacketSize = defaultMaxPacketSize
	}
	t.local = t.allocator.Allocate()
	return t, nil
}

// LocalAddr is the endpoint's virtual address.
func (t *VirtualTransport) LocalAddr() Address {
	return t.local
}

// PhysicalAddr is the address of the shared channel.
func (t *VirtualTransport) PhysicalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Send wraps payload in an envelope and writes it to the physical group.
func (t *VirtualTransport) Send(payload []byte, dst *Address) error {
	frame, err := t.codec.Encode(&Envelope{Sender: t.local, To: dst, Data: payload})
	if err != nil {
		return err
	}
	if _, err := t.conn.WriteTo(frame, t.group); err != nil {
		return closedOr(err)
	}
	metrics.IncrCounterWithDimGroup(metricsGroup, "sent_total", 1, map[string]string{"transport": "virtual"})
	return nil
}

// Receive reads one frame. Frames from other hosts pass through as they
// are; local frames are unwrapped and kept only when addressed to this
// endpoint or broadcast, and not sent by it.
func (t *VirtualTransport) Receive(ctx context.Context) (*Datagram, error) {
	buf := make([]byte, t.maxPacketSize)
	n, from, err := readPacket(ctx, t.conn, buf)
	if err != nil {
		return nil, err
	}
	frame := buf[:n]

	if !t.isLocal(from) {
		return &Datagram{Payload: frame, Sender: AddressOf(from)}, nil
	}

	env, err := t.codec.Decode(frame)
	if err != nil {
		metrics.IncrCounterWithGroup(metricsGroup, "malformed_envelopes_total", 1)
		t.logger.Warn().Str("from", from.String()).Int("size", n).Err(err).Msg("discarding frame")
		return nil, nil
	}
	if env.Sender == t.local {
		return nil, nil
	}
	if env.To != nil && *env.To != t.local {
		return nil, nil
	}
	return &Datagram{Payload: env.Data, Sender: env.Sender}, nil
}

// Close releases the physical connection. It is safe to call twice.
func (t *VirtualTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close()
	})
	return err
}

// sameHost treats a sender as local when it has local's address or sends
// from one of this host's interfaces. Ports are not compared: endpoints may
// send from a port other than the one they listen on.
func sameHost(local net.Addr) func(net.Addr) bool {
	return func(from net.Addr) bool {
		if from == nil || local == nil {
			return false
		}
		if from.String() == local.String() {
			return true
		}
		fu, ok := from.(*net.UDPAddr)
		if !ok {
			return false
		}
		if lu, ok := local.(*net.UDPAddr); ok && !lu.IP.IsUnspecified() && fu.IP.Equal(lu.IP) {
			return true
		}
		return fu.IP.IsLoopback() || isInterfaceIP(fu.IP)
	}
}

var interfaceIPs = sync.OnceValue(func() []net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			ips = append(ips, ipn.IP)
		}
	}
	return ips
})

func isInterfaceIP(ip net.IP) bool {
	for _, own := range interfaceIPs() {
		if own.Equal(ip) {
			return true
		}
	}
	return false
}
