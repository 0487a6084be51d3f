// Package net carries encoded OSC datagrams between endpoints and routes
// them into handler tables. Transports move raw payloads, the Router decodes
// them and the Dispatcher invokes the matching handlers.
package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

var (
	// ErrClosed is returned by a transport used after Close.
	ErrClosed = errors.New("net: transport closed")
	// ErrMalformedEnvelope is returned when a virtual envelope cannot be decoded.
	ErrMalformedEnvelope = errors.New("net: malformed envelope")
)

// Address is a transport endpoint. Virtual endpoints use hosts outside any
// real address family (e.g. "v192.168.4.17").
type Address struct {
	Host string
	Port int
}

// String formats the address as host:port.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// ParseAddress parses host:port.
func ParseAddress(s string) (Address, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return Address{}, fmt.Errorf("parse address %q: bad port", s)
	}
	return Address{Host: host, Port: p}, nil
}

// AddressOf converts a socket address.
func AddressOf(addr net.Addr) Address {
	switch a := addr.(type) {
	case nil:
		return Address{}
	case *net.UDPAddr:
		return Address{Host: a.IP.String(), Port: a.Port}
	}
	if parsed, err := ParseAddress(addr.String()); err == nil {
		return parsed
	}
	return Address{Host: addr.String()}
}

// Datagram is one received payload and the address it came from.
type Datagram struct {
	Payload []byte
	Sender  Address
}

// Transport sends and receives whole datagrams.
type Transport interface {
	// LocalAddr is the address peers see as sender.
	LocalAddr() Address

	// Send delivers payload to dst, or to every endpoint when dst is nil.
	Send(payload []byte, dst *Address) error

	// Receive blocks until a datagram arrives or ctx is done. A nil datagram
	// with a nil error means a frame was read and discarded.
	Receive(ctx context.Context) (*Datagram, error)

	Close() error
}

// readPacket reads one frame from conn, honouring ctx for deadline and
// cancellation.
func readPacket(ctx context.Context, conn net.PacketConn, buf []byte) (int, net.Addr, error) {
	deadline, _ := ctx.Deadline()
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, nil, closedOr(err)
	}
	// A callback that already started must finish before the next read
	// clears the deadline, or it would cut that read short.
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
		close(fired)
	})
	defer func() {
		if !stop() {
			<-fired
		}
	}()

	n, addr, err := conn.ReadFrom(buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, nil, ctxErr
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, nil, context.DeadlineExceeded
		}
		return 0, nil, closedOr(err)
	}
	return n, addr, nil
}

func closedOr(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}
