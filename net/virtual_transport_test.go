package net

import (
	"context"
	"math/rand"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVirtualEndpoints(t *testing.T, hub *Hub, n int, opts ...VirtualOption) []*VirtualTransport {
	t.Helper()
	alloc := NewAllocator(rand.New(rand.NewSource(int64(n))))
	out := make([]*VirtualTransport, n)
	for i := range out {
		vt, err := NewVirtualTransport(hub.Listen(), hub.Addr(), append([]VirtualOption{WithAllocator(alloc)}, opts...)...)
		require.NoError(t, err)
		t.Cleanup(func() { _ = vt.Close() })
		out[i] = vt
	}
	return out
}

// receiveNext skips discarded frames until a datagram arrives.
func receiveNext(t *testing.T, tr Transport) *Datagram {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		dg, err := tr.Receive(ctx)
		require.NoError(t, err)
		if dg != nil {
			return dg
		}
	}
}

// assertQuiet checks that only discarded frames are pending.
func assertQuiet(t *testing.T, tr Transport) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	for {
		dg, err := tr.Receive(ctx)
		if err != nil {
			assert.ErrorIs(t, err, context.DeadlineExceeded)
			return
		}
		require.Nil(t, dg, "unexpected datagram from %v", dg)
	}
}

func TestNewVirtualTransport(t *testing.T) {
	_, err := NewVirtualTransport(nil, HubAddr("x"))
	assert.Error(t, err)

	hub := NewHub("127.0.0.1:6001")
	vts := newVirtualEndpoints(t, hub, 2)
	assert.NotEqual(t, vts[0].LocalAddr(), vts[1].LocalAddr())
	assert.Equal(t, hub.Addr(), vts[0].PhysicalAddr())
	assert.Equal(t, 2, hub.Len())
}

func TestVirtualTransportUnicast(t *testing.T) {
	hub := NewHub("127.0.0.1:6002")
	vts := newVirtualEndpoints(t, hub, 3)
	x, y, z := vts[0], vts[1], vts[2]

	dst := y.LocalAddr()
	require.NoError(t, x.Send([]byte("/ping"), &dst))

	dg := receiveNext(t, y)
	assert.Equal(t, []byte("/ping"), dg.Payload)
	assert.Equal(t, x.LocalAddr(), dg.Sender)

	assertQuiet(t, x)
	assertQuiet(t, z)
}

func TestVirtualTransportBroadcast(t *testing.T) {
	hub := NewHub("127.0.0.1:6003")
	vts := newVirtualEndpoints(t, hub, 3)

	require.NoError(t, vts[0].Send([]byte("all"), nil))
	for _, vt := range vts[1:] {
		dg := receiveNext(t, vt)
		assert.Equal(t, []byte("all"), dg.Payload)
		assert.Equal(t, vts[0].LocalAddr(), dg.Sender)
	}
	assertQuiet(t, vts[0])
}

func TestVirtualTransportPassesForeignFrames(t *testing.T) {
	hub := NewHub("127.0.0.1:6004")
	vt := newVirtualEndpoints(t, hub, 1)[0]

	hub.Inject([]byte("/raw"), &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 9000})
	dg := receiveNext(t, vt)
	assert.Equal(t, []byte("/raw"), dg.Payload)
	assert.Equal(t, Address{Host: "203.0.113.9", Port: 9000}, dg.Sender)
}

func TestVirtualTransportDiscardsMalformedEnvelope(t *testing.T) {
	hub := NewHub("127.0.0.1:6005")
	vt := newVirtualEndpoints(t, hub, 1)[0]

	hub.Inject([]byte("garbage"), hub.Addr())
	dg, err := vt.Receive(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, dg)
}

func TestVirtualTransportProtoEnvelope(t *testing.T) {
	hub := NewHub("127.0.0.1:6006")
	vts := newVirtualEndpoints(t, hub, 2, WithEnvelopeCodec(ProtoEnvelopeCodec{}))

	require.NoError(t, vts[0].Send([]byte{0, 1, 2}, nil))
	dg := receiveNext(t, vts[1])
	assert.Equal(t, []byte{0, 1, 2}, dg.Payload)
}

func TestVirtualTransportLocalCheck(t *testing.T) {
	hub := NewHub("127.0.0.1:6007")
	vt := newVirtualEndpoints(t, hub, 1, WithLocalCheck(func(net.Addr) bool { return false }))

	// everything is foreign, so even an envelope is handed over raw
	frame, err := JSONEnvelopeCodec{}.Encode(&Envelope{Sender: Address{Host: "v192.168.1.1", Port: 2000}, Data: []byte("x")})
	require.NoError(t, err)
	hub.Inject(frame, hub.Addr())

	dg := receiveNext(t, vt[0])
	assert.Equal(t, frame, dg.Payload)
	assert.Equal(t, AddressOf(hub.Addr()), dg.Sender)
}

func TestVirtualTransportReceiveTimeout(t *testing.T) {
	vt := newVirtualEndpoints(t, NewHub("127.0.0.1:6008"), 1)[0]

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := vt.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ctx, cancel = context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	_, err = vt.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVirtualTransportReceiveAfterTimeout(t *testing.T) {
	vt := newVirtualEndpoints(t, NewHub("127.0.0.1:6031"), 2)
	dst := vt[0].LocalAddr()

	for i := 0; i < 200; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		_, err := vt[0].Receive(ctx)
		cancel()
		require.ErrorIs(t, err, context.DeadlineExceeded)

		require.NoError(t, vt[1].Send([]byte{byte(i)}, &dst))
		ctx, cancel = context.WithCancel(context.Background())
		dg, err := vt[0].Receive(ctx)
		cancel()
		require.NoError(t, err, "iteration %d", i)
		require.NotNil(t, dg)
		assert.Equal(t, []byte{byte(i)}, dg.Payload)
	}
}

func TestVirtualTransportClose(t *testing.T) {
	hub := NewHub("127.0.0.1:6009")
	vt := newVirtualEndpoints(t, hub, 1)[0]

	require.NoError(t, vt.Close())
	assert.NoError(t, vt.Close())
	assert.Equal(t, 0, hub.Len())

	_, err := vt.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, vt.Send([]byte("x"), nil), ErrClosed)
}

func TestSameHost(t *testing.T) {
	local := &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 5001}
	isLocal := sameHost(local)

	assert.True(t, isLocal(local))
	assert.True(t, isLocal(&net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 40000}))
	assert.True(t, isLocal(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}))
	assert.False(t, isLocal(&net.UDPAddr{IP: net.ParseIP("198.51.100.7"), Port: 5001}))
	assert.False(t, isLocal(nil))
	assert.False(t, sameHost(nil)(local))
}

func TestHubDeadline(t *testing.T) {
	hub := NewHub("127.0.0.1:6010")
	conn := hub.Listen()
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Millisecond)))
	_, _, err := conn.ReadFrom(make([]byte, 8))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	// without a deadline the read waits for the next write
	require.NoError(t, conn.SetReadDeadline(time.Time{}))
	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = conn.WriteTo([]byte("late"), nil)
	}()
	buf := make([]byte, 8)
	n, from, err := conn.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "late", string(buf[:n]))
	assert.Equal(t, hub.Addr(), from)
}
