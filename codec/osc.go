package codec

import (
	"fmt"
	"math"
	"time"

	"github.com/hypebeast/go-osc/osc"
)

// _immediate is the earliest time the wire format can carry; bundles stamped
// at or before it are delivered on arrival.
var _immediate = time.Unix(0, 0)

// OSCCodec speaks OSC 1.0 via go-osc.
type OSCCodec struct{}

// NewOSCCodec returns the OSC 1.0 codec.
func NewOSCCodec() *OSCCodec {
	return &OSCCodec{}
}

func (c *OSCCodec) newMessage(address string, args []any) (*osc.Message, error) {
	if address == "" || address[0] != '/' {
		return nil, fmt.Errorf("%w: address %q must start with '/'", ErrEncode, address)
	}
	msg := osc.NewMessage(address)
	for i, arg := range args {
		v, err := normalize(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: %s arg %d: %v", ErrEncode, address, i, err)
		}
		msg.Append(v)
	}
	return msg, nil
}

// Encode builds a single OSC message. Go int and unsigned values that fit
// are sent as int32; int64 stays int64.
func (c *OSCCodec) Encode(address string, args ...any) ([]byte, error) {
	msg, err := c.newMessage(address, args)
	if err != nil {
		return nil, err
	}
	b, err := msg.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return b, nil
}

// EncodeBundle wraps msgs in one bundle. A zero at is sent as "immediately".
func (c *OSCCodec) EncodeBundle(at time.Time, msgs ...*Message) ([]byte, error) {
	if at.IsZero() || at.Before(_immediate) {
		at = _immediate
	}
	bundle := osc.NewBundle(at)
	for _, m := range msgs {
		if m == nil {
			continue
		}
		msg, err := c.newMessage(m.Address, m.Args)
		if err != nil {
			return nil, err
		}
		if err := bundle.Append(msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncode, err)
		}
	}
	b, err := bundle.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return b, nil
}

// Decode flattens a packet. Messages of a bundle come before its nested
// bundles; each nested bundle keeps its own time.
func (c *OSCCodec) Decode(b []byte) ([]TimedMessage, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty packet", ErrDecode)
	}
	pkt, err := osc.ParsePacket(string(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	var out []TimedMessage
	switch p := pkt.(type) {
	case *osc.Message:
		out = append(out, TimedMessage{Message: fromOSC(p)})
	case *osc.Bundle:
		flatten(p, &out)
	default:
		return nil, fmt.Errorf("%w: unexpected packet %T", ErrDecode, pkt)
	}
	return out, nil
}

func flatten(b *osc.Bundle, out *[]TimedMessage) {
	at := b.Timetag.Time()
	if !at.After(_immediate) {
		at = time.Time{}
	}
	for _, m := range b.Messages {
		*out = append(*out, TimedMessage{Time: at, Message: fromOSC(m)})
	}
	for _, nested := range b.Bundles {
		flatten(nested, out)
	}
}

func fromOSC(m *osc.Message) Message {
	args := make([]any, len(m.Arguments))
	copy(args, m.Arguments)
	return Message{Address: m.Address, Args: args}
}

// normalize maps Go values onto the types OSC can carry: every integer kind
// becomes int32 when it fits and int64 otherwise.
func normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string, []byte, float32, float64, int32, int64:
		return x, nil
	case int:
		return narrow(int64(x)), nil
	case int8:
		return int32(x), nil
	case int16:
		return int32(x), nil
	case uint8:
		return int32(x), nil
	case uint16:
		return int32(x), nil
	case uint32:
		return narrow(int64(x)), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, fmt.Errorf("%d overflows int64", x)
		}
		return narrow(int64(x)), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("%d overflows int64", x)
		}
		return narrow(int64(x)), nil
	}
	return nil, fmt.Errorf("unsupported type %T", v)
}

func narrow(v int64) any {
	if v >= math.MinInt32 && v <= math.MaxInt32 {
		return int32(v)
	}
	return v
}
