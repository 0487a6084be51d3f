// Package codec converts between OSC messages and their wire bytes.
package codec

import (
	"errors"
	"time"
)

var (
	errCodecNotInit = errors.New("codec not init")

	// ErrEncode is returned for messages the wire format cannot carry.
	ErrEncode = errors.New("codec: encode")
	// ErrDecode is returned for bytes that are not a valid packet.
	ErrDecode = errors.New("codec: decode")

	_codec Codec = NewOSCCodec()
)

// Message is an address plus its ordered arguments.
type Message struct {
	Address string
	Args    []any
}

// TimedMessage is a decoded message and the time it should be delivered.
// A zero Time means immediately.
type TimedMessage struct {
	Time    time.Time
	Message Message
}

// Codec encodes messages and bundles and decodes packets into a flat,
// ordered list of timed messages.
type Codec interface {
	Encode(address string, args ...any) ([]byte, error)
	EncodeBundle(at time.Time, msgs ...*Message) ([]byte, error)
	Decode(b []byte) ([]TimedMessage, error)
}

// Encode encodes a single message with the installed codec.
func Encode(address string, args ...any) ([]byte, error) {
	if _codec == nil {
		return nil, errCodecNotInit
	}
	return _codec.Encode(address, args...)
}

// EncodeBundle encodes msgs as one bundle delivered at at.
func EncodeBundle(at time.Time, msgs ...*Message) ([]byte, error) {
	if _codec == nil {
		return nil, errCodecNotInit
	}
	return _codec.EncodeBundle(at, msgs...)
}

// Decode decodes a packet with the installed codec.
func Decode(b []byte) ([]TimedMessage, error) {
	if _codec == nil {
		return nil, errCodecNotInit
	}
	return _codec.Decode(b)
}

// SetCodec installs c as the package codec.
func SetCodec(c Codec) {
	_codec = c
}

// Default returns the installed codec.
func Default() Codec {
	return _codec
}
