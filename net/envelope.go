package net

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	EnvelopeJSON  = "json"
	EnvelopeProto = "proto"

	fieldSender = "sender_address"
	fieldTo     = "to_address"
	fieldData   = "data"
)

// Envelope wraps a payload travelling between virtual endpoints. A nil To
// addresses every endpoint.
type Envelope struct {
	Sender Address
	To     *Address
	Data   []byte
}

// EnvelopeCodec serializes envelopes. Decode rejects anything that is not
// an object with exactly the sender, destination and data fields, wrapping
// ErrMalformedEnvelope.
type EnvelopeCodec interface {
	Name() string
	Encode(e *Envelope) ([]byte, error)
	Decode(b []byte) (*Envelope, error)
}

// NewEnvelopeCodec returns the codec for format; "" selects JSON.
func NewEnvelopeCodec(format string) (EnvelopeCodec, error) {
	switch format {
	case "", EnvelopeJSON:
		return JSONEnvelopeCodec{}, nil
	case EnvelopeProto:
		return ProtoEnvelopeCodec{}, nil
	}
	return nil, fmt.Errorf("unknown envelope format %q", format)
}

func envelopeFields(e *Envelope) map[string]any {
	var to any
	if e.To != nil {
		to = []any{e.To.Host, e.To.Port}
	}
	return map[string]any{
		fieldSender: []any{e.Sender.Host, e.Sender.Port},
		fieldTo:     to,
		fieldData:   base64.StdEncoding.EncodeToString(e.Data),
	}
}

func envelopeFromFields(fields map[string]any) (*Envelope, error) {
	if len(fields) != 3 {
		return nil, fmt.Errorf("%w: want 3 fields, got %d", ErrMalformedEnvelope, len(fields))
	}
	for _, k := range []string{fieldSender, fieldTo, fieldData} {
		if _, ok := fields[k]; !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrMalformedEnvelope, k)
		}
	}

	sender, err := addressValue(fields[fieldSender])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, fieldSender, err)
	}
	e := &Envelope{Sender: sender}

	if fields[fieldTo] != nil {
		to, err := addressValue(fields[fieldTo])
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, fieldTo, err)
		}
		e.To = &to
	}

	text, ok := fields[fieldData].(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T, want string", ErrMalformedEnvelope, fieldData, fields[fieldData])
	}
	if e.Data, err = base64.StdEncoding.DecodeString(text); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, fieldData, err)
	}
	return e, nil
}

func addressValue(v any) (Address, error) {
	pair, ok := v.([]any)
	if !ok || len(pair) != 2 {
		return Address{}, fmt.Errorf("want [host, port], got %v", v)
	}
	host, ok := pair[0].(string)
	if !ok {
		return Address{}, fmt.Errorf("host is %T", pair[0])
	}

	var port float64
	switch p := pair[1].(type) {
	case json.Number:
		f, err := p.Float64()
		if err != nil {
			return Address{}, err
		}
		port = f
	case float64:
		port = p
	default:
		return Address{}, fmt.Errorf("port is %T", pair[1])
	}
	if port != math.Trunc(port) || port < 0 || port > 65535 {
		return Address{}, fmt.Errorf("port %v out of range", port)
	}
	return Address{Host: host, Port: int(port)}, nil
}

// JSONEnvelopeCodec writes envelopes as JSON objects.
type JSONEnvelopeCodec struct{}

// Name returns EnvelopeJSON.
func (JSONEnvelopeCodec) Name() string { return EnvelopeJSON }

// Encode writes the sender_address, to_address and data keys; data is base64.
func (JSONEnvelopeCodec) Encode(e *Envelope) ([]byte, error) {
	return json.Marshal(envelopeFields(e))
}

// Decode accepts exactly one JSON object carrying the three envelope keys.
// Anything after the object makes the frame malformed.
func (JSONEnvelopeCodec) Decode(b []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedEnvelope)
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedEnvelope)
	}
	return envelopeFromFields(fields)
}

// ProtoEnvelopeCodec writes envelopes as a binary google.protobuf.Struct.
type ProtoEnvelopeCodec struct{}

// Name returns EnvelopeProto.
func (ProtoEnvelopeCodec) Name() string { return EnvelopeProto }

// Encode stores the JSON form's three keys in a Struct.
func (ProtoEnvelopeCodec) Encode(e *Envelope) ([]byte, error) {
	s, err := structpb.NewStruct(envelopeFields(e))
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// Decode reads a Struct and applies the same key and type rules as the
// JSON form.
func (ProtoEnvelopeCodec) Decode(b []byte) (*Envelope, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return envelopeFromFields(s.AsMap())
}
