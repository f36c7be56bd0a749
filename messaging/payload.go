package messaging

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/serialization"
)

// Payload is a lazily decoded view of a packet's data
type Payload struct {
	event string
	data  []byte
	codec serialization.Codec
	types serialization.TypeRegistry
}

func newPayload(p *contracts.Packet, codec serialization.Codec, types serialization.TypeRegistry) *Payload {
	return &Payload{
		event: p.Event,
		data:  p.Data,
		codec: codec,
		types: types,
	}
}

// NewPayload builds a payload outside of a Messenger, for driving listeners
// directly. A nil codec decodes JSON.
func NewPayload(event string, data []byte, codec serialization.Codec) *Payload {
	if codec == nil {
		codec = serialization.NewJSONCodec()
	}
	return &Payload{event: event, data: data, codec: codec}
}

// Event returns the event name the payload was published under. For replies
// this is the channel the request went out on.
func (p *Payload) Event() string {
	return p.event
}

// Raw returns the encoded payload bytes
func (p *Payload) Raw() []byte {
	return p.data
}

// Empty reports whether the packet carried no data
func (p *Payload) Empty() bool {
	return len(p.data) == 0
}

// Decode unmarshals the payload into v
func (p *Payload) Decode(v any) error {
	return p.codec.Decode(p.data, v)
}

// Value decodes the payload into a new instance of the type registered for its
// event, see WithEventTypes
func (p *Payload) Value() (any, error) {
	if p.types == nil {
		return nil, fmt.Errorf("no type registry configured for event %s", p.event)
	}
	v, err := p.types.CreateInstance(p.event)
	if err != nil {
		return nil, err
	}
	if err := p.Decode(v); err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeAs decodes a payload into a value of type T
func DecodeAs[T any](p *Payload) (T, error) {
	var v T
	err := p.Decode(&v)
	return v, err
}

// Reply sends the single allowed answer to a packet that carried a callback id.
// A nil *Reply means the publisher did not ask for one.
type Reply struct {
	sent atomic.Bool
	send func(ctx context.Context, value any) error
}

// Send publishes value as the reply. Only the first call publishes; later calls
// return nil without doing anything.
func (r *Reply) Send(ctx context.Context, value any) error {
	if r == nil {
		return ErrNoReplyExpected
	}
	if !r.sent.CompareAndSwap(false, true) {
		return nil
	}
	return r.send(ctx, value)
}

// Sent reports whether Send has been called
func (r *Reply) Sent() bool {
	return r != nil && r.sent.Load()
}
