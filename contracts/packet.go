package contracts

import (
	"bytes"
	"fmt"
)

// PacketType distinguishes routed events from correlated replies
type PacketType int

const (
	// PacketTypeEvent is routed to listeners by event name
	PacketTypeEvent PacketType = 0
	// PacketTypeCallback is routed to pending reply handlers by callback ID
	PacketTypeCallback PacketType = 1
)

// String returns the wire-independent name of the type
func (t PacketType) String() string {
	switch t {
	case PacketTypeEvent:
		return "event"
	case PacketTypeCallback:
		return "callback"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Valid reports whether t is one of the known packet types
func (t PacketType) Valid() bool {
	return t == PacketTypeEvent || t == PacketTypeCallback
}

// PacketTypeOf maps a wire id to its PacketType. Unknown ids are an error, never a default.
func PacketTypeOf(id int) (PacketType, error) {
	t := PacketType(id)
	if !t.Valid() {
		return 0, &MalformedPacketError{Field: "type", Reason: fmt.Sprintf("unknown packet type %d", id)}
	}
	return t, nil
}

// Packet is the message exchanged over a channel
type Packet struct {
	// Signature identifies the publishing instance; empty unless SkipSelf is requested
	Signature string
	Type      PacketType
	// Event routes EVENT packets to listeners. Replies carry the origin channel here.
	Event string
	// Data is the codec's encoding of the application payload
	Data []byte
	// CallbackID is set iff the publisher expects a reply
	CallbackID string
	SkipSelf   bool
}

// NewEventPacket creates an EVENT packet
func NewEventPacket(event string, data []byte) *Packet {
	return &Packet{
		Type:  PacketTypeEvent,
		Event: event,
		Data:  data,
	}
}

// NewCallbackPacket creates a CALLBACK packet answering callbackID
func NewCallbackPacket(callbackID, channel string, data []byte) *Packet {
	return &Packet{
		Type:       PacketTypeCallback,
		Event:      channel,
		Data:       data,
		CallbackID: callbackID,
	}
}

// Sign marks the packet to be skipped by the instance with the given signature
func (p *Packet) Sign(signature string) *Packet {
	p.Signature = signature
	p.SkipSelf = true
	return p
}

// ExpectsReply reports whether a reply is correlated to this packet
func (p *Packet) ExpectsReply() bool {
	return p.CallbackID != ""
}

// IsFrom reports whether the receiving instance with the given signature must drop the packet
func (p *Packet) IsFrom(signature string) bool {
	return p.SkipSelf && p.Signature == signature
}

// Validate checks the structural invariants of the packet
func (p *Packet) Validate() error {
	if p == nil {
		return &MalformedPacketError{Reason: "packet is nil"}
	}
	if !p.Type.Valid() {
		return &MalformedPacketError{Field: "type", Reason: fmt.Sprintf("unknown packet type %d", int(p.Type))}
	}
	if p.Type == PacketTypeEvent && p.Event == "" {
		return &MalformedPacketError{Field: "event", Reason: "event packet without event name"}
	}
	if p.Type == PacketTypeCallback && p.CallbackID == "" {
		return &MalformedPacketError{Field: "callbackId", Reason: "callback packet without callback id"}
	}
	if p.SkipSelf && p.Signature == "" {
		return &MalformedPacketError{Field: "signature", Reason: "skipSelf requires a signature"}
	}
	return nil
}

// Equal compares two packets field by field
func (p *Packet) Equal(other *Packet) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.Signature == other.Signature &&
		p.Type == other.Type &&
		p.Event == other.Event &&
		bytes.Equal(p.Data, other.Data) &&
		p.CallbackID == other.CallbackID &&
		p.SkipSelf == other.SkipSelf
}
