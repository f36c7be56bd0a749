package serialization

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/glimte/mmate-relay/contracts"
)

// ErrEmptyPayload is returned when decoding a packet that carries no data
var ErrEmptyPayload = errors.New("serialization: empty payload")

// Codec converts application values to the opaque payload form and packets to their wire form
type Codec interface {
	// Encode converts an application value to payload bytes
	Encode(v any) ([]byte, error)

	// Decode converts payload bytes into v, which must be a pointer
	Decode(data []byte, v any) error

	// EncodePacket converts a packet to its wire string
	EncodePacket(p *contracts.Packet) (string, error)

	// DecodePacket parses a wire string. Failures match contracts.ErrMalformedPacket.
	DecodePacket(s string) (*contracts.Packet, error)
}

// JSONCodec encodes payloads and packets as JSON
type JSONCodec struct{}

// NewJSONCodec creates the default codec
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

// wirePacket is the JSON shape of a packet on the wire
type wirePacket struct {
	Signature  string          `json:"signature,omitempty"`
	Type       *int            `json:"type"`
	Event      string          `json:"event,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	CallbackID string          `json:"callbackId,omitempty"`
	SkipSelf   bool            `json:"skipSelf"`
}

// Encode implements Codec
func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return marshalJSON(v)
}

// Decode implements Codec
func (c *JSONCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return ErrEmptyPayload
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}

// EncodePacket implements Codec
func (c *JSONCodec) EncodePacket(p *contracts.Packet) (string, error) {
	if err := checkEncodable(p); err != nil {
		return "", err
	}

	typeID := int(p.Type)
	body, err := marshalJSON(wirePacket{
		Signature:  p.Signature,
		Type:       &typeID,
		Event:      p.Event,
		Data:       json.RawMessage(p.Data),
		CallbackID: p.CallbackID,
		SkipSelf:   p.SkipSelf,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode packet: %w", err)
	}
	return string(body), nil
}

// DecodePacket implements Codec
func (c *JSONCodec) DecodePacket(s string) (*contracts.Packet, error) {
	var wire wirePacket
	if err := json.Unmarshal([]byte(s), &wire); err != nil {
		return nil, &contracts.MalformedPacketError{Reason: "invalid json", Err: err}
	}
	if wire.Type == nil {
		return nil, &contracts.MalformedPacketError{Field: "type", Reason: "missing packet type"}
	}

	packetType, err := contracts.PacketTypeOf(*wire.Type)
	if err != nil {
		return nil, err
	}

	p := &contracts.Packet{
		Signature:  wire.Signature,
		Type:       packetType,
		Event:      wire.Event,
		CallbackID: wire.CallbackID,
		SkipSelf:   wire.SkipSelf,
	}
	if len(wire.Data) > 0 {
		p.Data = []byte(wire.Data)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// checkEncodable rejects packets the wire form would silently rewrite: JSON
// strings cannot carry invalid UTF-8, and raw payloads are emitted compacted.
func checkEncodable(p *contracts.Packet) error {
	if err := p.Validate(); err != nil {
		return err
	}

	for _, f := range []struct{ name, value string }{
		{"signature", p.Signature},
		{"event", p.Event},
		{"callbackId", p.CallbackID},
	} {
		if !utf8.ValidString(f.value) {
			return &contracts.MalformedPacketError{Field: f.name, Reason: "not valid UTF-8"}
		}
	}

	if len(p.Data) == 0 {
		return nil
	}
	if !json.Valid(p.Data) {
		return &contracts.MalformedPacketError{Field: "data", Reason: "payload is not valid JSON"}
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, p.Data); err != nil {
		return &contracts.MalformedPacketError{Field: "data", Reason: "payload is not valid JSON", Err: err}
	}
	if !bytes.Equal(compact.Bytes(), p.Data) {
		return &contracts.MalformedPacketError{Field: "data", Reason: "payload JSON must be compact"}
	}
	return nil
}

// marshalJSON encodes without HTML escaping so raw payloads survive a round trip byte for byte
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
