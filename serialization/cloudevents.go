package serialization

import (
	"encoding/json"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/types"
	"github.com/google/uuid"

	"github.com/glimte/mmate-relay/contracts"
)

const (
	// CloudEvents type attributes for the two packet types
	EventTypeEvent    = "relay.event"
	EventTypeCallback = "relay.callback"

	extCallbackID = "relaycallbackid"
	extSignature  = "relaysignature"
	extSkipSelf   = "relayskipself"

	defaultSource = "/relay"
)

// CloudEventsCodec encodes packets as structured-mode JSON CloudEvents.
// Payload values are plain JSON, as with JSONCodec.
type CloudEventsCodec struct {
	JSONCodec
	source string
}

// CloudEventsOption configures the codec
type CloudEventsOption func(*CloudEventsCodec)

// WithSource sets the CloudEvents source attribute of encoded packets
func WithSource(source string) CloudEventsOption {
	return func(c *CloudEventsCodec) {
		c.source = source
	}
}

// NewCloudEventsCodec creates a CloudEvents codec
func NewCloudEventsCodec(options ...CloudEventsOption) *CloudEventsCodec {
	c := &CloudEventsCodec{source: defaultSource}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// EncodePacket implements Codec
func (c *CloudEventsCodec) EncodePacket(p *contracts.Packet) (string, error) {
	if err := checkEncodable(p); err != nil {
		return "", err
	}

	e := cloudevents.NewEvent()
	e.SetSource(c.source)
	e.SetSubject(p.Event)

	switch p.Type {
	case contracts.PacketTypeCallback:
		e.SetType(EventTypeCallback)
	default:
		e.SetType(EventTypeEvent)
	}

	if p.CallbackID != "" {
		e.SetID(p.CallbackID)
		e.SetExtension(extCallbackID, p.CallbackID)
	} else {
		e.SetID(uuid.New().String())
	}
	if p.Signature != "" {
		e.SetExtension(extSignature, p.Signature)
	}
	e.SetExtension(extSkipSelf, p.SkipSelf)

	if len(p.Data) > 0 {
		// Set directly: SetData would base64 a []byte and re-escape a RawMessage
		e.SetDataContentType(cloudevents.ApplicationJSON)
		e.DataEncoded = p.Data
		e.DataBase64 = false
	}

	body, err := marshalJSON(e)
	if err != nil {
		return "", fmt.Errorf("failed to encode cloudevent: %w", err)
	}
	return string(body), nil
}

// DecodePacket implements Codec
func (c *CloudEventsCodec) DecodePacket(s string) (*contracts.Packet, error) {
	e := cloudevents.NewEvent()
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return nil, &contracts.MalformedPacketError{Reason: "invalid cloudevent", Err: err}
	}
	if err := e.Validate(); err != nil {
		return nil, &contracts.MalformedPacketError{Reason: "invalid cloudevent", Err: err}
	}

	p := &contracts.Packet{Event: e.Subject()}

	switch e.Type() {
	case EventTypeEvent:
		p.Type = contracts.PacketTypeEvent
	case EventTypeCallback:
		p.Type = contracts.PacketTypeCallback
	default:
		return nil, &contracts.MalformedPacketError{Field: "type", Reason: fmt.Sprintf("unknown event type %q", e.Type())}
	}

	ext := e.Extensions()
	var err error
	if v, ok := ext[extCallbackID]; ok {
		if p.CallbackID, err = types.ToString(v); err != nil {
			return nil, &contracts.MalformedPacketError{Field: "callbackId", Err: err}
		}
	}
	if v, ok := ext[extSignature]; ok {
		if p.Signature, err = types.ToString(v); err != nil {
			return nil, &contracts.MalformedPacketError{Field: "signature", Err: err}
		}
	}
	if v, ok := ext[extSkipSelf]; ok {
		if p.SkipSelf, err = types.ToBool(v); err != nil {
			return nil, &contracts.MalformedPacketError{Field: "skipSelf", Err: err}
		}
	}

	if data := e.Data(); len(data) > 0 {
		p.Data = append([]byte(nil), data...)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
