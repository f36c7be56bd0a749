package messaging

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/glimte/mmate-relay/contracts"
)

// ListenerFunc handles an EVENT packet. reply is nil unless the publisher asked for an answer.
type ListenerFunc func(ctx context.Context, channel string, payload *Payload, reply *Reply) error

type listenerEntry struct {
	handler       ListenerFunc
	replySkipSelf bool
}

type listenerBucket struct {
	mu      sync.RWMutex
	entries []listenerEntry
}

// ListenerTable routes EVENT packets received on one channel or pattern to the
// listeners registered for the packet's event name.
type ListenerTable struct {
	target  string
	pattern bool
	cfg     TableConfig
	buckets sync.Map // event -> *listenerBucket
}

// NewListenerTable creates an empty table for a channel or pattern
func NewListenerTable(target string, pattern bool, cfg TableConfig) *ListenerTable {
	return &ListenerTable{
		target:  target,
		pattern: pattern,
		cfg:     cfg.withDefaults(),
	}
}

// Target returns the channel or pattern the table serves
func (t *ListenerTable) Target() string {
	return t.target
}

// Pattern reports whether the target is a glob pattern
func (t *ListenerTable) Pattern() bool {
	return t.pattern
}

// Register appends handler to the event's bucket. Every dispatch that starts
// after Register returns sees the handler. replySkipSelf signs replies so this
// instance's own callback table ignores them.
func (t *ListenerTable) Register(event string, handler ListenerFunc, replySkipSelf bool) error {
	if event == "" {
		return fmt.Errorf("event cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	v, _ := t.buckets.LoadOrStore(event, &listenerBucket{})
	b := v.(*listenerBucket)

	b.mu.Lock()
	b.entries = append(b.entries, listenerEntry{handler: handler, replySkipSelf: replySkipSelf})
	count := len(b.entries)
	b.mu.Unlock()

	t.cfg.Logger.Debug("registered listener",
		"target", t.target,
		"pattern", t.pattern,
		"event", event,
		"listeners", count)

	return nil
}

// Listeners returns how many handlers are registered for event
func (t *ListenerTable) Listeners(event string) int {
	v, ok := t.buckets.Load(event)
	if !ok {
		return 0
	}
	b := v.(*listenerBucket)
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// HandleMessage dispatches one raw delivery. Handlers run in registration order
// on the calling goroutine; a failing handler does not stop the others.
func (t *ListenerTable) HandleMessage(ctx context.Context, channel, raw string) {
	p, ok := t.cfg.accept(channel, raw)
	if !ok {
		return
	}
	if p.Type != contracts.PacketTypeEvent {
		return
	}

	var entries []listenerEntry
	if v, ok := t.buckets.Load(p.Event); ok {
		b := v.(*listenerBucket)
		b.mu.RLock()
		entries = b.entries
		b.mu.RUnlock()
	}

	if len(entries) == 0 {
		t.cfg.Logger.Debug("no listeners for event",
			"channel", channel,
			"event", p.Event)
		t.cfg.Metrics.RecordDrop(channel, DropNoListener)
		return
	}

	payload := newPayload(p, t.cfg.Codec, t.cfg.Types)
	for _, e := range entries {
		t.invoke(ctx, channel, p, e, payload)
	}

	t.cfg.Metrics.RecordDelivery(channel, contracts.PacketTypeEvent.String())
}

func (t *ListenerTable) invoke(ctx context.Context, channel string, p *contracts.Packet, e listenerEntry, payload *Payload) {
	defer func() {
		if r := recover(); r != nil {
			t.cfg.Logger.Error("listener panicked",
				"channel", channel,
				"event", p.Event,
				"panic", r,
				"stack", string(debug.Stack()))
			t.cfg.Metrics.RecordHandlerError(channel, p.Event)
		}
	}()

	if err := e.handler(ctx, channel, payload, t.replyFor(channel, p, e.replySkipSelf)); err != nil {
		t.cfg.Logger.Error("listener failed",
			"channel", channel,
			"event", p.Event,
			"error", err)
		t.cfg.Metrics.RecordHandlerError(channel, p.Event)
	}
}

// replyFor builds the send-once reply for one handler invocation
func (t *ListenerTable) replyFor(channel string, p *contracts.Packet, replySkipSelf bool) *Reply {
	if !p.ExpectsReply() {
		return nil
	}

	callbackID := p.CallbackID
	skipSelf := p.SkipSelf || replySkipSelf

	return &Reply{send: func(ctx context.Context, value any) error {
		if t.cfg.Publish == nil {
			return errors.New("listener table has no publisher")
		}

		data, err := t.cfg.Codec.Encode(value)
		if err != nil {
			return fmt.Errorf("failed to encode reply: %w", err)
		}

		packet := contracts.NewCallbackPacket(callbackID, channel, data)
		if skipSelf {
			packet.Sign(t.cfg.Signature)
		}

		wire, err := t.cfg.Codec.EncodePacket(packet)
		if err != nil {
			return fmt.Errorf("failed to encode reply packet: %w", err)
		}

		if _, err := t.cfg.Publish(ctx, channel, wire); err != nil {
			return fmt.Errorf("failed to publish reply to %s: %w", channel, err)
		}
		return nil
	}}
}
