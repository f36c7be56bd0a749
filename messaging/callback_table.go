package messaging

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/contracts"
)

// CallbackFunc handles a CALLBACK packet answering an earlier publish
type CallbackFunc func(ctx context.Context, channel string, payload *Payload) error

type callbackEntry struct {
	expiresAt time.Time
	handler   CallbackFunc
}

type callbackBucket struct {
	mu      sync.Mutex
	entries []callbackEntry
	// dead is set once the sweep has unlinked the bucket from the table
	dead bool
}

// CallbackTable correlates CALLBACK packets on one channel with the handlers
// waiting for them. Entries expire after the table's TTL and are removed by
// Sweep, or by Discard when their packet was never published.
type CallbackTable struct {
	channel string
	ttl     time.Duration
	cfg     TableConfig

	// lifecycle orders Register against Retire
	lifecycle sync.RWMutex
	retired   bool

	buckets sync.Map // callback id -> *callbackBucket
}

// NewCallbackTable creates an empty table for a channel
func NewCallbackTable(channel string, ttl time.Duration, cfg TableConfig) *CallbackTable {
	return &CallbackTable{
		channel: channel,
		ttl:     ttl,
		cfg:     cfg.withDefaults(),
	}
}

// Channel returns the channel the table serves
func (t *CallbackTable) Channel() string {
	return t.channel
}

// Register appends handler under callbackID with expiry now+TTL. It returns false
// if the table has been retired; the caller must then use a fresh table.
func (t *CallbackTable) Register(callbackID string, handler CallbackFunc) bool {
	t.lifecycle.RLock()
	defer t.lifecycle.RUnlock()

	if t.retired {
		return false
	}

	entry := callbackEntry{
		expiresAt: t.cfg.Now().Add(t.ttl),
		handler:   handler,
	}

	for {
		v, _ := t.buckets.LoadOrStore(callbackID, &callbackBucket{})
		b := v.(*callbackBucket)

		b.mu.Lock()
		if b.dead {
			// Already unlinked by a concurrent sweep, the next LoadOrStore creates a new one
			b.mu.Unlock()
			continue
		}
		b.entries = append(b.entries, entry)
		b.mu.Unlock()
		return true
	}
}

// HandleMessage delivers one raw delivery to every unexpired handler waiting on
// its callback id. Expired entries are skipped, not removed.
func (t *CallbackTable) HandleMessage(ctx context.Context, channel, raw string) {
	p, ok := t.cfg.accept(channel, raw)
	if !ok {
		return
	}
	if p.Type != contracts.PacketTypeCallback {
		return
	}

	var live []CallbackFunc
	if v, ok := t.buckets.Load(p.CallbackID); ok {
		b := v.(*callbackBucket)
		now := t.cfg.Now()

		b.mu.Lock()
		for _, e := range b.entries {
			if e.expiresAt.After(now) {
				live = append(live, e.handler)
			}
		}
		b.mu.Unlock()
	}

	if len(live) == 0 {
		t.cfg.Logger.Debug("no pending callback for reply",
			"channel", channel,
			"callbackId", p.CallbackID)
		t.cfg.Metrics.RecordDrop(channel, DropUnknownCallback)
		return
	}

	payload := newPayload(p, t.cfg.Codec, t.cfg.Types)
	for _, handler := range live {
		t.invoke(ctx, channel, p.CallbackID, handler, payload)
	}

	t.cfg.Metrics.RecordDelivery(channel, contracts.PacketTypeCallback.String())
}

func (t *CallbackTable) invoke(ctx context.Context, channel, callbackID string, handler CallbackFunc, payload *Payload) {
	defer func() {
		if r := recover(); r != nil {
			t.cfg.Logger.Error("callback panicked",
				"channel", channel,
				"callbackId", callbackID,
				"panic", r,
				"stack", string(debug.Stack()))
			t.cfg.Metrics.RecordHandlerError(channel, callbackID)
		}
	}()

	if err := handler(ctx, channel, payload); err != nil {
		t.cfg.Logger.Error("callback failed",
			"channel", channel,
			"callbackId", callbackID,
			"error", err)
		t.cfg.Metrics.RecordHandlerError(channel, callbackID)
	}
}

// Sweep removes every entry with expiresAt <= now and drops emptied ids.
// It returns the number of entries removed.
func (t *CallbackTable) Sweep(now time.Time) int {
	removed := 0

	t.buckets.Range(func(key, value any) bool {
		b := value.(*callbackBucket)

		b.mu.Lock()
		defer b.mu.Unlock()

		kept := b.entries[:0]
		for _, e := range b.entries {
			if e.expiresAt.After(now) {
				kept = append(kept, e)
			} else {
				removed++
			}
		}
		for i := len(kept); i < len(b.entries); i++ {
			b.entries[i] = callbackEntry{}
		}
		b.entries = kept

		if len(kept) == 0 {
			b.dead = true
			t.buckets.CompareAndDelete(key, value)
		}
		return true
	})

	if removed > 0 {
		t.cfg.Logger.Debug("swept expired callbacks",
			"channel", t.channel,
			"removed", removed)
	}

	return removed
}

// Discard removes every entry under callbackID and returns how many there were.
// It is meant for ids whose packet never went out; lookups never remove entries.
func (t *CallbackTable) Discard(callbackID string) int {
	v, ok := t.buckets.Load(callbackID)
	if !ok {
		return 0
	}
	b := v.(*callbackBucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.entries)
	b.entries = nil
	b.dead = true
	t.buckets.CompareAndDelete(callbackID, v)
	return n
}

// IsEmpty reports whether no callback id is pending
func (t *CallbackTable) IsEmpty() bool {
	empty := true
	t.buckets.Range(func(_, _ any) bool {
		empty = false
		return false
	})
	return empty
}

// Pending returns the number of entries registered under callbackID, expired or not
func (t *CallbackTable) Pending(callbackID string) int {
	v, ok := t.buckets.Load(callbackID)
	if !ok {
		return 0
	}
	b := v.(*callbackBucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Retire marks an empty table as finished so no further Register succeeds.
// It returns false, leaving the table usable, if entries are still pending.
func (t *CallbackTable) Retire() bool {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	if t.retired {
		return true
	}
	if !t.IsEmpty() {
		return false
	}
	t.retired = true
	return true
}

// Retired reports whether Retire has succeeded
func (t *CallbackTable) Retired() bool {
	t.lifecycle.RLock()
	defer t.lifecycle.RUnlock()
	return t.retired
}
