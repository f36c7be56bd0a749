// Package memory provides an in-process Transport. Delivery is exact and
// synchronous up to each subscriber's inbox, which makes it the transport of
// choice for tests and single-process setups.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-relay/internal/glob"
	"github.com/glimte/mmate-relay/messaging"
)

var (
	// ErrClosed is returned by every operation after Close
	ErrClosed = errors.New("memory: transport is closed")

	// ErrOffline is returned while the transport is simulating an outage
	ErrOffline = fmt.Errorf("memory: transport offline: %w", messaging.ErrConnectionLost)
)

const defaultInboxSize = 1024

type subscriber struct {
	targets []string
	pattern bool
	inbox   chan messaging.Message
	gone    <-chan struct{}
}

func (s *subscriber) match(channel string) (string, bool) {
	for _, target := range s.targets {
		if s.pattern {
			if glob.Match(target, channel) {
				return target, true
			}
		} else if target == channel {
			return "", true
		}
	}
	return "", false
}

// Transport is an in-process messaging.Transport
type Transport struct {
	mu        sync.RWMutex
	subs      map[*subscriber]struct{}
	closed    bool
	offline   bool
	down      chan struct{}
	inboxSize int
	logger    *slog.Logger
}

// Option configures the transport
type Option func(*Transport)

// WithInboxSize sets how many undelivered messages each subscriber buffers
func WithInboxSize(size int) Option {
	return func(t *Transport) {
		if size > 0 {
			t.inboxSize = size
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// New creates an empty transport
func New(options ...Option) *Transport {
	t := &Transport{
		subs:      make(map[*subscriber]struct{}),
		down:      make(chan struct{}),
		inboxSize: defaultInboxSize,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// Publish implements messaging.Transport. The count is the number of
// subscriptions the payload was queued for.
func (t *Transport) Publish(ctx context.Context, channel, payload string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	type target struct {
		sub *subscriber
		msg messaging.Message
	}

	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return 0, ErrClosed
	}
	if t.offline {
		t.mu.RUnlock()
		return 0, ErrOffline
	}
	var targets []target
	for sub := range t.subs {
		if pattern, ok := sub.match(channel); ok {
			targets = append(targets, target{sub: sub, msg: messaging.Message{Pattern: pattern, Channel: channel, Payload: payload}})
		}
	}
	t.mu.RUnlock()

	var received int64
	for _, tg := range targets {
		select {
		case tg.sub.inbox <- tg.msg:
			received++
		case <-tg.sub.gone:
		case <-ctx.Done():
			return received, ctx.Err()
		}
	}

	return received, nil
}

// Subscribe implements messaging.Transport
func (t *Transport) Subscribe(ctx context.Context, h messaging.Handler, channels ...string) error {
	return t.listen(ctx, h, false, channels)
}

// PSubscribe implements messaging.Transport
func (t *Transport) PSubscribe(ctx context.Context, h messaging.Handler, patterns ...string) error {
	return t.listen(ctx, h, true, patterns)
}

func (t *Transport) listen(ctx context.Context, h messaging.Handler, pattern bool, targets []string) error {
	if len(targets) == 0 {
		return fmt.Errorf("memory: at least one target is required")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.offline {
		t.mu.Unlock()
		return ErrOffline
	}
	sub := &subscriber{
		targets: append([]string(nil), targets...),
		pattern: pattern,
		inbox:   make(chan messaging.Message, t.inboxSize),
		gone:    t.down,
	}
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	defer t.remove(sub)

	h.OnSubscribed(targets)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.gone:
			if t.isClosed() {
				return ErrClosed
			}
			return fmt.Errorf("memory: subscription dropped: %w", messaging.ErrConnectionLost)
		case msg := <-sub.inbox:
			h.OnMessage(msg)
		}
	}
}

func (t *Transport) remove(sub *subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, sub)
}

func (t *Transport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// Disconnect drops every active subscription as if the connection was lost.
// Subscribers return an error wrapping messaging.ErrConnectionLost.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.dropAll()
	t.logger.Debug("memory transport disconnected subscribers")
}

// SetOffline makes Publish and new subscriptions fail with ErrOffline until
// called again with false. Going offline also drops active subscriptions.
func (t *Transport) SetOffline(offline bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	if offline && !t.offline {
		t.dropAll()
	}
	t.offline = offline
}

// Subscribers returns the number of subscriptions that would receive a publish on channel
func (t *Transport) Subscribers(channel string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	for sub := range t.subs {
		if _, ok := sub.match(channel); ok {
			count++
		}
	}
	return count
}

// Ping implements messaging.Pinger
func (t *Transport) Ping(ctx context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	switch {
	case t.closed:
		return ErrClosed
	case t.offline:
		return ErrOffline
	}
	return ctx.Err()
}

// Close ends every subscription and rejects further use
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.down)
	t.subs = make(map[*subscriber]struct{})
	return nil
}

// dropAll must be called with mu held
func (t *Transport) dropAll() {
	close(t.down)
	t.down = make(chan struct{})
	t.subs = make(map[*subscriber]struct{})
}
