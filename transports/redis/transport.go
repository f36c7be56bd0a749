// Package redis implements messaging.Transport on Redis PUBLISH, SUBSCRIBE and
// PSUBSCRIBE. Redis reports the number of receiving clients for every publish
// and matches patterns natively.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	goredis "github.com/redis/go-redis/v9"

	"github.com/glimte/mmate-relay/messaging"
)

var (
	// ErrClosed is returned by every operation after Close
	ErrClosed = errors.New("redis: transport is closed")

	// ErrInvalidConfiguration is returned for an unusable connection URL
	ErrInvalidConfiguration = errors.New("redis: invalid configuration")
)

// Transport implements messaging.Transport for Redis
type Transport struct {
	client    *goredis.Client
	ownClient bool
	logger    *slog.Logger
	closed    atomic.Bool

	mu   sync.Mutex
	subs map[*goredis.PubSub]struct{}
}

// Option configures the transport
type Option func(*config)

type config struct {
	logger    *slog.Logger
	configure []func(*goredis.Options)
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithClientOptions adjusts the go-redis options parsed from the URL
func WithClientOptions(fn func(*goredis.Options)) Option {
	return func(c *config) {
		c.configure = append(c.configure, fn)
	}
}

// New creates a transport from a redis:// or rediss:// URL. No connection is
// made until first use.
func New(url string, options ...Option) (*Transport, error) {
	cfg := newConfig(options)

	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	for _, fn := range cfg.configure {
		fn(opts)
	}

	return &Transport{
		client:    goredis.NewClient(opts),
		ownClient: true,
		logger:    cfg.logger,
		subs:      make(map[*goredis.PubSub]struct{}),
	}, nil
}

// NewFromClient wraps an existing client. Close leaves the client open.
func NewFromClient(client *goredis.Client, options ...Option) *Transport {
	cfg := newConfig(options)
	return &Transport{
		client: client,
		logger: cfg.logger,
		subs:   make(map[*goredis.PubSub]struct{}),
	}
}

func newConfig(options []Option) *config {
	cfg := &config{logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// Publish implements messaging.Transport. The count is the number of clients
// that received the message, as reported by Redis.
func (t *Transport) Publish(ctx context.Context, channel, payload string) (int64, error) {
	if t.closed.Load() {
		return 0, ErrClosed
	}

	n, err := t.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, t.classify(ctx, err)
	}
	return n, nil
}

// Subscribe implements messaging.Transport
func (t *Transport) Subscribe(ctx context.Context, h messaging.Handler, channels ...string) error {
	if err := t.check(channels); err != nil {
		return err
	}
	return t.listen(ctx, h, t.client.Subscribe(ctx, channels...), channels)
}

// PSubscribe implements messaging.Transport
func (t *Transport) PSubscribe(ctx context.Context, h messaging.Handler, patterns ...string) error {
	if err := t.check(patterns); err != nil {
		return err
	}
	return t.listen(ctx, h, t.client.PSubscribe(ctx, patterns...), patterns)
}

func (t *Transport) check(targets []string) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(targets) == 0 {
		return fmt.Errorf("redis: at least one target is required")
	}
	return nil
}

// listen waits for Redis to confirm every target, then delivers messages until
// ctx is done or the connection fails. go-redis would resubscribe on its own;
// the connection is dropped instead so the caller's loop sees the outage.
func (t *Transport) listen(ctx context.Context, h messaging.Handler, ps *goredis.PubSub, targets []string) error {
	if !t.track(ps) {
		_ = ps.Close()
		return ErrClosed
	}
	defer t.untrack(ps)

	stop := context.AfterFunc(ctx, func() { _ = ps.Close() })
	defer stop()

	for confirmed := 0; confirmed < len(targets); {
		msg, err := ps.Receive(ctx)
		if err != nil {
			return t.classify(ctx, err)
		}
		switch m := msg.(type) {
		case *goredis.Subscription:
			confirmed++
		case *goredis.Message:
			// Cannot happen before the first confirmation, but do not lose it
			h.OnMessage(messaging.Message{Pattern: m.Pattern, Channel: m.Channel, Payload: m.Payload})
		}
	}

	h.OnSubscribed(targets)

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			return t.classify(ctx, err)
		}
		h.OnMessage(messaging.Message{Pattern: msg.Pattern, Channel: msg.Channel, Payload: msg.Payload})
	}
}

func (t *Transport) track(ps *goredis.PubSub) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return false
	}
	t.subs[ps] = struct{}{}
	return true
}

func (t *Transport) untrack(ps *goredis.PubSub) {
	t.mu.Lock()
	delete(t.subs, ps)
	t.mu.Unlock()
	_ = ps.Close()
}

// classify maps a go-redis error to the transport contract: nil on
// cancellation, ErrClosed after Close, ErrConnectionLost for anything that a
// reconnect may fix.
func (t *Transport) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	if t.closed.Load() {
		return ErrClosed
	}

	var redisErr goredis.Error
	if errors.As(err, &redisErr) && isPermanent(redisErr.Error()) {
		return err
	}
	return fmt.Errorf("%w: %w", messaging.ErrConnectionLost, err)
}

func isPermanent(reply string) bool {
	for _, prefix := range []string{"NOAUTH", "WRONGPASS", "NOPERM", "ERR unknown command"} {
		if strings.HasPrefix(reply, prefix) {
			return true
		}
	}
	return false
}

// Ping implements messaging.Pinger
func (t *Transport) Ping(ctx context.Context) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := t.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", messaging.ErrConnectionLost, err)
	}
	return nil
}

// Close ends running subscriptions and closes the client if the transport created it
func (t *Transport) Close() error {
	t.mu.Lock()
	if !t.closed.CompareAndSwap(false, true) {
		t.mu.Unlock()
		return nil
	}
	for ps := range t.subs {
		_ = ps.Close()
	}
	t.mu.Unlock()

	if t.ownClient {
		return t.client.Close()
	}
	return nil
}
