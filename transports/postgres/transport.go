// Package postgres implements messaging.Transport on PostgreSQL LISTEN/NOTIFY.
//
// NOTIFY does not report how many sessions received a notification, so Publish
// returns messaging.ReceiversUnknown. Pattern subscriptions are not supported.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/glimte/mmate-relay/messaging"
)

const (
	// MaxPayloadSize is the largest NOTIFY payload PostgreSQL accepts, in bytes
	MaxPayloadSize = 7999

	// MaxChannelLength is the longest channel name before PostgreSQL truncates it
	MaxChannelLength = 63

	unlistenTimeout = 2 * time.Second
)

var (
	// ErrClosed is returned by every operation after Close
	ErrClosed = errors.New("postgres: transport is closed")

	// ErrInvalidConfiguration is returned for an unusable connection string
	ErrInvalidConfiguration = errors.New("postgres: invalid configuration")

	// ErrPatternsUnsupported is returned by PSubscribe
	ErrPatternsUnsupported = errors.New("postgres: LISTEN does not support pattern subscriptions")

	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize
	ErrPayloadTooLarge = fmt.Errorf("postgres: payload exceeds NOTIFY limit of %d bytes", MaxPayloadSize)

	// ErrChannelTooLong is returned for channel names PostgreSQL would truncate
	ErrChannelTooLong = fmt.Errorf("postgres: channel name exceeds %d bytes", MaxChannelLength)
)

// Transport implements messaging.Transport for PostgreSQL
type Transport struct {
	pool     *pgxpool.Pool
	ownPool  bool
	logger   *slog.Logger
	mu       sync.Mutex
	closed   bool
	cancels  map[uint64]context.CancelFunc
	nextID   uint64
	inflight sync.WaitGroup
}

// Option configures the transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// New creates a transport from a postgres:// connection string. Connections
// are opened on first use.
func New(connString string, options ...Option) (*Transport, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	t := NewFromPool(pool, options...)
	t.ownPool = true
	return t, nil
}

// NewFromPool wraps an existing pool. Every subscription holds one pooled
// connection for as long as it runs. Close leaves the pool open.
func NewFromPool(pool *pgxpool.Pool, options ...Option) *Transport {
	t := &Transport{
		pool:    pool,
		logger:  slog.Default(),
		cancels: make(map[uint64]context.CancelFunc),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Publish implements messaging.Transport
func (t *Transport) Publish(ctx context.Context, channel, payload string) (int64, error) {
	if t.isClosed() {
		return 0, ErrClosed
	}
	if err := checkChannel(channel); err != nil {
		return 0, err
	}
	if len(payload) > MaxPayloadSize {
		return 0, ErrPayloadTooLarge
	}

	if _, err := t.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return 0, classify(err)
	}
	return messaging.ReceiversUnknown, nil
}

// Subscribe implements messaging.Transport. All channels share one connection.
func (t *Transport) Subscribe(ctx context.Context, h messaging.Handler, channels ...string) error {
	if len(channels) == 0 {
		return fmt.Errorf("postgres: at least one channel is required")
	}
	for _, channel := range channels {
		if err := checkChannel(channel); err != nil {
			return err
		}
	}

	ctx, done, err := t.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	conn, err := t.pool.Acquire(ctx)
	if err != nil {
		return t.result(ctx, err)
	}
	defer t.release(conn)

	for _, channel := range channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			return t.result(ctx, err)
		}
	}

	h.OnSubscribed(channels)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return t.result(ctx, err)
		}
		h.OnMessage(messaging.Message{Channel: n.Channel, Payload: n.Payload})
	}
}

// PSubscribe implements messaging.Transport. It always fails with ErrPatternsUnsupported.
func (t *Transport) PSubscribe(context.Context, messaging.Handler, ...string) error {
	return ErrPatternsUnsupported
}

// Ping implements messaging.Pinger
func (t *Transport) Ping(ctx context.Context) error {
	if t.isClosed() {
		return ErrClosed
	}
	if err := t.pool.Ping(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// Close ends running subscriptions, waits for their connections to be returned
// and closes the pool if the transport created it
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, cancel := range t.cancels {
		cancel()
	}
	t.mu.Unlock()

	t.inflight.Wait()

	if t.ownPool {
		t.pool.Close()
	}
	return nil
}

// begin registers a subscription so Close can cancel it
func (t *Transport) begin(parent context.Context) (context.Context, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(parent)
	t.nextID++
	id := t.nextID
	t.cancels[id] = cancel
	t.inflight.Add(1)

	return ctx, func() {
		t.mu.Lock()
		delete(t.cancels, id)
		t.mu.Unlock()
		cancel()
		t.inflight.Done()
	}, nil
}

// result turns the error that ended a subscription into the transport contract
func (t *Transport) result(ctx context.Context, err error) error {
	if t.isClosed() {
		return ErrClosed
	}
	if ctx.Err() != nil {
		return nil
	}
	return classify(err)
}

// release returns a listening connection to the pool without its LISTENs
func (t *Transport) release(conn *pgxpool.Conn) {
	defer conn.Release()

	if conn.Conn().IsClosed() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), unlistenTimeout)
	defer cancel()

	if _, err := conn.Exec(ctx, "UNLISTEN *"); err != nil {
		t.logger.Warn("failed to reset listening connection", "error", err)
		_ = conn.Conn().Close(ctx)
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func checkChannel(channel string) error {
	if channel == "" {
		return fmt.Errorf("postgres: channel cannot be empty")
	}
	if len(channel) > MaxChannelLength {
		return fmt.Errorf("%w: %q", ErrChannelTooLong, channel)
	}
	return nil
}

// classify wraps failures a reconnect may fix in messaging.ErrConnectionLost.
// Server errors are permanent unless they report a lost connection or an
// operator shutdown.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if !strings.HasPrefix(pgErr.Code, "08") && !strings.HasPrefix(pgErr.Code, "57") {
			return err
		}
	}
	return fmt.Errorf("%w: %w", messaging.ErrConnectionLost, err)
}
