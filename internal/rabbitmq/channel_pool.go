package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultPoolSize = 10
	acquireTimeout  = 5 * time.Second
	returnsBuffer   = 16
)

// ChannelPool keeps confirm-mode channels for publishing. Channels are created
// on demand up to the pool size.
type ChannelPool struct {
	manager     *ConnectionManager
	channels    chan *PooledChannel
	maxSize     int
	mu          sync.Mutex
	closed      bool
	activeCount int
}

// PooledChannel wraps an AMQP channel in confirm mode
type PooledChannel struct {
	*amqp.Channel
	pool    *ChannelPool
	returns <-chan amqp.Return
	broken  bool
	id      string
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// NewChannelPool creates an empty channel pool
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: connection manager is required", ErrInvalidConfiguration)
	}

	pool := &ChannelPool{
		manager: manager,
		maxSize: defaultPoolSize,
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)
	return pool, nil
}

// Get retrieves a channel from the pool, creating one if the pool is below its size
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	if cp.isClosed() {
		return nil, ErrChannelPoolClosed
	}

	select {
	case ch := <-cp.channels:
		return cp.revive(ctx, ch)
	default:
	}

	cp.mu.Lock()
	if cp.activeCount < cp.maxSize {
		cp.activeCount++
		cp.mu.Unlock()
		return cp.create(ctx)
	}
	cp.mu.Unlock()

	timer := time.NewTimer(acquireTimeout)
	defer timer.Stop()

	select {
	case ch := <-cp.channels:
		return cp.revive(ctx, ch)
	case <-ctx.Done():
		return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ctx.Err(), Timestamp: time.Now()}
	case <-timer.C:
		return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ErrChannelPoolExhausted, Timestamp: time.Now()}
	}
}

// revive replaces a pooled channel the broker has closed since it was returned
func (cp *ChannelPool) revive(ctx context.Context, ch *PooledChannel) (*PooledChannel, error) {
	if ch == nil {
		return nil, ErrChannelPoolClosed
	}
	if !ch.Channel.IsClosed() {
		return ch, nil
	}
	return cp.create(ctx)
}

// create opens a channel for a slot already counted in activeCount
func (cp *ChannelPool) create(ctx context.Context) (*PooledChannel, error) {
	ch, err := cp.open(ctx)
	if err != nil {
		cp.release()
		return nil, err
	}
	return ch, nil
}

func (cp *ChannelPool) open(ctx context.Context) (*PooledChannel, error) {
	conn, err := cp.manager.Connection(ctx)
	if err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	id := uuid.New().String()
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, &ChannelError{Op: "enable confirms", ChannelID: id, Err: err, Timestamp: time.Now()}
	}

	return &PooledChannel{
		Channel: ch,
		pool:    cp,
		returns: ch.NotifyReturn(make(chan amqp.Return, returnsBuffer)),
		id:      id,
	}, nil
}

// Put returns a channel to the pool. Broken or closed channels are discarded.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed || ch.broken || ch.Channel.IsClosed() {
		_ = ch.Channel.Close()
		cp.activeCount--
		return
	}

	select {
	case cp.channels <- ch:
	default:
		_ = ch.Channel.Close()
		cp.activeCount--
	}
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.activeCount--
}

func (cp *ChannelPool) isClosed() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.closed
}

// Close closes all idle channels. Channels still checked out are closed when returned.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return nil
	}
	cp.closed = true

	for {
		select {
		case ch := <-cp.channels:
			_ = ch.Channel.Close()
			cp.activeCount--
		default:
			return nil
		}
	}
}

// Size returns the number of channels owned by the pool, idle or checked out
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Execute runs fn with a channel from the pool
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				ch.broken = true
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(ch.Channel)
	}()

	return execErr
}

// Publish sends msg and waits for the broker's confirm. With mandatory set,
// routed reports whether any queue took the message.
func (cp *ChannelPool) Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) (routed bool, err error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return false, err
	}
	defer cp.Put(ch)

	return ch.publish(ctx, exchange, routingKey, mandatory, msg)
}

func (ch *PooledChannel) publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) (bool, error) {
	if msg.MessageId == "" {
		msg.MessageId = uuid.New().String()
	}
	fail := func(err error) (bool, error) {
		ch.broken = true
		return false, &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Mandatory:  mandatory,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	// Returns left over from an earlier publish that gave up waiting
	ch.drainReturns("")

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, mandatory, false, msg)
	if err != nil {
		return fail(err)
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return fail(err)
	}
	if !acked {
		return fail(ErrPublishNotConfirmed)
	}

	// The broker sends basic.return before the ack of an unroutable message
	return !ch.drainReturns(msg.MessageId), nil
}

// drainReturns empties the return queue and reports whether messageID was among the returns
func (ch *PooledChannel) drainReturns(messageID string) bool {
	returned := false
	for {
		select {
		case r, ok := <-ch.returns:
			if !ok {
				return returned
			}
			if messageID != "" && r.MessageId == messageID {
				returned = true
			}
		default:
			return returned
		}
	}
}
