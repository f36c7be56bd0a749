package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/glimte/mmate-relay/serialization"
)

// Subscription roles reported by Subscriptions
const (
	RoleListener = "listener"
	RoleCallback = "callback"
)

// SubscriptionInfo is a snapshot of one subscription loop
type SubscriptionInfo struct {
	Target    string
	Pattern   bool
	Role      string
	Connected bool
	Attempts  int
	Err       error
}

type route struct {
	sub    *Subscription
	ctx    context.Context
	cancel context.CancelFunc
}

type listenerRoute struct {
	route
	table *ListenerTable
}

type callbackRoute struct {
	route
	table *CallbackTable
}

// Messenger publishes events on a Transport, dispatches received events to
// listeners and correlates replies with the publishes that asked for them.
type Messenger struct {
	transport       Transport
	signature       string
	ttl             time.Duration
	codec           serialization.Codec
	types           serialization.TypeRegistry
	logger          *slog.Logger
	metrics         MetricsCollector
	executor        Executor
	backoff         reliability.BackoffPolicy
	breaker         *reliability.CircuitBreaker
	readyTimeout    time.Duration
	shutdownTimeout time.Duration
	now             func() time.Time

	channelMu      sync.RWMutex
	defaultChannel string

	listeners sync.Map // "channel:x" / "pattern:x" -> *listenerRoute
	callbacks sync.Map // channel -> *callbackRoute

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	lifecycle sync.RWMutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New creates a Messenger on transport and starts the callback sweep
func New(transport Transport, options ...Option) (*Messenger, error) {
	if transport == nil {
		return nil, &ConfigurationError{Field: "transport", Reason: "transport cannot be nil"}
	}

	m := &Messenger{
		transport:       transport,
		ttl:             DefaultCallbackTTL,
		codec:           serialization.NewJSONCodec(),
		logger:          slog.Default(),
		metrics:         &NoOpMetricsCollector{},
		backoff:         reliability.NewSteppedBackoff(),
		readyTimeout:    DefaultReadyTimeout,
		shutdownTimeout: DefaultShutdownTimeout,
		now:             time.Now,
	}

	for _, opt := range options {
		opt(m)
	}

	if m.ttl <= 0 {
		return nil, &ConfigurationError{Field: "callbackTTL", Reason: fmt.Sprintf("must be greater than zero, got %v", m.ttl)}
	}
	if m.readyTimeout < 0 {
		return nil, &ConfigurationError{Field: "readyTimeout", Reason: "cannot be negative"}
	}
	if m.codec == nil {
		return nil, &ConfigurationError{Field: "codec", Reason: "codec cannot be nil"}
	}
	if m.signature == "" {
		m.signature = uuid.New().String()
	}
	if m.executor == nil {
		m.executor = NewWorkerPool(DefaultWorkers, WithPoolLogger(m.logger))
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(1)
	go m.sweepLoop()

	m.logger.Info("messenger started",
		"signature", m.signature,
		"callbackTTL", m.ttl)

	return m, nil
}

// Signature returns this instance's identity
func (m *Messenger) Signature() string {
	return m.signature
}

// CallbackTTL returns how long reply handlers stay registered
func (m *Messenger) CallbackTTL() time.Duration {
	return m.ttl
}

// SetDefaultChannel sets the channel used by PublishDefault
func (m *Messenger) SetDefaultChannel(channel string) {
	m.channelMu.Lock()
	defer m.channelMu.Unlock()
	m.defaultChannel = channel
}

// DefaultChannel returns the channel used by PublishDefault
func (m *Messenger) DefaultChannel() string {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()
	return m.defaultChannel
}

// Publish sends event with payload on channel and returns the transport's receiver
// count, ReceiversUnknown if the transport cannot count. The count includes this
// instance's own subscriptions to the channel.
//
// With WithReply the reply handler is registered, and its subscription confirmed,
// before the packet goes out.
func (m *Messenger) Publish(ctx context.Context, channel, event string, payload any, options ...PublishOption) (int64, error) {
	if m.closed.Load() {
		return 0, ErrMessengerClosed
	}
	if channel == "" {
		return 0, &ConfigurationError{Field: "channel", Reason: "channel cannot be empty"}
	}

	opts := publishOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	var data []byte
	if payload != nil {
		var err error
		if data, err = m.codec.Encode(payload); err != nil {
			return 0, fmt.Errorf("failed to encode payload for %s: %w", event, err)
		}
	}

	packet := contracts.NewEventPacket(event, data)
	if opts.skipSelf {
		packet.Sign(m.signature)
	}
	if opts.reply != nil {
		packet.CallbackID = uuid.New().String()
	}

	wire, err := m.codec.EncodePacket(packet)
	if err != nil {
		return 0, fmt.Errorf("failed to encode packet: %w", err)
	}

	if opts.reply == nil {
		return m.publishRaw(ctx, channel, wire)
	}

	table, err := m.awaitReply(ctx, channel, packet.CallbackID, opts.reply)
	if err == nil {
		var n int64
		if n, err = m.publishRaw(ctx, channel, wire); err == nil {
			return n, nil
		}
	}
	if table != nil {
		// The callback id never went out
		table.Discard(packet.CallbackID)
	}
	return 0, err
}

// PublishDefault publishes on the default channel
func (m *Messenger) PublishDefault(ctx context.Context, event string, payload any, options ...PublishOption) (int64, error) {
	channel := m.DefaultChannel()
	if channel == "" {
		return 0, &ConfigurationError{
			Field:  "defaultChannel",
			Reason: "publish by event name needs WithDefaultChannel or SetDefaultChannel",
			Err:    ErrNoDefaultChannel,
		}
	}
	return m.Publish(ctx, channel, event, payload, options...)
}

// PublishAsync publishes on the executor. Failures are logged, not returned.
func (m *Messenger) PublishAsync(channel, event string, payload any, options ...PublishOption) error {
	if m.closed.Load() {
		return ErrMessengerClosed
	}

	return m.executor.Submit(func(ctx context.Context) {
		if _, err := m.Publish(ctx, channel, event, payload, options...); err != nil {
			m.logger.Error("async publish failed",
				"channel", channel,
				"event", event,
				"error", err)
		}
	})
}

// Subscribe registers handler for event on a channel, or on a pattern with
// AsPattern. The first registration for a target starts its subscription loop
// and waits up to the ready timeout for the transport to confirm it.
func (m *Messenger) Subscribe(target, event string, handler ListenerFunc, options ...SubscribeOption) error {
	if m.closed.Load() {
		return ErrMessengerClosed
	}
	if target == "" {
		return &ConfigurationError{Field: "target", Reason: "channel or pattern cannot be empty"}
	}
	if event == "" {
		return &ConfigurationError{Field: "event", Reason: "event cannot be empty"}
	}
	if handler == nil {
		return &ConfigurationError{Field: "handler", Reason: "handler cannot be nil"}
	}

	opts := subscribeOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	r, err := m.listenerRouteFor(target, opts.pattern)
	if err != nil {
		return err
	}
	if err := r.table.Register(event, handler, opts.replySkipSelf); err != nil {
		return err
	}

	if err := m.waitReady(context.Background(), r.sub); err != nil {
		if !errors.Is(err, ErrNotReady) {
			// The loop has stopped for good; the next Subscribe starts a new one
			m.listeners.CompareAndDelete(listenerKey(target, opts.pattern), r)
			r.cancel()
			return err
		}
		// Still registered; the loop keeps retrying
		m.logger.Warn("subscription not confirmed yet",
			"target", target,
			"pattern", opts.pattern,
			"error", err)
	}
	return nil
}

// Sweep removes expired reply handlers from every callback table. Tables left
// empty are retired and their subscription loops stopped. It returns the number
// of entries removed.
func (m *Messenger) Sweep() int {
	now := m.now()
	removed := 0

	m.callbacks.Range(func(key, value any) bool {
		r := value.(*callbackRoute)
		removed += r.table.Sweep(now)

		if r.table.IsEmpty() && r.table.Retire() {
			m.callbacks.CompareAndDelete(key, value)
			r.cancel()
			m.logger.Debug("retired callback table", "channel", r.table.Channel())
		}
		return true
	})

	return removed
}

// Subscriptions returns a snapshot of every running subscription loop
func (m *Messenger) Subscriptions() []SubscriptionInfo {
	var infos []SubscriptionInfo

	m.listeners.Range(func(_, value any) bool {
		r := value.(*listenerRoute)
		infos = append(infos, r.info(RoleListener))
		return true
	})
	m.callbacks.Range(func(_, value any) bool {
		r := value.(*callbackRoute)
		infos = append(infos, r.info(RoleCallback))
		return true
	})

	return infos
}

// Close stops the sweep and every subscription loop, waits for them, then shuts
// the executor down. The transport is left open. Close is idempotent.
func (m *Messenger) Close() error {
	m.closeOnce.Do(func() {
		m.lifecycle.Lock()
		m.closed.Store(true)
		m.lifecycle.Unlock()

		m.cancel()
		m.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
		defer cancel()
		m.closeErr = m.executor.Shutdown(ctx)

		m.logger.Info("messenger closed", "signature", m.signature)
	})
	return m.closeErr
}

// awaitReply registers handler and waits for the reply subscription. The
// returned table holds the registration whenever it is non-nil.
func (m *Messenger) awaitReply(ctx context.Context, channel, callbackID string, handler CallbackFunc) (*CallbackTable, error) {
	for {
		r, err := m.callbackRouteFor(channel)
		if err != nil {
			return nil, err
		}
		if r.table.Register(callbackID, handler) {
			return r.table, m.waitReady(ctx, r.sub)
		}
		// Retired by the sweep between lookup and register
		m.callbacks.CompareAndDelete(channel, r)
	}
}

func listenerKey(target string, pattern bool) string {
	if pattern {
		return "pattern:" + target
	}
	return "channel:" + target
}

func (m *Messenger) listenerRouteFor(target string, pattern bool) (*listenerRoute, error) {
	key := listenerKey(target, pattern)

	if v, ok := m.listeners.Load(key); ok {
		r := v.(*listenerRoute)
		if !r.sub.stopped() {
			return r, nil
		}
		m.listeners.CompareAndDelete(key, r)
	}

	m.lifecycle.RLock()
	defer m.lifecycle.RUnlock()
	if m.closed.Load() {
		return nil, ErrMessengerClosed
	}

	table := NewListenerTable(target, pattern, m.tableConfig())
	r := &listenerRoute{table: table}
	r.route = m.newRoute(target, pattern, table.HandleMessage)

	if actual, loaded := m.listeners.LoadOrStore(key, r); loaded {
		r.cancel()
		return actual.(*listenerRoute), nil
	}

	m.start(r.route)
	return r, nil
}

func (m *Messenger) callbackRouteFor(channel string) (*callbackRoute, error) {
	if v, ok := m.callbacks.Load(channel); ok {
		r := v.(*callbackRoute)
		if !r.sub.stopped() {
			return r, nil
		}
		m.callbacks.CompareAndDelete(channel, r)
	}

	m.lifecycle.RLock()
	defer m.lifecycle.RUnlock()
	if m.closed.Load() {
		return nil, ErrMessengerClosed
	}

	table := NewCallbackTable(channel, m.ttl, m.tableConfig())
	r := &callbackRoute{table: table}
	r.route = m.newRoute(channel, false, table.HandleMessage)

	if actual, loaded := m.callbacks.LoadOrStore(channel, r); loaded {
		r.cancel()
		return actual.(*callbackRoute), nil
	}

	m.start(r.route)
	return r, nil
}

func (m *Messenger) newRoute(target string, pattern bool, handle func(ctx context.Context, channel, raw string)) route {
	ctx, cancel := context.WithCancel(m.ctx)

	deliver := func(msg Message) {
		err := m.executor.Submit(func(ctx context.Context) {
			handle(ctx, msg.Channel, msg.Payload)
		})
		if err != nil {
			m.logger.Warn("dropping message",
				"channel", msg.Channel,
				"error", err)
			m.metrics.RecordDrop(msg.Channel, DropExecutorClosed)
		}
	}

	sub := NewSubscription(m.transport, target, pattern, deliver,
		WithLoopBackoff(m.backoff),
		WithLoopLogger(m.logger),
		WithLoopMetrics(m.metrics))

	return route{sub: sub, ctx: ctx, cancel: cancel}
}

// start must be called with lifecycle read-locked
func (m *Messenger) start(r route) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_ = r.sub.Run(r.ctx)
	}()
}

func (m *Messenger) waitReady(ctx context.Context, sub *Subscription) error {
	select {
	case <-sub.Ready():
		return nil
	default:
	}
	if m.readyTimeout == 0 {
		return nil
	}

	timer := time.NewTimer(m.readyTimeout)
	defer timer.Stop()

	select {
	case <-sub.Ready():
		return nil
	case <-sub.Done():
		if err := sub.Err(); err != nil {
			return err
		}
		return ErrMessengerClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: %s after %v", ErrNotReady, sub.Target(), m.readyTimeout)
	}
}

func (m *Messenger) publishRaw(ctx context.Context, channel, wire string) (int64, error) {
	start := time.Now()

	var count int64
	publish := func() error {
		var err error
		count, err = m.transport.Publish(ctx, channel, wire)
		return err
	}

	var err error
	if m.breaker != nil {
		err = m.breaker.Execute(ctx, publish)
	} else {
		err = publish()
	}

	m.metrics.RecordPublish(channel, time.Since(start), err == nil)
	if err != nil {
		return 0, fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return count, nil
}

func (m *Messenger) tableConfig() TableConfig {
	return TableConfig{
		Signature: m.signature,
		Codec:     m.codec,
		Types:     m.types,
		Publish:   m.publishRaw,
		Logger:    m.logger,
		Metrics:   m.metrics,
		Now:       m.now,
	}
}

func (m *Messenger) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.ctx.Done():
			return
		}
	}
}

func (r *route) info(role string) SubscriptionInfo {
	return SubscriptionInfo{
		Target:    r.sub.Target(),
		Pattern:   r.sub.Pattern(),
		Role:      role,
		Connected: r.sub.Connected(),
		Attempts:  r.sub.Attempts(),
		Err:       r.sub.Err(),
	}
}
