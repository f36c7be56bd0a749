package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultDialTimeout = 30 * time.Second

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
}

// Dialer opens an AMQP connection
type Dialer func(url string) (*amqp.Connection, error)

// ConnectionManager owns one AMQP connection. It dials lazily on first use and
// redials on the next use after the broker closes the connection. Retry pacing
// is left to the caller.
type ConnectionManager struct {
	url            string
	conn           *amqp.Connection
	mu             sync.Mutex
	dial           Dialer
	dialTimeout    time.Duration
	logger         *slog.Logger
	closed         bool
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialTimeout bounds a single dial
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		if timeout > 0 {
			cm.dialTimeout = timeout
		}
	}
}

// WithDialer replaces amqp.Dial
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a connection manager. No connection is made
// until Connection is called.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		dial:        amqp.Dial,
		dialTimeout: defaultDialTimeout,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connection returns the live connection, dialing if there is none
func (cm *ConnectionManager) Connection(ctx context.Context) (*amqp.Connection, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil, ErrConnectionClosed
	}
	if cm.conn != nil && !cm.conn.IsClosed() {
		return cm.conn, nil
	}

	conn, err := cm.dialContext(ctx)
	if err != nil {
		return nil, err
	}

	cm.conn = conn
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(conn, notifyClose)

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	return conn, nil
}

func (cm *ConnectionManager) dialContext(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url)
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, &ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(cm.url),
				Err:       r.err,
				Timestamp: time.Now(),
			}
		}
		return r.conn, nil

	case <-dialCtx.Done():
		// A dial that completes late must not leak its connection
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()

		err := ErrConnectionTimeout
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
}

func (cm *ConnectionManager) watch(conn *amqp.Connection, notifyClose <-chan *amqp.Error) {
	amqpErr, ok := <-notifyClose

	cm.mu.Lock()
	if cm.conn == conn {
		cm.conn = nil
	}
	closing := cm.closed
	cm.mu.Unlock()

	if closing {
		return
	}

	var err error = ErrConnectionClosed
	if ok && amqpErr != nil {
		err = amqpErr
	}
	cm.logger.Warn("RabbitMQ connection closed", "error", err)
	cm.notifyDisconnected(err)
}

// IsConnected reports whether a live connection is held
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.conn != nil && !cm.conn.IsClosed()
}

// Close closes the connection. The manager cannot be used afterwards.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}
