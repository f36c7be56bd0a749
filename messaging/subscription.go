package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-relay/internal/reliability"
)

// Subscription keeps one channel or pattern subscribed until its context is
// cancelled, resubscribing with backoff whenever the transport loses the connection.
type Subscription struct {
	transport Transport
	target    string
	pattern   bool
	deliver   func(msg Message)

	policy  reliability.BackoffPolicy
	logger  *slog.Logger
	metrics MetricsCollector
	sleep   func(ctx context.Context, d time.Duration) error

	attempts  atomic.Int64
	connected atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	mu  sync.Mutex
	err error
}

// LoopOption configures a Subscription
type LoopOption func(*Subscription)

// WithLoopBackoff sets the reconnect delay policy
func WithLoopBackoff(policy reliability.BackoffPolicy) LoopOption {
	return func(s *Subscription) {
		s.policy = policy
	}
}

// WithLoopLogger sets the logger
func WithLoopLogger(logger *slog.Logger) LoopOption {
	return func(s *Subscription) {
		s.logger = logger
	}
}

// WithLoopMetrics sets the metrics collector
func WithLoopMetrics(metrics MetricsCollector) LoopOption {
	return func(s *Subscription) {
		s.metrics = metrics
	}
}

// WithLoopSleep replaces the backoff sleep, mainly for tests
func WithLoopSleep(sleep func(ctx context.Context, d time.Duration) error) LoopOption {
	return func(s *Subscription) {
		s.sleep = sleep
	}
}

// NewSubscription creates a loop for target. deliver is called for every message,
// on the transport's goroutine.
func NewSubscription(transport Transport, target string, pattern bool, deliver func(msg Message), options ...LoopOption) *Subscription {
	s := &Subscription{
		transport: transport,
		target:    target,
		pattern:   pattern,
		deliver:   deliver,
		policy:    reliability.NewSteppedBackoff(),
		logger:    slog.Default(),
		metrics:   &NoOpMetricsCollector{},
		sleep:     sleepContext,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Run blocks until ctx is cancelled or the transport fails with an error other
// than ErrConnectionLost. Cancellation returns nil.
func (s *Subscription) Run(ctx context.Context) error {
	defer close(s.done)

	for {
		if ctx.Err() != nil {
			return nil
		}

		var err error
		if s.pattern {
			err = s.transport.PSubscribe(ctx, s, s.target)
		} else {
			err = s.transport.Subscribe(ctx, s, s.target)
		}
		s.connected.Store(false)

		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// Returned without being cancelled: the server ended the subscription
			err = ErrConnectionLost
		}

		if !errors.Is(err, ErrConnectionLost) {
			subErr := &SubscriptionError{Target: s.target, Pattern: s.pattern, Err: err}
			s.setErr(subErr)
			s.logger.Error("subscription stopped",
				"target", s.target,
				"pattern", s.pattern,
				"error", err)
			return subErr
		}

		attempt := int(s.attempts.Add(1))
		delay := s.policy.NextDelay(attempt)

		s.logger.Warn("subscription lost connection, retrying",
			"target", s.target,
			"pattern", s.pattern,
			"attempt", attempt,
			"delay", delay,
			"error", err)
		s.metrics.RecordReconnect(s.target, attempt)

		if err := s.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// OnSubscribed implements Handler
func (s *Subscription) OnSubscribed(targets []string) {
	previous := s.attempts.Swap(0)
	s.connected.Store(true)
	s.readyOnce.Do(func() { close(s.ready) })

	if previous > 0 {
		s.logger.Info("subscription restored",
			"target", s.target,
			"attempts", previous)
		return
	}
	s.logger.Debug("subscribed",
		"target", s.target,
		"pattern", s.pattern)
}

// OnMessage implements Handler
func (s *Subscription) OnMessage(msg Message) {
	s.deliver(msg)
}

// Target returns the subscribed channel or pattern
func (s *Subscription) Target() string {
	return s.target
}

// Pattern reports whether the target is a pattern
func (s *Subscription) Pattern() bool {
	return s.pattern
}

// Ready is closed the first time the transport confirms the subscription
func (s *Subscription) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed when Run returns
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Connected reports whether the subscription is currently confirmed
func (s *Subscription) Connected() bool {
	return s.connected.Load()
}

// Attempts returns the number of consecutive failed connection attempts
func (s *Subscription) Attempts() int {
	return int(s.attempts.Load())
}

// Err returns the error that stopped the loop, if any
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
