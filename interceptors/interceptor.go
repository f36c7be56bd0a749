package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/glimte/mmate-relay/messaging"
)

// Delivery is one event handed to a listener
type Delivery struct {
	Channel string
	Payload *messaging.Payload
	Reply   *messaging.Reply
}

// Event returns the event name of the delivery
func (d Delivery) Event() string {
	return d.Payload.Event()
}

// Handler processes a delivery
type Handler func(ctx context.Context, d Delivery) error

// Interceptor processes a delivery before it reaches the next handler
type Interceptor interface {
	// Intercept processes a delivery and calls next to continue the chain
	Intercept(ctx context.Context, d Delivery, next Handler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, d Delivery, next Handler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, d Delivery, next Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, d Delivery, next Handler) error {
	return i.fn(ctx, d, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain of interceptors
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: interceptors}
}

// Add appends an interceptor to the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *Chain) Len() int {
	return len(c.interceptors)
}

// Execute runs d through the chain and then final
func (c *Chain) Execute(ctx context.Context, d Delivery, final Handler) error {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, d Delivery) error {
			return interceptor.Intercept(ctx, d, next)
		}
	}
	return handler(ctx, d)
}

// Then wraps listener so every delivery passes through the chain first
func (c *Chain) Then(listener messaging.ListenerFunc) messaging.ListenerFunc {
	final := func(ctx context.Context, d Delivery) error {
		return listener(ctx, d.Channel, d.Payload, d.Reply)
	}
	return func(ctx context.Context, channel string, payload *messaging.Payload, reply *messaging.Reply) error {
		return c.Execute(ctx, Delivery{Channel: channel, Payload: payload, Reply: reply}, final)
	}
}

// LoggingInterceptor logs every delivery with its processing time
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, d Delivery, next Handler) error {
	start := time.Now()

	err := next(ctx, d)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("listener failed",
			"channel", d.Channel,
			"event", d.Event(),
			"expectsReply", d.Reply != nil,
			"duration", duration,
			"error", err)
		return err
	}

	i.logger.Debug("event handled",
		"channel", d.Channel,
		"event", d.Event(),
		"expectsReply", d.Reply != nil,
		"replied", d.Reply.Sent(),
		"duration", duration)
	return nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// PanicError is returned when a handler behind a TimeoutInterceptor panics
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("listener panicked: %v", e.Value)
}

// TimeoutInterceptor bounds how long the rest of the chain may run
type TimeoutInterceptor struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration, logger *slog.Logger) *TimeoutInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimeoutInterceptor{timeout: timeout, logger: logger}
}

// Intercept implements Interceptor. The handler keeps running in the
// background after a timeout, but its context is cancelled. A panic in the
// handler is returned as a *PanicError.
func (i *TimeoutInterceptor) Intercept(ctx context.Context, d Delivery, next Handler) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				i.logger.Error("listener panicked",
					"channel", d.Channel,
					"event", d.Event(),
					"panic", r,
					"stack", string(stack))
				done <- &PanicError{Value: r, Stack: stack}
			}
		}()
		done <- next(timeoutCtx, d)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		return fmt.Errorf("listener for %s on %s timed out after %v: %w",
			d.Event(), d.Channel, i.timeout, timeoutCtx.Err())
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// Validator checks a delivery before it is processed
type Validator interface {
	Validate(ctx context.Context, d Delivery) error
}

// ValidatorFunc is a function adapter for Validator
type ValidatorFunc func(ctx context.Context, d Delivery) error

// Validate implements Validator
func (f ValidatorFunc) Validate(ctx context.Context, d Delivery) error {
	return f(ctx, d)
}

// ValidationInterceptor rejects deliveries the validator refuses
type ValidationInterceptor struct {
	validator Validator
}

// NewValidationInterceptor creates a new validation interceptor
func NewValidationInterceptor(validator Validator) *ValidationInterceptor {
	return &ValidationInterceptor{validator: validator}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, d Delivery, next Handler) error {
	if err := i.validator.Validate(ctx, d); err != nil {
		return fmt.Errorf("delivery validation failed: %w", err)
	}
	return next(ctx, d)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}

// CircuitBreaker runs fn unless the breaker is open
type CircuitBreaker interface {
	Execute(ctx context.Context, fn func() error) error
}

// CircuitBreakerInterceptor stops calling a failing listener for a while
type CircuitBreakerInterceptor struct {
	breaker CircuitBreaker
}

// NewCircuitBreakerInterceptor creates a new circuit breaker interceptor
func NewCircuitBreakerInterceptor(breaker CircuitBreaker) *CircuitBreakerInterceptor {
	return &CircuitBreakerInterceptor{breaker: breaker}
}

// Intercept implements Interceptor
func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, d Delivery, next Handler) error {
	return i.breaker.Execute(ctx, func() error {
		return next(ctx, d)
	})
}

// Name implements Interceptor
func (i *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}

// ChainBuilder builds a common interceptor chain
type ChainBuilder struct {
	chain  *Chain
	logger *slog.Logger
}

// NewChainBuilder creates a new builder
func NewChainBuilder(logger *slog.Logger) *ChainBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainBuilder{chain: NewChain(), logger: logger}
}

// WithLogging adds a logging interceptor
func (b *ChainBuilder) WithLogging() *ChainBuilder {
	b.chain.Add(NewLoggingInterceptor(b.logger))
	return b
}

// WithTimeout adds a timeout interceptor
func (b *ChainBuilder) WithTimeout(timeout time.Duration) *ChainBuilder {
	b.chain.Add(NewTimeoutInterceptor(timeout, b.logger))
	return b
}

// WithValidation adds a validation interceptor
func (b *ChainBuilder) WithValidation(validator Validator) *ChainBuilder {
	b.chain.Add(NewValidationInterceptor(validator))
	return b
}

// WithFilter adds a filtering interceptor
func (b *ChainBuilder) WithFilter(filter Filter, skip SkipBehavior) *ChainBuilder {
	b.chain.Add(NewFilteringInterceptor(filter, skip, b.logger))
	return b
}

// WithCircuitBreaker adds a circuit breaker interceptor
func (b *ChainBuilder) WithCircuitBreaker(breaker CircuitBreaker) *ChainBuilder {
	b.chain.Add(NewCircuitBreakerInterceptor(breaker))
	return b
}

// WithCustom adds a custom interceptor
func (b *ChainBuilder) WithCustom(interceptor Interceptor) *ChainBuilder {
	b.chain.Add(interceptor)
	return b
}

// Build returns the built chain
func (b *ChainBuilder) Build() *Chain {
	return b.chain
}
