package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrConnectionClosed  = errors.New("rabbitmq: connection is closed")
	ErrConnectionTimeout = errors.New("rabbitmq: connection timeout")

	// Channel errors
	ErrChannelClosed         = errors.New("rabbitmq: channel is closed")
	ErrChannelPoolClosed     = errors.New("rabbitmq: channel pool is closed")
	ErrChannelPoolExhausted  = errors.New("rabbitmq: channel pool exhausted")
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")

	// Publisher errors
	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	ChannelID string    // Channel identifier
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Mandatory  bool      // Whether mandatory flag was set
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s/%s (mandatory=%v): %v",
		e.Exchange, e.RoutingKey, e.Mandatory, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue     string    // Queue name, empty before it is declared
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	if e.Queue == "" {
		return fmt.Sprintf("rabbitmq consumer error: %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("rabbitmq consumer error: %s failed on queue %s: %v", e.Op, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether an operation that failed with err may succeed on
// a later attempt. Configuration, permission and topology conflicts are not
// retryable; lost connections and channels are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidConfiguration):
		return false
	case errors.Is(err, ErrConnectionClosed):
		// Closed by Close, not by the broker
		return false
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.AccessRefused, amqp.NotAllowed, amqp.PreconditionFailed, amqp.NotImplemented:
			return false
		}
	}

	var urlErr *url.Error
	return !errors.As(err, &urlErr)
}

// IsFatal determines if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return err != nil && !IsRetryable(err)
}

// SanitizeURL hides the password of a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
