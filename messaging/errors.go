package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionLost is wrapped by transports when a subscription's connection drops
	ErrConnectionLost = errors.New("messaging: connection lost")

	// ErrConfiguration is matched by every ConfigurationError
	ErrConfiguration = errors.New("messaging: invalid configuration")

	// ErrNoDefaultChannel is returned when publishing by event name without a default channel
	ErrNoDefaultChannel = errors.New("messaging: no default channel configured")

	// ErrMessengerClosed is returned by operations on a closed Messenger
	ErrMessengerClosed = errors.New("messaging: messenger is closed")

	// ErrExecutorClosed is returned by Submit after Shutdown
	ErrExecutorClosed = errors.New("messaging: executor is shut down")

	// ErrNoReplyExpected is returned by a nil Reply
	ErrNoReplyExpected = errors.New("messaging: packet does not expect a reply")

	// ErrNotReady is returned when a subscription did not confirm in time
	ErrNotReady = errors.New("messaging: subscription not ready")
)

// ConfigurationError reports an invalid option or a call that needs configuration
// that was not supplied
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := "configuration error"
	if e.Field != "" {
		msg = fmt.Sprintf("configuration error (%s)", e.Field)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Is makes every ConfigurationError match ErrConfiguration
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// SubscriptionError reports a subscription loop that stopped for a reason other
// than cancellation
type SubscriptionError struct {
	Target  string
	Pattern bool
	Err     error
}

func (e *SubscriptionError) Error() string {
	kind := "channel"
	if e.Pattern {
		kind = "pattern"
	}
	return fmt.Sprintf("subscription to %s %s failed: %v", kind, e.Target, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}
