package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-relay/internal/glob"
)

// ErrFiltered is returned for deliveries dropped with SkipWithError
var ErrFiltered = errors.New("interceptors: delivery filtered")

// Filter decides whether a delivery should be processed
type Filter interface {
	ShouldProcess(ctx context.Context, d Delivery) (bool, error)
}

// FilterFunc is a function adapter for Filter
type FilterFunc func(ctx context.Context, d Delivery) (bool, error)

// ShouldProcess implements Filter
func (f FilterFunc) ShouldProcess(ctx context.Context, d Delivery) (bool, error) {
	return f(ctx, d)
}

// SkipBehavior defines what happens when a delivery is filtered out
type SkipBehavior int

const (
	// SkipSilently drops the delivery without error
	SkipSilently SkipBehavior = iota
	// SkipWithError returns ErrFiltered
	SkipWithError
	// SkipWithLog logs the dropped delivery at debug level
	SkipWithLog
)

// FilteringInterceptor drops deliveries the filter refuses
type FilteringInterceptor struct {
	filter Filter
	skip   SkipBehavior
	logger *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter Filter, skip SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{filter: filter, skip: skip, logger: logger}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, d Delivery, next Handler) error {
	ok, err := i.filter.ShouldProcess(ctx, d)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}
	if ok {
		return next(ctx, d)
	}

	switch i.skip {
	case SkipWithError:
		return fmt.Errorf("%w: event=%s channel=%s", ErrFiltered, d.Event(), d.Channel)
	case SkipWithLog:
		i.logger.Debug("delivery filtered", "channel", d.Channel, "event", d.Event())
	}
	return nil
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// AllOf passes a delivery only when every filter does
func AllOf(filters ...Filter) Filter {
	return FilterFunc(func(ctx context.Context, d Delivery) (bool, error) {
		for _, filter := range filters {
			ok, err := filter.ShouldProcess(ctx, d)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}

// AnyOf passes a delivery when at least one filter does
func AnyOf(filters ...Filter) Filter {
	return FilterFunc(func(ctx context.Context, d Delivery) (bool, error) {
		for _, filter := range filters {
			ok, err := filter.ShouldProcess(ctx, d)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	})
}

// NewEventFilter passes deliveries whose event is one of events
func NewEventFilter(events ...string) Filter {
	allowed := make(map[string]struct{}, len(events))
	for _, event := range events {
		allowed[event] = struct{}{}
	}
	return FilterFunc(func(_ context.Context, d Delivery) (bool, error) {
		_, ok := allowed[d.Event()]
		return ok, nil
	})
}

// NewChannelFilter passes deliveries whose concrete channel matches one of the
// glob patterns
func NewChannelFilter(patterns ...string) Filter {
	return FilterFunc(func(_ context.Context, d Delivery) (bool, error) {
		for _, pattern := range patterns {
			if glob.Match(pattern, d.Channel) {
				return true, nil
			}
		}
		return false, nil
	})
}

// ExpectsReply passes deliveries whose publisher is waiting for an answer
func ExpectsReply() Filter {
	return FilterFunc(func(_ context.Context, d Delivery) (bool, error) {
		return d.Reply != nil, nil
	})
}
