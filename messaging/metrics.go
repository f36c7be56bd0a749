package messaging

import (
	"sync"
	"time"
)

// DropReason explains why an inbound packet reached no handler
type DropReason string

const (
	DropMalformed       DropReason = "malformed"
	DropSelf            DropReason = "self"
	DropNoListener      DropReason = "no_listener"
	DropUnknownCallback DropReason = "unknown_callback"
	DropExecutorClosed  DropReason = "executor_closed"
)

// MetricsCollector collects messaging metrics
type MetricsCollector interface {
	// RecordPublish records a publish attempt on a channel
	RecordPublish(channel string, duration time.Duration, success bool)

	// RecordDelivery records a packet handed to at least one handler
	RecordDelivery(channel string, packetType string)

	// RecordDrop records an inbound packet that was discarded
	RecordDrop(channel string, reason DropReason)

	// RecordHandlerError records a listener or reply handler that failed or panicked
	RecordHandlerError(channel string, event string)

	// RecordReconnect records a subscription backing off after a lost connection
	RecordReconnect(target string, attempt int)

	// GetStats returns current stats
	GetStats() MetricsStats
}

// MetricsStats contains messaging statistics
type MetricsStats struct {
	MessagesPublished  int64
	PublishFailures    int64
	AveragePublishTime time.Duration
	MessagesDelivered  int64
	MessagesDropped    map[DropReason]int64
	HandlerErrors      int64
	Reconnects         int64
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordPublish does nothing
func (n *NoOpMetricsCollector) RecordPublish(channel string, duration time.Duration, success bool) {}

// RecordDelivery does nothing
func (n *NoOpMetricsCollector) RecordDelivery(channel string, packetType string) {}

// RecordDrop does nothing
func (n *NoOpMetricsCollector) RecordDrop(channel string, reason DropReason) {}

// RecordHandlerError does nothing
func (n *NoOpMetricsCollector) RecordHandlerError(channel string, event string) {}

// RecordReconnect does nothing
func (n *NoOpMetricsCollector) RecordReconnect(target string, attempt int) {}

// GetStats returns empty stats
func (n *NoOpMetricsCollector) GetStats() MetricsStats {
	return MetricsStats{}
}

// InMemoryMetricsCollector keeps counters in memory, mainly for tests and the CLI
type InMemoryMetricsCollector struct {
	mu sync.RWMutex

	published     int64
	publishFailed int64
	publishTotal  time.Duration
	delivered     int64
	dropped       map[DropReason]int64
	handlerErrors int64
	reconnects    int64

	// Per channel delivery counters
	deliveries map[string]int64
}

// NewInMemoryMetricsCollector creates an empty collector
func NewInMemoryMetricsCollector() *InMemoryMetricsCollector {
	return &InMemoryMetricsCollector{
		dropped:    make(map[DropReason]int64),
		deliveries: make(map[string]int64),
	}
}

// RecordPublish implements MetricsCollector
func (c *InMemoryMetricsCollector) RecordPublish(channel string, duration time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !success {
		c.publishFailed++
		return
	}
	c.published++
	c.publishTotal += duration
}

// RecordDelivery implements MetricsCollector
func (c *InMemoryMetricsCollector) RecordDelivery(channel string, packetType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered++
	c.deliveries[channel]++
}

// RecordDrop implements MetricsCollector
func (c *InMemoryMetricsCollector) RecordDrop(channel string, reason DropReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped[reason]++
}

// RecordHandlerError implements MetricsCollector
func (c *InMemoryMetricsCollector) RecordHandlerError(channel string, event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlerErrors++
}

// RecordReconnect implements MetricsCollector
func (c *InMemoryMetricsCollector) RecordReconnect(target string, attempt int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects++
}

// GetStats implements MetricsCollector
func (c *InMemoryMetricsCollector) GetStats() MetricsStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := MetricsStats{
		MessagesPublished: c.published,
		PublishFailures:   c.publishFailed,
		MessagesDelivered: c.delivered,
		MessagesDropped:   make(map[DropReason]int64, len(c.dropped)),
		HandlerErrors:     c.handlerErrors,
		Reconnects:        c.reconnects,
	}
	if c.published > 0 {
		stats.AveragePublishTime = c.publishTotal / time.Duration(c.published)
	}
	for reason, count := range c.dropped {
		stats.MessagesDropped[reason] = count
	}
	return stats
}

// Deliveries returns the delivery count for one channel
func (c *InMemoryMetricsCollector) Deliveries(channel string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deliveries[channel]
}

// Reset clears all collected metrics
func (c *InMemoryMetricsCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.published = 0
	c.publishFailed = 0
	c.publishTotal = 0
	c.delivered = 0
	c.dropped = make(map[DropReason]int64)
	c.handlerErrors = 0
	c.reconnects = 0
	c.deliveries = make(map[string]int64)
}
