package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-relay/messaging"
)

// TransportChecker pings the broker behind a transport
type TransportChecker struct {
	name   string
	pinger messaging.Pinger
}

// NewTransportChecker creates a checker named after the transport, e.g. "redis"
func NewTransportChecker(name string, pinger messaging.Pinger) *TransportChecker {
	return &TransportChecker{name: name, pinger: pinger}
}

func (c *TransportChecker) Name() string {
	return c.name
}

func (c *TransportChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	if err := c.pinger.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Broker unreachable"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Broker reachable"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// SubscriptionSource lists running subscription loops; *messaging.Messenger implements it
type SubscriptionSource interface {
	Subscriptions() []messaging.SubscriptionInfo
}

// SubscriptionChecker reports subscription loops that are reconnecting as
// degraded and loops that stopped for good as unhealthy
type SubscriptionChecker struct {
	source SubscriptionSource
}

// NewSubscriptionChecker creates a new subscription checker
func NewSubscriptionChecker(source SubscriptionSource) *SubscriptionChecker {
	return &SubscriptionChecker{source: source}
}

func (c *SubscriptionChecker) Name() string {
	return "subscriptions"
}

func (c *SubscriptionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
		Status:    StatusHealthy,
		Message:   "All subscriptions connected",
	}

	infos := c.source.Subscriptions()
	var connected, reconnecting, failed int
	for _, info := range infos {
		key := info.Role + ":" + info.Target
		switch {
		case info.Err != nil:
			failed++
			result.Details[key] = info.Err.Error()
		case info.Connected:
			connected++
		default:
			reconnecting++
			result.Details[key] = fmt.Sprintf("reconnecting, attempt %d", info.Attempts)
		}
	}

	result.Details["total"] = len(infos)
	result.Details["connected"] = connected

	switch {
	case failed > 0:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%d subscription(s) stopped", failed)
	case reconnecting > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d subscription(s) reconnecting", reconnecting)
	}

	result.Duration = time.Since(start)
	return result
}

// DropRateChecker flags a high share of inbound packets being dropped.
// Self-skipped packets are expected and not counted.
type DropRateChecker struct {
	metrics           messaging.MetricsCollector
	warningThreshold  float64
	criticalThreshold float64
}

// NewDropRateChecker creates a checker with thresholds given as fractions, e.g. 0.1
func NewDropRateChecker(metrics messaging.MetricsCollector, warningThreshold, criticalThreshold float64) *DropRateChecker {
	return &DropRateChecker{
		metrics:           metrics,
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
	}
}

func (c *DropRateChecker) Name() string {
	return "drop_rate"
}

func (c *DropRateChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
		Status:    StatusHealthy,
	}

	stats := c.metrics.GetStats()
	var dropped int64
	for reason, n := range stats.MessagesDropped {
		result.Details["dropped_"+string(reason)] = n
		if reason != messaging.DropSelf {
			dropped += n
		}
	}
	result.Details["delivered"] = stats.MessagesDelivered
	result.Details["handler_errors"] = stats.HandlerErrors

	rate := 0.0
	if total := dropped + stats.MessagesDelivered; total > 0 {
		rate = float64(dropped) / float64(total)
	}
	result.Details["drop_rate"] = rate

	switch {
	case rate >= c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Drop rate %.1f%%", rate*100)
	case rate >= c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Drop rate %.1f%%", rate*100)
	default:
		result.Message = "Drop rate is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker flags goroutine counts that suggest leaked handlers
type GoroutineChecker struct {
	warningThreshold  int
	criticalThreshold int
}

// NewGoroutineChecker creates a new goroutine checker
func NewGoroutineChecker(warningThreshold, criticalThreshold int) *GoroutineChecker {
	return &GoroutineChecker{
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
	}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Goroutine count is normal"
	}

	result.Duration = time.Since(start)
	return result
}
