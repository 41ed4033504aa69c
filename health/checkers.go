package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-dispatch/outbox"
)

// StatsSource reports the outbox backlog
type StatsSource interface {
	Stats(ctx context.Context) (outbox.Stats, error)
}

// OutboxThresholds bound the backlog. Zero disables a threshold.
type OutboxThresholds struct {
	DegradedPending  int
	UnhealthyPending int
	DegradedAge      time.Duration
	UnhealthyAge     time.Duration
}

// DefaultOutboxThresholds tolerates a short backlog
func DefaultOutboxThresholds() OutboxThresholds {
	return OutboxThresholds{
		DegradedPending:  1000,
		UnhealthyPending: 10000,
		DegradedAge:      time.Minute,
		UnhealthyAge:     10 * time.Minute,
	}
}

// OutboxChecker reports degraded or unhealthy when the backlog or its oldest entry grows past a threshold
type OutboxChecker struct {
	source     StatsSource
	thresholds OutboxThresholds
	now        func() time.Time
}

// NewOutboxChecker creates an outbox backlog checker
func NewOutboxChecker(source StatsSource, thresholds OutboxThresholds) *OutboxChecker {
	return &OutboxChecker{source: source, thresholds: thresholds, now: time.Now}
}

func (c *OutboxChecker) Name() string {
	return "outbox"
}

func (c *OutboxChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	stats, err := c.source.Stats(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to read outbox stats"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	age := stats.OldestPendingAge(c.now())
	result.Details["pending"] = stats.Pending
	result.Details["sent"] = stats.Sent
	result.Details["oldest_pending_age"] = age.String()

	t := c.thresholds
	switch {
	case exceeds(stats.Pending, t.UnhealthyPending) || exceedsAge(age, t.UnhealthyAge):
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Outbox backlog: %d pending, oldest %s", stats.Pending, age.Round(time.Second))
	case exceeds(stats.Pending, t.DegradedPending) || exceedsAge(age, t.DegradedAge):
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Outbox backlog: %d pending, oldest %s", stats.Pending, age.Round(time.Second))
	default:
		result.Status = StatusHealthy
		result.Message = "Outbox is draining"
	}

	result.Duration = time.Since(start)
	return result
}

func exceeds(n, limit int) bool {
	return limit > 0 && n >= limit
}

func exceedsAge(age, limit time.Duration) bool {
	return limit > 0 && age >= limit
}

// Connectivity is implemented by transports that hold a broker connection
type Connectivity interface {
	Connected() bool
}

// TransportChecker reports unhealthy while a transport is disconnected
type TransportChecker struct {
	name      string
	transport Connectivity
}

// NewTransportChecker creates a connectivity checker
func NewTransportChecker(name string, transport Connectivity) *TransportChecker {
	return &TransportChecker{name: name, transport: transport}
}

func (c *TransportChecker) Name() string {
	return c.name
}

func (c *TransportChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Name: c.name, Timestamp: time.Now(), Status: StatusHealthy, Message: "Connected"}
	if !c.transport.Connected() {
		result.Status = StatusUnhealthy
		result.Message = "Not connected"
	}
	return result
}

// RuntimeChecker flags goroutine growth, which usually means stuck handlers
type RuntimeChecker struct {
	degraded  int
	unhealthy int
}

// NewRuntimeChecker creates a goroutine count checker
func NewRuntimeChecker(degraded, unhealthy int) *RuntimeChecker {
	return &RuntimeChecker{degraded: degraded, unhealthy: unhealthy}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	goroutines := runtime.NumGoroutine()
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case exceeds(goroutines, c.unhealthy):
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case exceeds(goroutines, c.degraded):
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// CheckerFunc adapts a function to Checker
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

// NewCheckerFunc creates a Checker from fn
func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	return c.fn(ctx)
}

func (c *CheckerFunc) Name() string {
	return c.name
}
