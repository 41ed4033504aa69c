// Package monitor keeps in-process counters for handler executions and outbox deliveries.
package monitor

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/glimte/mmate-dispatch/interceptors"
	"github.com/glimte/mmate-dispatch/outbox"
)

const maxSamples = 100

// SimpleMetricsCollector implements a basic in-memory metrics collector
// that can be extended with exporters (Prometheus, etc.) later
type SimpleMetricsCollector struct {
	mu sync.RWMutex

	// Handler executions by message type
	messageCounters map[string]int64

	// Handler errors by message type and error type
	errorCounters map[string]map[string]int64

	// Handler processing time by message type
	processingTimes map[string]*TimeStats

	// Outbox deliveries by destination
	relays map[string]*RelayStats
}

// TimeStats tracks timing statistics
type TimeStats struct {
	Count   int64
	TotalMs int64
	MinMs   int64
	MaxMs   int64
	samples []int64
}

func (s *TimeStats) add(d time.Duration) {
	ms := d.Milliseconds()
	if s.Count == 0 || ms < s.MinMs {
		s.MinMs = ms
	}
	if ms > s.MaxMs {
		s.MaxMs = ms
	}
	s.Count++
	s.TotalMs += ms

	if len(s.samples) >= maxSamples {
		s.samples = s.samples[1:]
	}
	s.samples = append(s.samples, ms)
}

// RelayStats tracks outbox deliveries to one destination
type RelayStats struct {
	Sent       int64     `json:"sent"`
	Failed     int64     `json:"failed"`
	Retried    int64     `json:"retried"`
	MaxAttempt int       `json:"max_attempt"`
	Latency    TimeStats `json:"-"`
}

// NewSimpleMetricsCollector creates a new in-memory metrics collector
func NewSimpleMetricsCollector() *SimpleMetricsCollector {
	c := &SimpleMetricsCollector{}
	c.Reset()
	return c
}

// IncrementMessageCount implements interceptors.MetricsCollector
func (c *SimpleMetricsCollector) IncrementMessageCount(messageType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageCounters[messageType]++
}

// RecordProcessingTime implements interceptors.MetricsCollector
func (c *SimpleMetricsCollector) RecordProcessingTime(messageType string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.processingTimes[messageType]
	if !ok {
		stats = &TimeStats{samples: make([]int64, 0, maxSamples)}
		c.processingTimes[messageType] = stats
	}
	stats.add(duration)
}

// IncrementErrorCount implements interceptors.MetricsCollector
func (c *SimpleMetricsCollector) IncrementErrorCount(messageType string, errorType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.errorCounters[messageType] == nil {
		c.errorCounters[messageType] = make(map[string]int64)
	}
	c.errorCounters[messageType][errorType]++
}

// RecordRelayed implements outbox.RelayMetrics
func (c *SimpleMetricsCollector) RecordRelayed(destination string, attempt int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.relay(destination)
	stats.Sent++
	if attempt > 1 {
		stats.Retried++
	}
	if attempt > stats.MaxAttempt {
		stats.MaxAttempt = attempt
	}
	stats.Latency.add(duration)
}

// RecordRelayFailure implements outbox.RelayMetrics
func (c *SimpleMetricsCollector) RecordRelayFailure(destination string, attempt int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.relay(destination)
	stats.Failed++
	if attempt > stats.MaxAttempt {
		stats.MaxAttempt = attempt
	}
}

// relay must be called with mu held
func (c *SimpleMetricsCollector) relay(destination string) *RelayStats {
	stats, ok := c.relays[destination]
	if !ok {
		stats = &RelayStats{}
		c.relays[destination] = stats
	}
	return stats
}

// GetMetricsSummary returns a summary of all collected metrics
func (c *SimpleMetricsCollector) GetMetricsSummary() MetricsSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := MetricsSummary{
		MessageCounts:   make(map[string]int64, len(c.messageCounters)),
		ErrorCounts:     make(map[string]map[string]int64, len(c.errorCounters)),
		ProcessingStats: make(map[string]ProcessingStats, len(c.processingTimes)),
		Relays:          make(map[string]RelaySummary, len(c.relays)),
	}

	for msgType, count := range c.messageCounters {
		summary.MessageCounts[msgType] = count
	}

	for msgType, errs := range c.errorCounters {
		summary.ErrorCounts[msgType] = make(map[string]int64, len(errs))
		for errorType, count := range errs {
			summary.ErrorCounts[msgType][errorType] = count
		}
	}

	for msgType, stats := range c.processingTimes {
		summary.ProcessingStats[msgType] = stats.summary()
	}

	for destination, stats := range c.relays {
		summary.Relays[destination] = RelaySummary{
			Sent:       stats.Sent,
			Failed:     stats.Failed,
			Retried:    stats.Retried,
			MaxAttempt: stats.MaxAttempt,
			Latency:    stats.Latency.summary(),
		}
	}

	return summary
}

func (s *TimeStats) summary() ProcessingStats {
	out := ProcessingStats{
		Count: s.Count,
		MinMs: s.MinMs,
		MaxMs: s.MaxMs,
	}
	if s.Count > 0 {
		out.AvgMs = s.TotalMs / s.Count
	}
	if len(s.samples) > 0 {
		sorted := slices.Clone(s.samples)
		slices.Sort(sorted)
		out.P50Ms = percentile(sorted, 0.50)
		out.P95Ms = percentile(sorted, 0.95)
		out.P99Ms = percentile(sorted, 0.99)
	}
	return out
}

func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}

// MetricsSummary represents a snapshot of all metrics
type MetricsSummary struct {
	MessageCounts   map[string]int64            `json:"message_counts"`
	ErrorCounts     map[string]map[string]int64 `json:"error_counts"`
	ProcessingStats map[string]ProcessingStats  `json:"processing_stats"`
	Relays          map[string]RelaySummary     `json:"relays"`
}

// ProcessingStats represents processing time statistics for a message type
type ProcessingStats struct {
	Count int64 `json:"count"`
	AvgMs int64 `json:"avg_ms"`
	MinMs int64 `json:"min_ms"`
	MaxMs int64 `json:"max_ms"`
	P50Ms int64 `json:"p50_ms"`
	P95Ms int64 `json:"p95_ms"`
	P99Ms int64 `json:"p99_ms"`
}

// RelaySummary represents outbox delivery statistics for a destination
type RelaySummary struct {
	Sent       int64           `json:"sent"`
	Failed     int64           `json:"failed"`
	Retried    int64           `json:"retried"`
	MaxAttempt int             `json:"max_attempt"`
	Latency    ProcessingStats `json:"latency"`
}

// ErrorAnalysis aggregates handler errors across message types
type ErrorAnalysis struct {
	TotalErrors         int64            `json:"total_errors"`
	ErrorRate           float64          `json:"error_rate"`
	TopErrorTypes       []ErrorTypeStats `json:"top_error_types"`
	ErrorsByMessageType map[string]int64 `json:"errors_by_message_type"`
}

// ErrorTypeStats represents statistics for a specific error type
type ErrorTypeStats struct {
	ErrorType string  `json:"error_type"`
	Count     int64   `json:"count"`
	Rate      float64 `json:"rate"`
}

// GetErrorAnalysis returns error totals, with error types ordered by count
func (c *SimpleMetricsCollector) GetErrorAnalysis() ErrorAnalysis {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var totalErrors, totalMessages int64
	byType := make(map[string]int64)
	byMessageType := make(map[string]int64)

	for _, count := range c.messageCounters {
		totalMessages += count
	}

	for msgType, errs := range c.errorCounters {
		for errorType, count := range errs {
			totalErrors += count
			byMessageType[msgType] += count
			byType[errorType] += count
		}
	}

	analysis := ErrorAnalysis{
		TotalErrors:         totalErrors,
		ErrorsByMessageType: byMessageType,
	}
	if totalMessages > 0 {
		analysis.ErrorRate = float64(totalErrors) / float64(totalMessages)
	}

	for errorType, count := range byType {
		analysis.TopErrorTypes = append(analysis.TopErrorTypes, ErrorTypeStats{
			ErrorType: errorType,
			Count:     count,
			Rate:      float64(count) / float64(totalErrors),
		})
	}
	sort.Slice(analysis.TopErrorTypes, func(i, j int) bool {
		a, b := analysis.TopErrorTypes[i], analysis.TopErrorTypes[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.ErrorType < b.ErrorType
	})

	return analysis
}

// Reset clears all collected metrics
func (c *SimpleMetricsCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messageCounters = make(map[string]int64)
	c.errorCounters = make(map[string]map[string]int64)
	c.processingTimes = make(map[string]*TimeStats)
	c.relays = make(map[string]*RelayStats)
}

var (
	_ interceptors.MetricsCollector = (*SimpleMetricsCollector)(nil)
	_ outbox.RelayMetrics           = (*SimpleMetricsCollector)(nil)
)
