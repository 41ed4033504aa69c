package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-dispatch/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statsFunc func(ctx context.Context) (outbox.Stats, error)

func (f statsFunc) Stats(ctx context.Context) (outbox.Stats, error) {
	return f(ctx)
}

type connectivity bool

func (c connectivity) Connected() bool {
	return bool(c)
}

func fixed(status Status) *CheckerFunc {
	return NewCheckerFunc(string(status), func(context.Context) CheckResult {
		return CheckResult{Name: string(status), Status: status}
	})
}

func TestRegistry(t *testing.T) {
	t.Run("empty registry is healthy", func(t *testing.T) {
		h := NewRegistry().Check(context.Background())
		assert.Equal(t, StatusHealthy, h.Status)
		assert.Empty(t, h.Checks)
	})

	t.Run("overall status is the worst check", func(t *testing.T) {
		tests := []struct {
			name     string
			checkers []Checker
			want     Status
		}{
			{"all healthy", []Checker{fixed(StatusHealthy)}, StatusHealthy},
			{"one degraded", []Checker{fixed(StatusHealthy), fixed(StatusDegraded)}, StatusDegraded},
			{"unhealthy wins", []Checker{fixed(StatusDegraded), fixed(StatusUnhealthy), fixed(StatusHealthy)}, StatusUnhealthy},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				h := NewRegistry(tt.checkers...).Check(context.Background())
				assert.Equal(t, tt.want, h.Status)
				assert.Len(t, h.Checks, len(tt.checkers))
			})
		}
	})

	t.Run("slow checks time out as unhealthy", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)

		registry := NewRegistry(fixed(StatusHealthy), NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			<-release
			return CheckResult{Name: "slow", Status: StatusHealthy}
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		h := registry.Check(ctx)
		assert.Equal(t, StatusUnhealthy, h.Status)
		assert.Equal(t, "Check timed out", h.Checks["slow"].Message)
	})

	t.Run("unregister removes a check", func(t *testing.T) {
		registry := NewRegistry(fixed(StatusUnhealthy))
		registry.Unregister(string(StatusUnhealthy))
		assert.Equal(t, StatusHealthy, registry.Check(context.Background()).Status)
	})
}

func TestOutboxChecker(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	thresholds := OutboxThresholds{
		DegradedPending:  10,
		UnhealthyPending: 100,
		DegradedAge:      time.Minute,
		UnhealthyAge:     time.Hour,
	}

	tests := []struct {
		name  string
		stats outbox.Stats
		want  Status
	}{
		{"empty", outbox.Stats{Sent: 5}, StatusHealthy},
		{"small fresh backlog", outbox.Stats{Pending: 3, OldestPendingAt: now.Add(-time.Second)}, StatusHealthy},
		{"many pending", outbox.Stats{Pending: 10, OldestPendingAt: now}, StatusDegraded},
		{"old entry", outbox.Stats{Pending: 1, OldestPendingAt: now.Add(-2 * time.Minute)}, StatusDegraded},
		{"huge backlog", outbox.Stats{Pending: 100, OldestPendingAt: now}, StatusUnhealthy},
		{"stuck entry", outbox.Stats{Pending: 1, OldestPendingAt: now.Add(-2 * time.Hour)}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewOutboxChecker(statsFunc(func(context.Context) (outbox.Stats, error) {
				return tt.stats, nil
			}), thresholds)
			checker.now = func() time.Time { return now }

			result := checker.Check(context.Background())
			assert.Equal(t, tt.want, result.Status)
			assert.Equal(t, tt.stats.Pending, result.Details["pending"])
		})
	}

	t.Run("stats failure is unhealthy", func(t *testing.T) {
		checker := NewOutboxChecker(statsFunc(func(context.Context) (outbox.Stats, error) {
			return outbox.Stats{}, errors.New("database is locked")
		}), DefaultOutboxThresholds())

		result := checker.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "database is locked", result.Error)
	})

	t.Run("zero thresholds are disabled", func(t *testing.T) {
		checker := NewOutboxChecker(statsFunc(func(context.Context) (outbox.Stats, error) {
			return outbox.Stats{Pending: 1 << 20, OldestPendingAt: now.Add(-24 * time.Hour)}, nil
		}), OutboxThresholds{})
		checker.now = func() time.Time { return now }

		assert.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)
	})
}

func TestTransportChecker(t *testing.T) {
	up := NewTransportChecker("rabbitmq", connectivity(true))
	down := NewTransportChecker("rabbitmq", connectivity(false))

	assert.Equal(t, "rabbitmq", up.Name())
	assert.Equal(t, StatusHealthy, up.Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, down.Check(context.Background()).Status)
}

func TestRuntimeChecker(t *testing.T) {
	result := NewRuntimeChecker(1<<20, 1<<21).Check(context.Background())
	require.Equal(t, StatusHealthy, result.Status)
	assert.Contains(t, result.Details, "goroutines")

	assert.Equal(t, StatusDegraded, NewRuntimeChecker(1, 1<<21).Check(context.Background()).Status)
}
