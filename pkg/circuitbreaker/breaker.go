// Package circuitbreaker guards calls to external delivery providers.
// Wraps sony/gobreaker with OpenTelemetry instrumentation and defaults
// tuned for notification gateways that fail in bursts.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State mirrors the breaker's position for logs and health reporting.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config tunes when a breaker trips and how it probes recovery.
type Config struct {
	// Name identifies the breaker, usually the delivery channel.
	Name string
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval between count resets while closed.
	Interval time.Duration
	// Timeout before an open breaker moves to half-open.
	Timeout time.Duration
	// FailureThreshold trips on consecutive failures below MinRequests.
	FailureThreshold uint32
	// FailureRatio trips once MinRequests have been observed.
	FailureRatio float64
	MinRequests  uint32
}

// DefaultConfig returns defaults suitable for email and SMS gateways.
// Gateways tend to degrade rather than hard-fail, so the ratio trip
// matters more than the consecutive-failure trip.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      2,
		Interval:         60 * time.Second,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.5,
		MinRequests:      8,
	}
}

// CircuitBreaker wraps one gobreaker instance with tracing and metric
// counters.
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer

	attempts  metric.Int64Counter
	failures  metric.Int64Counter
	successes metric.Int64Counter
	rejected  metric.Int64Counter

	state atomic.Value // State
}

// New creates a breaker from the given config.
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cb := &CircuitBreaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
	}
	cb.state.Store(StateClosed)

	meter := otel.Meter("circuit-breaker")
	for _, c := range []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&cb.attempts, "delivery_breaker_attempts_total", "Delivery attempts through the breaker"},
		{&cb.failures, "delivery_breaker_failures_total", "Failed delivery attempts"},
		{&cb.successes, "delivery_breaker_successes_total", "Successful delivery attempts"},
		{&cb.rejected, "delivery_breaker_rejected_total", "Attempts rejected by an open breaker"},
	} {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", c.name, err)
		}
		*c.dst = counter
	}

	cb.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cb.state.Store(mapState(to))
			cb.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", string(mapState(from))),
				zap.String("to", string(mapState(to))))
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about gateway health.
			if errors.Is(err, context.Canceled) {
				return true
			}
			return err == nil
		},
	})

	return cb, nil
}

// Execute runs one delivery attempt through the breaker.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	ctx, span := c.tracer.Start(ctx, "delivery_breaker_execute",
		trace.WithAttributes(
			attribute.String("breaker_name", c.name),
			attribute.String("state", string(c.GetState()))))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("name", c.name))
	c.attempts.Add(ctx, 1, attrs)

	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err != nil {
		if IsRejection(err) {
			c.rejected.Add(ctx, 1, attrs)
			span.SetAttributes(attribute.Bool("circuit_open", true))
		} else {
			c.failures.Add(ctx, 1, attrs)
		}
		span.RecordError(err)
		return err
	}

	c.successes.Add(ctx, 1, attrs)
	return nil
}

// IsRejection reports whether err came from the breaker itself rather
// than the wrapped delivery attempt.
func IsRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// GetState returns the breaker's current position.
func (c *CircuitBreaker) GetState() State {
	return c.state.Load().(State)
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Manager keeps one breaker per delivery channel.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	logger   *zap.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
	}
}

// GetOrCreate returns the breaker registered under name, creating it on
// first use.
func (m *Manager) GetOrCreate(name string, cfg Config) (*CircuitBreaker, error) {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb, nil
	}

	cfg.Name = name
	cb, err := New(cfg, m.logger)
	if err != nil {
		return nil, err
	}
	m.breakers[name] = cb
	return cb, nil
}

// HealthStatus describes one breaker for readiness reporting.
type HealthStatus struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
	Healthy  bool   `json:"healthy"`
}

// GetHealthStatus reports every registered breaker. A breaker counts as
// healthy unless it is fully open.
func (m *Manager) GetHealthStatus() []HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]HealthStatus, 0, len(m.breakers))
	for name, cb := range m.breakers {
		counts := cb.cb.Counts()
		state := cb.GetState()
		statuses = append(statuses, HealthStatus{
			Name:     name,
			State:    state,
			Requests: counts.Requests,
			Failures: counts.TotalFailures,
			Healthy:  state != StateOpen,
		})
	}
	return statuses
}
