package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/curahealth/careflow/internal/observability/metrics"
)

// Gate wraps a Dispatcher with the swallow-and-log policy. Notify never
// returns an error and never panics outward; the orchestrator's return
// value must not depend on notification outcomes.
type Gate struct {
	dispatcher Dispatcher
	logger     *zap.Logger
	metrics    *metrics.Metrics
	timeout    time.Duration
}

// NewGate creates a gate around the given dispatcher. A nil metrics
// registry disables counting.
func NewGate(dispatcher Dispatcher, m *metrics.Metrics, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    m,
		timeout:    5 * time.Second,
	}
}

// Notify dispatches one notification, swallowing any failure. Each call is
// independent: callers fan out to multiple recipients with separate calls
// and one failure never blocks the rest.
func (g *Gate) Notify(ctx context.Context, req Request) {
	if req.Recipient == "" {
		// Accounts created without contact details have nowhere to deliver.
		g.logger.Debug("notification skipped, no recipient",
			zap.String("template_id", req.TemplateID),
			zap.String("entity_id", req.EntityID))
		return
	}

	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("notification dispatch panicked",
				zap.Any("panic", r),
				zap.String("channel", string(req.Channel)),
				zap.String("entity_type", req.EntityType),
				zap.String("entity_id", req.EntityID))
			g.countFailure(req)
		}
	}()

	if err := g.dispatcher.Dispatch(ctx, req); err != nil {
		g.logger.Warn("notification dispatch failed",
			zap.String("channel", string(req.Channel)),
			zap.String("template_id", req.TemplateID),
			zap.String("entity_type", req.EntityType),
			zap.String("entity_id", req.EntityID),
			zap.Error(err))
		g.countFailure(req)
		return
	}

	if g.metrics != nil {
		g.metrics.NotificationsDispatched.Inc()
	}
}

func (g *Gate) countFailure(req Request) {
	if g.metrics != nil {
		g.metrics.NotificationsFailed.Inc()
	}
}
