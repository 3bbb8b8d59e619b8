package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/curahealth/careflow/internal/observability/metrics"
	"github.com/curahealth/careflow/pkg/circuitbreaker"
)

// Deliverer renders queued notification requests and hands them to the
// channel provider behind a per-channel circuit breaker. It is the
// consumer side of the notify.requests topic.
type Deliverer struct {
	registry  *Registry
	providers map[Channel]Provider
	breakers  *circuitbreaker.Manager
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewDeliverer creates a deliverer with the given channel providers.
func NewDeliverer(registry *Registry, providers map[Channel]Provider, breakers *circuitbreaker.Manager, m *metrics.Metrics, logger *zap.Logger) *Deliverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deliverer{
		registry:  registry,
		providers: providers,
		breakers:  breakers,
		metrics:   m,
		logger:    logger,
	}
}

// HandleRecord decodes one queued request and delivers it. A non-nil
// return leaves the offset uncommitted so the record is redelivered;
// malformed payloads are logged and dropped since replaying them can
// never succeed.
func (d *Deliverer) HandleRecord(ctx context.Context, value []byte) error {
	var req Request
	if err := json.Unmarshal(value, &req); err != nil {
		d.logger.Error("dropping malformed notification request",
			zap.Error(err),
			zap.ByteString("payload", value))
		return nil
	}
	return d.Deliver(ctx, req)
}

// Deliver renders and sends a single notification request.
func (d *Deliverer) Deliver(ctx context.Context, req Request) error {
	provider, ok := d.providers[req.Channel]
	if !ok {
		d.logger.Error("no provider for channel, dropping request",
			zap.String("channel", string(req.Channel)),
			zap.String("template", req.TemplateID),
			zap.String("entity_id", req.EntityID))
		return nil
	}

	subject, body, err := d.registry.Render(req.TemplateID, req.Data)
	if err != nil {
		// Unknown template is a deploy mismatch, not a transient fault.
		d.logger.Error("dropping request with unknown template",
			zap.String("template", req.TemplateID),
			zap.Error(err))
		return nil
	}

	breaker, err := d.breakers.GetOrCreate(string(req.Channel), circuitbreaker.DefaultConfig(string(req.Channel)))
	if err != nil {
		return fmt.Errorf("breaker for channel %s: %w", req.Channel, err)
	}

	err = breaker.Execute(ctx, func() error {
		return provider.Deliver(ctx, req.Recipient, subject, body)
	})
	if err != nil {
		if d.metrics != nil {
			d.metrics.NotificationsFailed.Inc()
		}
		if circuitbreaker.IsRejection(err) {
			d.logger.Warn("delivery rejected by open circuit",
				zap.String("channel", string(req.Channel)),
				zap.String("template", req.TemplateID))
		} else {
			d.logger.Warn("delivery attempt failed",
				zap.String("channel", string(req.Channel)),
				zap.String("template", req.TemplateID),
				zap.Error(err))
		}
		return err
	}

	if d.metrics != nil {
		d.metrics.NotificationsDelivered.WithLabelValues(string(req.Channel)).Inc()
	}
	d.logger.Info("notification delivered",
		zap.String("channel", string(req.Channel)),
		zap.String("template", req.TemplateID),
		zap.String("entity_type", req.EntityType),
		zap.String("entity_id", req.EntityID))
	return nil
}
