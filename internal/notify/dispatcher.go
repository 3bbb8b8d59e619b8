package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/curahealth/careflow/internal/infrastructure/redpanda"
)

// Publisher is the broker-facing side of the dispatcher.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// TopicDispatcher publishes notification requests to the notify.requests
// topic for the notifier service to deliver. Keying by entity id keeps all
// notifications about one entity in order.
type TopicDispatcher struct {
	publisher Publisher
}

// NewTopicDispatcher creates a dispatcher over the given publisher.
func NewTopicDispatcher(publisher Publisher) *TopicDispatcher {
	return &TopicDispatcher{publisher: publisher}
}

// Dispatch implements Dispatcher.
func (d *TopicDispatcher) Dispatch(ctx context.Context, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal notification request: %w", err)
	}

	key := req.EntityID
	if key == "" {
		key = req.Recipient
	}
	return d.publisher.Publish(ctx, redpanda.TopicNotifyRequests, key, body)
}
