// Package notify implements notification fan-out for the conversion
// pipeline. The Gate is the only entry point the orchestrator sees: every
// dispatch failure is caught, logged and swallowed so a broken notification
// path can never jeopardize a completed state transition.
package notify

import (
	"context"
	"time"
)

// Channel is the delivery channel for a notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Request is one outbound notification.
type Request struct {
	Channel    Channel           `json:"channel"`
	Recipient  string            `json:"recipient"`
	TemplateID string            `json:"template_id"`
	Data       map[string]string `json:"data,omitempty"`

	// EntityType and EntityID identify what the notification is about,
	// for logging and dead-letter triage.
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`

	RequestedAt time.Time `json:"requested_at"`
}

// Dispatcher hands a notification request to the delivery pipeline. The
// production implementation publishes to the notify.requests topic; tests
// substitute fakes.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, req Request) error

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, req Request) error {
	return f(ctx, req)
}
