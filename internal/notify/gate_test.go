package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGateSwallowsDispatchError(t *testing.T) {
	gate := NewGate(DispatcherFunc(func(ctx context.Context, req Request) error {
		return errors.New("broker unavailable")
	}), nil, zap.NewNop())

	assert.NotPanics(t, func() {
		gate.Notify(context.Background(), Request{
			Channel:    ChannelEmail,
			Recipient:  "jane@example.com",
			TemplateID: TemplateEpisodeOpenedPatient,
		})
	})
}

func TestGateSwallowsPanic(t *testing.T) {
	gate := NewGate(DispatcherFunc(func(ctx context.Context, req Request) error {
		panic("dispatcher bug")
	}), nil, zap.NewNop())

	assert.NotPanics(t, func() {
		gate.Notify(context.Background(), Request{Channel: ChannelSMS, Recipient: "+15550100"})
	})
}

func TestGateSetsRequestedAtAndAppliesTimeout(t *testing.T) {
	var got Request
	var hadDeadline bool
	gate := NewGate(DispatcherFunc(func(ctx context.Context, req Request) error {
		got = req
		_, hadDeadline = ctx.Deadline()
		return nil
	}), nil, zap.NewNop())

	gate.Notify(context.Background(), Request{
		Channel:    ChannelEmail,
		Recipient:  "jane@example.com",
		TemplateID: TemplateEpisodeOpenedPatient,
	})

	require.False(t, got.RequestedAt.IsZero())
	assert.True(t, hadDeadline)
}

func TestGateFailureDoesNotBlockLaterCalls(t *testing.T) {
	var calls []string
	gate := NewGate(DispatcherFunc(func(ctx context.Context, req Request) error {
		calls = append(calls, req.Recipient)
		if req.Recipient == "bad@example.com" {
			return errors.New("bounce")
		}
		return nil
	}), nil, zap.NewNop())

	ctx := context.Background()
	gate.Notify(ctx, Request{Channel: ChannelEmail, Recipient: "bad@example.com"})
	gate.Notify(ctx, Request{Channel: ChannelEmail, Recipient: "clinician@example.com"})

	assert.Equal(t, []string{"bad@example.com", "clinician@example.com"}, calls)
}
