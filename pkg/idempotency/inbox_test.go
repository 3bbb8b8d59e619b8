package idempotency

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWebhookKeyStableForSameEvent(t *testing.T) {
	a := WebhookKey("intake-portal", "evt-123", []byte(`{"form_id":"IF-1"}`))
	b := WebhookKey("intake-portal", "evt-123", []byte(`{"form_id":"IF-1","extra":true}`))
	assert.Equal(t, a, b, "event id should dominate payload differences")

	c := WebhookKey("intake-portal", "evt-124", nil)
	assert.NotEqual(t, a, c)
}

func TestWebhookKeyFallsBackToPayloadHash(t *testing.T) {
	a := WebhookKey("intake-portal", "", []byte(`{"form_id":"IF-1"}`))
	b := WebhookKey("intake-portal", "", []byte(`{"form_id":"IF-1"}`))
	c := WebhookKey("intake-portal", "", []byte(`{"form_id":"IF-2"}`))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestWebhookKeySourceScoping(t *testing.T) {
	a := WebhookKey("intake-portal", "evt-1", nil)
	b := WebhookKey("partner-crm", "evt-1", nil)
	assert.NotEqual(t, a, b)
}

func TestTerminalWrapping(t *testing.T) {
	base := errors.New("clinician id missing")

	assert.False(t, isTerminal(base))
	assert.True(t, isTerminal(Terminal(base)))
	assert.Nil(t, Terminal(nil))

	// The wrap stays transparent to errors.Is.
	assert.True(t, errors.Is(Terminal(base), base))
}
