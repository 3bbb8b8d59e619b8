package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/curahealth/careflow/internal/conversion"
	"github.com/curahealth/careflow/internal/domain/episode"
	"github.com/curahealth/careflow/internal/domain/intake"
	"github.com/curahealth/careflow/internal/ledger"
	"github.com/curahealth/careflow/pkg/idempotency"
)

type memoryInbox struct {
	results map[string]json.RawMessage
	calls   int
	err     error
}

func newMemoryInbox() *memoryInbox {
	return &memoryInbox{results: make(map[string]json.RawMessage)}
}

func (m *memoryInbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	if stored, ok := m.results[key]; ok {
		return &idempotency.ProcessResult{IsNew: false, Result: stored}, nil
	}
	m.calls++
	result, err := fn(ctx, payload)
	if err != nil {
		return nil, err
	}
	m.results[key] = result
	return &idempotency.ProcessResult{IsNew: true, Result: result}, nil
}

type memoryLeadStore struct {
	leads       map[string]*intake.Lead
	forms       map[string]*intake.IntakeForm
	checkpoints map[string]intake.Checkpoint
	nextForm    int
}

func newMemoryLeadStore() *memoryLeadStore {
	return &memoryLeadStore{
		leads:       make(map[string]*intake.Lead),
		forms:       make(map[string]*intake.IntakeForm),
		checkpoints: make(map[string]intake.Checkpoint),
	}
}

func (m *memoryLeadStore) CreateLead(ctx context.Context, lead *intake.Lead) error {
	if lead.ID == "" {
		lead.ID = "LD-1"
	}
	m.leads[lead.ID] = lead
	return nil
}

func (m *memoryLeadStore) GetLead(ctx context.Context, id string) (*intake.Lead, error) {
	lead, ok := m.leads[id]
	if !ok {
		return nil, intake.ErrNotFound
	}
	return lead, nil
}

func (m *memoryLeadStore) AdvanceLeadCheckpoint(ctx context.Context, id string, to intake.Checkpoint) error {
	m.checkpoints[id] = to
	if lead, ok := m.leads[id]; ok && to.Rank() > lead.Checkpoint.Rank() {
		lead.Checkpoint = to
	}
	return nil
}

func (m *memoryLeadStore) CreateIntakeForm(ctx context.Context, leadID string, payload json.RawMessage) (*intake.IntakeForm, error) {
	m.nextForm++
	form := &intake.IntakeForm{ID: fmt.Sprintf("IF-%d", m.nextForm), LeadID: leadID}
	m.forms[form.ID] = form
	return form, nil
}

type countingConverter struct {
	result *conversion.Result
	err    error
	calls  int
}

func (c *countingConverter) ApproveCareRequest(ctx context.Context, id string, actor ledger.Actor) (*conversion.Result, error) {
	return c.result, c.err
}

func (c *countingConverter) ConvertIntakeForm(ctx context.Context, id string, actor ledger.Actor) (*conversion.Result, error) {
	c.calls++
	return c.result, c.err
}

func newLeadHandler(store *memoryLeadStore, inbox *memoryInbox, conv *countingConverter) *LeadHandler {
	return NewLeadHandler(store, inbox, conv, nil, zap.NewNop())
}

func leadRouter(h *LeadHandler) http.Handler {
	stub := &stubConverter{}
	return APIRouter(newConversionHandler(stub), nil, h, nil)
}

func TestCreateLead(t *testing.T) {
	store := newMemoryLeadStore()
	h := newLeadHandler(store, newMemoryInbox(), &countingConverter{})
	router := leadRouter(h)

	rec := doRequest(t, router, http.MethodPost, "/leads",
		`{"email":"jane@example.com","attribution":{"source":"google","campaign":"knee-pain"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var lead intake.Lead
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lead))
	assert.Equal(t, intake.CheckpointStarted, lead.Checkpoint)
	assert.Equal(t, "google", lead.Attribution.Source)
}

func TestCreateLeadRequiresContact(t *testing.T) {
	h := newLeadHandler(newMemoryLeadStore(), newMemoryInbox(), &countingConverter{})
	rec := doRequest(t, leadRouter(h), http.MethodPost, "/leads", `{"name":"No Contact"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdvanceCheckpointRejectsUnknown(t *testing.T) {
	store := newMemoryLeadStore()
	store.leads["LD-1"] = &intake.Lead{ID: "LD-1", Checkpoint: intake.CheckpointStarted}
	h := newLeadHandler(store, newMemoryInbox(), &countingConverter{})

	rec := doRequest(t, leadRouter(h), http.MethodPost, "/leads/LD-1/checkpoint",
		`{"checkpoint":"graduated"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, leadRouter(h), http.MethodPost, "/leads/LD-1/checkpoint",
		`{"checkpoint":"severity_checked"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIntakeCompletedWebhookDedup(t *testing.T) {
	store := newMemoryLeadStore()
	store.leads["LD-1"] = &intake.Lead{ID: "LD-1", Checkpoint: intake.CheckpointIntakeStarted}
	inbox := newMemoryInbox()
	conv := &countingConverter{result: &conversion.Result{
		Episode: &episode.Episode{ID: "EP-1", PatientID: "PA-1"},
	}}
	h := newLeadHandler(store, inbox, conv)
	router := leadRouter(h)

	body := `{"event_id":"evt-1","lead_id":"LD-1","payload":{"patient_name":"Jane Doe","email":"jane@example.com"}}`

	rec := doRequest(t, router, http.MethodPost, "/webhooks/intake-completed", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, conv.calls)
	assert.Contains(t, rec.Body.String(), `"episodeId":"EP-1"`)
	assert.Equal(t, intake.CheckpointIntakeCompleted, store.checkpoints["LD-1"])

	// Redelivery replays the stored result without converting again.
	rec = doRequest(t, router, http.MethodPost, "/webhooks/intake-completed", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, conv.calls)
	assert.Contains(t, rec.Body.String(), `"duplicate":true`)
	assert.Contains(t, rec.Body.String(), `"episodeId":"EP-1"`)
}

func TestIntakeCompletedWebhookClaimRaces(t *testing.T) {
	body := `{"event_id":"evt-3","payload":{"patient_name":"Jane Doe"}}`

	// Both claim outcomes of a concurrent delivery are retry-later
	// conflicts, never server faults.
	for _, inboxErr := range []error{
		idempotency.ErrMessageInProgress,
		idempotency.ErrDuplicateMessage,
	} {
		inbox := newMemoryInbox()
		inbox.err = inboxErr
		h := newLeadHandler(newMemoryLeadStore(), inbox, &countingConverter{})

		rec := doRequest(t, leadRouter(h), http.MethodPost, "/webhooks/intake-completed", body)
		assert.Equal(t, http.StatusConflict, rec.Code, "%v", inboxErr)
	}
}

func TestIntakeCompletedWebhookValidation(t *testing.T) {
	h := newLeadHandler(newMemoryLeadStore(), newMemoryInbox(), &countingConverter{})

	rec := doRequest(t, leadRouter(h), http.MethodPost, "/webhooks/intake-completed",
		`{"event_id":"evt-2"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
