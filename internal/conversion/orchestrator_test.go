package conversion

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/curahealth/careflow/internal/domain/episode"
	"github.com/curahealth/careflow/internal/domain/intake"
	"github.com/curahealth/careflow/internal/domain/patient"
	"github.com/curahealth/careflow/internal/ledger"
	"github.com/curahealth/careflow/internal/notify"
)

// The production repositories must keep satisfying the orchestrator's
// store surfaces.
var (
	_ IntakeStore  = (*intake.Repository)(nil)
	_ PatientStore = (*patient.Repository)(nil)
	_ EpisodeStore = (*episode.Repository)(nil)
)

type fakeIntakeStore struct {
	careRequests map[string]*intake.CareRequest
	intakeForms  map[string]*intake.IntakeForm
	checkpoints  map[string]intake.Checkpoint
}

func newFakeIntakeStore() *fakeIntakeStore {
	return &fakeIntakeStore{
		careRequests: make(map[string]*intake.CareRequest),
		intakeForms:  make(map[string]*intake.IntakeForm),
		checkpoints:  make(map[string]intake.Checkpoint),
	}
}

func (f *fakeIntakeStore) GetCareRequest(ctx context.Context, id string) (*intake.CareRequest, error) {
	req, ok := f.careRequests[id]
	if !ok {
		return nil, intake.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (f *fakeIntakeStore) GuardApproval(ctx context.Context, id string) (*intake.CareRequest, error) {
	req, err := f.GetCareRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case req.Status == intake.StatusApprovedForCare:
		return req, intake.ErrAlreadyApproved
	case req.Status == intake.StatusArchived:
		return req, intake.ErrInvalidState
	case req.AssignedClinicianID == "":
		return req, intake.ErrMissingClinician
	}
	return req, nil
}

func (f *fakeIntakeStore) GetIntakeForm(ctx context.Context, id string) (*intake.IntakeForm, error) {
	form, ok := f.intakeForms[id]
	if !ok {
		return nil, intake.ErrNotFound
	}
	cp := *form
	return &cp, nil
}

func (f *fakeIntakeStore) AdvanceLeadCheckpoint(ctx context.Context, id string, to intake.Checkpoint) error {
	f.checkpoints[id] = to
	return nil
}

type fakePatientStore struct {
	byEmail map[string]string
	nextID  int
}

func newFakePatientStore() *fakePatientStore {
	return &fakePatientStore{byEmail: make(map[string]string)}
}

func (f *fakePatientStore) Resolve(ctx context.Context, in patient.ResolveInput) (string, error) {
	if id, ok := f.byEmail[in.Email]; ok && in.Email != "" {
		return id, nil
	}
	f.nextID++
	id := "PA-" + string(rune('0'+f.nextID))
	f.byEmail[in.Email] = id
	return id, nil
}

func (f *fakePatientStore) FillMissingContact(ctx context.Context, id, phone, firstName, lastName string) error {
	return nil
}

type fakeEpisodeStore struct {
	episodes  map[string]*episode.Episode
	snapshots map[string]json.RawMessage
	access    map[string]string
	store     *fakeIntakeStore

	snapshotErr error
	createErr   error
	grantErr    error
}

func newFakeEpisodeStore(store *fakeIntakeStore) *fakeEpisodeStore {
	return &fakeEpisodeStore{
		episodes:  make(map[string]*episode.Episode),
		snapshots: make(map[string]json.RawMessage),
		access:    make(map[string]string),
		store:     store,
	}
}

func (f *fakeEpisodeStore) CreateConverted(ctx context.Context, ep *episode.Episode) error {
	if f.createErr != nil {
		return f.createErr
	}
	// Mirrors the conditional source flip: a converted source loses.
	switch ep.SourceKind {
	case episode.SourceCareRequest:
		req := f.store.careRequests[ep.SourceID]
		if req == nil {
			return intake.ErrNotFound
		}
		if req.EpisodeID != "" {
			return intake.ErrAlreadyConverted
		}
		req.Status = intake.StatusApprovedForCare
		req.PatientID = ep.PatientID
		req.EpisodeID = ep.ID
	case episode.SourceIntakeForm:
		form := f.store.intakeForms[ep.SourceID]
		if form == nil {
			return intake.ErrNotFound
		}
		if form.ConvertedToEpisodeID != "" {
			return intake.ErrAlreadyConverted
		}
		form.ConvertedToEpisodeID = ep.ID
	}
	cp := *ep
	f.episodes[ep.ID] = &cp
	return nil
}

func (f *fakeEpisodeStore) WriteSnapshot(ctx context.Context, episodeID string, payload json.RawMessage) error {
	if f.snapshotErr != nil {
		return f.snapshotErr
	}
	f.snapshots[episodeID] = payload
	return nil
}

func (f *fakeEpisodeStore) GrantAccess(ctx context.Context, episodeID, patientID string) error {
	if f.grantErr != nil {
		return f.grantErr
	}
	f.access[episodeID] = patientID
	return nil
}

func (f *fakeEpisodeStore) Get(ctx context.Context, id string) (*episode.Episode, error) {
	ep, ok := f.episodes[id]
	if !ok {
		return nil, episode.ErrNotFound
	}
	cp := *ep
	return &cp, nil
}

type fakeLedger struct {
	events []string
}

func (f *fakeLedger) Record(ctx context.Context, entityType, entityID, eventType string, actor ledger.Actor, metadata map[string]any) error {
	f.events = append(f.events, eventType)
	return nil
}

type captureNotifier struct {
	requests []notify.Request
}

func (c *captureNotifier) Notify(ctx context.Context, req notify.Request) {
	c.requests = append(c.requests, req)
}

func janePayload(t *testing.T) intake.Payload {
	t.Helper()
	raw := json.RawMessage(`{
		"patient_name": "Jane Doe",
		"email": "  Jane.Doe@Example.com ",
		"phone": "+15550100",
		"complaints": [
			{"bodyRegion": "Knee", "description": "pain when climbing stairs", "severity": 4},
			{"bodyRegion": "Lower Back", "severity": 9}
		],
		"insurance": {"carrier": "Acme Health"}
	}`)
	p, err := intake.ParsePayload(raw)
	require.NoError(t, err)
	return p
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeIntakeStore, *fakePatientStore, *fakeEpisodeStore, *fakeLedger, *captureNotifier) {
	t.Helper()
	store := newFakeIntakeStore()
	patients := newFakePatientStore()
	episodes := newFakeEpisodeStore(store)
	lg := &fakeLedger{}
	notifier := &captureNotifier{}
	o := NewOrchestrator(store, patients, episodes, lg, notifier, nil, zap.NewNop())
	return o, store, patients, episodes, lg, notifier
}

func TestApproveCareRequestHappyPath(t *testing.T) {
	o, store, patients, episodes, lg, notifier := newTestOrchestrator(t)

	store.careRequests["CR-1"] = &intake.CareRequest{
		ID:                  "CR-1",
		Status:              intake.StatusAssigned,
		AssignedClinicianID: "DR-7",
		Payload:             janePayload(t),
	}

	res, err := o.ApproveCareRequest(context.Background(), "CR-1", ledger.Actor{Type: ledger.ActorStaff, ID: "staff-1"})
	require.NoError(t, err)
	require.NotNil(t, res.Episode)
	assert.False(t, res.Idempotent)

	ep := res.Episode
	assert.Equal(t, "Jane Doe", ep.PatientName)
	assert.Equal(t, "Knee", ep.BodyRegion, "first complaint wins regardless of severity")
	assert.Equal(t, episode.StatusActive, ep.Status)
	assert.Equal(t, "DR-7", ep.AssignedClinicianID)
	assert.Equal(t, episode.SourceCareRequest, ep.SourceKind)
	assert.Equal(t, "CR-1", ep.SourceID)

	// Email is normalized before account resolution.
	_, ok := patients.byEmail["jane.doe@example.com"]
	assert.True(t, ok)

	// Source row carries the conversion back-references.
	req := store.careRequests["CR-1"]
	assert.Equal(t, intake.StatusApprovedForCare, req.Status)
	assert.Equal(t, ep.ID, req.EpisodeID)
	assert.Equal(t, ep.PatientID, req.PatientID)

	// Snapshot keeps unknown payload fields verbatim.
	assert.JSONEq(t, string(janePayload(t).Bytes()), string(episodes.snapshots[ep.ID]))
	assert.Equal(t, ep.PatientID, episodes.access[ep.ID])

	assert.Contains(t, lg.events, ledger.EventCareRequestApproved)
	assert.Contains(t, lg.events, ledger.EventEpisodeCreated)
	assert.Contains(t, lg.events, ledger.EventAccessGranted)

	require.Len(t, notifier.requests, 2)
	assert.Equal(t, notify.TemplateEpisodeOpenedPatient, notifier.requests[0].TemplateID)
	assert.Equal(t, notify.TemplateEpisodeOpenedClinician, notifier.requests[1].TemplateID)
}

func TestApproveCareRequestFailedGrantNotLedgered(t *testing.T) {
	o, store, _, episodes, lg, _ := newTestOrchestrator(t)
	episodes.grantErr = errors.New("access table unavailable")

	store.careRequests["CR-1"] = &intake.CareRequest{
		ID:                  "CR-1",
		Status:              intake.StatusAssigned,
		AssignedClinicianID: "DR-7",
		Payload:             janePayload(t),
	}

	res, err := o.ApproveCareRequest(context.Background(), "CR-1", ledger.SystemActor)
	require.NoError(t, err, "a failed grant is best-effort and must not fail the conversion")
	require.NotNil(t, res.Episode)

	// The grant never happened, so the audit trail must not claim it did.
	assert.Contains(t, lg.events, ledger.EventCareRequestApproved)
	assert.Contains(t, lg.events, ledger.EventEpisodeCreated)
	assert.NotContains(t, lg.events, ledger.EventAccessGranted)
}

func TestApproveCareRequestSecondCallRejected(t *testing.T) {
	o, store, _, episodes, _, _ := newTestOrchestrator(t)

	store.careRequests["CR-1"] = &intake.CareRequest{
		ID:                  "CR-1",
		Status:              intake.StatusAssigned,
		AssignedClinicianID: "DR-7",
		Payload:             janePayload(t),
	}

	_, err := o.ApproveCareRequest(context.Background(), "CR-1", ledger.SystemActor)
	require.NoError(t, err)

	_, err = o.ApproveCareRequest(context.Background(), "CR-1", ledger.SystemActor)
	assert.ErrorIs(t, err, intake.ErrAlreadyApproved)
	assert.Len(t, episodes.episodes, 1, "a rejected retry must not create a second episode")
}

func TestApproveCareRequestGuards(t *testing.T) {
	o, store, _, _, _, _ := newTestOrchestrator(t)

	store.careRequests["unassigned"] = &intake.CareRequest{
		ID: "unassigned", Status: intake.StatusSubmitted, Payload: janePayload(t),
	}
	store.careRequests["archived"] = &intake.CareRequest{
		ID: "archived", Status: intake.StatusArchived, AssignedClinicianID: "DR-1", Payload: janePayload(t),
	}

	_, err := o.ApproveCareRequest(context.Background(), "unassigned", ledger.SystemActor)
	assert.ErrorIs(t, err, intake.ErrMissingClinician)

	_, err = o.ApproveCareRequest(context.Background(), "archived", ledger.SystemActor)
	assert.ErrorIs(t, err, intake.ErrInvalidState)

	_, err = o.ApproveCareRequest(context.Background(), "missing", ledger.SystemActor)
	assert.ErrorIs(t, err, intake.ErrNotFound)
}

func TestApproveCareRequestNoEmailCreatesFreshAccount(t *testing.T) {
	o, store, patients, _, _, _ := newTestOrchestrator(t)

	p, err := intake.ParsePayload(json.RawMessage(`{"patient_name": "No Email"}`))
	require.NoError(t, err)
	store.careRequests["CR-2"] = &intake.CareRequest{
		ID: "CR-2", Status: intake.StatusAssigned, AssignedClinicianID: "DR-1", Payload: p,
	}

	before := patients.nextID
	res, err := o.ApproveCareRequest(context.Background(), "CR-2", ledger.SystemActor)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Episode.PatientID)
	assert.Equal(t, before+1, patients.nextID)
}

func TestApproveCareRequestLosingRaceReturnsWinner(t *testing.T) {
	o, store, _, episodes, _, _ := newTestOrchestrator(t)

	store.careRequests["CR-1"] = &intake.CareRequest{
		ID:                  "CR-1",
		Status:              intake.StatusAssigned,
		AssignedClinicianID: "DR-7",
		Payload:             janePayload(t),
	}

	// The winner converted between our guard check and our insert.
	winner := &episode.Episode{ID: "EP-winner", PatientID: "PA-9", Status: episode.StatusActive}
	episodes.episodes["EP-winner"] = winner
	store.careRequests["CR-1"].EpisodeID = "EP-winner"

	res, err := o.ApproveCareRequest(context.Background(), "CR-1", ledger.SystemActor)
	require.NoError(t, err)
	assert.True(t, res.Idempotent)
	assert.Equal(t, "EP-winner", res.Episode.ID)
}

func TestEnrichmentFailureDoesNotFailConversion(t *testing.T) {
	o, store, _, episodes, _, notifier := newTestOrchestrator(t)

	store.careRequests["CR-1"] = &intake.CareRequest{
		ID: "CR-1", Status: intake.StatusAssigned, AssignedClinicianID: "DR-7", Payload: janePayload(t),
	}
	episodes.snapshotErr = errors.New("snapshot store down")

	res, err := o.ApproveCareRequest(context.Background(), "CR-1", ledger.SystemActor)
	require.NoError(t, err, "snapshot failure is best-effort, conversion must succeed")
	assert.NotNil(t, res.Episode)
	assert.NotEmpty(t, notifier.requests, "later enrichment steps still run")
}

func TestConvertIntakeFormHappyPath(t *testing.T) {
	o, store, _, _, lg, notifier := newTestOrchestrator(t)

	store.intakeForms["IF-1"] = &intake.IntakeForm{
		ID: "IF-1", LeadID: "LD-1", Payload: janePayload(t),
	}

	res, err := o.ConvertIntakeForm(context.Background(), "IF-1", ledger.SystemActor)
	require.NoError(t, err)

	ep := res.Episode
	assert.Equal(t, episode.StatusConservativeCare, ep.Status)
	assert.Equal(t, episode.SourceIntakeForm, ep.SourceKind)
	assert.Equal(t, ep.ID, store.intakeForms["IF-1"].ConvertedToEpisodeID)
	assert.Equal(t, intake.CheckpointEpisodeOpened, store.checkpoints["LD-1"])
	assert.Contains(t, lg.events, ledger.EventIntakeFormConverted)
	require.Len(t, notifier.requests, 1, "intake conversions notify the patient only")
}

func TestConvertIntakeFormIdempotent(t *testing.T) {
	o, store, _, _, _, notifier := newTestOrchestrator(t)

	store.intakeForms["IF-1"] = &intake.IntakeForm{ID: "IF-1", Payload: janePayload(t)}

	first, err := o.ConvertIntakeForm(context.Background(), "IF-1", ledger.SystemActor)
	require.NoError(t, err)
	notified := len(notifier.requests)

	second, err := o.ConvertIntakeForm(context.Background(), "IF-1", ledger.SystemActor)
	require.NoError(t, err)
	assert.True(t, second.Idempotent)
	assert.Equal(t, first.Episode.ID, second.Episode.ID)
	assert.Len(t, notifier.requests, notified, "idempotent replay must not re-notify")
}

func TestConvertIntakeFormDefaultBodyRegion(t *testing.T) {
	o, store, _, _, _, _ := newTestOrchestrator(t)

	p, err := intake.ParsePayload(json.RawMessage(`{"patient_name": "Sam Poe", "email": "sam@example.com"}`))
	require.NoError(t, err)
	store.intakeForms["IF-2"] = &intake.IntakeForm{ID: "IF-2", Payload: p}

	res, err := o.ConvertIntakeForm(context.Background(), "IF-2", ledger.SystemActor)
	require.NoError(t, err)
	assert.Equal(t, episode.DefaultBodyRegion, res.Episode.BodyRegion)
}
