package conversion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/curahealth/careflow/internal/domain/discharge"
	"github.com/curahealth/careflow/internal/domain/episode"
	"github.com/curahealth/careflow/internal/domain/patient"
	"github.com/curahealth/careflow/internal/ledger"
	"github.com/curahealth/careflow/internal/notify"
)

var (
	_ LetterStore   = (*discharge.Repository)(nil)
	_ EpisodeCloser = (*episode.Repository)(nil)
	_ AccountReader = (*patient.Repository)(nil)
)

type fakeLetterStore struct {
	letters  map[string]*discharge.Letter
	episodes map[string]bool
}

func newFakeLetterStore(episodeIDs ...string) *fakeLetterStore {
	s := &fakeLetterStore{
		letters:  make(map[string]*discharge.Letter),
		episodes: make(map[string]bool),
	}
	for _, id := range episodeIDs {
		s.episodes[id] = true
	}
	return s
}

func (s *fakeLetterStore) GenerateDraft(ctx context.Context, episodeID string) (*discharge.Letter, bool, error) {
	if !s.episodes[episodeID] {
		return nil, false, discharge.ErrEpisodeNotFound
	}
	if l, ok := s.letters[episodeID]; ok {
		cp := *l
		return &cp, false, nil
	}
	l := &discharge.Letter{EpisodeID: episodeID, Status: discharge.StatusDraft}
	s.letters[episodeID] = l
	cp := *l
	return &cp, true, nil
}

func (s *fakeLetterStore) Confirm(ctx context.Context, episodeID string) (*discharge.Letter, error) {
	l, ok := s.letters[episodeID]
	if !ok {
		return nil, discharge.ErrLetterNotFound
	}
	switch l.Status {
	case discharge.StatusSent:
		return nil, discharge.ErrAlreadySent
	case discharge.StatusConfirmed:
		return nil, discharge.ErrAlreadyConfirmed
	}
	l.Status = discharge.StatusConfirmed
	cp := *l
	return &cp, nil
}

func (s *fakeLetterStore) Send(ctx context.Context, episodeID string) (*discharge.Letter, error) {
	l, ok := s.letters[episodeID]
	if !ok {
		return nil, discharge.ErrLetterNotFound
	}
	switch l.Status {
	case discharge.StatusSent:
		return nil, discharge.ErrAlreadySent
	case discharge.StatusDraft:
		return nil, discharge.ErrEpisodeNotClosed
	}
	l.Status = discharge.StatusSent
	cp := *l
	return &cp, nil
}

func (s *fakeLetterStore) Get(ctx context.Context, episodeID string) (*discharge.Letter, error) {
	l, ok := s.letters[episodeID]
	if !ok {
		return nil, discharge.ErrLetterNotFound
	}
	cp := *l
	return &cp, nil
}

type fakeEpisodeCloser struct {
	episodes map[string]*episode.Episode
}

func (f *fakeEpisodeCloser) Get(ctx context.Context, id string) (*episode.Episode, error) {
	ep, ok := f.episodes[id]
	if !ok {
		return nil, episode.ErrNotFound
	}
	cp := *ep
	return &cp, nil
}

func (f *fakeEpisodeCloser) UpdateStatus(ctx context.Context, id string, status episode.Status) error {
	ep, ok := f.episodes[id]
	if !ok {
		return episode.ErrNotFound
	}
	ep.Status = status
	return nil
}

type fakeAccountReader struct {
	accounts map[string]*patient.Account
}

func (f *fakeAccountReader) Get(ctx context.Context, id string) (*patient.Account, error) {
	a, ok := f.accounts[id]
	if !ok {
		return nil, patient.ErrNotFound
	}
	return a, nil
}

func newTestDischargeFlow(t *testing.T) (*DischargeFlow, *fakeLetterStore, *fakeEpisodeCloser, *fakeLedger, *captureNotifier) {
	t.Helper()
	letters := newFakeLetterStore("EP-1")
	episodes := &fakeEpisodeCloser{episodes: map[string]*episode.Episode{
		"EP-1": {ID: "EP-1", PatientID: "PA-1", PatientName: "Jane Doe", Status: episode.StatusActive},
	}}
	accounts := &fakeAccountReader{accounts: map[string]*patient.Account{
		"PA-1": {ID: "PA-1", Email: "jane.doe@example.com"},
	}}
	lg := &fakeLedger{}
	notifier := &captureNotifier{}
	flow := NewDischargeFlow(letters, episodes, accounts, lg, notifier, zap.NewNop())
	return flow, letters, episodes, lg, notifier
}

func TestDischargeLetterFullFlow(t *testing.T) {
	flow, _, episodes, lg, notifier := newTestDischargeFlow(t)
	ctx := context.Background()
	actor := ledger.Actor{Type: ledger.ActorStaff, ID: "staff-1"}

	letter, err := flow.GenerateDraft(ctx, "EP-1", actor)
	require.NoError(t, err)
	assert.Equal(t, discharge.StatusDraft, letter.Status)

	letter, err = flow.Confirm(ctx, "EP-1", actor)
	require.NoError(t, err)
	assert.Equal(t, discharge.StatusConfirmed, letter.Status)
	assert.Equal(t, episode.StatusDischargePending, episodes.episodes["EP-1"].Status)

	letter, err = flow.Send(ctx, "EP-1", actor)
	require.NoError(t, err)
	assert.Equal(t, discharge.StatusSent, letter.Status)
	assert.Equal(t, episode.StatusDischarged, episodes.episodes["EP-1"].Status)

	assert.Equal(t, []string{
		ledger.EventDischargeLetterDrafted,
		ledger.EventDischargeLetterConfirmed,
		ledger.EventDischargeLetterSent,
	}, lg.events)

	require.Len(t, notifier.requests, 1)
	assert.Equal(t, notify.TemplateDischargeLetterSent, notifier.requests[0].TemplateID)
	assert.Equal(t, "jane.doe@example.com", notifier.requests[0].Recipient)
}

func TestDischargeDoubleSendRejected(t *testing.T) {
	flow, _, _, _, notifier := newTestDischargeFlow(t)
	ctx := context.Background()

	_, err := flow.GenerateDraft(ctx, "EP-1", ledger.SystemActor)
	require.NoError(t, err)
	_, err = flow.Confirm(ctx, "EP-1", ledger.SystemActor)
	require.NoError(t, err)
	_, err = flow.Send(ctx, "EP-1", ledger.SystemActor)
	require.NoError(t, err)

	_, err = flow.Send(ctx, "EP-1", ledger.SystemActor)
	assert.ErrorIs(t, err, discharge.ErrAlreadySent)
	assert.Len(t, notifier.requests, 1, "second send must not notify again")
}

func TestDischargeSendBeforeConfirmRejected(t *testing.T) {
	flow, _, _, _, _ := newTestDischargeFlow(t)
	ctx := context.Background()

	_, err := flow.GenerateDraft(ctx, "EP-1", ledger.SystemActor)
	require.NoError(t, err)

	_, err = flow.Send(ctx, "EP-1", ledger.SystemActor)
	assert.ErrorIs(t, err, discharge.ErrEpisodeNotClosed)
}

func TestDischargeDraftUnknownEpisode(t *testing.T) {
	flow, _, _, _, _ := newTestDischargeFlow(t)

	_, err := flow.GenerateDraft(context.Background(), "EP-missing", ledger.SystemActor)
	assert.ErrorIs(t, err, discharge.ErrEpisodeNotFound)
}

func TestDischargeDraftIdempotent(t *testing.T) {
	flow, _, _, lg, _ := newTestDischargeFlow(t)
	ctx := context.Background()

	letter, err := flow.GenerateDraft(ctx, "EP-1", ledger.SystemActor)
	require.NoError(t, err)
	assert.Equal(t, discharge.StatusDraft, letter.Status)

	letter, err = flow.GenerateDraft(ctx, "EP-1", ledger.SystemActor)
	require.NoError(t, err)
	assert.Equal(t, discharge.StatusDraft, letter.Status)

	// Regenerating keeps the draft in place and must not ledger a second
	// drafted event for an artifact that already existed.
	assert.Equal(t, []string{ledger.EventDischargeLetterDrafted}, lg.events)
}
