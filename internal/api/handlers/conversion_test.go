package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/curahealth/careflow/internal/conversion"
	"github.com/curahealth/careflow/internal/domain/discharge"
	"github.com/curahealth/careflow/internal/domain/episode"
	"github.com/curahealth/careflow/internal/domain/intake"
	"github.com/curahealth/careflow/internal/ledger"
)

type stubConverter struct {
	approveRes *conversion.Result
	approveErr error
	convertRes *conversion.Result
	convertErr error
}

func (s *stubConverter) ApproveCareRequest(ctx context.Context, id string, actor ledger.Actor) (*conversion.Result, error) {
	return s.approveRes, s.approveErr
}

func (s *stubConverter) ConvertIntakeForm(ctx context.Context, id string, actor ledger.Actor) (*conversion.Result, error) {
	return s.convertRes, s.convertErr
}

type stubEpisodeReader struct {
	episodes map[string]*episode.Episode
}

func (s *stubEpisodeReader) Get(ctx context.Context, id string) (*episode.Episode, error) {
	ep, ok := s.episodes[id]
	if !ok {
		return nil, episode.ErrNotFound
	}
	return ep, nil
}

type stubEventLister struct {
	events []ledger.Event
	err    error
}

func (s *stubEventLister) ListForEntity(ctx context.Context, entityType, entityID string) ([]ledger.Event, error) {
	return s.events, s.err
}

func newConversionHandler(conv *stubConverter) *ConversionHandler {
	return NewConversionHandler(conv,
		&stubEpisodeReader{episodes: map[string]*episode.Episode{
			"EP-1": {ID: "EP-1", PatientID: "PA-1", Status: episode.StatusActive},
		}},
		&stubEventLister{events: []ledger.Event{{EventType: ledger.EventEpisodeCreated}}},
		zap.NewNop())
}

func doRequest(t *testing.T, h http.Handler, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestApproveSuccess(t *testing.T) {
	conv := &stubConverter{approveRes: &conversion.Result{
		Episode: &episode.Episode{ID: "EP-1", PatientID: "PA-1"},
	}}
	router := APIRouter(newConversionHandler(conv), nil, nil, nil)

	rec := doRequest(t, router, http.MethodPost, "/care-requests/CR-1/approve", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ConversionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "EP-1", resp.EpisodeID)
	assert.Equal(t, "PA-1", resp.PatientID)
}

func TestApproveErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"missing clinician", intake.ErrMissingClinician, http.StatusBadRequest, conversion.CodeMissingClinician},
		{"already approved", intake.ErrAlreadyApproved, http.StatusConflict, conversion.CodeAlreadyApproved},
		{"archived", intake.ErrInvalidState, http.StatusConflict, conversion.CodeInvalidState},
		{"not found", intake.ErrNotFound, http.StatusNotFound, conversion.CodeNotFound},
		{"letter sent", discharge.ErrAlreadySent, http.StatusConflict, conversion.CodeAlreadySent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conv := &stubConverter{approveErr: tc.err}
			router := APIRouter(newConversionHandler(conv), nil, nil, nil)

			rec := doRequest(t, router, http.MethodPost, "/care-requests/CR-1/approve", "")
			assert.Equal(t, tc.wantStatus, rec.Code)

			var body errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.wantCode, body.Error)
		})
	}
}

func TestGetEpisodeAndEvents(t *testing.T) {
	conv := &stubConverter{}
	router := APIRouter(newConversionHandler(conv), nil, nil, nil)

	rec := doRequest(t, router, http.MethodGet, "/episodes/EP-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/episodes/EP-missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/episodes/EP-1/events", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), ledger.EventEpisodeCreated)
}
