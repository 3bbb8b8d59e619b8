package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Repository provides PostgreSQL persistence for leads, care requests and
// intake forms.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// CreateCareRequest inserts a new care request in SUBMITTED state.
func (r *Repository) CreateCareRequest(ctx context.Context, payload json.RawMessage) (*CareRequest, error) {
	req := &CareRequest{
		ID:     uuid.New().String(),
		Status: StatusSubmitted,
	}
	parsed, err := ParsePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	req.Payload = parsed

	err = r.pool.QueryRow(ctx, `
		INSERT INTO care_requests (id, status, payload)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`, req.ID, req.Status, payload).Scan(&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert care request: %w", err)
	}
	return req, nil
}

// GetCareRequest loads a care request by id.
func (r *Repository) GetCareRequest(ctx context.Context, id string) (*CareRequest, error) {
	var (
		req CareRequest
		raw json.RawMessage
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, status, payload,
		       COALESCE(assigned_clinician_id, ''),
		       COALESCE(patient_id, ''), COALESCE(episode_id, ''),
		       created_at, updated_at
		FROM care_requests WHERE id = $1
	`, id).Scan(&req.ID, &req.Status, &raw,
		&req.AssignedClinicianID, &req.PatientID, &req.EpisodeID,
		&req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get care request: %w", err)
	}
	req.Payload, err = ParsePayload(raw)
	if err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	return &req, nil
}

// AssignClinician attaches a clinician to a request still in triage.
func (r *Repository) AssignClinician(ctx context.Context, id, clinicianID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE care_requests
		SET assigned_clinician_id = $2, status = $3, updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)
	`, id, clinicianID, StatusAssigned, statusList(approvableStatuses))
	if err != nil {
		return fmt.Errorf("assign clinician: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.careRequestGuardError(ctx, id)
	}
	return nil
}

// GuardApproval checks the approval preconditions against the current row.
// The actual status flip happens later as a conditional update; this check
// exists to surface the typed error before any work is done.
func (r *Repository) GuardApproval(ctx context.Context, id string) (*CareRequest, error) {
	req, err := r.GetCareRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case req.Status == StatusApprovedForCare:
		return req, ErrAlreadyApproved
	case req.Status == StatusArchived:
		return req, ErrInvalidState
	case req.AssignedClinicianID == "":
		return req, ErrMissingClinician
	}
	return req, nil
}

// careRequestGuardError re-reads the row after a zero-rows conditional
// update and maps its state to the typed error.
func (r *Repository) careRequestGuardError(ctx context.Context, id string) error {
	req, err := r.GetCareRequest(ctx, id)
	if err != nil {
		return err
	}
	switch req.Status {
	case StatusApprovedForCare:
		return ErrAlreadyApproved
	case StatusArchived:
		return ErrInvalidState
	default:
		return ErrInvalidState
	}
}

// Archive moves a care request into the terminal ARCHIVED state.
func (r *Repository) Archive(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE care_requests SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, StatusArchived, statusList(approvableStatuses))
	if err != nil {
		return fmt.Errorf("archive care request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.careRequestGuardError(ctx, id)
	}
	return nil
}

// CreateIntakeForm inserts a completed intake form.
func (r *Repository) CreateIntakeForm(ctx context.Context, leadID string, payload json.RawMessage) (*IntakeForm, error) {
	form := &IntakeForm{
		ID:     uuid.New().String(),
		LeadID: leadID,
	}
	parsed, err := ParsePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	form.Payload = parsed

	err = r.pool.QueryRow(ctx, `
		INSERT INTO intake_forms (id, lead_id, payload, completed_at)
		VALUES ($1, NULLIF($2, ''), $3, NOW())
		RETURNING created_at, completed_at
	`, form.ID, leadID, payload).Scan(&form.CreatedAt, &form.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("insert intake form: %w", err)
	}
	return form, nil
}

// GetIntakeForm loads an intake form by id.
func (r *Repository) GetIntakeForm(ctx context.Context, id string) (*IntakeForm, error) {
	var (
		form IntakeForm
		raw  json.RawMessage
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, COALESCE(lead_id, ''), payload,
		       COALESCE(diagnosis, ''), COALESCE(history, ''), COALESCE(medications, ''),
		       COALESCE(converted_to_episode_id, ''),
		       created_at, completed_at
		FROM intake_forms WHERE id = $1
	`, id).Scan(&form.ID, &form.LeadID, &raw,
		&form.Diagnosis, &form.History, &form.Medications,
		&form.ConvertedToEpisodeID,
		&form.CreatedAt, &form.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get intake form: %w", err)
	}
	form.Payload, err = ParsePayload(raw)
	if err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	return &form, nil
}

// CreateLead inserts a funnel lead at the started checkpoint.
func (r *Repository) CreateLead(ctx context.Context, lead *Lead) error {
	if lead.ID == "" {
		lead.ID = uuid.New().String()
	}
	if lead.Checkpoint == "" {
		lead.Checkpoint = CheckpointStarted
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO leads (id, email, phone, name, source, campaign, cta, checkpoint_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, lead.ID, lead.Email, lead.Phone, lead.Name,
		lead.Attribution.Source, lead.Attribution.Campaign, lead.Attribution.CTA,
		lead.Checkpoint).Scan(&lead.CreatedAt, &lead.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert lead: %w", err)
	}
	return nil
}

// GetLead loads a lead by id.
func (r *Repository) GetLead(ctx context.Context, id string) (*Lead, error) {
	var lead Lead
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, phone, name, source, campaign, cta, checkpoint_status, created_at, updated_at
		FROM leads WHERE id = $1
	`, id).Scan(&lead.ID, &lead.Email, &lead.Phone, &lead.Name,
		&lead.Attribution.Source, &lead.Attribution.Campaign, &lead.Attribution.CTA,
		&lead.Checkpoint, &lead.CreatedAt, &lead.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lead: %w", err)
	}
	return &lead, nil
}

// AdvanceLeadCheckpoint moves a lead forward in the funnel. Moving to the
// current or an earlier checkpoint is a no-op, so retried webhooks are safe.
func (r *Repository) AdvanceLeadCheckpoint(ctx context.Context, id string, to Checkpoint) error {
	rank := to.Rank()
	if rank < 0 {
		return fmt.Errorf("unknown checkpoint %q", to)
	}

	allowed := make([]string, 0, rank)
	for cp, ord := range checkpointOrder {
		if ord < rank {
			allowed = append(allowed, string(cp))
		}
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE leads SET checkpoint_status = $2, updated_at = NOW()
		WHERE id = $1 AND checkpoint_status = ANY($3)
	`, id, to, allowed)
	if err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already at or past the target checkpoint, or the lead is unknown.
		if _, err := r.GetLead(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func statusList(statuses []CareRequestStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
