package episode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/curahealth/careflow/internal/domain/intake"
)

// ErrNotFound indicates no episode exists with the given id.
var ErrNotFound = errors.New("episode not found")

// Repository provides PostgreSQL persistence for episodes, intake snapshots
// and patient access grants.
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

// CreateConverted inserts the episode and flips its source record to
// converted inside one transaction, so a crash can never leave a converted
// source without an episode or a second conversion slip through.
//
// The source flip is a conditional update; zero rows affected means another
// invocation already converted the record, the transaction rolls back and
// intake.ErrAlreadyConverted is returned so the caller can take the
// idempotent-success path.
func (r *Repository) CreateConverted(ctx context.Context, ep *Episode) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO episodes
			(id, patient_id, patient_name, assigned_clinician_id, clinic_id,
			 body_region, status, source_kind, source_id)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, ep.ID, ep.PatientID, ep.PatientName, ep.AssignedClinicianID, ep.ClinicID,
		ep.BodyRegion, ep.Status, ep.SourceKind, ep.SourceID,
	).Scan(&ep.CreatedAt, &ep.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert episode: %w", err)
	}

	if err := r.markSourceConverted(ctx, tx, ep); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Info("episode created",
		zap.String("episode_id", ep.ID),
		zap.String("patient_id", ep.PatientID),
		zap.String("source_kind", string(ep.SourceKind)),
		zap.String("source_id", ep.SourceID))
	return nil
}

func (r *Repository) markSourceConverted(ctx context.Context, tx pgx.Tx, ep *Episode) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	switch ep.SourceKind {
	case SourceCareRequest:
		tag, err = tx.Exec(ctx, `
			UPDATE care_requests
			SET status = $2, patient_id = $3, episode_id = $4, updated_at = NOW()
			WHERE id = $1 AND status = ANY($5)
		`, ep.SourceID, intake.StatusApprovedForCare, ep.PatientID, ep.ID,
			[]string{
				string(intake.StatusSubmitted),
				string(intake.StatusAssigned),
				string(intake.StatusNeedsClarification),
			})
	case SourceIntakeForm:
		tag, err = tx.Exec(ctx, `
			UPDATE intake_forms
			SET converted_to_episode_id = $2
			WHERE id = $1 AND converted_to_episode_id IS NULL
		`, ep.SourceID, ep.ID)
	default:
		return fmt.Errorf("unknown source kind %q", ep.SourceKind)
	}
	if err != nil {
		return fmt.Errorf("mark source converted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return intake.ErrAlreadyConverted
	}
	return nil
}

// WriteSnapshot stores the immutable copy of the originating payload. The
// row is insert-only; a duplicate write for the same episode is ignored so
// retried enrichment stays safe.
func (r *Repository) WriteSnapshot(ctx context.Context, episodeID string, payload json.RawMessage) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO episode_intake_snapshots (episode_id, payload)
		VALUES ($1, $2)
		ON CONFLICT (episode_id) DO NOTHING
	`, episodeID, payload)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// GrantAccess links a patient account to an episode. Re-granting is a
// no-op.
func (r *Repository) GrantAccess(ctx context.Context, episodeID, patientID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO patient_episode_access (episode_id, patient_id, active)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (episode_id, patient_id) DO UPDATE SET active = TRUE
	`, episodeID, patientID)
	if err != nil {
		return fmt.Errorf("grant access: %w", err)
	}
	return nil
}

// Get loads an episode by id.
func (r *Repository) Get(ctx context.Context, id string) (*Episode, error) {
	ep := &Episode{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, patient_id, patient_name,
		       COALESCE(assigned_clinician_id, ''), COALESCE(clinic_id, ''),
		       body_region, status, source_kind, source_id, created_at, updated_at
		FROM episodes WHERE id = $1
	`, id).Scan(&ep.ID, &ep.PatientID, &ep.PatientName,
		&ep.AssignedClinicianID, &ep.ClinicID,
		&ep.BodyRegion, &ep.Status, &ep.SourceKind, &ep.SourceID,
		&ep.CreatedAt, &ep.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get episode: %w", err)
	}
	return ep, nil
}

// GetSnapshot returns the immutable intake snapshot for an episode.
func (r *Repository) GetSnapshot(ctx context.Context, episodeID string) (json.RawMessage, error) {
	var payload json.RawMessage
	err := r.pool.QueryRow(ctx, `
		SELECT payload FROM episode_intake_snapshots WHERE episode_id = $1
	`, episodeID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return payload, nil
}

// UpdateStatus moves an episode between care statuses. Back-references are
// deliberately not touchable from here.
func (r *Repository) UpdateStatus(ctx context.Context, id string, status Status) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE episodes SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
