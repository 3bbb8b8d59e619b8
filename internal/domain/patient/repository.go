package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrNotFound indicates no account exists for the given key.
var ErrNotFound = errors.New("patient account not found")

// Repository provides PostgreSQL persistence for patient accounts.
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

// Resolve finds or creates exactly one account for the given identity.
//
// With an email present, the lookup-or-insert races with concurrent
// conversions for the same address; the unique index on email plus
// ON CONFLICT DO NOTHING guarantees a single winner, and the loser fetches
// the winner's row. Existing contact fields are never overwritten: identity
// data is first write wins.
//
// With no email, deduplication is impossible and a fresh account is always
// created. That is documented behavior, not an error.
func (r *Repository) Resolve(ctx context.Context, in ResolveInput) (string, error) {
	email := NormalizeEmail(in.Email)
	if email == "" {
		return r.insert(ctx, "", in)
	}

	id, err := r.findByEmail(ctx, email)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	id, err = r.insert(ctx, email, in)
	if err == nil {
		return id, nil
	}
	if errors.Is(err, errConflict) {
		// Another conversion created the account between our read and write.
		return r.findByEmail(ctx, email)
	}
	return "", err
}

// FindByEmail returns the account id for a normalized email.
func (r *Repository) FindByEmail(ctx context.Context, email string) (string, error) {
	return r.findByEmail(ctx, NormalizeEmail(email))
}

func (r *Repository) findByEmail(ctx context.Context, email string) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx,
		`SELECT id FROM patient_accounts WHERE email = $1`, email,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find account: %w", err)
	}
	return id, nil
}

var errConflict = errors.New("account already exists")

func (r *Repository) insert(ctx context.Context, email string, in ResolveInput) (string, error) {
	id := uuid.New().String()

	query := `
		INSERT INTO patient_accounts (id, email, first_name, last_name, phone, birth_date)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)
		ON CONFLICT (email) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query, id, email, in.FirstName, in.LastName, in.Phone, in.BirthDate)
	if err != nil {
		return "", fmt.Errorf("insert account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", errConflict
	}

	r.logger.Info("patient account created",
		zap.String("patient_id", id),
		zap.Bool("has_email", email != ""))
	return id, nil
}

// Get loads a full account row.
func (r *Repository) Get(ctx context.Context, id string) (*Account, error) {
	a := &Account{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, COALESCE(email, ''), first_name, last_name, phone, birth_date, created_at, updated_at
		FROM patient_accounts WHERE id = $1
	`, id).Scan(&a.ID, &a.Email, &a.FirstName, &a.LastName, &a.Phone, &a.BirthDate, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// FillMissingContact updates only the contact fields that are currently
// empty. Populated fields keep their original value.
func (r *Repository) FillMissingContact(ctx context.Context, id, phone, firstName, lastName string) error {
	query := `
		UPDATE patient_accounts
		SET phone = CASE WHEN phone = '' THEN $2 ELSE phone END,
		    first_name = CASE WHEN first_name = '' THEN $3 ELSE first_name END,
		    last_name = CASE WHEN last_name = '' THEN $4 ELSE last_name END,
		    updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.pool.Exec(ctx, query, id, phone, firstName, lastName)
	return err
}
