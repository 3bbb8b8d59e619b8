package discharge

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Repository provides PostgreSQL persistence for discharge letters.
//
// Every transition is a conditional update that names its allowed prior
// state and branches on rows affected; two concurrent confirms or sends
// cannot both succeed.
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

// GenerateDraft creates the letter in draft state. The second return
// reports whether this call created the row; regenerating an existing
// draft returns the current artifact unchanged, and a confirmed or sent
// letter is never reset.
func (r *Repository) GenerateDraft(ctx context.Context, episodeID string) (*Letter, bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM episodes WHERE id = $1)`, episodeID,
	).Scan(&exists); err != nil {
		return nil, false, fmt.Errorf("check episode: %w", err)
	}
	if !exists {
		return nil, false, ErrEpisodeNotFound
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO discharge_letters (episode_id, status)
		VALUES ($1, $2)
		ON CONFLICT (episode_id) DO NOTHING
	`, episodeID, StatusDraft)
	if err != nil {
		return nil, false, fmt.Errorf("insert draft: %w", err)
	}

	letter, err := r.Get(ctx, episodeID)
	if err != nil {
		return nil, false, err
	}
	return letter, tag.RowsAffected() == 1, nil
}

// Confirm moves the letter from draft to confirmed.
func (r *Repository) Confirm(ctx context.Context, episodeID string) (*Letter, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE discharge_letters
		SET status = $2, confirmed_at = NOW()
		WHERE episode_id = $1 AND status = $3
	`, episodeID, StatusConfirmed, StatusDraft)
	if err != nil {
		return nil, fmt.Errorf("confirm letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, r.guardError(ctx, episodeID, StatusDraft)
	}
	return r.Get(ctx, episodeID)
}

// Send moves the letter from confirmed to the terminal sent state. The
// caller dispatches the outbound letter only after this update reports one
// row affected, which is what makes duplicate sends impossible.
func (r *Repository) Send(ctx context.Context, episodeID string) (*Letter, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE discharge_letters
		SET status = $2, sent_at = NOW()
		WHERE episode_id = $1 AND status = $3
	`, episodeID, StatusSent, StatusConfirmed)
	if err != nil {
		return nil, fmt.Errorf("send letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, r.guardError(ctx, episodeID, StatusConfirmed)
	}

	r.logger.Info("discharge letter sent", zap.String("episode_id", episodeID))
	return r.Get(ctx, episodeID)
}

// guardError maps the current row state to the typed error after a
// conditional update matched nothing.
func (r *Repository) guardError(ctx context.Context, episodeID string, wanted LetterStatus) error {
	letter, err := r.Get(ctx, episodeID)
	if err != nil {
		return err
	}
	switch letter.Status {
	case StatusSent:
		return ErrAlreadySent
	case StatusConfirmed:
		if wanted == StatusDraft {
			return ErrAlreadyConfirmed
		}
		return ErrEpisodeNotClosed
	default:
		return ErrEpisodeNotClosed
	}
}

// Get loads the letter for an episode.
func (r *Repository) Get(ctx context.Context, episodeID string) (*Letter, error) {
	l := &Letter{}
	err := r.pool.QueryRow(ctx, `
		SELECT episode_id, status, created_at, confirmed_at, sent_at
		FROM discharge_letters WHERE episode_id = $1
	`, episodeID).Scan(&l.EpisodeID, &l.Status, &l.CreatedAt, &l.ConfirmedAt, &l.SentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLetterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get letter: %w", err)
	}
	return l, nil
}
