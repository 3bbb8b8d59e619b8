// Package idempotency provides the inbox pattern for webhook and message
// redelivery. Intake webhooks arrive at-least-once; the inbox collapses
// redeliveries to a single effective processing.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the processing state of an inbox entry.
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// ErrMessageInProgress means another request holds the key right now.
var ErrMessageInProgress = errors.New("message in progress by another handler")

// ErrDuplicateMessage means the key was claimed between our read and our
// insert, so this delivery loses.
var ErrDuplicateMessage = errors.New("duplicate message: already processed")

// InboxConfig tunes entry lifetime and recovery.
type InboxConfig struct {
	// DefaultTTL bounds how long a FINISHED entry keeps replaying its
	// result before cleanup removes it.
	DefaultTTL time.Duration
	// CleanupInterval is how often expired entries are deleted.
	CleanupInterval time.Duration
	// RecoveryTimeout is how long a STARTED entry may sit untouched
	// before it is presumed crashed and reopened.
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig returns the production defaults.
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox executes handlers at most once per idempotency key, backed by the
// inbox table.
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox. Call StartCleanup to begin expiring old
// entries and Stop on shutdown.
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// terminalError marks an error as permanent so the entry is not retried.
type terminalError struct {
	err error
}

func (t *terminalError) Error() string { return t.err.Error() }
func (t *terminalError) Unwrap() error { return t.err }

// Terminal wraps an error so the inbox records it as FAILED instead of
// RECOVERABLE. Use it for validation and business-rule rejections that
// a redelivery can never fix.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

func isTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}

// WebhookKey derives a deterministic idempotency key for a webhook
// delivery. When the source supplies its own event id the key is stable
// across redeliveries by construction; otherwise it falls back to a
// content hash of the payload.
func WebhookKey(source, eventID string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{'|'})
	if eventID != "" {
		h.Write([]byte(eventID))
	} else {
		h.Write(payload)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ProcessResult reports how a Process call concluded.
type ProcessResult struct {
	// IsNew is false when the result was replayed from a previous
	// delivery.
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc is the handler run under an idempotency key.
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Process runs fn at most once for the given key. A redelivery of a
// FINISHED key replays the recorded result without running fn; a FAILED
// key stays failed; a key that crashed mid-flight is reopened after
// RecoveryTimeout.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName)))
	defer span.End()

	prior, err := i.lookup(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("inbox lookup: %w", err)
	}

	if prior != nil {
		switch prior.status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{Result: prior.result}, nil
		case StatusFailed:
			span.SetAttributes(attribute.Bool("previously_failed", true))
			return nil, fmt.Errorf("message previously failed permanently: %s", key)
		case StatusStarted:
			if time.Since(prior.updatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			// Presumed crashed; reopen so the claim below can take it.
			if err := i.setStatus(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("reopen stale entry: %w", err)
			}
		case StatusRecoverable:
			span.SetAttributes(attribute.Bool("recovered", true))
		}
	}

	if err := i.claim(ctx, key, handlerName, payload); err != nil {
		return nil, err
	}

	result, err := fn(ctx, payload)
	if err != nil {
		status := StatusRecoverable
		if isTerminal(err) {
			status = StatusFailed
		}
		failure, _ := json.Marshal(map[string]string{"error": err.Error()})
		if markErr := i.setStatus(ctx, key, status, failure); markErr != nil {
			i.logger.Error("inbox status update failed",
				zap.String("key", key), zap.Error(markErr))
		}
		span.RecordError(err)
		return nil, err
	}

	if err := i.setStatus(ctx, key, StatusFinished, result); err != nil {
		// The handler succeeded; losing the marker only risks a rerun.
		i.logger.Error("inbox finish marker failed",
			zap.String("key", key), zap.Error(err))
	}

	return &ProcessResult{
		IsNew:        prior == nil,
		WasRecovered: prior != nil && prior.status == StatusRecoverable,
		Result:       result,
	}, nil
}

type inboxRow struct {
	status    Status
	result    json.RawMessage
	updatedAt time.Time
}

func (i *Inbox) lookup(ctx context.Context, key string) (*inboxRow, error) {
	row := &inboxRow{}
	err := i.pool.QueryRow(ctx, `
		SELECT status, result, updated_at FROM inbox WHERE idempotency_key = $1
	`, key).Scan(&row.status, &row.result, &row.updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

// claim takes the key for this request. The upsert only steals
// RECOVERABLE entries; a conflict on anything else means a concurrent
// delivery got there first.
func (i *Inbox) claim(ctx context.Context, key, handlerName string, payload json.RawMessage) error {
	var claimed string
	err := i.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE inbox.status IN ('RECOVERABLE')
		RETURNING idempotency_key
	`, key, handlerName, StatusStarted, payload, time.Now().Add(i.config.DefaultTTL)).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateMessage
	}
	if err != nil {
		return fmt.Errorf("claim inbox key: %w", err)
	}
	return nil
}

func (i *Inbox) setStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = $1, result = COALESCE($2, result), updated_at = NOW()
		WHERE idempotency_key = $3
	`, status, result, key)
	return err
}

// RecoverStaleEntries reopens every STARTED entry older than
// RecoveryTimeout. Run it at startup so work orphaned by a crashed
// instance becomes retryable immediately.
func (i *Inbox) RecoverStaleEntries(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED'
		  AND updated_at < NOW() - $1::interval
	`, i.config.RecoveryTimeout.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// StartCleanup begins deleting expired entries in the background.
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started",
		zap.Duration("interval", i.config.CleanupInterval))
}

// Stop halts the cleanup goroutine.
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			tag, err := i.pool.Exec(i.ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
			if err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
				continue
			}
			if tag.RowsAffected() > 0 {
				i.logger.Info("inbox cleanup completed",
					zap.Int64("deleted", tag.RowsAffected()))
			}
		}
	}
}
