// Package postgres provides PostgreSQL infrastructure components.
// Implements the transactional outbox used to publish lifecycle events and
// notification requests without dual-write hazards.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxEntry is one event awaiting publication. Field order matches the
// outbox table's column order for positional row scanning.
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	Topic         string
	Key           string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig holds configuration for the relay.
type OutboxConfig struct {
	// BatchSize is the number of entries processed per poll.
	BatchSize int
	// PollInterval is how often to poll for new entries.
	PollInterval time.Duration
	// MaxRetries is the retry ceiling before an entry moves to dead letter.
	MaxRetries int
}

// DefaultOutboxConfig returns sensible defaults.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:    100,
		PollInterval: 250 * time.Millisecond,
		MaxRetries:   5,
	}
}

// OutboxPublisher publishes relayed entries to the broker.
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Outbox polls the outbox table and publishes pending entries.
type Outbox struct {
	pool      *pgxpool.Pool
	publisher OutboxPublisher
	logger    *zap.Logger
	tracer    trace.Tracer

	batchSize    int
	pollInterval time.Duration
	maxRetries   int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a new outbox relay.
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:         pool,
		publisher:    publisher,
		logger:       logger,
		tracer:       otel.Tracer("outbox"),
		batchSize:    cfg.BatchSize,
		pollInterval: cfg.PollInterval,
		maxRetries:   cfg.MaxRetries,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// WriteEntry appends an entry inside the caller's transaction. Call it in
// the same transaction as the domain write the event describes.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, topic, key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, entry.AggregateID, entry.AggregateType, entry.EventType,
		entry.Payload, entry.Topic, entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Start begins the relay loop.
func (o *Outbox) Start() {
	go func() {
		defer close(o.done)
		ticker := time.NewTicker(o.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-o.ctx.Done():
				return
			case <-ticker.C:
				o.relayBatch()
			}
		}
	}()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.batchSize),
		zap.Duration("poll_interval", o.pollInterval))
}

// Stop shuts the relay down and waits for the loop to exit.
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

// advisoryLockID serializes relay instances so entries publish in order.
const advisoryLockID = int64(7741001)

func (o *Outbox) relayBatch() {
	ctx, span := o.tracer.Start(o.ctx, "outbox_relay_batch")
	defer span.End()

	// Session advisory locks belong to one connection, so the lock and
	// unlock must run on the same pinned conn or the unlock silently
	// targets a different session.
	conn, err := o.pool.Acquire(ctx)
	if err != nil {
		o.logger.Error("acquire relay connection failed", zap.Error(err))
		span.RecordError(err)
		return
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, advisoryLockID).Scan(&acquired); err != nil || !acquired {
		return
	}
	defer conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, advisoryLockID)

	entries, err := o.fetchUnprocessed(ctx, false)
	if err != nil {
		o.logger.Error("fetch outbox entries failed", zap.Error(err))
		span.RecordError(err)
		return
	}
	if len(entries) == 0 {
		return
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	for _, entry := range entries {
		o.relayEntry(ctx, entry)
	}
}

// fetchUnprocessed selects unpublished entries, either those still within
// the retry budget (the relay batch) or those past it (the dead-letter
// sweep). SKIP LOCKED keeps concurrent instances from blocking on rows
// another batch is holding.
func (o *Outbox) fetchUnprocessed(ctx context.Context, exhausted bool) ([]*OutboxEntry, error) {
	query := `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       topic, key, created_at, processed_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL AND retry_count < $1
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`
	args := []any{o.maxRetries, o.batchSize}
	if exhausted {
		query = `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       topic, key, created_at, processed_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL AND retry_count >= $1
		FOR UPDATE SKIP LOCKED`
		args = args[:1]
	}

	rows, err := o.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	entries, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByPos[OutboxEntry])
	if err != nil {
		return nil, fmt.Errorf("collect outbox rows: %w", err)
	}
	return entries, nil
}

func (o *Outbox) relayEntry(ctx context.Context, entry *OutboxEntry) {
	ctx, span := o.tracer.Start(ctx, "outbox_relay_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.Topic, entry.Key, entry.Payload); err != nil {
		span.RecordError(err)
		o.logger.Error("relay outbox entry failed",
			zap.Int64("id", entry.ID),
			zap.String("event_type", entry.EventType),
			zap.Error(err))
		if _, uErr := o.pool.Exec(ctx, `
			UPDATE outbox SET retry_count = retry_count + 1, last_error = $1 WHERE id = $2
		`, err.Error(), entry.ID); uErr != nil {
			o.logger.Error("update retry count failed", zap.Error(uErr))
		}
		return
	}

	if err := o.markProcessed(ctx, entry.ID); err != nil {
		span.RecordError(err)
		o.logger.Error("mark processed failed", zap.Int64("id", entry.ID), zap.Error(err))
	}
}

func (o *Outbox) markProcessed(ctx context.Context, id int64) error {
	_, err := o.pool.Exec(ctx, `UPDATE outbox SET processed_at = NOW() WHERE id = $1`, id)
	return err
}

// MoveToDeadLetter publishes entries past the retry ceiling to the dead
// letter topic and marks them processed.
func (o *Outbox) MoveToDeadLetter(ctx context.Context, deadLetterTopic string) (int64, error) {
	entries, err := o.fetchUnprocessed(ctx, true)
	if err != nil {
		return 0, err
	}

	var moved int64
	for _, entry := range entries {
		body, _ := json.Marshal(map[string]any{
			"original_topic": entry.Topic,
			"event_type":     entry.EventType,
			"aggregate_id":   entry.AggregateID,
			"payload":        entry.Payload,
			"retry_count":    entry.RetryCount,
			"last_error":     entry.LastError,
			"created_at":     entry.CreatedAt,
		})
		if err := o.publisher.Publish(ctx, deadLetterTopic, entry.Key, body); err != nil {
			o.logger.Error("dead letter publish failed", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}
		if err := o.markProcessed(ctx, entry.ID); err != nil {
			o.logger.Error("mark dead-lettered failed", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}
		moved++
	}
	return moved, nil
}

// CleanupProcessed deletes relayed entries older than the given age.
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := o.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL AND processed_at < NOW() - $1::interval
	`, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PendingCount reports entries still awaiting relay.
func (o *Outbox) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := o.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL`,
	).Scan(&n)
	return n, err
}
