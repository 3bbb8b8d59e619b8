// Package ledger implements the append-only lifecycle event log. It is the
// only place "what happened and when" is reconstructable, so rows are never
// updated or deleted.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/curahealth/careflow/internal/infrastructure/postgres"
	"github.com/curahealth/careflow/internal/infrastructure/redpanda"
)

// ActorType identifies who triggered a transition.
type ActorType string

const (
	ActorSystem  ActorType = "system"
	ActorStaff   ActorType = "staff"
	ActorPatient ActorType = "patient"
)

// Actor is the acting principal recorded with each event.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id,omitempty"`
}

// SystemActor is used for transitions driven by automation.
var SystemActor = Actor{Type: ActorSystem}

// Event types recorded by the conversion pipeline.
const (
	EventLeadCreated              = "lead.created"
	EventLeadCheckpointAdvanced   = "lead.checkpoint_advanced"
	EventCareRequestCreated       = "care_request.created"
	EventCareRequestApproved      = "care_request.approved"
	EventCareRequestArchived      = "care_request.archived"
	EventPatientAccountResolved   = "patient_account.resolved"
	EventEpisodeCreated           = "episode.created"
	EventIntakeFormConverted      = "intake_form.converted"
	EventAccessGranted            = "episode.access_granted"
	EventDischargeLetterDrafted   = "discharge_letter.drafted"
	EventDischargeLetterConfirmed = "discharge_letter.confirmed"
	EventDischargeLetterSent      = "discharge_letter.sent"
)

// Event is one append-only ledger row.
type Event struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	EventType  string         `json:"event_type"`
	ActorType  ActorType      `json:"actor_type"`
	ActorID    string         `json:"actor_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Recorder is the insert-only ledger sink. Each row is also enqueued on the
// transactional outbox in the same transaction, so the audit trail reaches
// the episode.lifecycle topic exactly when it reaches the table.
type Recorder struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRecorder creates a new ledger recorder.
func NewRecorder(pool *pgxpool.Pool, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{pool: pool, logger: logger}
}

// Record appends one event. Errors are returned for the caller to log; by
// contract ledger failures never abort the transition that produced them.
func (r *Recorder) Record(ctx context.Context, entityType, entityID, eventType string, actor Actor, metadata map[string]any) error {
	ev := Event{
		ID:         uuid.New().String(),
		EntityType: entityType,
		EntityID:   entityID,
		EventType:  eventType,
		ActorType:  actor.Type,
		ActorID:    actor.ID,
		Metadata:   metadata,
		Timestamp:  time.Now().UTC(),
	}

	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO lifecycle_events
			(id, entity_type, entity_id, event_type, actor_type, actor_id, metadata, timestamp)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
	`, ev.ID, ev.EntityType, ev.EntityID, ev.EventType, ev.ActorType, ev.ActorID, meta, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("insert lifecycle event: %w", err)
	}

	entry := &postgres.OutboxEntry{
		AggregateID:   ev.EntityID,
		AggregateType: ev.EntityType,
		EventType:     ev.EventType,
		Payload:       payload,
		Topic:         redpanda.TopicEpisodeLifecycle,
		Key:           ev.EntityID,
	}
	if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListForEntity returns the audit trail for one entity, oldest first.
func (r *Recorder) ListForEntity(ctx context.Context, entityType, entityID string) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, entity_type, entity_id, event_type, actor_type, COALESCE(actor_id, ''), metadata, timestamp
		FROM lifecycle_events
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY timestamp ASC
	`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev   Event
			meta []byte
		)
		if err := rows.Scan(&ev.ID, &ev.EntityType, &ev.EntityID, &ev.EventType,
			&ev.ActorType, &ev.ActorID, &meta, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
				r.logger.Warn("unreadable event metadata", zap.String("event_id", ev.ID), zap.Error(err))
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
