// Package conversion implements the lifecycle state machine that turns
// inbound records into episodes. The orchestrator owns the essential /
// best-effort split: a conversion is done once the episode row and the
// source flip are committed, and everything after that point can fail
// without failing the request.
package conversion

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/curahealth/careflow/internal/domain/episode"
	"github.com/curahealth/careflow/internal/domain/intake"
	"github.com/curahealth/careflow/internal/domain/patient"
	"github.com/curahealth/careflow/internal/ledger"
	"github.com/curahealth/careflow/internal/notify"
	"github.com/curahealth/careflow/internal/observability/metrics"
)

// IntakeStore is the slice of the intake repository the orchestrator needs.
type IntakeStore interface {
	GetCareRequest(ctx context.Context, id string) (*intake.CareRequest, error)
	GuardApproval(ctx context.Context, id string) (*intake.CareRequest, error)
	GetIntakeForm(ctx context.Context, id string) (*intake.IntakeForm, error)
	AdvanceLeadCheckpoint(ctx context.Context, id string, to intake.Checkpoint) error
}

// PatientStore resolves and backfills patient accounts.
type PatientStore interface {
	Resolve(ctx context.Context, in patient.ResolveInput) (string, error)
	FillMissingContact(ctx context.Context, id, phone, firstName, lastName string) error
}

// EpisodeStore persists episodes and their conversion artifacts.
type EpisodeStore interface {
	CreateConverted(ctx context.Context, ep *episode.Episode) error
	WriteSnapshot(ctx context.Context, episodeID string, payload json.RawMessage) error
	GrantAccess(ctx context.Context, episodeID, patientID string) error
	Get(ctx context.Context, id string) (*episode.Episode, error)
}

// Ledger records append-only lifecycle events.
type Ledger interface {
	Record(ctx context.Context, entityType, entityID, eventType string, actor ledger.Actor, metadata map[string]any) error
}

// Notifier dispatches best-effort notifications. Implementations must
// never let a failure escape.
type Notifier interface {
	Notify(ctx context.Context, req notify.Request)
}

// Result is the outcome of a conversion. Idempotent is true when the call
// found the work already done and returned the existing episode.
type Result struct {
	Episode    *episode.Episode
	Idempotent bool
}

// Orchestrator drives care-request approval and intake-form conversion.
type Orchestrator struct {
	intake   IntakeStore
	patients PatientStore
	episodes EpisodeStore
	ledger   Ledger
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewOrchestrator wires the conversion pipeline. metrics may be nil in
// tests.
func NewOrchestrator(
	intakeStore IntakeStore,
	patients PatientStore,
	episodes EpisodeStore,
	lg Ledger,
	notifier Notifier,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		intake:   intakeStore,
		patients: patients,
		episodes: episodes,
		ledger:   lg,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("conversion"),
	}
}

// ApproveCareRequest approves a staffed care request and converts it into
// an active episode. A request that was already approved is rejected with
// intake.ErrAlreadyApproved; only a concurrent approval that loses the
// source-flip race takes the idempotent-success path, returning the
// winner's episode.
func (o *Orchestrator) ApproveCareRequest(ctx context.Context, careRequestID string, actor ledger.Actor) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "approve_care_request",
		trace.WithAttributes(attribute.String("care_request_id", careRequestID)))
	defer span.End()

	o.countStarted()
	start := time.Now()

	req, err := o.intake.GuardApproval(ctx, careRequestID)
	if err != nil {
		o.countRejection(err)
		return nil, err
	}

	payload := req.Payload
	patientID, err := o.patients.Resolve(ctx, patient.ResolveInput{
		Email:     patient.NormalizeEmail(payload.Email),
		FirstName: payload.FirstName(),
		LastName:  payload.LastName(),
		Phone:     payload.Phone,
	})
	if err != nil {
		o.countFailed()
		return nil, err
	}

	ep := &episode.Episode{
		ID:                  episode.NewID(),
		PatientID:           patientID,
		PatientName:         payload.PatientName,
		AssignedClinicianID: req.AssignedClinicianID,
		BodyRegion:          episode.DeriveBodyRegion(payload.Complaints),
		Status:              episode.StatusActive,
		SourceKind:          episode.SourceCareRequest,
		SourceID:            req.ID,
	}

	if err := o.episodes.CreateConverted(ctx, ep); err != nil {
		if errors.Is(err, intake.ErrAlreadyConverted) {
			// Lost the race; the winner's episode is on the source row.
			return o.idempotentResultFromCareRequest(ctx, careRequestID)
		}
		o.countFailed()
		return nil, err
	}

	// Everything below is best-effort enrichment.
	o.enrich(ctx, ep, payload, actor, enrichmentPlan{
		sourceEventType: ledger.EventCareRequestApproved,
		sourceEntity:    "care_request",
		notifyClinician: true,
	})

	o.countSucceeded(start)
	span.SetAttributes(attribute.String("episode_id", ep.ID))
	return &Result{Episode: ep}, nil
}

// ConvertIntakeForm converts a completed intake form into an episode.
// A form whose converted_to_episode_id is already set short-circuits to
// the idempotent-success path.
func (o *Orchestrator) ConvertIntakeForm(ctx context.Context, formID string, actor ledger.Actor) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "convert_intake_form",
		trace.WithAttributes(attribute.String("intake_form_id", formID)))
	defer span.End()

	o.countStarted()
	start := time.Now()

	form, err := o.intake.GetIntakeForm(ctx, formID)
	if err != nil {
		o.countRejection(err)
		return nil, err
	}
	if form.ConvertedToEpisodeID != "" {
		return o.idempotentResult(ctx, form.ConvertedToEpisodeID)
	}

	payload := form.Payload
	patientID, err := o.patients.Resolve(ctx, patient.ResolveInput{
		Email:     patient.NormalizeEmail(payload.Email),
		FirstName: payload.FirstName(),
		LastName:  payload.LastName(),
		Phone:     payload.Phone,
	})
	if err != nil {
		o.countFailed()
		return nil, err
	}

	ep := &episode.Episode{
		ID:          episode.NewID(),
		PatientID:   patientID,
		PatientName: payload.PatientName,
		BodyRegion:  episode.DeriveBodyRegion(payload.Complaints),
		Status:      episode.StatusConservativeCare,
		SourceKind:  episode.SourceIntakeForm,
		SourceID:    form.ID,
	}

	if err := o.episodes.CreateConverted(ctx, ep); err != nil {
		if errors.Is(err, intake.ErrAlreadyConverted) {
			return o.idempotentResultFromForm(ctx, formID)
		}
		o.countFailed()
		return nil, err
	}

	o.enrich(ctx, ep, payload, actor, enrichmentPlan{
		sourceEventType: ledger.EventIntakeFormConverted,
		sourceEntity:    "intake_form",
	})

	if form.LeadID != "" {
		if err := o.intake.AdvanceLeadCheckpoint(ctx, form.LeadID, intake.CheckpointEpisodeOpened); err != nil {
			o.enrichFailed("lead_checkpoint", ep.ID, err)
		}
	}

	o.countSucceeded(start)
	span.SetAttributes(attribute.String("episode_id", ep.ID))
	return &Result{Episode: ep}, nil
}

// enrichmentPlan selects the per-source pieces of the shared enrichment
// sequence.
type enrichmentPlan struct {
	sourceEventType string
	sourceEntity    string
	notifyClinician bool
}

// enrich runs the best-effort tail of a conversion. The snapshot comes
// from the payload captured at guard time, not a re-read, so it reflects
// exactly what was approved. Failures are logged and counted per step and
// never propagate.
func (o *Orchestrator) enrich(ctx context.Context, ep *episode.Episode, payload intake.Payload, actor ledger.Actor, plan enrichmentPlan) {
	if err := o.episodes.WriteSnapshot(ctx, ep.ID, payload.Bytes()); err != nil {
		o.enrichFailed("snapshot", ep.ID, err)
	}
	accessGranted := true
	if err := o.episodes.GrantAccess(ctx, ep.ID, ep.PatientID); err != nil {
		o.enrichFailed("access_grant", ep.ID, err)
		accessGranted = false
	}
	if err := o.patients.FillMissingContact(ctx, ep.PatientID, payload.Phone, payload.FirstName(), payload.LastName()); err != nil {
		o.enrichFailed("contact_backfill", ep.PatientID, err)
	}

	o.record(ctx, plan.sourceEntity, ep.SourceID, plan.sourceEventType, actor, map[string]any{
		"episode_id": ep.ID,
	})
	o.record(ctx, "episode", ep.ID, ledger.EventEpisodeCreated, actor, map[string]any{
		"patient_id":  ep.PatientID,
		"body_region": ep.BodyRegion,
		"source_kind": string(ep.SourceKind),
		"source_id":   ep.SourceID,
	})
	// The ledger only ever claims transitions that happened; a failed grant
	// is a counted enrichment failure, not an audit row.
	if accessGranted {
		o.record(ctx, "episode", ep.ID, ledger.EventAccessGranted, ledger.SystemActor, map[string]any{
			"patient_id": ep.PatientID,
		})
	}

	if o.notifier != nil {
		o.notifier.Notify(ctx, notify.Request{
			Channel:    notify.ChannelEmail,
			Recipient:  payload.Email,
			TemplateID: notify.TemplateEpisodeOpenedPatient,
			Data: map[string]string{
				"patient_name": ep.PatientName,
				"episode_id":   ep.ID,
			},
			EntityType: "episode",
			EntityID:   ep.ID,
		})
		if plan.notifyClinician && ep.AssignedClinicianID != "" {
			o.notifier.Notify(ctx, notify.Request{
				Channel:    notify.ChannelEmail,
				Recipient:  ep.AssignedClinicianID,
				TemplateID: notify.TemplateEpisodeOpenedClinician,
				Data: map[string]string{
					"patient_name": ep.PatientName,
					"episode_id":   ep.ID,
					"body_region":  ep.BodyRegion,
				},
				EntityType: "episode",
				EntityID:   ep.ID,
			})
		}
	}
}

func (o *Orchestrator) record(ctx context.Context, entityType, entityID, eventType string, actor ledger.Actor, metadata map[string]any) {
	if o.ledger == nil {
		return
	}
	if err := o.ledger.Record(ctx, entityType, entityID, eventType, actor, metadata); err != nil {
		o.enrichFailed("ledger", entityID, err)
	}
}

func (o *Orchestrator) idempotentResult(ctx context.Context, episodeID string) (*Result, error) {
	ep, err := o.episodes.Get(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	o.countIdempotent()
	return &Result{Episode: ep, Idempotent: true}, nil
}

func (o *Orchestrator) idempotentResultFromCareRequest(ctx context.Context, careRequestID string) (*Result, error) {
	req, err := o.intake.GetCareRequest(ctx, careRequestID)
	if err != nil {
		return nil, err
	}
	if req.EpisodeID == "" {
		return nil, intake.ErrInvalidState
	}
	return o.idempotentResult(ctx, req.EpisodeID)
}

func (o *Orchestrator) idempotentResultFromForm(ctx context.Context, formID string) (*Result, error) {
	form, err := o.intake.GetIntakeForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	if form.ConvertedToEpisodeID == "" {
		return nil, intake.ErrInvalidState
	}
	return o.idempotentResult(ctx, form.ConvertedToEpisodeID)
}

func (o *Orchestrator) enrichFailed(step, entityID string, err error) {
	o.logger.Warn("best-effort enrichment step failed",
		zap.String("step", step),
		zap.String("entity_id", entityID),
		zap.Error(err))
	if o.metrics != nil {
		o.metrics.EnrichmentFailures.WithLabelValues(step).Inc()
	}
}

func (o *Orchestrator) countStarted() {
	if o.metrics != nil {
		o.metrics.ConversionsStarted.Inc()
	}
}

func (o *Orchestrator) countSucceeded(start time.Time) {
	if o.metrics != nil {
		o.metrics.ConversionsSucceeded.Inc()
		o.metrics.ConversionDuration.Observe(time.Since(start).Seconds())
	}
}

func (o *Orchestrator) countFailed() {
	if o.metrics != nil {
		o.metrics.ConversionsFailed.Inc()
	}
}

func (o *Orchestrator) countIdempotent() {
	if o.metrics != nil {
		o.metrics.ConversionsIdempotent.Inc()
	}
}

func (o *Orchestrator) countRejection(err error) {
	if o.metrics != nil {
		o.metrics.GuardRejections.WithLabelValues(CodeFor(err)).Inc()
	}
}
