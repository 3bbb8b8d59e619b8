package conversion

import (
	"context"

	"go.uber.org/zap"

	"github.com/curahealth/careflow/internal/domain/discharge"
	"github.com/curahealth/careflow/internal/domain/episode"
	"github.com/curahealth/careflow/internal/domain/patient"
	"github.com/curahealth/careflow/internal/ledger"
	"github.com/curahealth/careflow/internal/notify"
)

// LetterStore is the slice of the discharge repository the flow needs.
type LetterStore interface {
	GenerateDraft(ctx context.Context, episodeID string) (*discharge.Letter, bool, error)
	Confirm(ctx context.Context, episodeID string) (*discharge.Letter, error)
	Send(ctx context.Context, episodeID string) (*discharge.Letter, error)
	Get(ctx context.Context, episodeID string) (*discharge.Letter, error)
}

// EpisodeCloser reads episodes and applies discharge status transitions.
type EpisodeCloser interface {
	Get(ctx context.Context, id string) (*episode.Episode, error)
	UpdateStatus(ctx context.Context, id string, status episode.Status) error
}

// AccountReader loads patient accounts for outbound contact details.
type AccountReader interface {
	Get(ctx context.Context, id string) (*patient.Account, error)
}

// DischargeFlow drives the draft -> confirmed -> sent letter machine and
// the episode status that shadows it. The letter row is the essential
// write at every step; episode status, ledger and notification are the
// best-effort tail.
type DischargeFlow struct {
	letters  LetterStore
	episodes EpisodeCloser
	accounts AccountReader
	ledger   Ledger
	notifier Notifier
	logger   *zap.Logger
}

// NewDischargeFlow wires the discharge-letter pipeline.
func NewDischargeFlow(letters LetterStore, episodes EpisodeCloser, accounts AccountReader, lg Ledger, notifier Notifier, logger *zap.Logger) *DischargeFlow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DischargeFlow{
		letters:  letters,
		episodes: episodes,
		accounts: accounts,
		ledger:   lg,
		notifier: notifier,
		logger:   logger,
	}
}

// GenerateDraft creates the discharge letter draft for an episode.
// Regenerating an existing draft is idempotent and leaves no extra ledger
// row; only the call that created the artifact records the drafted event.
func (f *DischargeFlow) GenerateDraft(ctx context.Context, episodeID string, actor ledger.Actor) (*discharge.Letter, error) {
	letter, created, err := f.letters.GenerateDraft(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	if created {
		f.record(ctx, episodeID, ledger.EventDischargeLetterDrafted, actor, nil)
	}
	return letter, nil
}

// Confirm locks the letter content and moves the episode toward closure.
func (f *DischargeFlow) Confirm(ctx context.Context, episodeID string, actor ledger.Actor) (*discharge.Letter, error) {
	letter, err := f.letters.Confirm(ctx, episodeID)
	if err != nil {
		return nil, err
	}

	if err := f.episodes.UpdateStatus(ctx, episodeID, episode.StatusDischargePending); err != nil {
		f.logger.Warn("failed to mark episode discharge_pending",
			zap.String("episode_id", episodeID), zap.Error(err))
	}
	f.record(ctx, episodeID, ledger.EventDischargeLetterConfirmed, actor, nil)
	return letter, nil
}

// Send dispatches the confirmed letter exactly once. The conditional
// status flip is the send gate: the outbound notification goes out only
// after this call owns the confirmed-to-sent transition.
func (f *DischargeFlow) Send(ctx context.Context, episodeID string, actor ledger.Actor) (*discharge.Letter, error) {
	letter, err := f.letters.Send(ctx, episodeID)
	if err != nil {
		return nil, err
	}

	if err := f.episodes.UpdateStatus(ctx, episodeID, episode.StatusDischarged); err != nil {
		f.logger.Warn("failed to mark episode discharged",
			zap.String("episode_id", episodeID), zap.Error(err))
	}
	f.record(ctx, episodeID, ledger.EventDischargeLetterSent, actor, nil)
	f.notifyPatient(ctx, episodeID)
	return letter, nil
}

// Get returns the current letter for an episode.
func (f *DischargeFlow) Get(ctx context.Context, episodeID string) (*discharge.Letter, error) {
	return f.letters.Get(ctx, episodeID)
}

func (f *DischargeFlow) notifyPatient(ctx context.Context, episodeID string) {
	if f.notifier == nil {
		return
	}
	ep, err := f.episodes.Get(ctx, episodeID)
	if err != nil {
		f.logger.Warn("cannot load episode for discharge notification",
			zap.String("episode_id", episodeID), zap.Error(err))
		return
	}
	account, err := f.accounts.Get(ctx, ep.PatientID)
	if err != nil || account.Email == "" {
		f.logger.Warn("no contact email for discharge notification",
			zap.String("episode_id", episodeID),
			zap.String("patient_id", ep.PatientID),
			zap.Error(err))
		return
	}
	f.notifier.Notify(ctx, notify.Request{
		Channel:    notify.ChannelEmail,
		Recipient:  account.Email,
		TemplateID: notify.TemplateDischargeLetterSent,
		Data: map[string]string{
			"episode_id":   ep.ID,
			"patient_name": ep.PatientName,
		},
		EntityType: "episode",
		EntityID:   ep.ID,
	})
}

func (f *DischargeFlow) record(ctx context.Context, episodeID, eventType string, actor ledger.Actor, metadata map[string]any) {
	if f.ledger == nil {
		return
	}
	if err := f.ledger.Record(ctx, "episode", episodeID, eventType, actor, metadata); err != nil {
		f.logger.Warn("ledger write failed",
			zap.String("episode_id", episodeID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
