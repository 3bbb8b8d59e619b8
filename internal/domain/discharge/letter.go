// Package discharge implements the discharge-letter task and its monotonic
// state machine. Duplicate sends are a compliance violation, not an
// inconvenience, so the sent state is terminal and enforced in storage.
package discharge

import (
	"errors"
	"time"
)

// LetterStatus advances draft -> confirmed -> sent and never backwards.
type LetterStatus string

const (
	StatusDraft     LetterStatus = "draft"
	StatusConfirmed LetterStatus = "confirmed"
	StatusSent      LetterStatus = "sent"
)

// Letter is the per-episode discharge-letter artifact.
type Letter struct {
	EpisodeID   string       `json:"episode_id"`
	Status      LetterStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	ConfirmedAt *time.Time   `json:"confirmed_at,omitempty"`
	SentAt      *time.Time   `json:"sent_at,omitempty"`
}

// Typed guard errors, mapped to stable codes by the HTTP layer.
var (
	ErrEpisodeNotFound  = errors.New("episode not found")
	ErrLetterNotFound   = errors.New("no discharge letter for episode")
	ErrEpisodeNotClosed = errors.New("letter not confirmed")
	ErrAlreadyConfirmed = errors.New("letter already confirmed")
	ErrAlreadySent      = errors.New("letter already sent")
)
