package intake

import "time"

// Checkpoint is a lead's position in the acquisition funnel. Checkpoints
// only advance; a lead never moves backwards and is never deleted.
type Checkpoint string

const (
	CheckpointStarted         Checkpoint = "started"
	CheckpointSeverityChecked Checkpoint = "severity_checked"
	CheckpointIntakeStarted   Checkpoint = "intake_started"
	CheckpointIntakeCompleted Checkpoint = "intake_completed"
	CheckpointEpisodeOpened   Checkpoint = "episode_opened"
)

// checkpointOrder maps each checkpoint to its ordinal for the forward-only
// guard.
var checkpointOrder = map[Checkpoint]int{
	CheckpointStarted:         0,
	CheckpointSeverityChecked: 1,
	CheckpointIntakeStarted:   2,
	CheckpointIntakeCompleted: 3,
	CheckpointEpisodeOpened:   4,
}

// Rank returns the checkpoint's position in the funnel, or -1 for an
// unknown value.
func (c Checkpoint) Rank() int {
	if r, ok := checkpointOrder[c]; ok {
		return r
	}
	return -1
}

// Attribution records where a lead came from.
type Attribution struct {
	Source   string `json:"source,omitempty"`
	Campaign string `json:"campaign,omitempty"`
	CTA      string `json:"cta,omitempty"`
}

// Lead is an unauthenticated prospective-patient record created from the
// marketing and self-assessment funnels.
type Lead struct {
	ID          string      `json:"id"`
	Email       string      `json:"email,omitempty"`
	Phone       string      `json:"phone,omitempty"`
	Name        string      `json:"name,omitempty"`
	Attribution Attribution `json:"attribution"`
	Checkpoint  Checkpoint  `json:"checkpoint_status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
