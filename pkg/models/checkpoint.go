package models

import "time"

// Checkpoint is the durable snapshot of a job written after every completed
// session. It carries everything needed to reconstruct the job on restart:
// the completed-session set, all annotated events so far, the configuration
// in force, and the disagreement scores observed so far so the percentile
// threshold survives a resume.
type Checkpoint struct {
	JobID               string           `json:"job_id"`
	DatasetID           string           `json:"dataset_id"`
	SessionIDs          []string         `json:"session_ids"`
	Config              AgentConfig      `json:"agent_config"`
	CompletedSessionIDs map[string]bool  `json:"completed_session_ids"`
	AnnotatedEvents     []AnnotatedEvent `json:"annotated_events"`
	FlaggedSessions     []string         `json:"flagged_sessions"`
	Errors              []string         `json:"errors"`
	DisagreementScores  []float64        `json:"disagreement_scores"`
	Status              JobStatus        `json:"status"`
	CreatedAt           time.Time        `json:"created_at"`
	SavedAt             time.Time        `json:"saved_at"`
}

// CompletedCount returns the number of sessions recorded as done.
func (cp *Checkpoint) CompletedCount() int {
	return len(cp.CompletedSessionIDs)
}

// PendingSessionIDs returns the session IDs not yet completed, in dataset order.
func (cp *Checkpoint) PendingSessionIDs() []string {
	var pending []string
	for _, id := range cp.SessionIDs {
		if !cp.CompletedSessionIDs[id] {
			pending = append(pending, id)
		}
	}
	return pending
}
