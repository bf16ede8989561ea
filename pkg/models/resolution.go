package models

import "time"

// Resolution is a human override for a flagged event. Resolutions are
// append-only: a new write for the same (session, event) key gets the next
// override_version and never replaces prior history. The baseline annotation
// from the pipeline holds version 1 implicitly; exports pick the highest
// version.
type Resolution struct {
	JobID           string         `json:"job_id"`
	SessionID       string         `json:"session_id"`
	EventID         string         `json:"event_id"`
	Label           CognitiveLabel `json:"label"`
	Note            string         `json:"note,omitempty"`
	OverrideVersion int            `json:"override_version"`
	UserOverride    bool           `json:"user_override"`
	CreatedAt       time.Time      `json:"created_at"`
}
