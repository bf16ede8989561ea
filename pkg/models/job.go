package models

import "time"

// JobStatus is the lifecycle state of an annotation job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobStopped    JobStatus = "stopped"
	JobFailed     JobStatus = "failed"
)

// ModelRef names a concrete provider+model pair.
type ModelRef struct {
	Provider string `json:"provider"` // anthropic, openai, google, ollama, or a custom endpoint name
	Model    string `json:"model"`
	BaseURL  string `json:"base_url,omitempty"` // overrides the provider default when set
}

// AgentModelConfig is the model selection for one agent role.
type AgentModelConfig struct {
	Primary  ModelRef  `json:"primary"`
	Fallback *ModelRef `json:"fallback,omitempty"`
}

// AgentConfig is the per-job model configuration supplied at start-job and
// snapshotted into every checkpoint.
type AgentConfig struct {
	Analyst AgentModelConfig `json:"analyst"`
	Critic  AgentModelConfig `json:"critic"`
	Judge   AgentModelConfig `json:"judge"`

	// FallbackRetryAfterMin is the cooldown in minutes before a failed
	// primary model is retried. Zero means the configured default (5).
	FallbackRetryAfterMin int `json:"fallback_retry_after,omitempty"`

	// WindowSize bounds sliding-window sessions. Zero means the default (30).
	WindowSize int `json:"window_size,omitempty"`

	Temperature float64 `json:"temperature,omitempty"`

	// UseFullPipeline selects the three-agent pipeline (true) or the
	// single-classifier path where the analyst's labels are final (false).
	UseFullPipeline bool `json:"use_full_pipeline"`
}

// ForRole returns the model configuration for one pipeline role.
func (c AgentConfig) ForRole(role AgentRole) AgentModelConfig {
	switch role {
	case RoleCritic:
		return c.Critic
	case RoleJudge:
		return c.Judge
	default:
		return c.Analyst
	}
}

// Job is the unit of orchestration: one dataset annotated under one agent
// configuration. Owned exclusively by the job manager and mutated only
// through its state transitions.
type Job struct {
	ID              string      `json:"job_id"`
	DatasetID       string      `json:"dataset_id"`
	SessionIDs      []string    `json:"session_ids"`
	Config          AgentConfig `json:"agent_config"`
	Status          JobStatus   `json:"status"`
	CompletedCount  int         `json:"completed_sessions"`
	CurrentSession  string      `json:"current_session,omitempty"`
	FlaggedSessions []string    `json:"flagged_sessions"`
	Errors          []string    `json:"errors"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Progress is an immutable status snapshot safe to hand to polling clients
// while the processing loop continues.
type Progress struct {
	JobID             string    `json:"job_id"`
	Status            JobStatus `json:"status"`
	CompletedSessions int       `json:"completed_sessions"`
	TotalSessions     int       `json:"total_sessions"`
	CurrentSession    string    `json:"current_session,omitempty"`
	FlaggedSessions   []string  `json:"flagged_sessions"`
	Errors            []string  `json:"errors"`
	UpdatedAt         time.Time `json:"updated_at"`

	// SessionIDs lists every session the job covers, in processing order.
	// Populated on the start response so callers know what was accepted.
	SessionIDs []string `json:"session_ids,omitempty"`
}
