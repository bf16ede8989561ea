package models

// CognitiveLabel is one of the six Information-Foraging-Theory categories
// assigned to a behavioral event.
type CognitiveLabel string

const (
	LabelFollowingScent    CognitiveLabel = "FollowingScent"
	LabelApproachingSource CognitiveLabel = "ApproachingSource"
	LabelDietEnrichment    CognitiveLabel = "DietEnrichment"
	LabelPoorScent         CognitiveLabel = "PoorScent"
	LabelLeavingPatch      CognitiveLabel = "LeavingPatch"
	LabelForagingSuccess   CognitiveLabel = "ForagingSuccess"
)

// AllLabels lists every valid cognitive label in schema order.
var AllLabels = []CognitiveLabel{
	LabelFollowingScent,
	LabelApproachingSource,
	LabelDietEnrichment,
	LabelPoorScent,
	LabelLeavingPatch,
	LabelForagingSuccess,
}

// Valid reports whether l is one of the six schema labels.
func (l CognitiveLabel) Valid() bool {
	for _, known := range AllLabels {
		if l == known {
			return true
		}
	}
	return false
}

// AgentRole identifies a stage of the annotation pipeline.
type AgentRole string

const (
	RoleAnalyst AgentRole = "analyst"
	RoleCritic  AgentRole = "critic"
	RoleJudge   AgentRole = "judge"
)

// SessionStrategy is how a session's events are prepared for the agents.
type SessionStrategy string

const (
	// StrategyFull sends every event with untruncated content.
	StrategyFull SessionStrategy = "full"
	// StrategyTruncate sends every event with per-event content caps.
	StrategyTruncate SessionStrategy = "truncate"
	// StrategySlidingWindow keeps only the most recent N events.
	StrategySlidingWindow SessionStrategy = "sliding_window"
)

// EventMetadata carries optional structured fields attached to an event.
type EventMetadata struct {
	URL    string  `json:"url,omitempty"`
	Title  string  `json:"title,omitempty"`
	Rating float64 `json:"rating,omitempty"`
}

// Event is a single recorded user action. Immutable once loaded from the
// dataset store. Timestamps are kept as the dataset's raw strings because
// uploaded files use heterogeneous formats.
type Event struct {
	ID         string         `json:"event_id"`
	Timestamp  string         `json:"timestamp"`
	ActionType string         `json:"action_type"`
	Content    string         `json:"content"`
	Metadata   *EventMetadata `json:"metadata,omitempty"`
}

// Session is an ordered sequence of events annotated jointly.
type Session struct {
	ID     string  `json:"session_id"`
	Events []Event `json:"events"`
}

// Strategy derives the session handling strategy from the event count.
// Sessions up to fullLimit events are processed whole, longer sessions are
// content-truncated, and sessions beyond windowSize fall back to a sliding
// window over the most recent events.
func (s Session) Strategy(fullLimit, windowSize int) SessionStrategy {
	n := len(s.Events)
	switch {
	case n <= fullLimit:
		return StrategyFull
	case n <= windowSize:
		return StrategyTruncate
	default:
		return StrategySlidingWindow
	}
}

// AgentDecision is one agent's verdict for one event. Produced once per agent
// per event per session and never mutated afterwards.
type AgentDecision struct {
	Role          AgentRole      `json:"role"`
	EventID       string         `json:"event_id"`
	Label         CognitiveLabel `json:"label"`
	Agreement     string         `json:"agreement,omitempty"` // critic only: "agree" or "disagree"
	Justification string         `json:"justification"`
	Confidence    float64        `json:"confidence"`
}

// AnnotatedEvent is an event joined with all three agent decisions, the final
// label, and the review flags. This is the unit persisted to checkpoints and
// exports; the field set matches the export schema.
type AnnotatedEvent struct {
	SessionID            string         `json:"session_id"`
	EventID              string         `json:"event_id"`
	EventTimestamp       string         `json:"event_timestamp"`
	ActionType           string         `json:"action_type"`
	Content              string         `json:"content"`
	CognitiveLabel       CognitiveLabel `json:"cognitive_label"`
	AnalystLabel         CognitiveLabel `json:"analyst_label"`
	AnalystJustification string         `json:"analyst_justification"`
	CriticLabel          CognitiveLabel `json:"critic_label"`
	CriticAgreement      string         `json:"critic_agreement"`
	CriticJustification  string         `json:"critic_justification"`
	JudgeJustification   string         `json:"judge_justification"`
	ConfidenceScore      float64        `json:"confidence_score"`
	DisagreementScore    float64        `json:"disagreement_score"`
	FlaggedForReview     bool           `json:"flagged_for_review"`
	UserOverride         bool           `json:"user_override"`
	OverrideVersion      int            `json:"override_version"`
	OverrideTimestamp    string         `json:"override_timestamp,omitempty"`
}
