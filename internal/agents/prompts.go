package agents

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lamim/cogtrace/internal/util"
	"github.com/lamim/cogtrace/pkg/models"
)

// Built-in prompt templates per role. A configured override replaces the
// whole template; all three receive the same data fields.
const (
	analystSystemPrompt = "You are a behavioral analyst annotating user search sessions with information-foraging labels. Respond with a JSON array only, no prose."

	analystTemplate = `Classify every event in the session below with exactly one cognitive label.

Labels:
{{.LabelSchema}}
Session {{.SessionID}} events (JSON):
{{.Events}}

Respond with a JSON array, one object per event:
[{"event_id": "...", "label": "...", "justification": "...", "confidence": 0.0}]
Confidence is a number between 0 and 1. Cover every event exactly once.`

	criticSystemPrompt = "You are a critical reviewer re-examining another annotator's labels on a user search session. Respond with a JSON array only, no prose."

	criticTemplate = `Review the analyst's labels for the session below. For each event state whether you agree, and give your own label either way.

Labels:
{{.LabelSchema}}
Session {{.SessionID}} events (JSON):
{{.Events}}

Analyst decisions (JSON):
{{.AnalystDecisions}}

Respond with a JSON array, one object per event:
[{"event_id": "...", "label": "...", "agreement": "agree", "justification": "...", "confidence": 0.0}]
Agreement is "agree" or "disagree". Confidence is a number between 0 and 1. Cover every event exactly once.`

	judgeSystemPrompt = "You are the final arbiter between two annotators of a user search session. Respond with a JSON array only, no prose."

	judgeTemplate = `Decide the final label for each event, weighing the analyst's and the critic's positions.

Labels:
{{.LabelSchema}}
Session {{.SessionID}} events (JSON):
{{.Events}}

Analyst decisions (JSON):
{{.AnalystDecisions}}

Critic decisions (JSON):
{{.CriticDecisions}}

Respond with a JSON array, one object per event:
[{"event_id": "...", "final_label": "...", "justification": "...", "confidence": 0.0}]
Confidence is a number between 0 and 1. Cover every event exactly once.`
)

// promptEvent is the trimmed event form serialized into prompts.
type promptEvent struct {
	EventID    string  `json:"event_id"`
	Timestamp  string  `json:"timestamp"`
	ActionType string  `json:"action_type"`
	Content    string  `json:"content"`
	URL        string  `json:"url,omitempty"`
	Title      string  `json:"title,omitempty"`
	Rating     float64 `json:"rating,omitempty"`
}

// renderEvents serializes events for a prompt, capping each content field.
func renderEvents(events []models.Event, contentLimit int) (string, error) {
	out := make([]promptEvent, 0, len(events))
	for _, ev := range events {
		pe := promptEvent{
			EventID:    ev.ID,
			Timestamp:  ev.Timestamp,
			ActionType: ev.ActionType,
			Content:    util.TruncateString(ev.Content, contentLimit),
		}
		if ev.Metadata != nil {
			pe.URL = ev.Metadata.URL
			pe.Title = ev.Metadata.Title
			pe.Rating = ev.Metadata.Rating
		}
		out = append(out, pe)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize events: %w", err)
	}
	return string(data), nil
}

// renderDecisions serializes upstream decisions for a prompt, capping each
// justification.
func renderDecisions(decisions []models.AgentDecision, reasoningLimit int) (string, error) {
	type promptDecision struct {
		EventID       string  `json:"event_id"`
		Label         string  `json:"label"`
		Agreement     string  `json:"agreement,omitempty"`
		Justification string  `json:"justification"`
		Confidence    float64 `json:"confidence"`
	}
	out := make([]promptDecision, 0, len(decisions))
	for _, d := range decisions {
		out = append(out, promptDecision{
			EventID:       d.EventID,
			Label:         string(d.Label),
			Agreement:     d.Agreement,
			Justification: util.TruncateString(d.Justification, reasoningLimit),
			Confidence:    d.Confidence,
		})
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize decisions: %w", err)
	}
	return string(data), nil
}

func templateForRole(role models.AgentRole, overrides map[models.AgentRole]string) string {
	if tmpl := strings.TrimSpace(overrides[role]); tmpl != "" {
		return tmpl
	}
	switch role {
	case models.RoleCritic:
		return criticTemplate
	case models.RoleJudge:
		return judgeTemplate
	default:
		return analystTemplate
	}
}

func systemForRole(role models.AgentRole) string {
	switch role {
	case models.RoleCritic:
		return criticSystemPrompt
	case models.RoleJudge:
		return judgeSystemPrompt
	default:
		return analystSystemPrompt
	}
}
