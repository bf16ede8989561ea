// Package agents implements the three-stage annotation pipeline roles:
// analyst, critic, and judge. Each stage builds a prompt over the prepared
// session view, invokes the routed model, and parses the JSON decisions.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lamim/cogtrace/internal/api"
	"github.com/lamim/cogtrace/internal/config"
	"github.com/lamim/cogtrace/internal/util"
	"github.com/lamim/cogtrace/pkg/models"
)

// Invoker routes a completion request to the model configured for a role.
type Invoker interface {
	Invoke(ctx context.Context, role models.AgentRole, req api.Request) (*api.Response, error)
}

// Agents runs the pipeline stages for one job.
type Agents struct {
	invoker   Invoker
	pipeline  config.PipelineConfig
	overrides map[models.AgentRole]string
	temp      float64
	logger    *slog.Logger
}

// New creates the stage runner. temperature overrides the pipeline default
// when positive (per-job agent configuration).
func New(invoker Invoker, cfg *config.Config, temperature float64, logger *slog.Logger) *Agents {
	if temperature <= 0 {
		temperature = cfg.Pipeline.Temperature
	}
	overrides := map[models.AgentRole]string{
		models.RoleAnalyst: cfg.Prompts.Analyst,
		models.RoleCritic:  cfg.Prompts.Critic,
		models.RoleJudge:   cfg.Prompts.Judge,
	}
	return &Agents{
		invoker:   invoker,
		pipeline:  cfg.Pipeline,
		overrides: overrides,
		temp:      temperature,
		logger:    logger.With("component", "agents"),
	}
}

// StageInput is the prepared session view shared by all three stages. Events
// are already strategy-filtered; the limits come from the session's size tier.
type StageInput struct {
	SessionID      string
	Events         []models.Event
	ContentLimit   int
	ReasoningLimit int
	MaxTokens      int
}

// rawDecision is the superset of all three stages' wire formats.
type rawDecision struct {
	EventID       string  `json:"event_id"`
	Label         string  `json:"label"`
	FinalLabel    string  `json:"final_label"`
	Agreement     string  `json:"agreement"`
	Justification string  `json:"justification"`
	Confidence    float64 `json:"confidence"`
}

// Analyze runs the analyst stage: one decision per event.
func (a *Agents) Analyze(ctx context.Context, in StageInput) ([]models.AgentDecision, error) {
	return a.runStage(ctx, models.RoleAnalyst, in, nil, nil)
}

// Critique runs the critic stage over the analyst's decisions.
func (a *Agents) Critique(ctx context.Context, in StageInput, analyst []models.AgentDecision) ([]models.AgentDecision, error) {
	return a.runStage(ctx, models.RoleCritic, in, analyst, nil)
}

// JudgeResult carries the judge stage outcome. ParseFallback is set when the
// judge's output was unusable and the critic's decisions stand in for it;
// such sessions are flagged for review regardless of disagreement scores.
type JudgeResult struct {
	Decisions     []models.AgentDecision
	ParseFallback bool
}

// Judge runs the final arbitration stage. A model failure is returned as an
// error; an unparseable response degrades to the critic's decisions.
func (a *Agents) Judge(ctx context.Context, in StageInput, analyst, critic []models.AgentDecision) (JudgeResult, error) {
	decisions, err := a.runStage(ctx, models.RoleJudge, in, analyst, critic)
	if err != nil {
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			a.logger.Warn("Judge response unparseable, falling back to critic decisions",
				"session_id", in.SessionID,
				"error", parseErr)
			fallback := make([]models.AgentDecision, len(critic))
			for i, d := range critic {
				fallback[i] = d
				fallback[i].Role = models.RoleJudge
				fallback[i].Agreement = ""
			}
			return JudgeResult{Decisions: fallback, ParseFallback: true}, nil
		}
		return JudgeResult{}, err
	}
	return JudgeResult{Decisions: decisions}, nil
}

func (a *Agents) runStage(
	ctx context.Context,
	role models.AgentRole,
	in StageInput,
	analyst, critic []models.AgentDecision,
) ([]models.AgentDecision, error) {
	prompt, err := a.buildPrompt(role, in, analyst, critic)
	if err != nil {
		return nil, fmt.Errorf("%s prompt: %w", role, err)
	}

	resp, err := a.invoker.Invoke(ctx, role, api.Request{
		System:      systemForRole(role),
		Prompt:      prompt,
		Temperature: a.temp,
		MaxTokens:   in.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%s stage: %w", role, err)
	}

	decisions, err := parseDecisions(role, resp.Text, in.Events)
	if err != nil {
		return nil, err
	}
	return decisions, nil
}

func (a *Agents) buildPrompt(role models.AgentRole, in StageInput, analyst, critic []models.AgentDecision) (string, error) {
	events, err := renderEvents(in.Events, in.ContentLimit)
	if err != nil {
		return "", err
	}

	data := map[string]interface{}{
		"SessionID":   in.SessionID,
		"LabelSchema": LabelSchemaText(),
		"Events":      events,
	}
	if analyst != nil {
		rendered, err := renderDecisions(analyst, in.ReasoningLimit)
		if err != nil {
			return "", err
		}
		data["AnalystDecisions"] = rendered
	}
	if critic != nil {
		rendered, err := renderDecisions(critic, in.ReasoningLimit)
		if err != nil {
			return "", err
		}
		data["CriticDecisions"] = rendered
	}

	return util.RenderTemplate(templateForRole(role, a.overrides), data)
}

// ParseError marks a structurally unusable model response. The judge stage
// treats it as recoverable; earlier stages fail the session.
type ParseError struct {
	Role   models.AgentRole
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s response unparseable: %s", e.Role, e.Reason)
}

// parseDecisions extracts and validates the decision array from a raw model
// response. Every prepared event must be covered exactly once with a valid
// label; decisions for unknown events are dropped.
func parseDecisions(role models.AgentRole, text string, events []models.Event) ([]models.AgentDecision, error) {
	extracted := util.ExtractJSON(util.StripThinkTags(text))
	if extracted == "" {
		return nil, &ParseError{Role: role, Reason: "no JSON array found in response"}
	}

	var raw []rawDecision
	if err := json.Unmarshal([]byte(extracted), &raw); err != nil {
		if err2 := json.Unmarshal([]byte(util.SanitizeJSON(extracted)), &raw); err2 != nil {
			return nil, &ParseError{Role: role, Reason: fmt.Sprintf("invalid JSON: %v", err)}
		}
	}

	known := make(map[string]bool, len(events))
	for _, ev := range events {
		known[ev.ID] = true
	}

	byEvent := make(map[string]models.AgentDecision, len(raw))
	for _, rd := range raw {
		if !known[rd.EventID] {
			continue
		}

		labelText := rd.Label
		if role == models.RoleJudge && rd.FinalLabel != "" {
			labelText = rd.FinalLabel
		}
		label := models.CognitiveLabel(strings.TrimSpace(labelText))
		if !label.Valid() {
			return nil, &ParseError{
				Role:   role,
				Reason: fmt.Sprintf("unknown label %q for event %s", labelText, rd.EventID),
			}
		}

		confidence := rd.Confidence
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}

		d := models.AgentDecision{
			Role:          role,
			EventID:       rd.EventID,
			Label:         label,
			Justification: rd.Justification,
			Confidence:    confidence,
		}
		if role == models.RoleCritic {
			d.Agreement = normalizeAgreement(rd.Agreement)
		}
		byEvent[rd.EventID] = d
	}

	decisions := make([]models.AgentDecision, 0, len(events))
	for _, ev := range events {
		d, ok := byEvent[ev.ID]
		if !ok {
			return nil, &ParseError{
				Role:   role,
				Reason: fmt.Sprintf("no decision for event %s", ev.ID),
			}
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

func normalizeAgreement(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "agree", "yes", "true":
		return "agree"
	default:
		return "disagree"
	}
}
