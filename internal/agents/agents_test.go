package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/lamim/cogtrace/internal/api"
	"github.com/lamim/cogtrace/internal/config"
	"github.com/lamim/cogtrace/pkg/models"
)

// fakeInvoker replays canned responses per role and records prompts.
type fakeInvoker struct {
	responses map[models.AgentRole]string
	errs      map[models.AgentRole]error
	prompts   map[models.AgentRole]string
}

func (f *fakeInvoker) Invoke(_ context.Context, role models.AgentRole, req api.Request) (*api.Response, error) {
	if f.prompts == nil {
		f.prompts = make(map[models.AgentRole]string)
	}
	f.prompts[role] = req.Prompt
	if err := f.errs[role]; err != nil {
		return nil, err
	}
	return &api.Response{Text: f.responses[role]}, nil
}

func testAgents(t *testing.T, inv Invoker) *Agents {
	t.Helper()
	cfg := &config.Config{}
	cfg.Pipeline.Temperature = 0.7
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(inv, cfg, 0, logger)
}

func testInput() StageInput {
	return StageInput{
		SessionID: "s1",
		Events: []models.Event{
			{ID: "e1", Timestamp: "2026-01-01T00:00:00Z", ActionType: "query", Content: "best hiking boots"},
			{ID: "e2", Timestamp: "2026-01-01T00:00:30Z", ActionType: "click", Content: "reiview of trail boots"},
		},
		ContentLimit:   200,
		ReasoningLimit: 300,
		MaxTokens:      4096,
	}
}

func decisionsJSON(labelField string, labels ...models.CognitiveLabel) string {
	items := make([]string, len(labels))
	for i, l := range labels {
		items[i] = fmt.Sprintf(`{"event_id": "e%d", %q: %q, "justification": "j", "confidence": 0.8}`,
			i+1, labelField, l)
	}
	return "[" + strings.Join(items, ",") + "]"
}

func TestAnalyzeParsesDecisions(t *testing.T) {
	inv := &fakeInvoker{responses: map[models.AgentRole]string{
		models.RoleAnalyst: decisionsJSON("label", models.LabelFollowingScent, models.LabelApproachingSource),
	}}
	a := testAgents(t, inv)

	decisions, err := a.Analyze(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(decisions) != 2 {
		t.Fatalf("got %d decisions", len(decisions))
	}
	if decisions[0].Role != models.RoleAnalyst || decisions[0].EventID != "e1" {
		t.Errorf("decisions[0] = %+v", decisions[0])
	}
	if decisions[1].Label != models.LabelApproachingSource {
		t.Errorf("decisions[1].Label = %s", decisions[1].Label)
	}

	prompt := inv.prompts[models.RoleAnalyst]
	if !strings.Contains(prompt, "FollowingScent") {
		t.Error("prompt missing label schema")
	}
	if !strings.Contains(prompt, "best hiking boots") {
		t.Error("prompt missing event content")
	}
}

func TestAnalyzeHandlesFencedAndThinkTags(t *testing.T) {
	body := decisionsJSON("label", models.LabelPoorScent, models.LabelLeavingPatch)
	inv := &fakeInvoker{responses: map[models.AgentRole]string{
		models.RoleAnalyst: "<think>let me reason</think>\n```json\n" + body + "\n```",
	}}
	a := testAgents(t, inv)

	decisions, err := a.Analyze(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if decisions[0].Label != models.LabelPoorScent {
		t.Errorf("Label = %s", decisions[0].Label)
	}
}

func TestAnalyzeRejectsUnknownLabel(t *testing.T) {
	inv := &fakeInvoker{responses: map[models.AgentRole]string{
		models.RoleAnalyst: `[{"event_id": "e1", "label": "Wandering", "confidence": 0.5},
			{"event_id": "e2", "label": "PoorScent", "confidence": 0.5}]`,
	}}
	a := testAgents(t, inv)

	_, err := a.Analyze(context.Background(), testInput())
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("want ParseError, got %v", err)
	}
	if !strings.Contains(pe.Reason, "Wandering") {
		t.Errorf("Reason = %q", pe.Reason)
	}
}

func TestAnalyzeRequiresFullCoverage(t *testing.T) {
	inv := &fakeInvoker{responses: map[models.AgentRole]string{
		models.RoleAnalyst: `[{"event_id": "e1", "label": "PoorScent", "confidence": 0.5}]`,
	}}
	a := testAgents(t, inv)

	_, err := a.Analyze(context.Background(), testInput())
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("want ParseError, got %v", err)
	}
	if !strings.Contains(pe.Reason, "e2") {
		t.Errorf("Reason = %q", pe.Reason)
	}
}

func TestCritiquePassesAnalystDecisions(t *testing.T) {
	inv := &fakeInvoker{responses: map[models.AgentRole]string{
		models.RoleCritic: `[{"event_id": "e1", "label": "PoorScent", "agreement": "disagree", "justification": "x", "confidence": 0.6},
			{"event_id": "e2", "label": "ApproachingSource", "agreement": "AGREE", "justification": "y", "confidence": 0.9}]`,
	}}
	a := testAgents(t, inv)

	analyst := []models.AgentDecision{
		{Role: models.RoleAnalyst, EventID: "e1", Label: models.LabelFollowingScent, Justification: "trail", Confidence: 0.8},
		{Role: models.RoleAnalyst, EventID: "e2", Label: models.LabelApproachingSource, Justification: "narrowing", Confidence: 0.9},
	}
	decisions, err := a.Critique(context.Background(), testInput(), analyst)
	if err != nil {
		t.Fatalf("Critique: %v", err)
	}
	if decisions[0].Agreement != "disagree" {
		t.Errorf("Agreement = %q", decisions[0].Agreement)
	}
	if decisions[1].Agreement != "agree" {
		t.Errorf("Agreement = %q, want normalized agree", decisions[1].Agreement)
	}
	if !strings.Contains(inv.prompts[models.RoleCritic], "narrowing") {
		t.Error("critic prompt missing analyst justification")
	}
}

func TestJudgeUsesFinalLabelField(t *testing.T) {
	inv := &fakeInvoker{responses: map[models.AgentRole]string{
		models.RoleJudge: decisionsJSON("final_label", models.LabelForagingSuccess, models.LabelFollowingScent),
	}}
	a := testAgents(t, inv)

	critic := []models.AgentDecision{
		{Role: models.RoleCritic, EventID: "e1", Label: models.LabelPoorScent, Confidence: 0.5},
		{Role: models.RoleCritic, EventID: "e2", Label: models.LabelPoorScent, Confidence: 0.5},
	}
	res, err := a.Judge(context.Background(), testInput(), nil, critic)
	if err != nil {
		t.Fatalf("Judge: %v", err)
	}
	if res.ParseFallback {
		t.Error("unexpected parse fallback")
	}
	if res.Decisions[0].Label != models.LabelForagingSuccess {
		t.Errorf("Label = %s", res.Decisions[0].Label)
	}
}

func TestJudgeParseFailureFallsBackToCritic(t *testing.T) {
	inv := &fakeInvoker{responses: map[models.AgentRole]string{
		models.RoleJudge: "I cannot produce JSON today.",
	}}
	a := testAgents(t, inv)

	critic := []models.AgentDecision{
		{Role: models.RoleCritic, EventID: "e1", Label: models.LabelPoorScent, Agreement: "disagree", Confidence: 0.5},
		{Role: models.RoleCritic, EventID: "e2", Label: models.LabelDietEnrichment, Agreement: "agree", Confidence: 0.7},
	}
	res, err := a.Judge(context.Background(), testInput(), nil, critic)
	if err != nil {
		t.Fatalf("Judge: %v", err)
	}
	if !res.ParseFallback {
		t.Fatal("expected parse fallback")
	}
	if res.Decisions[0].Label != models.LabelPoorScent {
		t.Errorf("fallback Label = %s", res.Decisions[0].Label)
	}
	if res.Decisions[0].Role != models.RoleJudge {
		t.Errorf("fallback Role = %s, want judge", res.Decisions[0].Role)
	}
	if res.Decisions[0].Agreement != "" {
		t.Error("fallback decisions should drop the critic agreement field")
	}
}

func TestJudgeModelFailureIsAnError(t *testing.T) {
	inv := &fakeInvoker{errs: map[models.AgentRole]error{
		models.RoleJudge: errors.New("both models down"),
	}}
	a := testAgents(t, inv)

	_, err := a.Judge(context.Background(), testInput(), nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRenderEventsTruncatesContent(t *testing.T) {
	events := []models.Event{
		{ID: "e1", ActionType: "click", Content: strings.Repeat("x", 500)},
	}
	out, err := renderEvents(events, 100)
	if err != nil {
		t.Fatalf("renderEvents: %v", err)
	}
	var parsed []promptEvent
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if len(parsed[0].Content) > 103 {
		t.Errorf("content not truncated: %d runes", len(parsed[0].Content))
	}
}

func TestLabelSchemaTextCoversAllLabels(t *testing.T) {
	text := LabelSchemaText()
	for _, label := range models.AllLabels {
		if !strings.Contains(text, string(label)) {
			t.Errorf("schema text missing %s", label)
		}
	}
}
