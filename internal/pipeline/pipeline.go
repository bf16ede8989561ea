// Package pipeline runs one session through the annotation stages and joins
// the stage outputs into annotated events with disagreement scores.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lamim/cogtrace/internal/agents"
	"github.com/lamim/cogtrace/internal/config"
	"github.com/lamim/cogtrace/internal/metrics"
	"github.com/lamim/cogtrace/internal/scoring"
	"github.com/lamim/cogtrace/pkg/models"
)

// Classifier annotates one session. The production implementation is the
// three-stage Executor; tests substitute fakes at the job layer.
type Classifier interface {
	Annotate(ctx context.Context, session models.Session) (*Result, error)
}

// Result is the outcome of annotating one session.
type Result struct {
	Events  []models.AnnotatedEvent
	Flagged bool
	Log     *SessionLog
}

// SessionLog is the full stage-by-stage record kept for audit. Served raw by
// the session log endpoint.
type SessionLog struct {
	SessionID     string                  `json:"session_id"`
	Strategy      models.SessionStrategy  `json:"strategy"`
	EventsTotal   int                     `json:"events_total"`
	EventsSent    int                     `json:"events_sent"`
	Analyst       []models.AgentDecision  `json:"analyst"`
	Critic        []models.AgentDecision  `json:"critic"`
	Judge         []models.AgentDecision  `json:"judge"`
	ParseFallback bool                    `json:"parse_fallback"`
	Threshold     float64                 `json:"flag_threshold"`
	CompletedAt   time.Time               `json:"completed_at"`
}

// Stages is the surface the executor needs from the agents layer.
type Stages interface {
	Analyze(ctx context.Context, in agents.StageInput) ([]models.AgentDecision, error)
	Critique(ctx context.Context, in agents.StageInput, analyst []models.AgentDecision) ([]models.AgentDecision, error)
	Judge(ctx context.Context, in agents.StageInput, analyst, critic []models.AgentDecision) (agents.JudgeResult, error)
}

// Executor drives the analyst, critic, and judge stages for one job.
type Executor struct {
	stages          Stages
	pipeline        config.PipelineConfig
	tracker         *scoring.Tracker
	windowSize      int
	useFullPipeline bool
	logger          *slog.Logger
}

// NewExecutor creates an executor bound to one job's tracker. windowSize
// overrides the pipeline default when positive; useFullPipeline false skips
// the critic and judge stages and takes the analyst decisions as final.
func NewExecutor(
	stages Stages,
	cfg *config.Config,
	tracker *scoring.Tracker,
	windowSize int,
	useFullPipeline bool,
	logger *slog.Logger,
) *Executor {
	if windowSize <= 0 {
		windowSize = cfg.Pipeline.WindowSize
	}
	return &Executor{
		stages:          stages,
		pipeline:        cfg.Pipeline,
		tracker:         tracker,
		windowSize:      windowSize,
		useFullPipeline: useFullPipeline,
		logger:          logger.With("component", "pipeline"),
	}
}

// Annotate runs the stages over the session and scores the results. Events
// cut off by the sliding window are not annotated.
func (e *Executor) Annotate(ctx context.Context, session models.Session) (*Result, error) {
	start := time.Now()

	if len(session.Events) == 0 {
		return nil, fmt.Errorf("session %s has no events", session.ID)
	}

	in := e.prepare(session)
	strategy := session.Strategy(e.pipeline.FullSessionLimit, e.windowSize)

	analyst, err := e.stages.Analyze(ctx, in)
	if err != nil {
		metrics.RecordSessionProcessed("error", time.Since(start))
		return nil, fmt.Errorf("session %s: %w", session.ID, err)
	}

	var (
		critic []models.AgentDecision
		judge  agents.JudgeResult
	)
	if e.useFullPipeline {
		critic, err = e.stages.Critique(ctx, in, analyst)
		if err != nil {
			metrics.RecordSessionProcessed("error", time.Since(start))
			return nil, fmt.Errorf("session %s: %w", session.ID, err)
		}
		judge, err = e.stages.Judge(ctx, in, analyst, critic)
		if err != nil {
			metrics.RecordSessionProcessed("error", time.Since(start))
			return nil, fmt.Errorf("session %s: %w", session.ID, err)
		}
	} else {
		// analyst-only mode: the analyst's labels are final
		judge = agents.JudgeResult{Decisions: analyst}
	}

	result := e.join(session, in, analyst, critic, judge)
	result.Log.Strategy = strategy
	result.Log.Threshold = e.tracker.Threshold()

	status := "success"
	if result.Flagged {
		status = "flagged"
	}
	metrics.RecordSessionProcessed(status, time.Since(start))

	e.logger.Debug("Session annotated",
		"session_id", session.ID,
		"strategy", strategy,
		"events", len(in.Events),
		"flagged", result.Flagged,
		"parse_fallback", judge.ParseFallback)

	return result, nil
}

// prepare builds the strategy-filtered stage input for the session.
func (e *Executor) prepare(session models.Session) agents.StageInput {
	strategy := session.Strategy(e.pipeline.FullSessionLimit, e.windowSize)

	events := session.Events
	if strategy == models.StrategySlidingWindow {
		events = events[len(events)-e.windowSize:]
	}

	var contentLimit, reasoningLimit int
	if strategy != models.StrategyFull {
		contentLimit, reasoningLimit = e.pipeline.TruncationLimits(strategy, len(session.Events))
	}

	return agents.StageInput{
		SessionID:      session.ID,
		Events:         events,
		ContentLimit:   contentLimit,
		ReasoningLimit: reasoningLimit,
		MaxTokens:      e.pipeline.MaxTokens(len(events)),
	}
}

// join merges the stage decisions into annotated events and observes the
// disagreement scores. A judge parse fallback flags the whole session.
func (e *Executor) join(
	session models.Session,
	in agents.StageInput,
	analyst, critic []models.AgentDecision,
	judge agents.JudgeResult,
) *Result {
	criticByEvent := make(map[string]models.AgentDecision, len(critic))
	for _, d := range critic {
		criticByEvent[d.EventID] = d
	}
	analystByEvent := make(map[string]models.AgentDecision, len(analyst))
	for _, d := range analyst {
		analystByEvent[d.EventID] = d
	}
	eventByID := make(map[string]models.Event, len(in.Events))
	for _, ev := range in.Events {
		eventByID[ev.ID] = ev
	}

	flagged := judge.ParseFallback
	annotated := make([]models.AnnotatedEvent, 0, len(judge.Decisions))

	for _, final := range judge.Decisions {
		ev := eventByID[final.EventID]
		a := analystByEvent[final.EventID]
		c := criticByEvent[final.EventID]

		ae := models.AnnotatedEvent{
			SessionID:            session.ID,
			EventID:              ev.ID,
			EventTimestamp:       ev.Timestamp,
			ActionType:           ev.ActionType,
			Content:              ev.Content,
			CognitiveLabel:       final.Label,
			AnalystLabel:         a.Label,
			AnalystJustification: a.Justification,
			JudgeJustification:   final.Justification,
			ConfidenceScore:      final.Confidence,
		}

		if e.useFullPipeline {
			ae.CriticLabel = c.Label
			ae.CriticAgreement = c.Agreement
			ae.CriticJustification = c.Justification

			score := scoring.Score(a, c)
			ae.DisagreementScore = score
			if e.tracker.Observe(score) {
				ae.FlaggedForReview = true
				flagged = true
			}
		}

		if judge.ParseFallback {
			ae.FlaggedForReview = true
		}

		annotated = append(annotated, ae)
	}

	return &Result{
		Events:  annotated,
		Flagged: flagged,
		Log: &SessionLog{
			SessionID:     session.ID,
			EventsTotal:   len(session.Events),
			EventsSent:    len(in.Events),
			Analyst:       analyst,
			Critic:        critic,
			Judge:         judge.Decisions,
			ParseFallback: judge.ParseFallback,
			CompletedAt:   time.Now().UTC(),
		},
	}
}
