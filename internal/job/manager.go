// Package job owns the annotation job lifecycle: the state machine, the
// sequential session loop with checkpointing, stop/resume, and resolution
// wiring. Jobs run concurrently with each other; sessions within a job are
// strictly sequential so the checkpoint is always write-before-advance.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/lamim/cogtrace/internal/agents"
	"github.com/lamim/cogtrace/internal/api"
	"github.com/lamim/cogtrace/internal/checkpoint"
	"github.com/lamim/cogtrace/internal/config"
	"github.com/lamim/cogtrace/internal/dataset"
	"github.com/lamim/cogtrace/internal/export"
	"github.com/lamim/cogtrace/internal/metrics"
	"github.com/lamim/cogtrace/internal/pipeline"
	"github.com/lamim/cogtrace/internal/resolution"
	"github.com/lamim/cogtrace/internal/router"
	"github.com/lamim/cogtrace/internal/scoring"
	"github.com/lamim/cogtrace/pkg/models"
)

var (
	// ErrJobNotFound is returned when a job ID matches neither a live job
	// nor a checkpoint.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned for stop/resume calls the state
	// machine does not allow.
	ErrInvalidTransition = errors.New("invalid job state transition")
	// ErrSessionNotFound is returned when a session ID is not part of the
	// job.
	ErrSessionNotFound = errors.New("session not found in job")
)

// ClassifierFactory builds the classifier for one job run. Split out so
// tests can drive the manager without model endpoints.
type ClassifierFactory func(agentCfg models.AgentConfig, tracker *scoring.Tracker) (pipeline.Classifier, error)

// DefaultClassifierFactory wires the production three-stage pipeline:
// routed model client, agent prompts, executor.
func DefaultClassifierFactory(cfg *config.Config, secrets *config.Secrets, logger *slog.Logger) ClassifierFactory {
	client := api.NewClient(logger, time.Duration(cfg.Pipeline.RequestTimeoutSeconds)*time.Second)
	return func(agentCfg models.AgentConfig, tracker *scoring.Tracker) (pipeline.Classifier, error) {
		rt, err := router.New(client, cfg, secrets, agentCfg, logger)
		if err != nil {
			return nil, err
		}
		ag := agents.New(rt, cfg, agentCfg.Temperature, logger)
		return pipeline.NewExecutor(ag, cfg, tracker, agentCfg.WindowSize, agentCfg.UseFullPipeline, logger), nil
	}
}

// jobState is the in-memory mutable record for one job. All reads go through
// snapshot() so HTTP handlers never observe a half-updated job. unflagged
// records sessions resolved while the job is still running; the run loop
// applies them to its checkpoint before every save so a concurrent
// resolution is never overwritten by a stale flag list.
type jobState struct {
	mu            sync.Mutex
	job           models.Job
	stopRequested bool
	unflagged     map[string]bool
}

func (s *jobState) snapshot() models.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return progressOf(&s.job)
}

func progressOf(j *models.Job) models.Progress {
	flagged := make([]string, len(j.FlaggedSessions))
	copy(flagged, j.FlaggedSessions)
	errs := make([]string, len(j.Errors))
	copy(errs, j.Errors)
	return models.Progress{
		JobID:             j.ID,
		Status:            j.Status,
		CompletedSessions: j.CompletedCount,
		TotalSessions:     len(j.SessionIDs),
		CurrentSession:    j.CurrentSession,
		FlaggedSessions:   flagged,
		Errors:            errs,
		UpdatedAt:         j.UpdatedAt,
	}
}

// Manager orchestrates annotation jobs.
type Manager struct {
	cfg         *config.Config
	datasets    dataset.Store
	checkpoints *checkpoint.Store
	resolutions *resolution.Store
	exporter    *export.Exporter
	logs        *logStore
	factory     ClassifierFactory
	logger      *slog.Logger

	mu   sync.RWMutex
	jobs map[string]*jobState

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sem     *semaphore.Weighted
}

// NewManager creates a Manager. jobsDir holds per-job session logs.
func NewManager(
	cfg *config.Config,
	datasets dataset.Store,
	checkpoints *checkpoint.Store,
	resolutions *resolution.Store,
	jobsDir string,
	factory ClassifierFactory,
	logger *slog.Logger,
) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:         cfg,
		datasets:    datasets,
		checkpoints: checkpoints,
		resolutions: resolutions,
		exporter:    export.New(logger),
		logs:        newLogStore(jobsDir),
		factory:     factory,
		logger:      logger.With("component", "jobs"),
		jobs:        make(map[string]*jobState),
		baseCtx:     ctx,
		cancel:      cancel,
		sem:         semaphore.NewWeighted(int64(cfg.Pipeline.MaxConcurrentJobs)),
	}
}

// Shutdown stops accepting work, interrupts running jobs at the next session
// boundary check, and waits for them to checkpoint. Callers must stop the
// HTTP surface first so no new jobs arrive during the wait.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

// StartRequest is the start-job payload.
type StartRequest struct {
	DatasetID   string              `json:"dataset_id"`
	SessionIDs  []string            `json:"session_ids,omitempty"` // optional subset; empty means all
	AgentConfig *models.AgentConfig `json:"agent_config,omitempty"`
}

// Start validates the request, resolves the dataset, persists the initial
// checkpoint, and launches the processing loop. Configuration and dataset
// problems fail here, before any model call.
func (m *Manager) Start(ctx context.Context, req StartRequest) (models.Progress, error) {
	agentCfg := m.cfg.DefaultAgentConfig()
	if req.AgentConfig != nil {
		agentCfg = *req.AgentConfig
	}
	if err := m.cfg.ValidateAgentConfig(agentCfg); err != nil {
		return models.Progress{}, fmt.Errorf("invalid agent config: %w", err)
	}

	sessions, err := m.datasets.Resolve(ctx, req.DatasetID)
	if err != nil {
		return models.Progress{}, err
	}
	sessions, err = filterSessions(sessions, req.SessionIDs)
	if err != nil {
		return models.Progress{}, err
	}

	sessionIDs := make([]string, len(sessions))
	for i, s := range sessions {
		sessionIDs[i] = s.ID
	}

	now := time.Now().UTC()
	job := models.Job{
		ID:         uuid.NewString(),
		DatasetID:  req.DatasetID,
		SessionIDs: sessionIDs,
		Config:     agentCfg,
		Status:     models.JobPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	cp := &models.Checkpoint{
		JobID:               job.ID,
		DatasetID:           job.DatasetID,
		SessionIDs:          sessionIDs,
		Config:              agentCfg,
		CompletedSessionIDs: make(map[string]bool),
		Status:              models.JobPending,
		CreatedAt:           now,
	}
	if err := m.checkpoints.Save(cp); err != nil {
		return models.Progress{}, fmt.Errorf("failed to persist initial checkpoint: %w", err)
	}

	state := &jobState{job: job}
	m.mu.Lock()
	m.jobs[job.ID] = state
	m.mu.Unlock()

	m.logger.Info("Job created",
		"job_id", job.ID,
		"dataset_id", job.DatasetID,
		"sessions", len(sessionIDs),
		"full_pipeline", agentCfg.UseFullPipeline)

	m.launch(state, cp, sessions)
	p := state.snapshot()
	p.SessionIDs = append([]string(nil), sessionIDs...)
	return p, nil
}

// filterSessions restricts the dataset to an explicit subset when given.
func filterSessions(sessions []models.Session, subset []string) ([]models.Session, error) {
	if len(subset) == 0 {
		return sessions, nil
	}
	byID := make(map[string]models.Session, len(sessions))
	for _, s := range sessions {
		byID[s.ID] = s
	}
	out := make([]models.Session, 0, len(subset))
	for _, id := range subset {
		s, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		out = append(out, s)
	}
	return out, nil
}

// launch hands the job to a worker goroutine without blocking the caller;
// the job stays pending until a concurrency slot frees up. The goroutine is
// registered before launch returns so Shutdown always waits for it.
func (m *Manager) launch(state *jobState, cp *models.Checkpoint, sessions []models.Session) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.sem.Acquire(m.baseCtx, 1); err != nil {
			// shutdown while still queued: the checkpoint keeps the job
			// pending and resumable
			return
		}
		defer m.sem.Release(1)
		m.run(state, cp, sessions)
	}()
}

// Status reports job progress, falling back to the checkpoint for jobs from
// a previous process lifetime.
func (m *Manager) Status(jobID string) (models.Progress, error) {
	m.mu.RLock()
	state, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if ok {
		return state.snapshot(), nil
	}

	cp, err := m.checkpoints.Load(jobID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return models.Progress{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return models.Progress{}, err
	}
	return checkpointProgress(cp), nil
}

func checkpointProgress(cp *models.Checkpoint) models.Progress {
	return models.Progress{
		JobID:             cp.JobID,
		Status:            cp.Status,
		CompletedSessions: cp.CompletedCount(),
		TotalSessions:     len(cp.SessionIDs),
		FlaggedSessions:   append([]string(nil), cp.FlaggedSessions...),
		Errors:            append([]string(nil), cp.Errors...),
		UpdatedAt:         cp.SavedAt,
	}
}

// Stop requests a graceful stop. The current session finishes, its results
// are checkpointed, and only then does the job become stopped.
func (m *Manager) Stop(jobID string) (models.Progress, error) {
	m.mu.RLock()
	state, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok {
		return models.Progress{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	state.mu.Lock()
	switch state.job.Status {
	case models.JobPending, models.JobProcessing:
		state.stopRequested = true
	default:
		status := state.job.Status
		state.mu.Unlock()
		return models.Progress{}, fmt.Errorf("%w: cannot stop a %s job", ErrInvalidTransition, status)
	}
	state.mu.Unlock()

	m.logger.Info("Stop requested", "job_id", jobID)
	return state.snapshot(), nil
}

// ResumeRequest carries optional replacements for a resumed job. A new
// DatasetID re-points a job whose original dataset is gone; a new AgentConfig
// swaps models for the remaining sessions.
type ResumeRequest struct {
	DatasetID   string              `json:"dataset_id,omitempty"`
	AgentConfig *models.AgentConfig `json:"agent_config,omitempty"`
}

// Resume restarts a stopped job from its checkpoint. Works across process
// restarts: the checkpoint, not memory, is the source of truth. A job whose
// process died mid-run (checkpoint still processing, no live state) is also
// resumable.
func (m *Manager) Resume(ctx context.Context, jobID string, req ResumeRequest) (models.Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.jobs[jobID]; ok {
		state.mu.Lock()
		status := state.job.Status
		state.mu.Unlock()
		if status != models.JobStopped {
			return models.Progress{}, fmt.Errorf("%w: cannot resume a %s job", ErrInvalidTransition, status)
		}
	}

	cp, err := m.checkpoints.Load(jobID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return models.Progress{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return models.Progress{}, err
	}
	switch cp.Status {
	case models.JobStopped, models.JobProcessing, models.JobPending:
	default:
		return models.Progress{}, fmt.Errorf("%w: cannot resume a %s job", ErrInvalidTransition, cp.Status)
	}

	if req.AgentConfig != nil {
		if err := m.cfg.ValidateAgentConfig(*req.AgentConfig); err != nil {
			return models.Progress{}, fmt.Errorf("invalid agent config: %w", err)
		}
		cp.Config = *req.AgentConfig
	}
	if req.DatasetID != "" {
		cp.DatasetID = req.DatasetID
	}

	sessions, err := m.datasets.Resolve(ctx, cp.DatasetID)
	if err != nil {
		return models.Progress{}, err
	}
	sessions, err = filterSessions(sessions, cp.SessionIDs)
	if err != nil {
		return models.Progress{}, err
	}
	if req.AgentConfig != nil || req.DatasetID != "" {
		if err := m.checkpoints.Save(cp); err != nil {
			return models.Progress{}, fmt.Errorf("failed to persist updated checkpoint: %w", err)
		}
	}

	state := &jobState{job: models.Job{
		ID:              cp.JobID,
		DatasetID:       cp.DatasetID,
		SessionIDs:      append([]string(nil), cp.SessionIDs...),
		Config:          cp.Config,
		Status:          models.JobPending,
		CompletedCount:  cp.CompletedCount(),
		FlaggedSessions: append([]string(nil), cp.FlaggedSessions...),
		Errors:          append([]string(nil), cp.Errors...),
		CreatedAt:       cp.CreatedAt,
		UpdatedAt:       time.Now().UTC(),
	}}
	m.jobs[jobID] = state

	m.logger.Info("Job resuming",
		"job_id", jobID,
		"completed_sessions", cp.CompletedCount(),
		"total_sessions", len(cp.SessionIDs))

	m.launch(state, cp, sessions)
	return state.snapshot(), nil
}

// run is the sequential session loop. One goroutine per job; the checkpoint
// is saved after every session before the loop advances.
func (m *Manager) run(state *jobState, cp *models.Checkpoint, sessions []models.Session) {
	jobID := cp.JobID
	metrics.JobStarted()

	tracker := scoring.NewTracker(
		m.cfg.Pipeline.FlagCutoff,
		m.cfg.Pipeline.FlagFloor,
		m.cfg.Pipeline.PercentileMinSamples,
	)
	tracker.Restore(cp.DisagreementScores)

	classifier, err := m.factory(cp.Config, tracker)
	if err != nil {
		m.finish(state, cp, models.JobFailed, fmt.Sprintf("classifier setup: %v", err))
		return
	}

	byID := make(map[string]models.Session, len(sessions))
	for _, s := range sessions {
		byID[s.ID] = s
	}

	m.setStatus(state, cp, models.JobProcessing)

	for _, sessionID := range cp.PendingSessionIDs() {
		if m.shouldStop(state) {
			m.finish(state, cp, models.JobStopped, "")
			return
		}

		state.mu.Lock()
		state.job.CurrentSession = sessionID
		state.job.UpdatedAt = time.Now().UTC()
		state.mu.Unlock()

		sess, ok := byID[sessionID]
		if !ok {
			m.recordSessionError(state, cp, sessionID, "session missing from dataset")
		} else {
			result, err := classifier.Annotate(m.baseCtx, sess)
			switch {
			case err != nil && m.baseCtx.Err() != nil:
				// shutdown mid-session: do not mark the session done
				m.finish(state, cp, models.JobStopped, "")
				return
			case err != nil:
				m.recordSessionError(state, cp, sessionID, err.Error())
			default:
				cp.AnnotatedEvents = append(cp.AnnotatedEvents, result.Events...)
				if result.Flagged {
					cp.FlaggedSessions = append(cp.FlaggedSessions, sessionID)
				}
				if err := m.logs.Write(jobID, result.Log); err != nil {
					m.logger.Warn("Failed to write session log",
						"job_id", jobID, "session_id", sessionID, "error", err)
				}
			}
		}

		cp.CompletedSessionIDs[sessionID] = true
		cp.DisagreementScores = tracker.Snapshot()
		applyUnflags(state, cp)
		if err := m.checkpoints.Save(cp); err != nil {
			m.finish(state, cp, models.JobFailed, fmt.Sprintf("checkpoint save: %v", err))
			return
		}

		state.mu.Lock()
		state.job.CompletedCount = cp.CompletedCount()
		state.job.CurrentSession = ""
		state.job.FlaggedSessions = append([]string(nil), cp.FlaggedSessions...)
		state.job.UpdatedAt = time.Now().UTC()
		state.mu.Unlock()
	}

	m.finish(state, cp, models.JobCompleted, "")
}

func (m *Manager) shouldStop(state *jobState) bool {
	if m.baseCtx.Err() != nil {
		return true
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.stopRequested
}

func (m *Manager) setStatus(state *jobState, cp *models.Checkpoint, status models.JobStatus) {
	state.mu.Lock()
	state.job.Status = status
	state.job.UpdatedAt = time.Now().UTC()
	state.mu.Unlock()
	cp.Status = status
	applyUnflags(state, cp)
	if err := m.checkpoints.Save(cp); err != nil {
		m.logger.Error("Failed to persist status change",
			"job_id", cp.JobID, "status", status, "error", err)
	}
}

// recordSessionError appends the error and lets the loop continue: one bad
// session must not sink the job. The session is marked completed so a resume
// does not loop on it.
func (m *Manager) recordSessionError(state *jobState, cp *models.Checkpoint, sessionID, msg string) {
	full := fmt.Sprintf("session %s: %s", sessionID, msg)
	cp.Errors = append(cp.Errors, full)
	state.mu.Lock()
	state.job.Errors = append(state.job.Errors, full)
	state.mu.Unlock()
	m.logger.Error("Session failed", "job_id", cp.JobID, "session_id", sessionID, "error", msg)
}

func (m *Manager) finish(state *jobState, cp *models.Checkpoint, status models.JobStatus, reason string) {
	if reason != "" {
		cp.Errors = append(cp.Errors, reason)
		state.mu.Lock()
		state.job.Errors = append(state.job.Errors, reason)
		state.mu.Unlock()
	}
	state.mu.Lock()
	state.job.CurrentSession = ""
	state.mu.Unlock()
	m.setStatus(state, cp, status)
	metrics.JobFinished(string(status))
	m.logger.Info("Job finished",
		"job_id", cp.JobID,
		"status", status,
		"completed_sessions", cp.CompletedCount(),
		"flagged_sessions", len(cp.FlaggedSessions),
		"errors", len(cp.Errors))
}

// Resolve records human overrides for a session's events and, once every
// flagged event of the session has at least one resolution, clears the
// session's review flag.
func (m *Manager) Resolve(ctx context.Context, jobID, sessionID string, items []resolution.EventResolution) ([]models.Resolution, error) {
	cp, err := m.checkpoints.Load(jobID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, err
	}

	annotated := make(map[string]bool)
	flagged := make(map[string]bool)
	for _, ev := range cp.AnnotatedEvents {
		if ev.SessionID != sessionID {
			continue
		}
		annotated[ev.EventID] = true
		if ev.FlaggedForReview {
			flagged[ev.EventID] = true
		}
	}
	if len(annotated) == 0 {
		return nil, fmt.Errorf("%w: %s has no annotations in job %s", ErrSessionNotFound, sessionID, jobID)
	}
	for _, item := range items {
		if !annotated[item.EventID] {
			return nil, fmt.Errorf("event %s is not part of session %s", item.EventID, sessionID)
		}
	}

	out, err := m.resolutions.Append(ctx, jobID, sessionID, items)
	if err != nil {
		return nil, err
	}

	resolved, err := m.resolutions.ResolvedEvents(ctx, jobID, sessionID)
	if err != nil {
		return nil, err
	}
	allResolved := true
	for eventID := range flagged {
		if !resolved[eventID] {
			allResolved = false
			break
		}
	}
	if allResolved && len(flagged) > 0 {
		m.unflagSession(cp, sessionID)
	}

	return out, nil
}

// unflagSession removes the session from the checkpoint's flagged list. When
// the job is live, the unflag is also recorded on its state so the run
// loop's own checkpoint saves carry it forward instead of restoring the
// stale flag.
func (m *Manager) unflagSession(cp *models.Checkpoint, sessionID string) {
	kept := cp.FlaggedSessions[:0]
	removed := false
	for _, id := range cp.FlaggedSessions {
		if id == sessionID {
			removed = true
			continue
		}
		kept = append(kept, id)
	}
	if !removed {
		return
	}
	cp.FlaggedSessions = kept
	if err := m.checkpoints.Save(cp); err != nil {
		m.logger.Error("Failed to persist unflag", "job_id", cp.JobID, "session_id", sessionID, "error", err)
		return
	}

	m.mu.RLock()
	state, ok := m.jobs[cp.JobID]
	m.mu.RUnlock()
	if ok {
		state.mu.Lock()
		if state.unflagged == nil {
			state.unflagged = make(map[string]bool)
		}
		state.unflagged[sessionID] = true
		state.job.FlaggedSessions = withoutSession(state.job.FlaggedSessions, sessionID)
		state.job.UpdatedAt = time.Now().UTC()
		state.mu.Unlock()
	}

	m.logger.Info("Session fully resolved", "job_id", cp.JobID, "session_id", sessionID)
}

// applyUnflags filters sessions unflagged by concurrent resolutions out of
// the run loop's checkpoint. Called before every checkpoint save.
func applyUnflags(state *jobState, cp *models.Checkpoint) {
	state.mu.Lock()
	defer state.mu.Unlock()
	if len(state.unflagged) == 0 {
		return
	}
	kept := cp.FlaggedSessions[:0]
	for _, id := range cp.FlaggedSessions {
		if !state.unflagged[id] {
			kept = append(kept, id)
		}
	}
	cp.FlaggedSessions = kept
}

func withoutSession(ids []string, sessionID string) []string {
	kept := ids[:0]
	for _, id := range ids {
		if id != sessionID {
			kept = append(kept, id)
		}
	}
	return kept
}

// SessionLog returns the raw JSON audit log for an annotated session.
func (m *Manager) SessionLog(jobID, sessionID string) ([]byte, error) {
	return m.logs.Read(jobID, sessionID)
}

// Export returns the job's annotations with the latest resolutions applied,
// in deterministic order.
func (m *Manager) Export(ctx context.Context, jobID string) ([]models.AnnotatedEvent, error) {
	cp, err := m.checkpoints.Load(jobID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, err
	}

	latest, err := m.resolutions.Latest(ctx, jobID)
	if err != nil {
		return nil, err
	}

	merged := m.exporter.Merge(cp.AnnotatedEvents, latest)
	export.SortStable(merged)
	return merged, nil
}

// Exporter exposes the CSV/JSON writers for the HTTP and CLI layers.
func (m *Manager) Exporter() *export.Exporter {
	return m.exporter
}
