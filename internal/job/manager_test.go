package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lamim/cogtrace/internal/checkpoint"
	"github.com/lamim/cogtrace/internal/config"
	"github.com/lamim/cogtrace/internal/dataset"
	"github.com/lamim/cogtrace/internal/pipeline"
	"github.com/lamim/cogtrace/internal/resolution"
	"github.com/lamim/cogtrace/internal/scoring"
	"github.com/lamim/cogtrace/pkg/models"
)

// fakeDatasets serves in-memory datasets.
type fakeDatasets struct {
	sets map[string][]models.Session
}

func (f *fakeDatasets) Resolve(_ context.Context, id string) ([]models.Session, error) {
	sessions, ok := f.sets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", dataset.ErrDatasetUnavailable, id)
	}
	return sessions, nil
}

// fakeClassifier annotates instantly unless gated. flag/err maps script
// per-session outcomes. With a gate, Annotate announces the session on
// started and then waits for one gate token, letting tests interleave
// stop/resume calls at exact session boundaries.
type fakeClassifier struct {
	mu        sync.Mutex
	annotated []string
	flag      map[string]bool
	errs      map[string]error
	started   chan string
	gate      chan struct{}
}

func (f *fakeClassifier) Annotate(ctx context.Context, sess models.Session) (*pipeline.Result, error) {
	if f.gate != nil {
		select {
		case f.started <- sess.ID:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	f.annotated = append(f.annotated, sess.ID)
	flagged := f.flag[sess.ID]
	err := f.errs[sess.ID]
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}

	events := make([]models.AnnotatedEvent, 0, len(sess.Events))
	for _, ev := range sess.Events {
		events = append(events, models.AnnotatedEvent{
			SessionID:        sess.ID,
			EventID:          ev.ID,
			EventTimestamp:   ev.Timestamp,
			ActionType:       ev.ActionType,
			Content:          ev.Content,
			CognitiveLabel:   models.LabelFollowingScent,
			AnalystLabel:     models.LabelFollowingScent,
			CriticLabel:      models.LabelFollowingScent,
			ConfidenceScore:  0.9,
			FlaggedForReview: flagged,
		})
	}
	return &pipeline.Result{
		Events:  events,
		Flagged: flagged,
		Log: &pipeline.SessionLog{
			SessionID:   sess.ID,
			Strategy:    models.StrategyFull,
			CompletedAt: time.Now().UTC(),
		},
	}, nil
}

func (f *fakeClassifier) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.annotated...)
}

type testEnv struct {
	manager     *Manager
	classifier  *fakeClassifier
	cfg         *config.Config
	checkpoints *checkpoint.Store
	dir         string
}

func sessionsFixture(n int) []models.Session {
	out := make([]models.Session, 0, n)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("s%d", i)
		out = append(out, models.Session{ID: id, Events: []models.Event{
			{ID: id + "_e1", Timestamp: "2026-01-01T00:00:00Z", ActionType: "query", Content: "q"},
			{ID: id + "_e2", Timestamp: "2026-01-01T00:01:00Z", ActionType: "click", Content: "c"},
		}})
	}
	return out
}

func newEnv(t *testing.T, classifier *fakeClassifier, sessions []models.Session) *testEnv {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := &config.Config{}
	cfg.Pipeline = config.PipelineConfig{
		FullSessionLimit: 20, WindowSize: 30, FlagCutoff: 0.7, FlagFloor: 0.3,
		PercentileMinSamples: 100, MaxConcurrentJobs: 4,
		MaxTokensBase: 4096, TokensPerEvent: 100, MaxTokensCap: 16000,
	}
	cfg.Providers = map[string]config.ProviderConfig{
		"anthropic": {Kind: "anthropic", BaseURL: "https://api.anthropic.com"},
	}
	cfg.Agents = config.AgentsConfig{
		Analyst: config.RoleDefault{Provider: "anthropic", Model: "m"},
		Critic:  config.RoleDefault{Provider: "anthropic", Model: "m"},
		Judge:   config.RoleDefault{Provider: "anthropic", Model: "m"},
	}

	cps, err := checkpoint.NewStore(filepath.Join(dir, "checkpoints"), logger)
	if err != nil {
		t.Fatal(err)
	}
	res, err := resolution.Open(filepath.Join(dir, "resolutions.db"), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { res.Close() })

	factory := func(models.AgentConfig, *scoring.Tracker) (pipeline.Classifier, error) {
		return classifier, nil
	}

	m := NewManager(cfg, &fakeDatasets{sets: map[string][]models.Session{"ds1": sessions}},
		cps, res, filepath.Join(dir, "jobs"), factory, logger)
	t.Cleanup(m.Shutdown)

	return &testEnv{manager: m, classifier: classifier, cfg: cfg, checkpoints: cps, dir: dir}
}

// waitForStatus polls until the job reaches the wanted status.
func waitForStatus(t *testing.T, m *Manager, jobID string, want models.JobStatus) models.Progress {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		p, err := m.Status(jobID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if p.Status == want {
			return p
		}
		time.Sleep(5 * time.Millisecond)
	}
	p, _ := m.Status(jobID)
	t.Fatalf("job %s stuck in %s, want %s", jobID, p.Status, want)
	return models.Progress{}
}

func TestStartRunsToCompletion(t *testing.T) {
	env := newEnv(t, &fakeClassifier{}, sessionsFixture(3))

	p, err := env.manager.Start(context.Background(), StartRequest{DatasetID: "ds1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.TotalSessions != 3 {
		t.Errorf("TotalSessions = %d", p.TotalSessions)
	}
	if len(p.SessionIDs) != 3 || p.SessionIDs[0] != "s1" || p.SessionIDs[2] != "s3" {
		t.Errorf("start response SessionIDs = %v, want s1..s3", p.SessionIDs)
	}

	done := waitForStatus(t, env.manager, p.JobID, models.JobCompleted)
	if done.CompletedSessions != 3 {
		t.Errorf("CompletedSessions = %d", done.CompletedSessions)
	}
	if got := env.classifier.seen(); len(got) != 3 || got[0] != "s1" {
		t.Errorf("annotated = %v, want sequential s1..s3", got)
	}

	// session log is retrievable
	if _, err := env.manager.SessionLog(p.JobID, "s2"); err != nil {
		t.Errorf("SessionLog: %v", err)
	}

	events, err := env.manager.Export(context.Background(), p.JobID)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(events) != 6 {
		t.Errorf("exported %d events, want 6", len(events))
	}
}

func TestStartUnknownDatasetFailsFast(t *testing.T) {
	env := newEnv(t, &fakeClassifier{}, sessionsFixture(1))
	_, err := env.manager.Start(context.Background(), StartRequest{DatasetID: "nope"})
	if !errors.Is(err, dataset.ErrDatasetUnavailable) {
		t.Errorf("err = %v, want ErrDatasetUnavailable", err)
	}
}

func TestStartInvalidAgentConfigFailsFast(t *testing.T) {
	env := newEnv(t, &fakeClassifier{}, sessionsFixture(1))
	bad := env.manager.cfg.DefaultAgentConfig()
	bad.Judge.Primary.Provider = "missing"
	_, err := env.manager.Start(context.Background(), StartRequest{DatasetID: "ds1", AgentConfig: &bad})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if len(env.classifier.seen()) != 0 {
		t.Error("no session should have been annotated")
	}
}

func TestStartUnknownSessionSubset(t *testing.T) {
	env := newEnv(t, &fakeClassifier{}, sessionsFixture(2))
	_, err := env.manager.Start(context.Background(), StartRequest{
		DatasetID: "ds1", SessionIDs: []string{"s1", "s9"},
	})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionErrorDoesNotSinkJob(t *testing.T) {
	classifier := &fakeClassifier{errs: map[string]error{"s2": errors.New("model meltdown")}}
	env := newEnv(t, classifier, sessionsFixture(3))

	p, err := env.manager.Start(context.Background(), StartRequest{DatasetID: "ds1"})
	if err != nil {
		t.Fatal(err)
	}
	done := waitForStatus(t, env.manager, p.JobID, models.JobCompleted)
	if done.CompletedSessions != 3 {
		t.Errorf("CompletedSessions = %d", done.CompletedSessions)
	}
	if len(done.Errors) != 1 {
		t.Fatalf("Errors = %v", done.Errors)
	}

	events, _ := env.manager.Export(context.Background(), p.JobID)
	if len(events) != 4 {
		t.Errorf("exported %d events, want 4 (s2 skipped)", len(events))
	}
}

func TestStopFinishesCurrentSessionThenResumes(t *testing.T) {
	classifier := &fakeClassifier{started: make(chan string), gate: make(chan struct{})}
	env := newEnv(t, classifier, sessionsFixture(3))

	p, err := env.manager.Start(context.Background(), StartRequest{DatasetID: "ds1"})
	if err != nil {
		t.Fatal(err)
	}

	// wait for s1 to begin, stop mid-session, then let it finish: the stop
	// must land only after the in-flight session is checkpointed
	if got := <-classifier.started; got != "s1" {
		t.Fatalf("first session = %s", got)
	}
	if _, err := env.manager.Stop(p.JobID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	classifier.gate <- struct{}{}

	stopped := waitForStatus(t, env.manager, p.JobID, models.JobStopped)
	if stopped.CompletedSessions != 1 {
		t.Errorf("CompletedSessions after stop = %d, want 1", stopped.CompletedSessions)
	}

	// resume picks up from the checkpoint, not from scratch
	if _, err := env.manager.Resume(context.Background(), p.JobID, ResumeRequest{}); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	for _, want := range []string{"s2", "s3"} {
		if got := <-classifier.started; got != want {
			t.Fatalf("resumed session = %s, want %s", got, want)
		}
		classifier.gate <- struct{}{}
	}

	done := waitForStatus(t, env.manager, p.JobID, models.JobCompleted)
	if done.CompletedSessions != 3 {
		t.Errorf("CompletedSessions = %d", done.CompletedSessions)
	}
	if got := classifier.seen(); len(got) != 3 {
		t.Errorf("annotated = %v: sessions must not be re-annotated", got)
	}
}

func TestResumeCompletedJobRejected(t *testing.T) {
	env := newEnv(t, &fakeClassifier{}, sessionsFixture(1))
	p, _ := env.manager.Start(context.Background(), StartRequest{DatasetID: "ds1"})
	waitForStatus(t, env.manager, p.JobID, models.JobCompleted)

	if _, err := env.manager.Resume(context.Background(), p.JobID, ResumeRequest{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestResumeWithReplacementConfig(t *testing.T) {
	classifier := &fakeClassifier{started: make(chan string), gate: make(chan struct{})}
	env := newEnv(t, classifier, sessionsFixture(2))

	p, err := env.manager.Start(context.Background(), StartRequest{DatasetID: "ds1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := <-classifier.started; got != "s1" {
		t.Fatalf("first session = %s", got)
	}
	if _, err := env.manager.Stop(p.JobID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	classifier.gate <- struct{}{}
	waitForStatus(t, env.manager, p.JobID, models.JobStopped)

	replacement := env.cfg.DefaultAgentConfig()
	replacement.Temperature = 0.2
	if _, err := env.manager.Resume(context.Background(), p.JobID, ResumeRequest{AgentConfig: &replacement}); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := <-classifier.started; got != "s2" {
		t.Fatalf("resumed session = %s", got)
	}
	classifier.gate <- struct{}{}
	waitForStatus(t, env.manager, p.JobID, models.JobCompleted)

	// the replacement config is snapshotted for later resumes
	cp, err := env.checkpoints.Load(p.JobID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.Config.Temperature != 0.2 {
		t.Errorf("checkpoint temperature = %v, want 0.2", cp.Config.Temperature)
	}
}

func TestResumeWithInvalidConfigRejected(t *testing.T) {
	classifier := &fakeClassifier{started: make(chan string), gate: make(chan struct{})}
	env := newEnv(t, classifier, sessionsFixture(2))

	p, err := env.manager.Start(context.Background(), StartRequest{DatasetID: "ds1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-classifier.started
	if _, err := env.manager.Stop(p.JobID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	classifier.gate <- struct{}{}
	waitForStatus(t, env.manager, p.JobID, models.JobStopped)

	bad := env.cfg.DefaultAgentConfig()
	bad.Analyst.Primary.Provider = "nonsense"
	if _, err := env.manager.Resume(context.Background(), p.JobID, ResumeRequest{AgentConfig: &bad}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestStatusFallsBackToCheckpoint(t *testing.T) {
	env := newEnv(t, &fakeClassifier{}, sessionsFixture(2))
	p, _ := env.manager.Start(context.Background(), StartRequest{DatasetID: "ds1"})
	waitForStatus(t, env.manager, p.JobID, models.JobCompleted)

	// simulate a process restart: fresh manager over the same stores
	fresh := NewManager(env.manager.cfg, env.manager.datasets, env.manager.checkpoints,
		env.manager.resolutions, filepath.Join(env.dir, "jobs"),
		env.manager.factory, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(fresh.Shutdown)

	got, err := fresh.Status(p.JobID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got.Status != models.JobCompleted || got.CompletedSessions != 2 {
		t.Errorf("Progress = %+v", got)
	}

	if _, err := fresh.Status("no-such-job"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

func TestResolveUnflagsSessionAndExportsOverride(t *testing.T) {
	classifier := &fakeClassifier{flag: map[string]bool{"s1": true}}
	env := newEnv(t, classifier, sessionsFixture(2))

	p, _ := env.manager.Start(context.Background(), StartRequest{DatasetID: "ds1"})
	done := waitForStatus(t, env.manager, p.JobID, models.JobCompleted)
	if len(done.FlaggedSessions) != 1 || done.FlaggedSessions[0] != "s1" {
		t.Fatalf("FlaggedSessions = %v", done.FlaggedSessions)
	}

	// resolving one of two flagged events keeps the session flagged
	_, err := env.manager.Resolve(context.Background(), p.JobID, "s1", []resolution.EventResolution{
		{EventID: "s1_e1", Label: models.LabelPoorScent},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	mid, _ := env.manager.Status(p.JobID)
	if len(mid.FlaggedSessions) != 1 {
		t.Errorf("session unflagged too early: %v", mid.FlaggedSessions)
	}

	// resolving the rest clears the flag
	out, err := env.manager.Resolve(context.Background(), p.JobID, "s1", []resolution.EventResolution{
		{EventID: "s1_e2", Label: models.LabelLeavingPatch, Note: "checked by hand"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out[0].OverrideVersion != 1 {
		t.Errorf("OverrideVersion = %d", out[0].OverrideVersion)
	}
	after, _ := env.manager.Status(p.JobID)
	if len(after.FlaggedSessions) != 0 {
		t.Errorf("FlaggedSessions = %v, want empty", after.FlaggedSessions)
	}

	// export reflects the overrides, latest wins
	env.manager.Resolve(context.Background(), p.JobID, "s1", []resolution.EventResolution{
		{EventID: "s1_e1", Label: models.LabelForagingSuccess},
	})
	events, err := env.manager.Export(context.Background(), p.JobID)
	if err != nil {
		t.Fatal(err)
	}
	var e1 models.AnnotatedEvent
	for _, ev := range events {
		if ev.SessionID == "s1" && ev.EventID == "s1_e1" {
			e1 = ev
		}
	}
	if e1.CognitiveLabel != models.LabelForagingSuccess || e1.OverrideVersion != 2 {
		t.Errorf("exported e1 = %+v", e1)
	}
	if !e1.UserOverride {
		t.Error("UserOverride not set on export")
	}
}

func TestResolveMidJobSurvivesLaterCheckpoints(t *testing.T) {
	classifier := &fakeClassifier{
		started: make(chan string),
		gate:    make(chan struct{}),
		flag:    map[string]bool{"s1": true},
	}
	env := newEnv(t, classifier, sessionsFixture(3))

	p, err := env.manager.Start(context.Background(), StartRequest{DatasetID: "ds1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := <-classifier.started; got != "s1" {
		t.Fatalf("first session = %s", got)
	}
	classifier.gate <- struct{}{}

	// once s2 is in flight, s1's checkpoint save has landed; resolve its
	// flagged events while the job keeps processing
	if got := <-classifier.started; got != "s2" {
		t.Fatalf("second session = %s", got)
	}
	_, err = env.manager.Resolve(context.Background(), p.JobID, "s1", []resolution.EventResolution{
		{EventID: "s1_e1", Label: models.LabelPoorScent},
		{EventID: "s1_e2", Label: models.LabelLeavingPatch},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	mid, _ := env.manager.Status(p.JobID)
	if len(mid.FlaggedSessions) != 0 {
		t.Fatalf("FlaggedSessions after resolve = %v, want empty", mid.FlaggedSessions)
	}

	classifier.gate <- struct{}{}
	if got := <-classifier.started; got != "s3" {
		t.Fatalf("third session = %s", got)
	}
	classifier.gate <- struct{}{}
	done := waitForStatus(t, env.manager, p.JobID, models.JobCompleted)

	// the run loop's own checkpoint saves must not restore the cleared flag
	if len(done.FlaggedSessions) != 0 {
		t.Errorf("FlaggedSessions after completion = %v, want empty", done.FlaggedSessions)
	}
	cp, err := env.checkpoints.Load(p.JobID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cp.FlaggedSessions) != 0 {
		t.Errorf("checkpoint FlaggedSessions = %v, want empty", cp.FlaggedSessions)
	}
}

func TestShutdownWaitsForRunningJob(t *testing.T) {
	classifier := &fakeClassifier{started: make(chan string), gate: make(chan struct{})}
	env := newEnv(t, classifier, sessionsFixture(2))

	p, err := env.manager.Start(context.Background(), StartRequest{DatasetID: "ds1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := <-classifier.started; got != "s1" {
		t.Fatalf("first session = %s", got)
	}

	env.manager.Shutdown()

	// by the time Shutdown returns the job is checkpointed as stopped, with
	// the interrupted session left incomplete so a resume reruns it
	cp, err := env.checkpoints.Load(p.JobID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.Status != models.JobStopped {
		t.Errorf("checkpoint status = %s, want stopped", cp.Status)
	}
	if len(cp.CompletedSessionIDs) != 0 {
		t.Errorf("CompletedSessionIDs = %v, want none", cp.CompletedSessionIDs)
	}
}

func TestShutdownLeavesQueuedJobPending(t *testing.T) {
	// the concurrency limit is 4: a fifth job queues and must never start
	// once shutdown begins
	classifier := &fakeClassifier{started: make(chan string, 8), gate: make(chan struct{}, 8)}
	env := newEnv(t, classifier, sessionsFixture(1))

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		p, err := env.manager.Start(context.Background(), StartRequest{DatasetID: "ds1"})
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		ids = append(ids, p.JobID)
	}
	for i := 0; i < 4; i++ {
		<-classifier.started
	}

	env.manager.Shutdown()

	var stopped, pending int
	for _, id := range ids {
		cp, err := env.checkpoints.Load(id)
		if err != nil {
			t.Fatalf("Load %s: %v", id, err)
		}
		switch cp.Status {
		case models.JobStopped:
			stopped++
		case models.JobPending:
			pending++
		default:
			t.Errorf("job %s status = %s", id, cp.Status)
		}
	}
	if stopped != 4 || pending != 1 {
		t.Errorf("stopped = %d, pending = %d; want 4 stopped and 1 queued job left pending", stopped, pending)
	}
}

func TestResolveUnknownEventRejected(t *testing.T) {
	env := newEnv(t, &fakeClassifier{}, sessionsFixture(1))
	p, _ := env.manager.Start(context.Background(), StartRequest{DatasetID: "ds1"})
	waitForStatus(t, env.manager, p.JobID, models.JobCompleted)

	_, err := env.manager.Resolve(context.Background(), p.JobID, "s1", []resolution.EventResolution{
		{EventID: "ghost", Label: models.LabelPoorScent},
	})
	if err == nil {
		t.Fatal("expected error for unknown event")
	}
}

func TestStopUnknownJob(t *testing.T) {
	env := newEnv(t, &fakeClassifier{}, sessionsFixture(1))
	if _, err := env.manager.Stop("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}
