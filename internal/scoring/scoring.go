// Package scoring computes analyst/critic disagreement scores and tracks
// their distribution so that the worst outliers in a job can be flagged for
// human review.
package scoring

import (
	"math"
	"sort"
	"sync"

	"github.com/lamim/cogtrace/pkg/models"
)

const (
	labelWeight = 0.6
	gapWeight   = 0.4
)

// Score computes the disagreement between an analyst and a critic decision
// for the same event. Label mismatch dominates; the confidence gap refines.
// The result is clamped to [0, 1].
func Score(analyst, critic models.AgentDecision) float64 {
	mismatch := 0.0
	if analyst.Label != critic.Label {
		mismatch = 1.0
	}
	gap := math.Abs(analyst.Confidence - critic.Confidence)
	s := labelWeight*mismatch + gapWeight*gap
	return math.Min(1.0, math.Max(0.0, s))
}

// Tracker accumulates disagreement scores for one job and decides the
// flagging threshold. With few samples a fixed cutoff applies; once enough
// scores accumulate, the job's exact 99th percentile takes over, floored so
// that uniformly low-disagreement jobs do not flag everything.
type Tracker struct {
	mu         sync.Mutex
	scores     []float64
	cutoff     float64
	floor      float64
	minSamples int
}

// NewTracker creates a Tracker. cutoff is the fixed threshold used below
// minSamples observations; floor bounds the dynamic percentile from below.
func NewTracker(cutoff, floor float64, minSamples int) *Tracker {
	return &Tracker{
		cutoff:     cutoff,
		floor:      floor,
		minSamples: minSamples,
	}
}

// Observe records a score and reports whether it crosses the current
// threshold.
func (t *Tracker) Observe(score float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scores = append(t.scores, score)
	return score >= t.threshold()
}

// Threshold returns the currently effective flagging threshold.
func (t *Tracker) Threshold() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.threshold()
}

// threshold must be called with t.mu held.
func (t *Tracker) threshold() float64 {
	if len(t.scores) < t.minSamples {
		return t.cutoff
	}
	p99 := percentile(t.scores, 0.99)
	if p99 < t.floor {
		return t.floor
	}
	return p99
}

// percentile computes the exact p-th percentile of scores: the smallest
// sample that only the top (1-p) share of samples reaches. With 100 samples
// and p=0.99 that is the single largest value, so at most 1% of scores sit
// at or above the threshold.
func percentile(scores []float64, p float64) float64 {
	sorted := make([]float64, len(scores))
	copy(sorted, scores)
	sort.Float64s(sorted)
	idx := int(math.Ceil(p * float64(len(sorted))))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Snapshot returns a copy of all observed scores, for checkpointing.
func (t *Tracker) Snapshot() []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]float64, len(t.scores))
	copy(out, t.scores)
	return out
}

// Restore replaces the observed scores, used when resuming a job from a
// checkpoint so the distribution picks up where it left off.
func (t *Tracker) Restore(scores []float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scores = make([]float64, len(scores))
	copy(t.scores, scores)
}
