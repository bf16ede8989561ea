package scoring

import (
	"math"
	"testing"

	"github.com/lamim/cogtrace/pkg/models"
)

func decision(label models.CognitiveLabel, confidence float64) models.AgentDecision {
	return models.AgentDecision{Label: label, Confidence: confidence}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name    string
		analyst models.AgentDecision
		critic  models.AgentDecision
		want    float64
	}{
		{
			name:    "full agreement",
			analyst: decision(models.LabelFollowingScent, 0.9),
			critic:  decision(models.LabelFollowingScent, 0.9),
			want:    0.0,
		},
		{
			name:    "same label different confidence",
			analyst: decision(models.LabelFollowingScent, 0.9),
			critic:  decision(models.LabelFollowingScent, 0.4),
			want:    0.2,
		},
		{
			name:    "label mismatch same confidence",
			analyst: decision(models.LabelFollowingScent, 0.8),
			critic:  decision(models.LabelPoorScent, 0.8),
			want:    0.6,
		},
		{
			name:    "maximum disagreement",
			analyst: decision(models.LabelFollowingScent, 1.0),
			critic:  decision(models.LabelLeavingPatch, 0.0),
			want:    1.0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.analyst, tt.critic)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Score = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTrackerFixedCutoffBelowMinSamples(t *testing.T) {
	tr := NewTracker(0.7, 0.3, 100)

	if tr.Observe(0.69) {
		t.Error("0.69 should not flag under the fixed cutoff")
	}
	if !tr.Observe(0.7) {
		t.Error("0.7 should flag under the fixed cutoff")
	}
	if got := tr.Threshold(); got != 0.7 {
		t.Errorf("Threshold = %v, want 0.7", got)
	}
}

func TestTrackerSwitchesToPercentile(t *testing.T) {
	tr := NewTracker(0.7, 0.3, 100)

	// 99 low scores plus one extreme outlier
	for i := 0; i < 99; i++ {
		tr.Observe(0.4)
	}
	tr.Observe(0.95)

	// p99 of 100 samples is the 99th ranked value: 0.95
	if got := tr.Threshold(); math.Abs(got-0.95) > 1e-9 {
		t.Errorf("Threshold = %v, want 0.95", got)
	}
	if tr.Observe(0.9) {
		t.Error("0.9 is below the dynamic threshold")
	}
	if !tr.Observe(0.95) {
		t.Error("0.95 should flag at the dynamic threshold")
	}
}

func TestTrackerFloorsDegenerateDistribution(t *testing.T) {
	tr := NewTracker(0.7, 0.3, 100)

	// a job where every pair agrees: the percentile is 0 and without a
	// floor every subsequent zero score would flag
	for i := 0; i < 150; i++ {
		if tr.Observe(0.0) && i >= 100 {
			t.Fatal("zero score flagged in an all-agreement job")
		}
	}
	if got := tr.Threshold(); got != 0.3 {
		t.Errorf("Threshold = %v, want floor 0.3", got)
	}
}

func TestTrackerSnapshotRestore(t *testing.T) {
	tr := NewTracker(0.7, 0.3, 3)
	tr.Observe(0.1)
	tr.Observe(0.5)
	tr.Observe(0.9)

	snap := tr.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot len = %d", len(snap))
	}

	restored := NewTracker(0.7, 0.3, 3)
	restored.Restore(snap)
	if got, want := restored.Threshold(), tr.Threshold(); got != want {
		t.Errorf("restored Threshold = %v, want %v", got, want)
	}
}

func TestPercentileTopShare(t *testing.T) {
	scores := []float64{0.1, 0.2, 0.3, 0.4}
	if got := percentile(scores, 0.5); got != 0.3 {
		t.Errorf("p50 = %v, want 0.3", got)
	}
	if got := percentile(scores, 0.99); got != 0.4 {
		t.Errorf("p99 = %v, want 0.4", got)
	}
	if got := percentile([]float64{0.42}, 0.99); got != 0.42 {
		t.Errorf("single sample p99 = %v, want 0.42", got)
	}

	// with 100 samples, p99 must land on the single largest value so that
	// only the top 1% of scores reaches the threshold
	bulk := make([]float64, 0, 100)
	for i := 0; i < 99; i++ {
		bulk = append(bulk, 0.4)
	}
	bulk = append(bulk, 0.95)
	if got := percentile(bulk, 0.99); got != 0.95 {
		t.Errorf("p99 of 99x0.4+0.95 = %v, want 0.95", got)
	}
}
