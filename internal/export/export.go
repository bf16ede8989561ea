// Package export renders a job's annotations to CSV or JSON. The pipeline
// baseline from the checkpoint is overlaid with the latest human resolution
// per event before writing: latest wins, and an explicit resolution beats
// the baseline.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/lamim/cogtrace/pkg/models"
)

// csvHeader is the stable export column order. Downstream consumers key on
// these names; do not reorder.
var csvHeader = []string{
	"session_id",
	"event_id",
	"event_timestamp",
	"action_type",
	"content",
	"cognitive_label",
	"analyst_label",
	"analyst_justification",
	"critic_label",
	"critic_agreement",
	"critic_justification",
	"judge_justification",
	"confidence_score",
	"disagreement_score",
	"flagged_for_review",
	"user_override",
	"override_version",
	"override_timestamp",
}

// Exporter merges and writes annotation exports.
type Exporter struct {
	logger *slog.Logger
}

// New creates an Exporter.
func New(logger *slog.Logger) *Exporter {
	return &Exporter{logger: logger.With("component", "export")}
}

// Merge overlays the latest resolutions onto the baseline annotations. The
// baseline rows keep session order; overridden rows carry the resolution's
// label, version, and timestamp.
func (e *Exporter) Merge(baseline []models.AnnotatedEvent, latest map[string]models.Resolution) []models.AnnotatedEvent {
	if len(latest) == 0 {
		return baseline
	}
	out := make([]models.AnnotatedEvent, len(baseline))
	copy(out, baseline)
	for i := range out {
		res, ok := latest[out[i].SessionID+"/"+out[i].EventID]
		if !ok {
			continue
		}
		out[i].CognitiveLabel = res.Label
		out[i].UserOverride = true
		out[i].OverrideVersion = res.OverrideVersion
		out[i].OverrideTimestamp = res.CreatedAt.UTC().Format(time.RFC3339)
	}
	return out
}

// SortStable orders events by session then event timestamp then event ID,
// giving deterministic exports across runs.
func SortStable(events []models.AnnotatedEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.SessionID != b.SessionID {
			return a.SessionID < b.SessionID
		}
		if a.EventTimestamp != b.EventTimestamp {
			return a.EventTimestamp < b.EventTimestamp
		}
		return a.EventID < b.EventID
	})
}

// WriteCSV writes the annotation rows with the export header.
func (e *Exporter) WriteCSV(w io.Writer, events []models.AnnotatedEvent) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, ev := range events {
		row := []string{
			ev.SessionID,
			ev.EventID,
			ev.EventTimestamp,
			ev.ActionType,
			ev.Content,
			string(ev.CognitiveLabel),
			string(ev.AnalystLabel),
			ev.AnalystJustification,
			string(ev.CriticLabel),
			ev.CriticAgreement,
			ev.CriticJustification,
			ev.JudgeJustification,
			formatFloat(ev.ConfidenceScore),
			formatFloat(ev.DisagreementScore),
			strconv.FormatBool(ev.FlaggedForReview),
			strconv.FormatBool(ev.UserOverride),
			strconv.Itoa(ev.OverrideVersion),
			ev.OverrideTimestamp,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row for event %s: %w", ev.EventID, err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV: %w", err)
	}

	e.logger.Debug("CSV export written", "rows", len(events))
	return nil
}

// jsonExport is the JSON export envelope.
type jsonExport struct {
	ExportedAt time.Time               `json:"exported_at"`
	Events     []models.AnnotatedEvent `json:"events"`
}

// WriteJSON writes the annotation rows as a JSON document.
func (e *Exporter) WriteJSON(w io.Writer, events []models.AnnotatedEvent) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	doc := jsonExport{
		ExportedAt: time.Now().UTC(),
		Events:     events,
	}
	if doc.Events == nil {
		doc.Events = []models.AnnotatedEvent{}
	}
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to write JSON export: %w", err)
	}
	e.logger.Debug("JSON export written", "rows", len(events))
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 4, 64)
}
