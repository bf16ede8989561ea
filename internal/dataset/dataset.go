// Package dataset loads behavioral session files and groups raw events into
// ordered sessions.
package dataset

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/lamim/cogtrace/pkg/models"
)

// ErrDatasetUnavailable is returned when a dataset cannot be found or read.
// Jobs referencing such a dataset fail without consuming model budget.
var ErrDatasetUnavailable = errors.New("dataset unavailable")

// Store resolves a dataset ID to its sessions.
type Store interface {
	Resolve(ctx context.Context, datasetID string) ([]models.Session, error)
}

// FileStore reads datasets from a directory: <dir>/<datasetID>.json or
// <dir>/<datasetID>.csv, JSON preferred when both exist.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string, logger *slog.Logger) *FileStore {
	return &FileStore{
		dir:    dir,
		logger: logger.With("component", "dataset"),
	}
}

// Resolve loads and groups the dataset's sessions. Events within a session
// are sorted by timestamp; sessions keep file order of first appearance.
func (fs *FileStore) Resolve(_ context.Context, datasetID string) ([]models.Session, error) {
	if datasetID == "" || datasetID != filepath.Base(datasetID) || strings.HasPrefix(datasetID, ".") {
		return nil, fmt.Errorf("%w: invalid dataset id %q", ErrDatasetUnavailable, datasetID)
	}

	for _, ext := range []string{".json", ".csv"} {
		path := filepath.Join(fs.dir, datasetID+ext)
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrDatasetUnavailable, err)
		}
		defer f.Close()

		var sessions []models.Session
		if ext == ".json" {
			sessions, err = ParseJSON(f)
		} else {
			sessions, err = ParseCSV(f)
		}
		if err != nil {
			return nil, fmt.Errorf("dataset %s: %w", datasetID, err)
		}
		fs.logger.Debug("Dataset resolved",
			"dataset_id", datasetID,
			"format", strings.TrimPrefix(ext, "."),
			"sessions", len(sessions))
		return sessions, nil
	}

	return nil, fmt.Errorf("%w: no file for dataset %q", ErrDatasetUnavailable, datasetID)
}

// jsonEvent is one flat record in the JSON upload format.
type jsonEvent struct {
	SessionID string                `json:"session_id"`
	EventID   string                `json:"event_id"`
	Timestamp string                `json:"timestamp"`
	Action    string                `json:"action_type"`
	Content   string                `json:"content"`
	Metadata  *models.EventMetadata `json:"metadata"`
}

// ParseJSON accepts either pre-grouped sessions
// ([{"session_id": ..., "events": [...]}]) or a flat event array where each
// event carries its session_id.
func ParseJSON(r io.Reader) ([]models.Session, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}

	// pre-grouped form first
	var grouped []models.Session
	if err := json.Unmarshal(data, &grouped); err == nil && len(grouped) > 0 && grouped[0].ID != "" && grouped[0].Events != nil {
		for i := range grouped {
			sortEvents(grouped[i].Events)
		}
		return validate(grouped)
	}

	var flat []jsonEvent
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("unrecognized dataset JSON: %w", err)
	}

	sessions := newGrouper()
	for i, rec := range flat {
		if rec.SessionID == "" {
			return nil, fmt.Errorf("record %d has no session_id", i)
		}
		sessions.add(rec.SessionID, models.Event{
			ID:         rec.EventID,
			Timestamp:  rec.Timestamp,
			ActionType: rec.Action,
			Content:    rec.Content,
			Metadata:   rec.Metadata,
		})
	}
	return validate(sessions.result())
}

// csv column layout for uploaded datasets
var csvColumns = []string{"session_id", "event_id", "timestamp", "action_type", "content", "url", "title", "rating"}

// ParseCSV reads the flat CSV upload format. Only session_id, event_id,
// timestamp, action_type, and content are required columns.
func ParseCSV(r io.Reader) ([]models.Session, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(strings.ToLower(name))] = i
	}
	for _, required := range csvColumns[:5] {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("CSV is missing required column %q", required)
		}
	}

	field := func(row []string, name string) string {
		idx, ok := col[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return row[idx]
	}

	sessions := newGrouper()
	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("CSV line %d: %w", line, err)
		}

		sessionID := field(row, "session_id")
		if sessionID == "" {
			return nil, fmt.Errorf("CSV line %d has no session_id", line)
		}

		ev := models.Event{
			ID:         field(row, "event_id"),
			Timestamp:  field(row, "timestamp"),
			ActionType: field(row, "action_type"),
			Content:    field(row, "content"),
		}
		url, title, rating := field(row, "url"), field(row, "title"), field(row, "rating")
		if url != "" || title != "" || rating != "" {
			meta := &models.EventMetadata{URL: url, Title: title}
			if rating != "" {
				if v, err := strconv.ParseFloat(rating, 64); err == nil {
					meta.Rating = v
				}
			}
			ev.Metadata = meta
		}
		sessions.add(sessionID, ev)
	}
	return validate(sessions.result())
}

// grouper collects events per session preserving first-appearance order.
type grouper struct {
	order  []string
	events map[string][]models.Event
}

func newGrouper() *grouper {
	return &grouper{events: make(map[string][]models.Event)}
}

func (g *grouper) add(sessionID string, ev models.Event) {
	if _, seen := g.events[sessionID]; !seen {
		g.order = append(g.order, sessionID)
	}
	g.events[sessionID] = append(g.events[sessionID], ev)
}

func (g *grouper) result() []models.Session {
	out := make([]models.Session, 0, len(g.order))
	for _, id := range g.order {
		events := g.events[id]
		sortEvents(events)
		out = append(out, models.Session{ID: id, Events: events})
	}
	return out
}

// sortEvents orders events by their raw timestamp strings. Uploaded formats
// are lexicographically sortable (ISO 8601 or epoch of uniform width); the
// sort is stable so equal timestamps keep file order.
func sortEvents(events []models.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})
}

func validate(sessions []models.Session) ([]models.Session, error) {
	if len(sessions) == 0 {
		return nil, errors.New("dataset contains no sessions")
	}
	for si := range sessions {
		s := &sessions[si]
		seen := make(map[string]bool, len(s.Events))
		for ei := range s.Events {
			ev := &s.Events[ei]
			if ev.ID == "" {
				ev.ID = fmt.Sprintf("%s_evt_%d", s.ID, ei)
			}
			if seen[ev.ID] {
				return nil, fmt.Errorf("session %s has duplicate event id %s", s.ID, ev.ID)
			}
			seen[ev.ID] = true
		}
	}
	return sessions, nil
}
