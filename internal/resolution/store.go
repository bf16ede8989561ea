// Package resolution stores human overrides for flagged events in an
// append-only SQLite table. History is never rewritten: each new submission
// for an event gets the next override version, and readers pick the latest.
package resolution

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lamim/cogtrace/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS resolutions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id     TEXT NOT NULL,
	session_id TEXT NOT NULL,
	event_id   TEXT NOT NULL,
	label      TEXT NOT NULL,
	note       TEXT NOT NULL DEFAULT '',
	version    INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_resolutions_key
	ON resolutions (job_id, session_id, event_id, version);
`

// Store is the append-only resolution log.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the resolution database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open resolution db: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent resolve calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize resolution schema: %w", err)
	}

	return &Store{db: db, logger: logger.With("component", "resolution")}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// EventResolution is one event's override within a resolve submission.
type EventResolution struct {
	EventID string                `json:"event_id"`
	Label   models.CognitiveLabel `json:"label"`
	Note    string                `json:"note,omitempty"`
}

// Append records a batch of overrides for one session in a single
// transaction. Each event independently gets max(version)+1, so the first
// explicit override is version 1. Exports prefer an explicit resolution over
// the implicit pipeline baseline at the same version.
func (s *Store) Append(ctx context.Context, jobID, sessionID string, items []EventResolution) ([]models.Resolution, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("no event resolutions submitted")
	}
	for _, item := range items {
		if !item.Label.Valid() {
			return nil, fmt.Errorf("invalid label %q for event %s", item.Label, item.EventID)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	out := make([]models.Resolution, 0, len(items))

	for _, item := range items {
		var maxVersion int
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM resolutions
			 WHERE job_id = ? AND session_id = ? AND event_id = ?`,
			jobID, sessionID, item.EventID,
		).Scan(&maxVersion)
		if err != nil {
			return nil, fmt.Errorf("failed to read version for event %s: %w", item.EventID, err)
		}

		version := maxVersion + 1
		_, err = tx.ExecContext(ctx,
			`INSERT INTO resolutions (job_id, session_id, event_id, label, note, version, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			jobID, sessionID, item.EventID, string(item.Label), item.Note, version,
			now.Format(time.RFC3339Nano),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert resolution for event %s: %w", item.EventID, err)
		}

		out = append(out, models.Resolution{
			JobID:           jobID,
			SessionID:       sessionID,
			EventID:         item.EventID,
			Label:           item.Label,
			Note:            item.Note,
			OverrideVersion: version,
			UserOverride:    true,
			CreatedAt:       now,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit resolutions: %w", err)
	}

	s.logger.Info("Resolutions recorded",
		"job_id", jobID,
		"session_id", sessionID,
		"events", len(items))

	return out, nil
}

// Latest returns the highest-version resolution per event for a job, keyed
// by "<session_id>/<event_id>".
func (s *Store) Latest(ctx context.Context, jobID string) (map[string]models.Resolution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.session_id, r.event_id, r.label, r.note, r.version, r.created_at
		 FROM resolutions r
		 JOIN (
			SELECT session_id, event_id, MAX(version) AS v
			FROM resolutions WHERE job_id = ?
			GROUP BY session_id, event_id
		 ) latest
		 ON r.session_id = latest.session_id
		 AND r.event_id = latest.event_id
		 AND r.version = latest.v
		 WHERE r.job_id = ?`,
		jobID, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest resolutions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.Resolution)
	for rows.Next() {
		res, err := scanResolution(rows, jobID)
		if err != nil {
			return nil, err
		}
		out[res.SessionID+"/"+res.EventID] = res
	}
	return out, rows.Err()
}

// History returns every resolution for a session in version order.
func (s *Store) History(ctx context.Context, jobID, sessionID string) ([]models.Resolution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, event_id, label, note, version, created_at
		 FROM resolutions
		 WHERE job_id = ? AND session_id = ?
		 ORDER BY event_id, version`,
		jobID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query resolution history: %w", err)
	}
	defer rows.Close()

	var out []models.Resolution
	for rows.Next() {
		res, err := scanResolution(rows, jobID)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// ResolvedEvents returns the set of event IDs with at least one resolution
// for a session.
func (s *Store) ResolvedEvents(ctx context.Context, jobID, sessionID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT event_id FROM resolutions
		 WHERE job_id = ? AND session_id = ?`,
		jobID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query resolved events: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var eventID string
		if err := rows.Scan(&eventID); err != nil {
			return nil, fmt.Errorf("failed to scan resolved event: %w", err)
		}
		out[eventID] = true
	}
	return out, rows.Err()
}

func scanResolution(rows *sql.Rows, jobID string) (models.Resolution, error) {
	var (
		res       models.Resolution
		label     string
		createdAt string
	)
	if err := rows.Scan(&res.SessionID, &res.EventID, &label, &res.Note, &res.OverrideVersion, &createdAt); err != nil {
		return res, fmt.Errorf("failed to scan resolution: %w", err)
	}
	res.JobID = jobID
	res.Label = models.CognitiveLabel(label)
	res.UserOverride = true
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		res.CreatedAt = t
	}
	return res, nil
}
