package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lamim/cogtrace/internal/pipeline"
)

// ErrLogNotFound is returned when no session log exists.
var ErrLogNotFound = errors.New("session log not found")

// logStore keeps one JSON audit log per annotated session under
// <dir>/<jobID>/logs/<sessionID>.json.
type logStore struct {
	dir string
}

func newLogStore(dir string) *logStore {
	return &logStore{dir: dir}
}

func (ls *logStore) path(jobID, sessionID string) (string, error) {
	if jobID != filepath.Base(jobID) || sessionID != filepath.Base(sessionID) {
		return "", fmt.Errorf("invalid log key %s/%s", jobID, sessionID)
	}
	return filepath.Join(ls.dir, jobID, "logs", sessionID+".json"), nil
}

// Write persists the session log. Logs are written once per session and
// overwritten if the session is re-annotated after a resume edge case.
func (ls *logStore) Write(jobID string, log *pipeline.SessionLog) error {
	path, err := ls.path(jobID, log.SessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session log: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write session log: %w", err)
	}
	return nil
}

// Read returns the raw session log document.
func (ls *logStore) Read(jobID, sessionID string) ([]byte, error) {
	path, err := ls.path(jobID, sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("job %s session %s: %w", jobID, sessionID, ErrLogNotFound)
		}
		return nil, fmt.Errorf("failed to read session log: %w", err)
	}
	return data, nil
}
