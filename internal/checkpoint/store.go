// Package checkpoint persists per-job annotation state so that stopped or
// crashed jobs resume without re-annotating completed sessions.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lamim/cogtrace/pkg/models"
)

// ErrNotFound is returned when no checkpoint exists for a job.
var ErrNotFound = errors.New("checkpoint not found")

// Store reads and writes job checkpoints as one JSON file per job. Saves are
// synchronous and atomic: the session loop must not advance until the
// previous session's results are durable.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates a Store rooted at dir, creating it if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: logger.With("component", "checkpoint"),
	}, nil
}

func (s *Store) path(jobID string) string {
	return filepath.Join(s.dir, jobID+".json")
}

// Save writes the checkpoint atomically: temp file in the same directory,
// fsync, then rename over the final path.
func (s *Store) Save(cp *models.Checkpoint) error {
	cp.SavedAt = time.Now().UTC()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, cp.JobID+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}

	if err := os.Rename(tmpName, s.path(cp.JobID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to finalize checkpoint: %w", err)
	}

	s.logger.Debug("Checkpoint saved",
		"job_id", cp.JobID,
		"completed_sessions", cp.CompletedCount(),
		"total_sessions", len(cp.SessionIDs))

	return nil
}

// Load reads the checkpoint for a job.
func (s *Store) Load(jobID string) (*models.Checkpoint, error) {
	data, err := os.ReadFile(s.path(jobID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint for job %s: %w", jobID, err)
	}
	if cp.JobID == "" {
		return nil, fmt.Errorf("checkpoint for job %s is missing its job id", jobID)
	}
	return &cp, nil
}

// List returns the checkpoints on disk, newest first. Corrupt files are
// skipped with a warning rather than failing the listing.
func (s *Store) List() ([]*models.Checkpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	var out []*models.Checkpoint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		cp, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			s.logger.Warn("Skipping unreadable checkpoint", "file", name, "error", err)
			continue
		}
		out = append(out, cp)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].SavedAt.After(out[j].SavedAt)
	})
	return out, nil
}

// Delete removes a job's checkpoint. Deleting a missing checkpoint is not an
// error.
func (s *Store) Delete(jobID string) error {
	err := os.Remove(s.path(jobID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}
