// Package store persists the job table as a single JSON document.
// Writes go through a temp file and an atomic rename so a crash never
// leaves a torn state file behind.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/rawblock/mix-orchestrator/pkg/models"
)

const stateFileName = "jobs_state.json"

// Store reads and writes the job state file. Callers serialise access;
// the engine holds its jobs mutex across SaveAll.
type Store struct {
	path string
	log  *log.Logger
}

// New resolves the state file location. dir overrides the platform
// user config dir when non-empty.
func New(dir string) (*Store, error) {
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("state dir: %w", err)
		}
		dir = filepath.Join(base, "abcmixer")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	return &Store{
		path: filepath.Join(dir, stateFileName),
		log:  log.Default().WithPrefix("store"),
	}, nil
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// LoadAll reads every persisted job, keyed by job id. A missing file
// is an empty table. A corrupt file is logged and treated as empty
// rather than blocking startup; the broken file stays on disk for
// inspection.
func (s *Store) LoadAll() (map[string]*models.Job, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]*models.Job{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	jobs := map[string]*models.Job{}
	if err := json.Unmarshal(raw, &jobs); err != nil {
		s.log.Error("state file corrupt, starting empty", "path", s.path, "err", err)
		return map[string]*models.Job{}, nil
	}
	for id, job := range jobs {
		if job == nil {
			delete(jobs, id)
			continue
		}
		if job.JobID == "" {
			job.JobID = id
		}
	}
	return jobs, nil
}

// SaveAll writes the whole job table atomically.
func (s *Store) SaveAll(jobs map[string]*models.Job) error {
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), stateFileName+".*")
	if err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}
