// Package state persists per-pipeline run state.
//
// A state.json file next to each pipeline definition records whether the
// pipeline is currently executing and when it last ran successfully. The
// active flag is the only mutual exclusion in the system: an advisory,
// crash-tolerant lock that survives process restarts because it lives on
// disk, not in memory.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"stagehand/internal/pipeline"
	"stagehand/pkg/logx"
)

// FileName is the conventional state file name inside a pipeline directory.
const FileName = "state.json"

// InvalidFileError reports an unreadable or unwritable state file. Callers
// treat it as non-fatal: reads fall back to a fresh state, writes are logged
// and dropped.
type InvalidFileError struct {
	Path string
	Err  error
}

func (e *InvalidFileError) Error() string {
	return fmt.Sprintf("invalid state file %s: %v", e.Path, e.Err)
}

func (e *InvalidFileError) Unwrap() error { return e.Err }

// RunState is the persisted record for one pipeline.
//
// Timestamp advances only on a fully successful run; it is the "previous"
// instant fed into the interval engine. Active is set for the span of one
// execution.
type RunState struct {
	ID        string    `json:"id"`
	Active    bool      `json:"active"`
	Timestamp time.Time `json:"timestamp"`

	Path string `json:"-"`
}

// Store loads and persists RunState files.
type Store struct {
	log logx.Logger
}

func NewStore(log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{log: log}
}

// Load reads the state file beside the pipeline definition. It never fails:
// a missing or corrupt file logs a warning and yields a fresh state with the
// epoch timestamp, so a pipeline without history still runs.
func (s *Store) Load(p *pipeline.Pipeline) *RunState {
	path := filepath.Join(p.Dir(), FileName)

	st, err := readFile(path)
	if err != nil {
		s.log.Warn("state unreadable, starting fresh", logx.String("pipeline", p.ID), logx.Err(err))
		return &RunState{
			ID:        p.ID,
			Path:      path,
			Active:    false,
			Timestamp: time.Unix(0, 0).UTC(),
		}
	}

	s.log.Trace("state loaded", logx.String("pipeline", p.ID))
	return st
}

// Persist serializes the state and overwrites its file.
func (s *Store) Persist(st *RunState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return &InvalidFileError{Path: st.Path, Err: err}
	}
	if err := os.WriteFile(st.Path, data, 0o644); err != nil {
		return &InvalidFileError{Path: st.Path, Err: err}
	}
	return nil
}

// persist writes the state and downgrades failures to a log entry. State
// writes are best-effort everywhere in the scheduler.
func (s *Store) persist(st *RunState) {
	if err := s.Persist(st); err != nil {
		s.log.Error("state write failed", logx.String("pipeline", st.ID), logx.Err(err))
		return
	}
	s.log.Trace("state exported", logx.String("pipeline", st.ID))
}

// Acquire takes the advisory lock for one execution: it refuses when the
// state is already marked active, unless ignoreActive is set.
//
// ignoreActive is the one-shot crash-recovery override: the scheduler passes
// it on its first tick after startup so a stale active flag left by a killed
// process cannot block the pipeline forever. It must not be used on later
// ticks.
func (s *Store) Acquire(st *RunState, ignoreActive bool) bool {
	if st.Active && !ignoreActive {
		return false
	}
	st.Active = true
	s.persist(st)
	return true
}

// Release drops the lock after an execution and, only on success, advances
// the last-success timestamp to startedAt (the instant captured right before
// execution began).
func (s *Store) Release(st *RunState, success bool, startedAt time.Time) {
	if success {
		st.Timestamp = startedAt
	}
	st.Active = false
	s.persist(st)
}

func readFile(path string) (*RunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &InvalidFileError{Path: path, Err: err}
	}
	var st RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, &InvalidFileError{Path: path, Err: err}
	}
	st.Path = path
	return &st, nil
}
