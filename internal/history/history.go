// Package history provides optional persistence of pipeline run outcomes.
//
// Every execution appends one record: which pipeline ran, when it started
// and finished, and whether it succeeded. Scheduling decisions never read
// the store, and a failing store never affects a run: append errors are
// logged and dropped by the caller, the same policy as state writes.
//
// Two backends are supported:
//   - "file": dependency-free append-only JSON Lines with periodic
//     compaction to a bounded record count
//   - "sqlite": a SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", history is disabled.
package history

import (
	"context"
	"errors"
	"strings"
	"time"

	"stagehand/pkg/logx"
)

var ErrDisabled = errors.New("history disabled")

type Config struct {
	Driver string
	Path   string

	// BusyTimeout applies to the sqlite backend only; 0 means default.
	BusyTimeout time.Duration
	// MaxRecords bounds the file backend; 0 means a sensible default.
	MaxRecords int
}

// Record is one pipeline execution. Keep it compact and schema-stable.
type Record struct {
	RunID      string    `json:"run_id"`
	PipelineID string    `json:"pipeline_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// Store is the minimal persistence API used by the scheduler.
type Store interface {
	Append(ctx context.Context, r Record) error
	Recent(ctx context.Context, pipelineID string, limit int) ([]Record, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if history is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown history driver: " + driver)
	}
}
