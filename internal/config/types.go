package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root of the daemon configuration.
//
// The file is JSON or YAML (YAML is coerced to JSON before decoding) and is
// decoded strictly: unknown keys are rejected so typos surface at load time
// instead of silently disabling a section.
type Config struct {
	Pipelines PipelinesConfig `json:"pipelines"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Logging   LoggingConfig   `json:"logging"`
	History   *HistoryConfig  `json:"history,omitempty"`
}

// PipelinesConfig locates the pipeline definitions.
type PipelinesConfig struct {
	// Root is the folder scanned for pipeline subfolders.
	Root string `json:"root"`
}

// SchedulerConfig controls the polling loop.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type SchedulerConfig struct {
	// Refresh is the poll interval. Defaults to "1m" when omitted.
	Refresh string `json:"refresh,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HistoryConfig controls the optional run-history store.
// Nil means disabled.
//
// Example:
//
//	"history": { "driver": "sqlite", "path": "./stagehand.db" }
type HistoryConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxRecords  int    `json:"max_records,omitempty"`  // file driver only
}

// DefaultRefresh is the poll interval used when scheduler.refresh is omitted.
const DefaultRefresh = time.Minute

// RefreshInterval parses scheduler.refresh, falling back to DefaultRefresh.
func (c *Config) RefreshInterval() (time.Duration, error) {
	return ParseDurationOrDefault("scheduler.refresh", c.Scheduler.Refresh, DefaultRefresh)
}

var logLevels = map[string]struct{}{
	"": {}, "trace": {}, "debug": {}, "info": {}, "warn": {}, "warning": {}, "error": {},
}

// Validate checks cross-field constraints that the strict decoder cannot.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Pipelines.Root) == "" {
		return fmt.Errorf("pipelines.root: must not be empty")
	}
	if _, err := cfg.RefreshInterval(); err != nil {
		return err
	}
	level := strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	if _, ok := logLevels[level]; !ok {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		return fmt.Errorf("logging.file.path: must not be empty when the file sink is enabled")
	}
	if h := cfg.History; h != nil {
		driver := strings.ToLower(strings.TrimSpace(h.Driver))
		switch driver {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(h.Path) == "" {
				return fmt.Errorf("history.path: must not be empty for driver %q", driver)
			}
			if _, err := ParseDurationField("history.busy_timeout", h.BusyTimeout); err != nil {
				return err
			}
		default:
			return fmt.Errorf("history.driver: unknown driver %q", h.Driver)
		}
		if h.MaxRecords < 0 {
			return fmt.Errorf("history.max_records: must be >= 0")
		}
	}
	return nil
}
