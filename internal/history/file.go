package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"stagehand/pkg/logx"
)

const (
	defaultMaxRecords = 1000
	compactEvery      = 250
)

// fileStore appends records to a JSON Lines file. Every compactEvery
// appends it rewrites the file keeping only the newest maxRecords entries,
// so the file stays bounded without a separate rotation mechanism.
type fileStore struct {
	log logx.Logger

	mu         sync.Mutex
	path       string
	file       *os.File
	maxRecords int
	appends    int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("history.path is required for file driver")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	maxRecords := cfg.MaxRecords
	if maxRecords <= 0 {
		maxRecords = defaultMaxRecords
	}

	return &fileStore{
		log:        log,
		path:       path,
		file:       f,
		maxRecords: maxRecords,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *fileStore) Append(ctx context.Context, r Record) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("history file closed")
	}

	if err := json.NewEncoder(s.file).Encode(r); err != nil {
		return err
	}
	s.appends++
	if s.appends%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("history compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Recent(ctx context.Context, pipelineID string, limit int) ([]Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := readRecords(s.path)
	if err != nil {
		return nil, err
	}

	// Newest last on disk; return newest first.
	var out []Record
	for i := len(records) - 1; i >= 0; i-- {
		if pipelineID != "" && records[i].PipelineID != pipelineID {
			continue
		}
		out = append(out, records[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fileStore) compactLocked() error {
	records, err := readRecords(s.path)
	if err != nil {
		return err
	}
	if len(records) <= s.maxRecords {
		return nil
	}
	records = records[len(records)-s.maxRecords:]

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}

	// Reopen the append handle on the rewritten file.
	_ = s.file.Close()
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.file = nil
		return err
	}
	s.file = nf
	return nil
}

func readRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// Skip torn or hand-edited lines rather than failing reads.
			continue
		}
		records = append(records, r)
	}
	return records, sc.Err()
}
