// Package pipeline defines pipeline and job records and loads them from a
// directory of pipeline definitions.
//
// Each pipeline lives in its own directory containing a pipeline.json file.
// The directory name is not significant; the file name is.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"stagehand/internal/interval"
)

// DefinitionFile is the conventional definition file name inside a pipeline
// directory.
const DefinitionFile = "pipeline.json"

// InvalidFolderError reports an unreadable pipelines root. It aborts the
// whole load cycle.
type InvalidFolderError struct {
	Path string
	Err  error
}

func (e *InvalidFolderError) Error() string {
	return fmt.Sprintf("invalid pipeline folder %s: %v", e.Path, e.Err)
}

func (e *InvalidFolderError) Unwrap() error { return e.Err }

// InvalidFileError reports a single unloadable pipeline definition
// (unreadable file, malformed JSON, or a bad interval expression). It
// excludes that pipeline from the current cycle only.
type InvalidFileError struct {
	Path string
	Err  error
}

func (e *InvalidFileError) Error() string {
	return fmt.Sprintf("invalid pipeline file %s: %v", e.Path, e.Err)
}

func (e *InvalidFileError) Unwrap() error { return e.Err }

// Pipeline is a loaded pipeline definition. It is immutable during a run;
// the executor and scheduler only ever read it.
type Pipeline struct {
	ID         string   `json:"id"`
	Expression string   `json:"expression"`
	Stages     []string `json:"stages"`
	Jobs       []Job    `json:"jobs"`

	// Derived at load time, never serialized.
	Path     string             `json:"-"`
	Interval *interval.Interval `json:"-"`
}

// Job is a single script invocation belonging to exactly one stage.
type Job struct {
	ID     string `json:"id"`
	Stage  string `json:"stage"`
	Script string `json:"script"`

	// Breadcrumb is "pipelineId/stage/jobId", used in logs and errors.
	Breadcrumb string `json:"-"`
	// ScriptPath is Script resolved against the pipeline directory.
	ScriptPath string `json:"-"`
}

// Dir returns the directory the pipeline definition was loaded from.
// Relative script paths and the sibling state file resolve against it.
func (p *Pipeline) Dir() string { return filepath.Dir(p.Path) }

// StageJobs returns the jobs assigned to the named stage.
func (p *Pipeline) StageJobs(stage string) []Job {
	var jobs []Job
	for _, job := range p.Jobs {
		if job.Stage == stage {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// LoadDir scans root for pipeline directories and loads every definition it
// finds.
//
// A broken individual definition does not abort the scan: per-pipeline load
// errors are returned alongside the successfully loaded pipelines so the
// caller can log them and retry naturally on the next cycle. Only an
// unreadable root fails the whole call.
func LoadDir(root string) ([]*Pipeline, []error, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, nil, &InvalidFolderError{Path: root, Err: err}
	}

	var (
		pipelines []*Pipeline
		loadErrs  []error
	)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		file := filepath.Join(root, entry.Name(), DefinitionFile)
		if fi, err := os.Stat(file); err != nil || fi.IsDir() {
			continue
		}
		p, err := LoadFile(file)
		if err != nil {
			loadErrs = append(loadErrs, err)
			continue
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, loadErrs, nil
}

// LoadFile loads one pipeline definition, parses its interval expression and
// derives job breadcrumbs and absolute script paths.
func LoadFile(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &InvalidFileError{Path: path, Err: err}
	}

	var p Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &InvalidFileError{Path: path, Err: err}
	}
	p.Path = path

	iv, err := interval.Parse(p.Expression)
	if err != nil {
		return nil, &InvalidFileError{Path: path, Err: err}
	}
	p.Interval = iv

	dir := filepath.Dir(path)
	for i := range p.Jobs {
		job := &p.Jobs[i]
		job.Breadcrumb = fmt.Sprintf("%s/%s/%s", p.ID, job.Stage, job.ID)
		job.ScriptPath = filepath.Join(dir, job.Script)
	}

	return &p, nil
}
