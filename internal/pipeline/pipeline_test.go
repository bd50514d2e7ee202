package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const sampleDefinition = `{
  "id": "nightly",
  "expression": "0 2 * * *",
  "stages": ["build", "deploy"],
  "jobs": [
    {"id": "compile", "stage": "build", "script": "compile.sh"},
    {"id": "upload", "stage": "deploy", "script": "scripts/upload.sh"}
  ]
}`

func writePipeline(t *testing.T, root, name, body string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, DefinitionFile)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadFileDerivesJobFields(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	path := writePipeline(t, root, "nightly", sampleDefinition)

	p, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if p.ID != "nightly" || p.Path != path {
		t.Fatalf("unexpected pipeline identity: id=%q path=%q", p.ID, p.Path)
	}
	if p.Interval == nil || p.Interval.Expression != "0 2 * * *" {
		t.Fatalf("interval not parsed: %+v", p.Interval)
	}
	if len(p.Stages) != 2 || p.Stages[0] != "build" || p.Stages[1] != "deploy" {
		t.Fatalf("stages = %v", p.Stages)
	}

	if got, want := p.Jobs[0].Breadcrumb, "nightly/build/compile"; got != want {
		t.Fatalf("breadcrumb = %q, want %q", got, want)
	}
	if got, want := p.Jobs[0].ScriptPath, filepath.Join(root, "nightly", "compile.sh"); got != want {
		t.Fatalf("script path = %q, want %q", got, want)
	}
	if got, want := p.Jobs[1].ScriptPath, filepath.Join(root, "nightly", "scripts", "upload.sh"); got != want {
		t.Fatalf("nested script path = %q, want %q", got, want)
	}
}

func TestLoadFileRejectsBadExpression(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	path := writePipeline(t, root, "broken", `{"id":"broken","expression":"not a cron","stages":[],"jobs":[]}`)

	_, err := LoadFile(path)
	var invalid *InvalidFileError
	if !errors.As(err, &invalid) {
		t.Fatalf("error = %v, want *InvalidFileError", err)
	}
	if invalid.Path != path {
		t.Fatalf("error path = %q, want %q", invalid.Path, path)
	}
}

func TestLoadDirPartitionsFailures(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writePipeline(t, root, "good", sampleDefinition)
	writePipeline(t, root, "bad", `{not json`)

	// Directories without a definition file and stray files are ignored.
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "README"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	pipelines, loadErrs, err := LoadDir(root)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(pipelines) != 1 || pipelines[0].ID != "nightly" {
		t.Fatalf("pipelines = %+v", pipelines)
	}
	if len(loadErrs) != 1 {
		t.Fatalf("loadErrs = %v", loadErrs)
	}
	var invalid *InvalidFileError
	if !errors.As(loadErrs[0], &invalid) {
		t.Fatalf("load error type = %T", loadErrs[0])
	}
}

func TestLoadDirUnreadableRoot(t *testing.T) {
	t.Parallel()
	_, _, err := LoadDir(filepath.Join(t.TempDir(), "missing"))
	var invalid *InvalidFolderError
	if !errors.As(err, &invalid) {
		t.Fatalf("error = %v, want *InvalidFolderError", err)
	}
}

func TestStageJobs(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	path := writePipeline(t, root, "nightly", sampleDefinition)
	p, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	build := p.StageJobs("build")
	if len(build) != 1 || build[0].ID != "compile" {
		t.Fatalf("build jobs = %+v", build)
	}
	if jobs := p.StageJobs("missing"); len(jobs) != 0 {
		t.Fatalf("expected no jobs for unknown stage, got %+v", jobs)
	}
}
