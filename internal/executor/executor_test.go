package executor

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stagehand/internal/pipeline"
	"stagehand/pkg/logx"
)

// buildPipeline writes a pipeline directory with the given jobs and scripts
// and loads it through the regular loader.
func buildPipeline(t *testing.T, stages []string, jobs []pipeline.Job, scripts map[string]string) *pipeline.Pipeline {
	t.Helper()
	dir := t.TempDir()

	for name, body := range scripts {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write script: %v", err)
		}
	}

	def := map[string]any{
		"id":         "test",
		"expression": "* * * * *",
		"stages":     stages,
		"jobs":       jobs,
	}
	data, err := json.Marshal(def)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(dir, pipeline.DefinitionFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write definition: %v", err)
	}

	p, err := pipeline.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	return p
}

func TestRunExecutesStagesInOrder(t *testing.T) {
	t.Parallel()
	p := buildPipeline(t,
		[]string{"first", "second"},
		[]pipeline.Job{
			{ID: "a", Stage: "first", Script: "a.sh"},
			{ID: "b", Stage: "second", Script: "b.sh"},
		},
		map[string]string{
			"a.sh": "echo first >> \"$(dirname \"$0\")/order\"\n",
			"b.sh": "echo second >> \"$(dirname \"$0\")/order\"\n",
		})

	if err := New(logx.Nop()).Run(p); err != nil {
		t.Fatalf("Run: %v", err)
	}

	out, err := os.ReadFile(filepath.Join(p.Dir(), "order"))
	if err != nil {
		t.Fatalf("read order file: %v", err)
	}
	if got := strings.TrimSpace(string(out)); got != "first\nsecond" {
		t.Fatalf("stage order = %q", got)
	}
}

func TestStageFailureAbortsPipeline(t *testing.T) {
	t.Parallel()
	p := buildPipeline(t,
		[]string{"first", "second"},
		[]pipeline.Job{
			{ID: "ok", Stage: "first", Script: "ok.sh"},
			{ID: "boom", Stage: "first", Script: "boom.sh"},
			{ID: "never", Stage: "second", Script: "never.sh"},
		},
		map[string]string{
			"ok.sh":    "touch \"$(dirname \"$0\")/ok-ran\"\n",
			"boom.sh":  "exit 1\n",
			"never.sh": "touch \"$(dirname \"$0\")/second-ran\"\n",
		})

	err := New(logx.Nop()).Run(p)
	var pipelineErr *PipelineError
	if !errors.As(err, &pipelineErr) {
		t.Fatalf("error = %v, want *PipelineError", err)
	}
	if pipelineErr.Pipeline != "test" {
		t.Fatalf("pipeline = %q", pipelineErr.Pipeline)
	}

	// Both jobs of the failing stage ran to completion.
	if _, err := os.Stat(filepath.Join(p.Dir(), "ok-ran")); err != nil {
		t.Fatalf("sibling job did not run: %v", err)
	}
	// The barrier held: nothing from the second stage started.
	if _, err := os.Stat(filepath.Join(p.Dir(), "second-ran")); !os.IsNotExist(err) {
		t.Fatal("second stage ran despite first stage failure")
	}
}

func TestMissingScriptFailsStage(t *testing.T) {
	t.Parallel()
	p := buildPipeline(t,
		[]string{"only"},
		[]pipeline.Job{{ID: "gone", Stage: "only", Script: "missing.sh"}},
		nil)

	err := New(logx.Nop()).Run(p)
	var pipelineErr *PipelineError
	if !errors.As(err, &pipelineErr) {
		t.Fatalf("error = %v, want *PipelineError", err)
	}
}

func TestEmptyStageSucceeds(t *testing.T) {
	t.Parallel()
	p := buildPipeline(t, []string{"empty"}, nil, nil)
	if err := New(logx.Nop()).Run(p); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestWaitJobCapturesStderr(t *testing.T) {
	t.Parallel()
	p := buildPipeline(t,
		[]string{"only"},
		[]pipeline.Job{{ID: "noisy", Stage: "only", Script: "noisy.sh"}},
		map[string]string{"noisy.sh": "echo boom >&2\nexit 3\n"})

	proc, err := startJob(&p.Jobs[0])
	if err != nil {
		t.Fatalf("startJob: %v", err)
	}

	werr := waitJob(proc)
	var exitErr *JobExitError
	if !errors.As(werr, &exitErr) {
		t.Fatalf("error = %v, want *JobExitError", werr)
	}
	if exitErr.Breadcrumb != "test/only/noisy" {
		t.Fatalf("breadcrumb = %q", exitErr.Breadcrumb)
	}
	if !strings.Contains(exitErr.Stderr, "boom") {
		t.Fatalf("stderr = %q, want it to contain %q", exitErr.Stderr, "boom")
	}
}

func TestStageJobsRunConcurrently(t *testing.T) {
	t.Parallel()
	// Two jobs that each wait for the other's start marker would deadlock
	// if the stage ran jobs sequentially. Bound the wait so a regression
	// fails the stage instead of hanging the test.
	waitFor := func(mine, other string) string {
		return `touch "$(dirname "$0")/` + mine + `"
for i in $(seq 1 50); do
  [ -f "$(dirname "$0")/` + other + `" ] && exit 0
  sleep 0.1
done
exit 1
`
	}
	p := buildPipeline(t,
		[]string{"pair"},
		[]pipeline.Job{
			{ID: "left", Stage: "pair", Script: "left.sh"},
			{ID: "right", Stage: "pair", Script: "right.sh"},
		},
		map[string]string{
			"left.sh":  waitFor("left-started", "right-started"),
			"right.sh": waitFor("right-started", "left-started"),
		})

	if err := New(logx.Nop()).Run(p); err != nil {
		t.Fatalf("Run: %v (jobs in a stage must run concurrently)", err)
	}
}
