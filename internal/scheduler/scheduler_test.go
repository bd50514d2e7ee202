package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"stagehand/internal/executor"
	"stagehand/internal/history"
	"stagehand/internal/pipeline"
	"stagehand/internal/runtime/supervisor"
	"stagehand/internal/state"
	"stagehand/pkg/logx"
)

// writePipeline creates root/<id> with a one-job pipeline whose script is body.
func writePipeline(t *testing.T, root, id, expression, body string) {
	t.Helper()
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	def := fmt.Sprintf(`{
  "id": %q,
  "expression": %q,
  "stages": ["main"],
  "jobs": [{"id": "job", "stage": "main", "script": "job.sh"}]
}`, id, expression)
	if err := os.WriteFile(filepath.Join(dir, "pipeline.json"), []byte(def), 0o644); err != nil {
		t.Fatalf("write pipeline.json: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "job.sh"), []byte(body), 0o755); err != nil {
		t.Fatalf("write job.sh: %v", err)
	}
}

func loadState(t *testing.T, store *state.Store, root, id string) *state.RunState {
	t.Helper()
	p, err := pipeline.LoadFile(filepath.Join(root, id, pipeline.DefinitionFile))
	if err != nil {
		t.Fatalf("load pipeline: %v", err)
	}
	return store.Load(p)
}

func newService(t *testing.T, cfg Config, hist history.Store) (*Service, *supervisor.Supervisor, *state.Store) {
	t.Helper()
	log := logx.Nop()
	store := state.NewStore(log)
	sup := supervisor.New(context.Background(), supervisor.WithLogger(log))
	svc := New(cfg, store, executor.New(log), hist, sup, log)
	return svc, sup, store
}

func waitTasks(t *testing.T, sup *supervisor.Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("tasks did not finish: %v", err)
	}
}

func TestTickRunsDuePipeline(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	marker := filepath.Join(root, "ran")
	writePipeline(t, root, "nightly", "* * * * *", "touch "+marker+"\n")

	svc, sup, store := newService(t, Config{Root: root}, nil)
	before := time.Now().UTC()
	svc.tick(context.Background(), before)
	waitTasks(t, sup)

	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("pipeline did not run: %v", err)
	}
	st := loadState(t, store, root, "nightly")
	if st.Active {
		t.Fatal("state still active after run")
	}
	if st.Timestamp.Before(before.Truncate(time.Second)) {
		t.Fatalf("timestamp not advanced: %v", st.Timestamp)
	}
}

func TestTickSkipsNotDuePipeline(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	marker := filepath.Join(root, "ran")
	writePipeline(t, root, "nightly", "* * * * *", "touch "+marker+"\n")

	svc, sup, store := newService(t, Config{Root: root}, nil)

	// A run that just happened pushes the next due time into the future.
	st := loadState(t, store, root, "nightly")
	st.Timestamp = time.Now().UTC()
	if err := store.Persist(st); err != nil {
		t.Fatalf("persist: %v", err)
	}

	svc.tick(context.Background(), time.Now().UTC())
	waitTasks(t, sup)

	if _, err := os.Stat(marker); err == nil {
		t.Fatal("pipeline ran although not due")
	}
}

func TestTickSkipsActivePipeline(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	marker := filepath.Join(root, "ran")
	writePipeline(t, root, "nightly", "* * * * *", "touch "+marker+"\n")

	svc, sup, store := newService(t, Config{Root: root}, nil)

	// Burn the startup poll while the pipeline is not due, so the
	// stale-lock override is spent before the flag matters.
	st := loadState(t, store, root, "nightly")
	st.Timestamp = time.Now().UTC()
	if err := store.Persist(st); err != nil {
		t.Fatalf("persist: %v", err)
	}
	svc.tick(context.Background(), time.Now().UTC())

	st = loadState(t, store, root, "nightly")
	st.Active = true
	st.Timestamp = time.Unix(0, 0).UTC()
	if err := store.Persist(st); err != nil {
		t.Fatalf("persist: %v", err)
	}

	svc.tick(context.Background(), time.Now().UTC())
	waitTasks(t, sup)

	if _, err := os.Stat(marker); err == nil {
		t.Fatal("active pipeline was run concurrently")
	}
}

func TestFirstTickRecoversStaleLock(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	marker := filepath.Join(root, "ran")
	writePipeline(t, root, "nightly", "* * * * *", "touch "+marker+"\n")

	svc, sup, store := newService(t, Config{Root: root}, nil)

	st := loadState(t, store, root, "nightly")
	st.Active = true
	if err := store.Persist(st); err != nil {
		t.Fatalf("persist: %v", err)
	}

	// The first poll ignores the stale flag without any configuration.
	svc.tick(context.Background(), time.Now().UTC())
	waitTasks(t, sup)
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("stale lock not recovered: %v", err)
	}

	// The override is one-shot: a second poll honors the flag again.
	if err := os.Remove(marker); err != nil {
		t.Fatalf("remove marker: %v", err)
	}
	st = loadState(t, store, root, "nightly")
	st.Active = true
	st.Timestamp = time.Unix(0, 0).UTC()
	if err := store.Persist(st); err != nil {
		t.Fatalf("persist: %v", err)
	}
	sup2 := supervisor.New(context.Background(), supervisor.WithLogger(logx.Nop()))
	svc.AttachSupervisor(sup2)
	svc.tick(context.Background(), time.Now().UTC())
	waitTasks(t, sup2)
	if _, err := os.Stat(marker); err == nil {
		t.Fatal("stale-lock override applied beyond the first poll")
	}
}

func TestTickRunsEveryDuePipeline(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	ids := []string{"alpha", "beta", "gamma"}
	for _, id := range ids {
		writePipeline(t, root, id, "* * * * *", "touch "+filepath.Join(root, "ran-"+id)+"\n")
	}

	svc, sup, store := newService(t, Config{Root: root}, nil)
	svc.tick(context.Background(), time.Now().UTC())
	waitTasks(t, sup)

	// Every pipeline ran its own script and released its own state.
	for _, id := range ids {
		if _, err := os.Stat(filepath.Join(root, "ran-"+id)); err != nil {
			t.Fatalf("pipeline %s did not run: %v", id, err)
		}
		st := loadState(t, store, root, id)
		if st.Active {
			t.Fatalf("pipeline %s still active", id)
		}
		if st.ID != id {
			t.Fatalf("state for %s carries id %q", id, st.ID)
		}
	}
}

func TestFailedRunKeepsTimestamp(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writePipeline(t, root, "flaky", "* * * * *", "exit 1\n")

	svc, sup, store := newService(t, Config{Root: root}, nil)
	svc.tick(context.Background(), time.Now().UTC())
	waitTasks(t, sup)

	st := loadState(t, store, root, "flaky")
	if st.Active {
		t.Fatal("state still active after failed run")
	}
	if !st.Timestamp.Equal(time.Unix(0, 0).UTC()) {
		t.Fatalf("timestamp advanced on failure: %v", st.Timestamp)
	}
}

func TestTickToleratesBrokenDefinition(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	marker := filepath.Join(root, "ran")
	writePipeline(t, root, "good", "* * * * *", "touch "+marker+"\n")
	writePipeline(t, root, "bad", "not an expression", "exit 0\n")

	svc, sup, _ := newService(t, Config{Root: root}, nil)
	svc.tick(context.Background(), time.Now().UTC())
	waitTasks(t, sup)

	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("healthy pipeline blocked by broken sibling: %v", err)
	}
}

func TestRunAppendsHistory(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writePipeline(t, root, "nightly", "* * * * *", "exit 0\n")

	hist, err := history.Open(history.Config{
		Driver: "file",
		Path:   filepath.Join(root, "history.jsonl"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer hist.Close()

	svc, sup, _ := newService(t, Config{Root: root}, hist)
	svc.tick(context.Background(), time.Now().UTC())
	waitTasks(t, sup)

	records, err := hist.Recent(context.Background(), "nightly", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	r := records[0]
	if !r.Success || r.RunID == "" || r.FinishedAt.Before(r.StartedAt) {
		t.Fatalf("unexpected record: %+v", r)
	}
}

func TestApplyUpdatesRefresh(t *testing.T) {
	t.Parallel()
	svc, _, _ := newService(t, Config{Root: t.TempDir(), Refresh: time.Minute}, nil)
	svc.Apply(Config{Root: "elsewhere", Refresh: 5 * time.Second})

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.cfg.Refresh != 5*time.Second || svc.cfg.Root != "elsewhere" {
		t.Fatalf("cfg not applied: %+v", svc.cfg)
	}
}
