// Package executor runs one pipeline as an ordered sequence of stages.
//
// Stages execute strictly in declaration order with a full barrier between
// them. Within a stage every job is spawned as its own OS process, all
// concurrently; the stage succeeds only if every job exits zero. The first
// failed stage aborts the pipeline.
//
// There are no timeouts and no cancellation: a started job always runs to
// completion.
package executor

import (
	"bytes"
	"errors"
	"os/exec"

	"stagehand/internal/pipeline"
	"stagehand/pkg/logx"
)

// Executor runs pipelines. It borrows pipeline definitions read-only and
// never touches run state; that is the scheduler's job.
type Executor struct {
	log logx.Logger
}

func New(log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{log: log}
}

// Run executes the pipeline's stages in order. It returns a *PipelineError
// as soon as one stage fails; later stages are never started.
func (e *Executor) Run(p *pipeline.Pipeline) error {
	for _, stage := range p.Stages {
		e.log.Trace("running stage", logx.String("pipeline", p.ID), logx.String("stage", stage))

		if err := e.runStage(p, stage); err != nil {
			e.log.Error("stage failed", logx.String("pipeline", p.ID), logx.Err(err))
			return &PipelineError{Pipeline: p.ID}
		}

		e.log.Trace("stage completed", logx.String("pipeline", p.ID), logx.String("stage", stage))
	}
	return nil
}

// runStage spawns every job of the stage, then waits for all of them. A
// spawn failure counts as a failed job but does not keep the remaining jobs
// from running; the barrier holds until every started process has exited.
func (e *Executor) runStage(p *pipeline.Pipeline, stage string) error {
	jobs := p.StageJobs(stage)

	started := make([]jobProcess, 0, len(jobs))
	for i := range jobs {
		proc, err := startJob(&jobs[i])
		if err != nil {
			e.log.Error("job start failed", logx.Err(err))
			continue
		}
		e.log.Trace("running job", logx.String("job", jobs[i].Breadcrumb))
		started = append(started, proc)
	}

	// The processes already run concurrently; collecting their exits in
	// order is enough.
	successful := 0
	for _, proc := range started {
		if err := waitJob(proc); err != nil {
			e.log.Error("job failed", logx.Err(err))
			continue
		}
		e.log.Trace("job completed", logx.String("job", proc.job.Breadcrumb))
		successful++
	}

	if successful != len(jobs) {
		return &StageError{Stage: stage}
	}
	return nil
}

type jobProcess struct {
	job    *pipeline.Job
	cmd    *exec.Cmd
	stderr *bytes.Buffer
}

// startJob invokes the job's script through the system shell with captured
// stdout/stderr. Stdout is captured but never interpreted.
func startJob(job *pipeline.Job) (jobProcess, error) {
	cmd := exec.Command("sh", job.ScriptPath)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return jobProcess{}, &JobStartError{Breadcrumb: job.Breadcrumb, Err: err}
	}
	return jobProcess{job: job, cmd: cmd, stderr: &stderr}, nil
}

func waitJob(proc jobProcess) error {
	err := proc.cmd.Wait()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &JobExitError{Breadcrumb: proc.job.Breadcrumb, Stderr: proc.stderr.String()}
	}
	return &JobWaitError{Breadcrumb: proc.job.Breadcrumb, Err: err}
}
