package executor

import "fmt"

// JobStartError reports a process that could not be spawned. The job counts
// as failed in its stage; sibling jobs still run.
type JobStartError struct {
	Breadcrumb string
	Err        error
}

func (e *JobStartError) Error() string {
	return fmt.Sprintf("error starting job %s: %v", e.Breadcrumb, e.Err)
}

func (e *JobStartError) Unwrap() error { return e.Err }

// JobWaitError reports a failure to retrieve a spawned process's exit
// status.
type JobWaitError struct {
	Breadcrumb string
	Err        error
}

func (e *JobWaitError) Error() string {
	return fmt.Sprintf("error waiting for job %s: %v", e.Breadcrumb, e.Err)
}

func (e *JobWaitError) Unwrap() error { return e.Err }

// JobExitError reports a process that exited non-zero, with its captured
// standard error text attached for diagnostics.
type JobExitError struct {
	Breadcrumb string
	Stderr     string
}

func (e *JobExitError) Error() string {
	return fmt.Sprintf("error executing job %s:\n%s", e.Breadcrumb, e.Stderr)
}

// StageError reports a stage in which at least one job failed. It aborts
// the pipeline at that stage.
type StageError struct {
	Stage string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("error executing stage: %s", e.Stage)
}

// PipelineError is the whole-pipeline failure result: some stage failed and
// later stages were never started.
type PipelineError struct {
	Pipeline string
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("error executing pipeline: %s", e.Pipeline)
}
