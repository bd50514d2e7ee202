// Package scheduler drives the polling loop: every refresh interval it
// reloads the pipeline folder, decides which pipelines are due, and runs
// each due pipeline on its own supervised goroutine.
//
// Definitions are re-read from disk on every poll, so adding, editing, or
// removing a pipeline folder needs no restart. Mutual exclusion comes from
// the per-pipeline state file: a pipeline whose state says active is
// skipped until its running task releases it. The one exception is the
// first poll after startup, which ignores the active flag once so a lock
// left behind by a killed process cannot block its pipeline forever.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"stagehand/internal/executor"
	"stagehand/internal/history"
	"stagehand/internal/pipeline"
	"stagehand/internal/runtime/supervisor"
	"stagehand/internal/state"
	"stagehand/pkg/logx"
)

type Config struct {
	// Root is the folder scanned for pipeline subfolders.
	Root string
	// Refresh is the poll interval.
	Refresh time.Duration
}

type Service struct {
	mu        sync.Mutex
	cfg       Config
	firstTick bool

	store *state.Store
	exec  *executor.Executor
	hist  history.Store // nil when history is disabled
	sup   *supervisor.Supervisor
	log   logx.Logger

	// skipLog throttles the "still active" line so a long-running pipeline
	// doesn't emit it on every poll.
	skipLog *rate.Limiter
}

func New(cfg Config, store *state.Store, exec *executor.Executor, hist history.Store, sup *supervisor.Supervisor, log logx.Logger) *Service {
	if cfg.Refresh <= 0 {
		cfg.Refresh = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg,
		firstTick: true,
		store:     store,
		exec:      exec,
		hist:      hist,
		sup:       sup,
		log:       log,
		skipLog:   rate.NewLimiter(rate.Every(time.Minute), 5),
	}
}

// AttachSupervisor sets the supervisor that runs pipeline tasks. Must be
// called before Run when New was given a nil supervisor.
func (s *Service) AttachSupervisor(sup *supervisor.Supervisor) {
	s.mu.Lock()
	s.sup = sup
	s.mu.Unlock()
}

// Apply swaps in new settings from a config reload. Takes effect on the
// next poll; it never interrupts tasks already running.
func (s *Service) Apply(cfg Config) {
	if cfg.Refresh <= 0 {
		cfg.Refresh = time.Minute
	}
	s.mu.Lock()
	changed := cfg.Root != s.cfg.Root || cfg.Refresh != s.cfg.Refresh
	s.cfg = cfg
	// The first-poll stale-lock override is not re-armed by reloads.
	s.mu.Unlock()
	if changed {
		s.log.Info("scheduler settings updated",
			logx.String("root", cfg.Root),
			logx.Duration("refresh", cfg.Refresh))
	}
}

func (s *Service) snapshot() (Config, *supervisor.Supervisor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := s.firstTick
	s.firstTick = false
	return s.cfg, s.sup, first
}

// Run polls until ctx is canceled. It polls once immediately, then on
// every refresh interval. The loop itself never fails: all per-pipeline
// problems are logged and skipped.
func (s *Service) Run(ctx context.Context) error {
	for {
		s.tick(ctx, time.Now().UTC())

		s.mu.Lock()
		refresh := s.cfg.Refresh
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(refresh):
		}
	}
}

func (s *Service) tick(ctx context.Context, now time.Time) {
	cfg, sup, firstTick := s.snapshot()
	// The first poll after startup ignores stale active flags: a killed
	// process cannot release its lock, and nothing else ever will.
	ignoreActive := firstTick

	pipelines, fileErrs, err := pipeline.LoadDir(cfg.Root)
	if err != nil {
		s.log.Warn("pipeline folder unreadable", logx.String("root", cfg.Root), logx.Err(err))
		return
	}
	for _, fe := range fileErrs {
		s.log.Warn("pipeline skipped", logx.Err(fe))
	}
	if len(pipelines) == 0 {
		s.log.Trace("no pipeline loaded", logx.String("root", cfg.Root))
		return
	}
	s.log.Trace("pipelines loaded", logx.Int("count", len(pipelines)))

	for _, p := range pipelines {
		p := p // capture per iteration; required while go.mod is below 1.22
		st := s.store.Load(p)
		if !p.Interval.ShouldRun(st.Timestamp, now) {
			s.log.Trace("pipeline not due", logx.String("pipeline", p.ID))
			continue
		}
		if !s.store.Acquire(st, ignoreActive) {
			if s.skipLog.Allow() {
				s.log.Info("pipeline still active; skipping", logx.String("pipeline", p.ID))
			}
			continue
		}

		sup.Go("run/"+p.ID, func(ctx context.Context) error {
			s.runPipeline(ctx, p, st)
			return nil
		})
	}
}

// runPipeline executes one acquired pipeline and releases its state when
// done. The state timestamp only advances on success, so a failed run is
// retried on the next poll.
func (s *Service) runPipeline(ctx context.Context, p *pipeline.Pipeline, st *state.RunState) {
	runID := uuid.NewString()
	startedAt := time.Now().UTC()
	s.log.Info("pipeline started",
		logx.String("pipeline", p.ID),
		logx.String("run_id", runID))

	err := s.exec.Run(p)
	finishedAt := time.Now().UTC()
	s.store.Release(st, err == nil, startedAt)

	if err != nil {
		s.log.Error("pipeline failed",
			logx.String("pipeline", p.ID),
			logx.String("run_id", runID),
			logx.Duration("elapsed", finishedAt.Sub(startedAt)),
			logx.Err(err))
	} else {
		s.log.Info("pipeline finished",
			logx.String("pipeline", p.ID),
			logx.String("run_id", runID),
			logx.Duration("elapsed", finishedAt.Sub(startedAt)))
	}

	s.record(ctx, history.Record{
		RunID:      runID,
		PipelineID: p.ID,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Success:    err == nil,
		Error:      errString(err),
	})
}

// record appends a run to history, best effort. Uses a short detached
// timeout so shutdown doesn't lose the final records.
func (s *Service) record(ctx context.Context, r history.Record) {
	if s.hist == nil {
		return
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.hist.Append(hctx, r); err != nil {
		s.log.Warn("history append failed",
			logx.String("pipeline", r.PipelineID),
			logx.Err(err))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
