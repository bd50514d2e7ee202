// Package app wires the daemon together: config, logging, history, state
// store, executor, and the scheduler loop, all under one supervisor.
package app

import (
	"context"
	"strings"
	"time"

	"stagehand/internal/config"
	"stagehand/internal/executor"
	"stagehand/internal/history"
	"stagehand/internal/runtime/supervisor"
	"stagehand/internal/scheduler"
	"stagehand/internal/state"
	"stagehand/pkg/logx"
)

// Options come from the command line. Non-zero values override the
// corresponding config file settings; with an empty ConfigPath the daemon
// runs on flags alone.
type Options struct {
	ConfigPath    string
	PipelinesRoot string
	Refresh       time.Duration
	LogLevel      string
}

type App struct {
	opts Options

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	hist  history.Store
	sched *scheduler.Service
}

func New(opts Options) (*App, error) {
	var (
		cfgm *config.Manager
		cfg  *config.Config
	)
	if strings.TrimSpace(opts.ConfigPath) != "" {
		cfgm = config.NewManager(opts.ConfigPath)
		loaded, err := cfgm.Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = &config.Config{Logging: config.LoggingConfig{Level: "info", Console: true}}
	}
	mergeOptions(cfg, opts)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	var hist history.Store
	if cfg.History != nil {
		hc, err := mapHistoryConfig(cfg.History)
		if err != nil {
			logs.Close()
			return nil, err
		}
		h, err := history.Open(hc, log.With(logx.String("comp", "history")))
		if err != nil {
			logs.Close()
			return nil, err
		}
		hist = h
		if hist != nil {
			log.Info("history enabled", logx.String("driver", hc.Driver))
		}
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		if hist != nil {
			_ = hist.Close()
		}
		logs.Close()
		return nil, err
	}

	return &App{
		opts: opts,
		cfgm: cfgm,
		log:  log,
		logs: logs,
		hist: hist,
		sched: scheduler.New(schedCfg,
			state.NewStore(log.With(logx.String("comp", "state"))),
			executor.New(log.With(logx.String("comp", "executor"))),
			hist,
			nil, // task supervisor is attached in Start
			log.With(logx.String("comp", "scheduler"))),
	}, nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	a.sched.AttachSupervisor(a.sup)

	a.sup.Go("scheduler.loop", a.sched.Run)

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.sup.Go("config.watch", a.cfgm.Watch)

		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
	}

	a.log.Info("started")
	return nil
}

// reloadLoop applies hot config changes: logging first so the new level
// covers the rest of the reload, then scheduler settings.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest snapshot.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			mergeOptions(newCfg, a.opts)

			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				lastApplied = newCfg
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
			lastApplied = newCfg

			a.logs.Apply(mapLogConfig(newCfg))

			if newCfg.History != nil || a.hist != nil {
				for _, s := range sections {
					if s == "history" {
						a.log.Warn("history config changed; restart required for changes to take effect")
						break
					}
				}
			}

			schedCfg, err := mapSchedulerConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
				continue
			}
			a.sched.Apply(schedCfg)
		}
	}
}

// Stop shuts down gracefully: cancel the loops, then wait for in-flight
// pipeline runs within the caller's deadline.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	if err := a.sup.Wait(ctx); err != nil && err != context.Canceled {
		a.log.Warn("shutdown incomplete", logx.Err(err))
	}
	if a.hist != nil {
		if err := a.hist.Close(); err != nil {
			a.log.Warn("history close failed", logx.Err(err))
		}
	}
	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

// mergeOptions lays CLI flags over a config snapshot. Flags win so an
// operator override keeps working across hot reloads.
func mergeOptions(cfg *config.Config, opts Options) {
	if strings.TrimSpace(opts.PipelinesRoot) != "" {
		cfg.Pipelines.Root = opts.PipelinesRoot
	}
	if opts.Refresh > 0 {
		cfg.Scheduler.Refresh = opts.Refresh.String()
	}
	if strings.TrimSpace(opts.LogLevel) != "" {
		cfg.Logging.Level = opts.LogLevel
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	refresh, err := cfg.RefreshInterval()
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Root:    cfg.Pipelines.Root,
		Refresh: refresh,
	}, nil
}

func mapHistoryConfig(h *config.HistoryConfig) (history.Config, error) {
	busy, err := config.ParseDurationField("history.busy_timeout", h.BusyTimeout)
	if err != nil {
		return history.Config{}, err
	}
	return history.Config{
		Driver:      h.Driver,
		Path:        h.Path,
		BusyTimeout: busy,
		MaxRecords:  h.MaxRecords,
	}, nil
}
