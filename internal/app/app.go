package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"onelane/internal/config"
	"onelane/internal/jobs"
	"onelane/internal/journal"
	"onelane/internal/metrics"
	"onelane/internal/runtime/supervisor"
	"onelane/internal/trigger"
	"onelane/pkg/disposable"
	logx "onelane/pkg/logx"
	"onelane/pkg/scheduler"
	"onelane/pkg/systemd"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store    journal.Store
	recorder *journal.Recorder
	recSub   disposable.Disposable

	lane     *scheduler.Single
	triggers *trigger.Service
	jobs     *jobs.Set
	metrics  *metrics.Server
	notify   *systemd.Notifier

	// jobCtx outlives the supervisor context so queued jobs can drain on stop.
	jobCtx    context.Context
	jobCancel context.CancelFunc

	stopTimeout time.Duration
	reloadEvery time.Duration
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.LogConfig())
	appLog := log.With(logx.String("comp", "app"))

	store, err := journal.Open(cfg.JournalSettings(), log.With(logx.String("comp", "journal")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	lane := scheduler.New(cfg.LaneConfig(), log.With(logx.String("comp", "lane")))

	a := &App{
		cfgPath:     cfgPath,
		cfgm:        cfgm,
		log:         appLog,
		logs:        logSvc,
		store:       store,
		lane:        lane,
		triggers:    trigger.New(cfg.TriggerConfig(), lane, log.With(logx.String("comp", "trigger"))),
		notify:      systemd.NewNotifier(log.With(logx.String("comp", "systemd"))),
		stopTimeout: cfg.StopTimeout(),
		reloadEvery: time.Second,
	}

	if store != nil {
		a.recorder = journal.NewRecorder(store, log.With(logx.String("comp", "journal")))
		a.recSub = lane.Subscribe(a.recorder, 256)
		appLog.Info("journal enabled", logx.String("driver", cfg.JournalSettings().Driver))
	}

	if addr := cfg.MetricsAddr(); addr != "" {
		reg := metrics.NewRegistry(metrics.NewCollector(lane, a.triggers))
		srv, err := metrics.Listen(addr, reg, log.With(logx.String("comp", "metrics")),
			metrics.WithPprof(cfg.PprofEnabled()),
			metrics.WithHealth(func() error {
				if lane.IsDisposed() {
					return scheduler.ErrDisposed
				}
				return nil
			}),
		)
		if err != nil {
			_ = lane.Stop(context.Background())
			if store != nil {
				_ = store.Close()
			}
			_ = logSvc.Close()
			return nil, fmt.Errorf("metrics.addr: %w", err)
		}
		a.metrics = srv
	}

	return a, nil
}

func (a *App) Lane() *scheduler.Single { return a.lane }

func (a *App) Triggers() *trigger.Service { return a.triggers }

// Jobs lists the registered job names.
func (a *App) Jobs() []string {
	if a.jobs == nil {
		return nil
	}
	return a.jobs.Names()
}

// StopTimeout is the drain budget for queued tasks on Stop.
func (a *App) StopTimeout() time.Duration { return a.stopTimeout }

// MetricsAddr is the bound metrics address, or "" when metrics are off.
func (a *App) MetricsAddr() string {
	if a.metrics == nil {
		return ""
	}
	return a.metrics.Addr()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.jobCtx, a.jobCancel = context.WithCancel(context.WithoutCancel(ctx))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.jobs = jobs.NewSet(a.jobCtx, a.triggers, a.log.With(logx.String("comp", "jobs")))
	if err := a.jobs.Apply(jobList(a.cfgm.Get())); err != nil {
		return err
	}
	a.triggers.Start()

	if a.metrics != nil {
		a.sup.Go("metrics.serve", a.metrics.Serve)
	}

	a.sup.Go("config.watch", a.cfgm.Watch)
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		if err := a.notify.Watchdog(c, func() bool { return !a.lane.IsDisposed() }); err != nil {
			a.log.Warn("systemd watchdog unavailable", logx.Err(err))
		}
		return nil
	})

	a.notify.Ready()
	a.notify.Status("running %d jobs", len(a.jobs.Names()))
	a.log.Info("app started",
		logx.String("lane", a.lane.Name()),
		logx.Int("jobs", len(a.jobs.Names())),
		logx.String("metrics", a.MetricsAddr()),
	)
	return nil
}

func jobList(cfg *config.Config) []jobs.Job {
	enabled := cfg.EnabledJobs()
	out := make([]jobs.Job, 0, len(enabled))
	for _, j := range enabled {
		timeout, _ := config.ParseDurationField("jobs.timeout", j.Timeout)
		out = append(out, jobs.Job{
			Name:     strings.TrimSpace(j.Name),
			Schedule: j.Schedule,
			Command:  j.Command,
			Timeout:  timeout,
			Dir:      j.Dir,
			Env:      j.Env,
		})
	}
	return out
}

// reloadLoop applies committed config changes. Bursts are coalesced and
// rate limited so an editor saving repeatedly does not churn the job set.
func (a *App) reloadLoop(c context.Context, sub <-chan *config.Config) {
	lim := rate.NewLimiter(rate.Every(a.reloadEvery), 1)
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-c.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			newCfg = cfg
		}
		if err := lim.Wait(c); err != nil {
			return
		}
		// keep only the latest
	drain:
		for {
			select {
			case newer, ok := <-sub:
				if !ok {
					return
				}
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}
		if newCfg == nil {
			continue
		}

		a.notify.Reloading()
		a.apply(lastApplied, newCfg)
		lastApplied = newCfg
		a.notify.Ready()
	}
}

func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, attrs, changedJobs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(newCfg.LogConfig())
		case "triggers":
			a.triggers.Apply(newCfg.TriggerConfig())
		case "jobs":
			if err := a.jobs.Apply(jobList(newCfg)); err != nil {
				a.log.Warn("some jobs were not applied", logx.Err(err))
			}
			a.log.Debug("job changes", logx.Any("jobs", changedJobs))
		case "scheduler", "journal", "metrics":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		var cancel context.CancelFunc
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				limit = min(limit, max(time.Until(dl), 0))
			}
			if limit > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, limit)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// No new firings, then drain what is already queued.
	step("triggers", 2*time.Second, func(c context.Context) error { a.triggers.Stop(c); return nil })
	step("jobs", 0, func(context.Context) error { a.jobs.Close(); return nil })
	step("lane", a.stopTimeout, a.lane.Stop)
	// A job still running past the drain budget is killed here.
	a.jobCancel()
	step("lane.exit", 2*time.Second, a.lane.Wait)
	if a.recorder != nil {
		step("journal.flush", time.Second, func(c context.Context) error {
			select {
			case <-a.recorder.Done():
				return nil
			case <-c.Done():
				a.recSub.Dispose()
				return c.Err()
			}
		})
		step("journal.close", time.Second, func(context.Context) error { return a.store.Close() })
	}

	// Finally, wait for supervised goroutines (config watch/reload, metrics).
	step("supervisor", 3*time.Second, a.sup.Wait)

	a.log.Info("stopped", logx.Any("lane", laneSummary(a.lane.Snapshot())))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func laneSummary(s scheduler.Snapshot) map[string]any {
	return map[string]any{
		"state":     s.State,
		"submitted": s.Submitted,
		"executed":  s.Executed,
		"failed":    s.Failed,
		"rejected":  s.Rejected,
		"discarded": s.Discarded,
	}
}
