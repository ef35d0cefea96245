package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fetchq/internal/config"
	"fetchq/internal/eventbus"
	"fetchq/internal/fetch"
	"fetchq/internal/jobstore"
	"fetchq/internal/pool"
	"fetchq/internal/ratelimit"
	"fetchq/internal/runtime/supervisor"
	"fetchq/internal/scheduler"
	logx "fetchq/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    *jobstore.Store
	limiter  *ratelimit.Limiter
	registry *fetch.Registry
	pool     *pool.Pool
	sched    *scheduler.Scheduler

	maint maintenanceSettings
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	storeCfg, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := jobstore.Open(storeCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	limCfg, err := mapLimiterConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	var policy ratelimit.Policy
	if limCfg.RespectCrawlDelay {
		policy = ratelimit.NewRobotsPolicy("fetchq")
	}
	limiter := ratelimit.New(limCfg, policy, log.With(logx.String("comp", "ratelimit")))
	applyDestinationOverrides(limiter, cfg)

	registry := fetch.NewRegistry()

	poolCfg, err := mapPoolConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	workers := pool.New(poolCfg, store, limiter, registry.Resolve,
		log.With(logx.String("comp", "pool")), bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sched := scheduler.New(schedCfg, store, log.With(logx.String("comp", "scheduler")), bus)

	maint, err := mapMaintenance(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		limiter:  limiter,
		registry: registry,
		pool:     workers,
		sched:    sched,
		maint:    maint,
	}, nil
}

// Registry exposes the handler registry so the binary can register fetchers
// before Start.
func (a *App) Registry() *fetch.Registry { return a.registry }

func (a *App) Store() *jobstore.Store { return a.store }

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

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
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapStoreConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPoolConfig(cfg); err != nil {
			return err
		}
		if _, err := mapLimiterConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapMaintenance(cfg); err != nil {
			return err
		}
		for _, ts := range cfg.Scheduler.Triggers {
			if _, err := mapTriggerSpec(ts); err != nil {
				return err
			}
		}
		return nil
	})

	// Requeue jobs a previous process left in running before workers start
	// claiming; the FSM only resumes cleanly from pending.
	if _, err := a.store.ReclaimStale(a.sup.Context(), 0); err != nil {
		return fmt.Errorf("reclaim stale jobs: %w", err)
	}

	cfg := a.cfgm.Get()

	if cfg.Scheduler.Enabled {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return err
		}
		if err := a.syncTriggers(a.sup.Context(), cfg.Scheduler.Triggers); err != nil {
			return err
		}
	}

	a.pool.Start(a.sup.Context())

	a.sup.GoRestart("maintenance", a.maintenanceLoop)

	// Debug tap on the lifecycle bus; components publish, we just log.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
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
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("handlers", len(a.registry.Handlers())),
		logx.Bool("scheduler", cfg.Scheduler.Enabled),
		logx.Bool("rate_limit", cfg.RateLimit.Enabled),
	)
	return nil
}

func (a *App) applyReload(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, destChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if s == "store" || s == "pool" {
			a.log.Warn("store/pool config changed; restart required for changes to take effect")
			break
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))

	// Per-destination rate overrides apply live. A removed override falls
	// back to the default per-host rate.
	if len(destChanged) > 0 {
		limCfg, err := mapLimiterConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid rate_limit config; keeping previous", logx.Any("err", err))
		} else {
			for _, host := range destChanged {
				if dr, ok := newCfg.RateLimit.Destinations[host]; ok {
					a.limiter.SetDestinationRate(host, dr.RequestsPerMinute, dr.Burst)
				} else {
					a.limiter.SetDestinationRate(host, limCfg.RequestsPerMinute, limCfg.Burst)
				}
			}
		}
	}

	// Re-sync declarative triggers, but only when the scheduler section
	// itself changed: AddTrigger recomputes NextRun from now, so an
	// unconditional re-sync would reset interval phases on unrelated edits.
	if newCfg.Scheduler.Enabled && hasSection(sections, "scheduler") {
		if err := a.syncTriggers(ctx, newCfg.Scheduler.Triggers); err != nil {
			a.log.Warn("trigger sync failed", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

// syncTriggers upserts config-declared triggers and removes config-managed
// triggers that no longer appear in the file. Triggers added through the
// scheduler API (uuid ids) are untouched.
func (a *App) syncTriggers(ctx context.Context, specs []config.TriggerSpec) error {
	desired := make(map[string]struct{}, len(specs))
	for _, ts := range specs {
		t, err := mapTriggerSpec(ts)
		if err != nil {
			return err
		}
		desired[t.ID] = struct{}{}
		if _, err := a.sched.AddTrigger(ctx, t); err != nil {
			return fmt.Errorf("trigger %q: %w", ts.Name, err)
		}
	}
	for _, t := range a.sched.ListTriggers() {
		if !strings.HasPrefix(t.ID, "cfg:") {
			continue
		}
		if _, keep := desired[t.ID]; keep {
			continue
		}
		if err := a.sched.RemoveTrigger(ctx, t.ID); err != nil {
			a.log.Warn("removing stale config trigger failed",
				logx.String("id", t.ID), logx.Err(err))
		}
	}
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Scheduler first so no new jobs are enqueued while workers drain.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("pool", 10*time.Second, func(c context.Context) error { a.pool.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("store", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func hasSection(sections []string, name string) bool {
	for _, s := range sections {
		if s == name {
			return true
		}
	}
	return false
}

func applyDestinationOverrides(l *ratelimit.Limiter, cfg *config.Config) {
	for host, dr := range cfg.RateLimit.Destinations {
		l.SetDestinationRate(host, dr.RequestsPerMinute, dr.Burst)
	}
}
