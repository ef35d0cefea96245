package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"fetchq/internal/config"
	"fetchq/internal/jobstore"
	"fetchq/internal/ratelimit"
	"fetchq/internal/scheduler"
	logx "fetchq/pkg/logx"
)

func newReloadTestApp(t *testing.T) *App {
	t.Helper()

	store, err := jobstore.Open(jobstore.Config{
		Path: filepath.Join(t.TempDir(), "jobs.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logSvc, _ := logx.New(logx.Config{})
	t.Cleanup(func() { _ = logSvc.Close() })

	sched := scheduler.New(scheduler.Config{EvalInterval: time.Hour}, store, logx.Nop(), nil)
	limiter := ratelimit.New(ratelimit.Config{}, nil, logx.Nop())

	return &App{
		log:     logx.Nop(),
		logs:    logSvc,
		store:   store,
		limiter: limiter,
		sched:   sched,
	}
}

func schedulerCfg(triggers ...config.TriggerSpec) *config.Config {
	return &config.Config{
		Logging:   config.LoggingConfig{Level: "info"},
		Scheduler: config.SchedulerConfig{Enabled: true, Triggers: triggers},
	}
}

func TestApplyReloadKeepsTriggerPhase(t *testing.T) {
	t.Parallel()
	a := newReloadTestApp(t)
	ctx := context.Background()

	spec := config.TriggerSpec{
		Name:    "refresh",
		Every:   "1h",
		Target:  "https://a.test/feed",
		Handler: "http",
	}
	oldCfg := schedulerCfg(spec)
	if err := a.syncTriggers(ctx, oldCfg.Scheduler.Triggers); err != nil {
		t.Fatalf("syncTriggers: %v", err)
	}
	before := a.sched.ListTriggers()
	if len(before) != 1 {
		t.Fatalf("triggers = %d, want 1", len(before))
	}

	// A logging-only edit must not touch the scheduler: re-adding a trigger
	// recomputes its next fire from now, resetting the interval phase.
	time.Sleep(5 * time.Millisecond)
	newCfg := schedulerCfg(spec)
	newCfg.Logging.Level = "debug"
	a.applyReload(ctx, oldCfg, newCfg)

	after := a.sched.ListTriggers()
	if len(after) != 1 {
		t.Fatalf("triggers = %d, want 1", len(after))
	}
	if !after[0].NextRun.Equal(before[0].NextRun) {
		t.Fatalf("next_run moved from %v to %v on an unrelated reload",
			before[0].NextRun, after[0].NextRun)
	}

	// A scheduler edit still re-syncs.
	extra := spec
	extra.Name = "extra"
	a.applyReload(ctx, newCfg, schedulerCfg(spec, extra))
	if got := len(a.sched.ListTriggers()); got != 2 {
		t.Fatalf("triggers after scheduler change = %d, want 2", got)
	}
}
