package scheduler

import (
	"context"
	"time"

	"fetchq/internal/eventbus"
	"fetchq/internal/jobstore"
	rtsup "fetchq/internal/runtime/supervisor"
	logx "fetchq/pkg/logx"
)

// Start loads persisted triggers and begins evaluation. Triggers whose fire
// time elapsed while the process was down fire once immediately; missed
// occurrences are coalesced, never replayed.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return nil
	}

	persisted, err := s.store.ListTriggers(ctx)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	for i := range persisted {
		t := persisted[i]
		s.triggers[t.ID] = &t
	}

	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))))
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("scheduler.tick", func(c context.Context) error {
		s.run(c, stopCh)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		return c.Err()
	})

	s.log.Info("scheduler started",
		logx.Int("triggers", len(persisted)),
		logx.Duration("eval_interval", s.cfg.EvalInterval),
	)
	return nil
}

// Stop halts evaluation. Persisted triggers remain and resume on the next
// Start.
func (s *Scheduler) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	go func() {
		if sup != nil {
			sup.Cancel()
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out")
	}
}

func (s *Scheduler) run(ctx context.Context, stopCh <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.EvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.evaluate(ctx)
		}
	}
}

// evaluate fires every due trigger once. Exported via Tick for tests.
func (s *Scheduler) evaluate(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	due := make([]*jobstore.Trigger, 0, 2)
	for _, t := range s.triggers {
		if !t.Paused && !t.NextRun.After(now) {
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		s.fire(ctx, t, now)
	}
}

// Tick runs one evaluation pass immediately.
func (s *Scheduler) Tick(ctx context.Context) { s.evaluate(ctx) }

func (s *Scheduler) fire(ctx context.Context, t *jobstore.Trigger, now time.Time) {
	jobID, err := s.store.AddJob(ctx, t.Template)
	if err != nil {
		// A store failure skips this occurrence; the trigger still advances
		// so a broken store doesn't cause a replay burst on recovery.
		s.log.Error("trigger fire skipped",
			logx.String("trigger", t.ID),
			logx.String("job", t.Template.Name),
			logx.Err(err),
		)
	} else {
		s.log.Info("trigger fired",
			logx.String("trigger", t.ID),
			logx.String("job_id", jobID),
			logx.String("job", t.Template.Name),
		)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "trigger.fired", Data: eventbus.JobEvent{
				JobID: jobID, Name: t.Template.Name, Target: t.Template.Target,
			}})
		}
	}

	if t.Kind == jobstore.TriggerOneShot {
		s.mu.Lock()
		delete(s.triggers, t.ID)
		s.mu.Unlock()
		if err := s.store.DeleteTrigger(ctx, t.ID); err != nil {
			s.log.Warn("one-shot trigger cleanup failed", logx.String("trigger", t.ID), logx.Err(err))
		}
		return
	}

	// Next fire computes from now, not from the missed slot: fires that
	// elapsed while firing was blocked collapse into one.
	next, err := nextFire(*t, now)
	if err != nil {
		s.log.Error("next fire computation failed", logx.String("trigger", t.ID), logx.Err(err))
		return
	}
	s.mu.Lock()
	t.NextRun = next
	s.mu.Unlock()
	if err := s.store.UpdateTriggerNextRun(ctx, t.ID, next); err != nil {
		s.log.Warn("persisting next fire failed", logx.String("trigger", t.ID), logx.Err(err))
	}
}
