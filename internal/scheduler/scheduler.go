// Package scheduler turns standing time triggers (cron, interval, one-shot)
// into job records. It only ever writes to the job store; execution is the
// worker pool's business.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"fetchq/internal/eventbus"
	"fetchq/internal/jobstore"
	rtsup "fetchq/internal/runtime/supervisor"
	logx "fetchq/pkg/logx"
)

// cronParser accepts exactly the classic 5-field form
// (minute hour day-of-month month day-of-week).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Clock abstracts wall time so trigger evaluation is testable without
// real waiting.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config controls trigger evaluation.
//
// EvalInterval is how often due triggers are checked; it bounds firing
// latency the same way the pool's poll interval bounds dispatch latency.
type Config struct {
	EvalInterval time.Duration
}

// Store is the jobstore subset the scheduler needs.
type Store interface {
	AddJob(ctx context.Context, spec jobstore.JobSpec) (string, error)
	SaveTrigger(ctx context.Context, t jobstore.Trigger) error
	DeleteTrigger(ctx context.Context, id string) error
	ListTriggers(ctx context.Context) ([]jobstore.Trigger, error)
	UpdateTriggerNextRun(ctx context.Context, id string, next time.Time) error
	SetTriggerPaused(ctx context.Context, id string, paused bool) error
}

type Scheduler struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	store Store
	clock Clock

	mu       sync.Mutex
	triggers map[string]*jobstore.Trigger

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
}

type Option func(*Scheduler)

// WithClock injects a clock; tests use this to avoid wall waiting.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func New(cfg Config, store Store, log logx.Logger, bus eventbus.Bus, opts ...Option) *Scheduler {
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		store:    store,
		clock:    systemClock{},
		triggers: map[string]*jobstore.Trigger{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AddTrigger validates and persists a standing trigger and returns its id.
// Malformed trigger parameters are rejected here, synchronously; no job is
// ever created from an invalid trigger.
func (s *Scheduler) AddTrigger(ctx context.Context, t jobstore.Trigger) (string, error) {
	if err := validateTrigger(&t); err != nil {
		return "", err
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}

	next, err := nextFire(t, s.clock.Now())
	if err != nil {
		return "", err
	}
	t.NextRun = next

	if err := s.store.SaveTrigger(ctx, t); err != nil {
		return "", err
	}

	s.mu.Lock()
	cp := t
	s.triggers[t.ID] = &cp
	s.mu.Unlock()

	s.log.Info("trigger added",
		logx.String("id", t.ID),
		logx.String("kind", string(t.Kind)),
		logx.String("job", t.Template.Name),
		logx.Time("next_run", t.NextRun),
	)
	return t.ID, nil
}

// RemoveTrigger deletes a trigger. Takes effect at the next evaluation
// tick; an already-fired job is not recalled.
func (s *Scheduler) RemoveTrigger(ctx context.Context, id string) error {
	if err := s.store.DeleteTrigger(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.triggers, id)
	s.mu.Unlock()
	s.log.Info("trigger removed", logx.String("id", id))
	return nil
}

// PauseTrigger stops a trigger from firing until resumed.
func (s *Scheduler) PauseTrigger(ctx context.Context, id string) error {
	return s.setPaused(ctx, id, true)
}

// ResumeTrigger reactivates a paused trigger. Its next fire is computed
// from now, so time spent paused is not replayed.
func (s *Scheduler) ResumeTrigger(ctx context.Context, id string) error {
	return s.setPaused(ctx, id, false)
}

func (s *Scheduler) setPaused(ctx context.Context, id string, paused bool) error {
	s.mu.Lock()
	t := s.triggers[id]
	s.mu.Unlock()
	if t == nil {
		return jobstore.ErrNotFound
	}
	if err := s.store.SetTriggerPaused(ctx, id, paused); err != nil {
		return err
	}

	s.mu.Lock()
	t.Paused = paused
	if !paused {
		if next, err := nextFire(*t, s.clock.Now()); err == nil {
			t.NextRun = next
			_ = s.store.UpdateTriggerNextRun(ctx, id, next)
		}
	}
	s.mu.Unlock()
	s.log.Info("trigger pause state changed", logx.String("id", id), logx.Bool("paused", paused))
	return nil
}

// ListTriggers returns a snapshot of all triggers, soonest first.
func (s *Scheduler) ListTriggers() []jobstore.Trigger {
	s.mu.Lock()
	out := make([]jobstore.Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		out = append(out, *t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(out[j].NextRun) })
	return out
}

func validateTrigger(t *jobstore.Trigger) error {
	switch t.Kind {
	case jobstore.TriggerCron:
		if _, err := cronParser.Parse(t.CronExpr); err != nil {
			return fmt.Errorf("scheduler: invalid cron expression %q: %w", t.CronExpr, err)
		}
	case jobstore.TriggerInterval:
		if t.Every <= 0 {
			return errors.New("scheduler: interval must be > 0")
		}
	case jobstore.TriggerOneShot:
		if t.RunAt.IsZero() {
			return errors.New("scheduler: one-shot trigger needs a run time")
		}
	default:
		return fmt.Errorf("scheduler: unknown trigger kind %q", t.Kind)
	}
	if strings.TrimSpace(t.Template.Name) == "" ||
		strings.TrimSpace(t.Template.Target) == "" ||
		strings.TrimSpace(t.Template.Handler) == "" {
		return errors.New("scheduler: trigger template needs name, target and handler")
	}
	return nil
}

// nextFire computes the next fire time strictly after the given instant.
// It is a pure function of the trigger definition and that instant.
func nextFire(t jobstore.Trigger, after time.Time) (time.Time, error) {
	switch t.Kind {
	case jobstore.TriggerCron:
		sched, err := cronParser.Parse(t.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("scheduler: invalid cron expression %q: %w", t.CronExpr, err)
		}
		return sched.Next(after), nil
	case jobstore.TriggerInterval:
		return after.Add(t.Every), nil
	case jobstore.TriggerOneShot:
		// A past run time fires once, immediately (coalesced).
		return t.RunAt, nil
	}
	return time.Time{}, fmt.Errorf("scheduler: unknown trigger kind %q", t.Kind)
}
