package pool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"fetchq/internal/eventbus"
	"fetchq/internal/jobstore"
	logx "fetchq/pkg/logx"
)

func (p *Pool) worker(ctx context.Context, stopCh <-chan struct{}, name string) {
	log := p.log.With(logx.String("worker", name))
	log.Debug("worker loop started")

	for {
		// Fast-exit check so a closed stopCh wins over available work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		job, err := p.store.ClaimNext(ctx)
		if err != nil {
			// Store-level failure: infra problem, not a job failure. Back
			// off and retry the claim itself.
			log.Warn("claim failed", logx.Err(err))
			if !sleepInterruptible(ctx, stopCh, p.cfg.StoreBackoff) {
				return
			}
			continue
		}
		if job == nil {
			if !sleepInterruptible(ctx, stopCh, p.cfg.PollInterval) {
				return
			}
			continue
		}

		atomic.AddUint64(&p.claimed, 1)
		atomic.AddInt32(&p.inFlight, 1)
		p.runJob(ctx, log, name, job)
		atomic.AddInt32(&p.inFlight, -1)
	}
}

func (p *Pool) runJob(ctx context.Context, log logx.Logger, worker string, job *jobstore.Job) {
	start := time.Now()
	attempt := job.RetryCount + 1
	log.Debug("job claimed",
		logx.String("id", job.ID),
		logx.String("name", job.Name),
		logx.String("target", job.Target),
		logx.Int("attempt", attempt),
	)
	p.publish("job.claimed", eventbus.JobEvent{JobID: job.ID, Name: job.Name, Target: job.Target, Worker: worker, Attempt: attempt})

	fetcher, err := p.factory(job.Handler)
	if err != nil {
		// Unknown handler is a configuration problem. It still goes through
		// the normal failure path (and consumes a retry slot): the store
		// cannot tell logic errors from infra errors.
		p.settleFailure(ctx, log, worker, job, attempt, time.Since(start), err)
		return
	}

	if p.limiter != nil {
		if err := p.limiter.Admit(ctx, job.Target, 1); err != nil {
			// Only context cancellation gets here: shutdown mid-claim. The
			// job stays running and is reclaimed by staleness later.
			log.Warn("admission interrupted; leaving job for reclaim",
				logx.String("id", job.ID), logx.Err(err))
			return
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, p.cfg.ExecTimeout)
	result, err := fetcher.Execute(execCtx, job.Target)
	cancel()

	dur := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("execution timed out after %s", p.cfg.ExecTimeout)
		}
		p.settleFailure(ctx, log, worker, job, attempt, dur, err)
		return
	}

	if cerr := p.withStoreRetry(ctx, func(c context.Context) error {
		return p.store.Complete(c, job.ID, result)
	}); cerr != nil {
		log.Error("recording completion failed", logx.String("id", job.ID), logx.Err(cerr))
		return
	}
	atomic.AddUint64(&p.completed, 1)
	log.Info("job completed",
		logx.String("id", job.ID),
		logx.String("name", job.Name),
		logx.Duration("dur", dur),
		logx.Int("attempt", attempt),
	)
	p.publish("job.completed", eventbus.JobEvent{JobID: job.ID, Name: job.Name, Target: job.Target, Worker: worker, Attempt: attempt, Duration: dur})
}

func (p *Pool) settleFailure(ctx context.Context, log logx.Logger, worker string, job *jobstore.Job, attempt int, dur time.Duration, cause error) {
	var requeued bool
	err := p.withStoreRetry(ctx, func(c context.Context) error {
		var ferr error
		requeued, ferr = p.store.FailOrRetry(c, job.ID, cause.Error())
		return ferr
	})
	if err != nil {
		log.Error("recording failure failed", logx.String("id", job.ID), logx.Err(err))
		return
	}

	ev := eventbus.JobEvent{JobID: job.ID, Name: job.Name, Target: job.Target, Worker: worker, Attempt: attempt, Duration: dur, Error: cause.Error()}
	if requeued {
		atomic.AddUint64(&p.retried, 1)
		log.Warn("job attempt failed; requeued",
			logx.String("id", job.ID),
			logx.Int("attempt", attempt),
			logx.Err(cause),
		)
		p.publish("job.retried", ev)
		return
	}
	atomic.AddUint64(&p.failed, 1)
	log.Error("job failed",
		logx.String("id", job.ID),
		logx.Int("attempt", attempt),
		logx.Err(cause),
	)
	p.publish("job.failed", ev)
}

// withStoreRetry retries a store mutation a few times; store outages must
// not turn into lost job outcomes.
func (p *Pool) withStoreRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for i := 0; i < 3; i++ {
		err = fn(ctx)
		if err == nil || !jobstore.IsStoreError(err) {
			return err
		}
		t := time.NewTimer(p.cfg.StoreBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}

func (p *Pool) publish(typ string, ev eventbus.JobEvent) {
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
}

// sleepInterruptible waits d, returning false if stop or ctx fired first.
func sleepInterruptible(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-t.C:
		return true
	}
}
