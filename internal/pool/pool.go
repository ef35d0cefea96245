// Package pool runs the concurrent worker loops that drain the job store.
// Each worker claims, rate-gates, executes and settles one job at a time;
// the store's atomic claim keeps workers from ever sharing a job.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fetchq/internal/eventbus"
	"fetchq/internal/fetch"
	"fetchq/internal/jobstore"
	rtsup "fetchq/internal/runtime/supervisor"
	logx "fetchq/pkg/logx"
)

// Config controls the worker pool.
//
// Defaults (applied by New when fields are zero):
//   - Workers: 4
//   - PollInterval: 1s (bounds dispatch latency when the queue is empty)
//   - ExecTimeout: 5m (per-job execution deadline)
//   - StoreBackoff: 5s (pause after a store-level claim failure)
type Config struct {
	Workers      int
	PollInterval time.Duration
	ExecTimeout  time.Duration
	StoreBackoff time.Duration
}

// Store is the jobstore subset workers touch.
type Store interface {
	ClaimNext(ctx context.Context) (*jobstore.Job, error)
	Complete(ctx context.Context, id string, result json.RawMessage) error
	FailOrRetry(ctx context.Context, id, errorMessage string) (requeued bool, err error)
}

// Admitter gates execution; the rate limiter implements it.
type Admitter interface {
	Admit(ctx context.Context, target string, cost float64) error
}

type Pool struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store   Store
	limiter Admitter
	factory fetch.Factory

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	inFlight  int32
	claimed   uint64
	completed uint64
	failed    uint64
	retried   uint64
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running   bool   `json:"running"`
	Workers   int    `json:"workers"`
	InFlight  int    `json:"in_flight"`
	Claimed   uint64 `json:"claimed"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
}

func New(cfg Config, store Store, limiter Admitter, factory fetch.Factory, log logx.Logger, bus eventbus.Bus) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 5 * time.Minute
	}
	if cfg.StoreBackoff <= 0 {
		cfg.StoreBackoff = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		store:   store,
		limiter: limiter,
		factory: factory,
	}
}

// Start spawns the workers. It is idempotent; a second call while running is
// a no-op. Workers auto-restart on panic.
func (p *Pool) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh != nil {
		p.mu.Unlock()
		return
	}
	p.stopCh = make(chan struct{})
	p.stopDone = nil
	stopCh := p.stopCh

	p.sup = rtsup.New(ctx, rtsup.WithLogger(p.log.With(logx.String("comp", "pool"))))
	sup := p.sup
	workers := p.cfg.Workers
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := workerName(i)
		sup.GoRestart(name, func(c context.Context) error {
			p.worker(c, stopCh, name)
			// Clean exits happen only on shutdown.
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			return c.Err()
		})
	}

	p.log.Info("worker pool started", logx.Int("workers", workers), logx.Duration("poll", p.cfg.PollInterval))
}

// Stop signals all workers to exit after their in-flight job finishes and
// waits for the drain, bounded by ctx. On deadline the workers are cancelled
// forcefully and any in-flight jobs are left running in the store; they are
// recovered later by the store's stale-claim reclaim.
func (p *Pool) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	p.stopDone = done
	close(p.stopCh)
	sup := p.sup
	p.mu.Unlock()

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		p.mu.Lock()
		p.stopCh = nil
		p.stopDone = nil
		p.sup = nil
		p.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool stopped")
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
		p.log.Warn("worker pool stop deadline hit; abandoning in-flight jobs",
			logx.Int("in_flight", int(atomic.LoadInt32(&p.inFlight))))
	}
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	running := p.stopCh != nil && p.stopDone == nil
	p.mu.Unlock()
	return Snapshot{
		Running:   running,
		Workers:   p.cfg.Workers,
		InFlight:  int(atomic.LoadInt32(&p.inFlight)),
		Claimed:   atomic.LoadUint64(&p.claimed),
		Completed: atomic.LoadUint64(&p.completed),
		Failed:    atomic.LoadUint64(&p.failed),
		Retried:   atomic.LoadUint64(&p.retried),
	}
}

func workerName(i int) string {
	return fmt.Sprintf("worker.%d", i)
}
