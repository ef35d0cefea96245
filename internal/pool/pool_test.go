package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"fetchq/internal/eventbus"
	"fetchq/internal/fetch"
	"fetchq/internal/jobstore"
	logx "fetchq/pkg/logx"
)

// memQueue is an in-memory pool.Store: a pending slice plus settled records.
type memQueue struct {
	mu      sync.Mutex
	all     []*jobstore.Job
	pending []*jobstore.Job
	done    map[string]json.RawMessage
	failed  map[string]string
	retries map[string]int
}

func newMemQueue() *memQueue {
	return &memQueue{
		done:    map[string]json.RawMessage{},
		failed:  map[string]string{},
		retries: map[string]int{},
	}
}

// track enqueues a job and remembers it for later FailOrRetry lookups.
func (q *memQueue) track(j *jobstore.Job) {
	q.mu.Lock()
	q.all = append(q.all, j)
	q.pending = append(q.pending, j)
	q.mu.Unlock()
}

func (q *memQueue) ClaimNext(ctx context.Context) (*jobstore.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	j := q.pending[0]
	q.pending = q.pending[1:]
	j.Status = jobstore.StatusRunning
	return j, nil
}

func (q *memQueue) Complete(ctx context.Context, id string, result json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.done[id] = result
	return nil
}

func (q *memQueue) FailOrRetry(ctx context.Context, id, errorMessage string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j := q.byIDLocked(id)
	if j == nil {
		return false, jobstore.ErrNotFound
	}
	if j.RetryCount < j.MaxRetries {
		j.RetryCount++
		q.retries[id] = j.RetryCount
		j.Status = jobstore.StatusPending
		q.pending = append(q.pending, j)
		return true, nil
	}
	q.failed[id] = errorMessage
	return false, nil
}

func (q *memQueue) byIDLocked(id string) *jobstore.Job {
	for _, j := range q.all {
		if j.ID == id {
			return j
		}
	}
	return nil
}

func (q *memQueue) doneCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.done)
}

func (q *memQueue) failedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.failed)
}

func job(id, handler string, maxRetries int) *jobstore.Job {
	return &jobstore.Job{
		ID:         id,
		Name:       "job-" + id,
		Target:     "https://a.test/" + id,
		Handler:    handler,
		Status:     jobstore.StatusPending,
		MaxRetries: maxRetries,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func testConfig() Config {
	return Config{Workers: 2, PollInterval: 5 * time.Millisecond, ExecTimeout: time.Second, StoreBackoff: 5 * time.Millisecond}
}

func TestPoolCompletesJobs(t *testing.T) {
	t.Parallel()
	q := newMemQueue()
	for i := 0; i < 3; i++ {
		q.track(job(fmt.Sprintf("c%d", i), "ok", 0))
	}

	reg := fetch.NewRegistry()
	reg.Register("ok", fetch.FetcherFunc(func(ctx context.Context, target string) (json.RawMessage, error) {
		return json.RawMessage(`{"fetched":true}`), nil
	}))

	p := New(testConfig(), q, nil, reg.Resolve, logx.Nop(), nil)
	p.Start(context.Background())
	defer p.Stop(context.Background())

	waitFor(t, func() bool { return q.doneCount() == 3 })

	q.mu.Lock()
	for id, res := range q.done {
		if string(res) != `{"fetched":true}` {
			t.Fatalf("job %s result = %s", id, res)
		}
	}
	q.mu.Unlock()
	snap := p.Snapshot()
	if snap.Completed != 3 || snap.Failed != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestPoolRetriesThenFails(t *testing.T) {
	t.Parallel()
	q := newMemQueue()
	q.track(job("r1", "boom", 2))

	reg := fetch.NewRegistry()
	reg.Register("boom", fetch.FetcherFunc(func(ctx context.Context, target string) (json.RawMessage, error) {
		return nil, errors.New("connection refused")
	}))

	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	p := New(testConfig(), q, nil, reg.Resolve, logx.Nop(), bus)
	p.Start(context.Background())
	defer p.Stop(context.Background())

	waitFor(t, func() bool { return q.failedCount() == 1 })

	q.mu.Lock()
	msg := q.failed["r1"]
	retries := q.retries["r1"]
	q.mu.Unlock()
	if !strings.Contains(msg, "connection refused") {
		t.Fatalf("failure message = %q", msg)
	}
	if retries != 2 {
		t.Fatalf("retries = %d, want 2", retries)
	}

	snap := p.Snapshot()
	if snap.Retried != 2 || snap.Failed != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	// Lifecycle events arrive in claim/retry/fail order for this job.
	var types []string
	timeout := time.After(time.Second)
collect:
	for len(types) < 7 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-timeout:
			break collect
		}
	}
	var retried, failedEv int
	for _, typ := range types {
		switch typ {
		case "job.retried":
			retried++
		case "job.failed":
			failedEv++
		}
	}
	if retried != 2 || failedEv != 1 {
		t.Fatalf("events = %v", types)
	}
}

func TestUnknownHandlerConsumesRetrySlot(t *testing.T) {
	t.Parallel()
	q := newMemQueue()
	q.track(job("u1", "nobody", 0))

	reg := fetch.NewRegistry()
	p := New(testConfig(), q, nil, reg.Resolve, logx.Nop(), nil)
	p.Start(context.Background())
	defer p.Stop(context.Background())

	waitFor(t, func() bool { return q.failedCount() == 1 })

	q.mu.Lock()
	msg := q.failed["u1"]
	q.mu.Unlock()
	if !strings.Contains(msg, "unknown handler") {
		t.Fatalf("failure message = %q", msg)
	}
}

func TestExecutionTimeout(t *testing.T) {
	t.Parallel()
	q := newMemQueue()
	q.track(job("t1", "slow", 0))

	reg := fetch.NewRegistry()
	reg.Register("slow", fetch.FetcherFunc(func(ctx context.Context, target string) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	cfg := testConfig()
	cfg.ExecTimeout = 20 * time.Millisecond
	p := New(cfg, q, nil, reg.Resolve, logx.Nop(), nil)
	p.Start(context.Background())
	defer p.Stop(context.Background())

	waitFor(t, func() bool { return q.failedCount() == 1 })

	q.mu.Lock()
	msg := q.failed["t1"]
	q.mu.Unlock()
	if !strings.Contains(msg, "timed out") {
		t.Fatalf("failure message = %q", msg)
	}
}

func TestStopDrainsInFlight(t *testing.T) {
	t.Parallel()
	q := newMemQueue()
	q.track(job("d1", "gated", 0))

	started := make(chan struct{})
	release := make(chan struct{})
	reg := fetch.NewRegistry()
	reg.Register("gated", fetch.FetcherFunc(func(ctx context.Context, target string) (json.RawMessage, error) {
		close(started)
		<-release
		return json.RawMessage(`{}`), nil
	}))

	p := New(testConfig(), q, nil, reg.Resolve, logx.Nop(), nil)
	p.Start(context.Background())

	<-started
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Stop(stopCtx)

	// Stop returned only after the in-flight job settled.
	if q.doneCount() != 1 {
		t.Fatalf("done = %d, want 1 (stop abandoned in-flight work)", q.doneCount())
	}
	if p.Snapshot().Running {
		t.Fatal("pool still reports running after Stop")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()
	q := newMemQueue()
	p := New(testConfig(), q, nil, fetch.NewRegistry().Resolve, logx.Nop(), nil)

	p.Start(context.Background())
	p.Start(context.Background()) // no-op
	p.Stop(context.Background())
	p.Stop(context.Background()) // no-op

	p.Start(context.Background())
	p.Stop(context.Background())
}
