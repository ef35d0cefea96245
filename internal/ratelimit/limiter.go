// Package ratelimit paces outbound fetches with token buckets: one global
// bucket plus one per destination host, created lazily. Destinations may
// additionally declare a crawl-delay (robots.txt) which is honored when
// configured, fail-open on lookup errors.
package ratelimit

import (
	"context"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	logx "fetchq/pkg/logx"
)

// Config configures the limiter.
//
// Defaults (applied by New when fields are zero):
//   - RequestsPerMinute: 60
//   - Burst: 10
//   - MaxWait: 60s (per-iteration sleep cap while waiting for tokens)
type Config struct {
	Enabled           bool
	RequestsPerMinute float64
	Burst             int

	// DelayMin/DelayMax bound the randomized pause applied after admission
	// so request timing is not perfectly periodic. Both zero disables it.
	DelayMin time.Duration
	DelayMax time.Duration

	RespectCrawlDelay bool
	MaxWait           time.Duration
}

// BucketStats is an observability snapshot of one bucket.
type BucketStats struct {
	Tokens     float64 `json:"tokens"`
	Capacity   float64 `json:"capacity"`
	RefillRate float64 `json:"refill_rate"` // tokens per second
}

type Limiter struct {
	cfg Config
	log logx.Logger
	now func() time.Time

	policy Policy

	mu     sync.Mutex
	global *bucket
	hosts  map[string]*bucket
	rng    *rand.Rand

	// crawl-delay cache: one lookup per host, failures cached as zero.
	dmu    sync.Mutex
	delays map[string]time.Duration
}

// New builds a limiter. policy may be nil (no crawl-delay lookups).
func New(cfg Config, policy Policy, log logx.Logger) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 60 * time.Second
	}
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMax = cfg.DelayMin
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	now := time.Now
	return &Limiter{
		cfg:    cfg,
		log:    log,
		now:    now,
		policy: policy,
		global: newBucket(float64(cfg.Burst), cfg.RequestsPerMinute/60.0, now()),
		hosts:  map[string]*bucket{},
		rng:    rand.New(rand.NewSource(now().UnixNano())),
		delays: map[string]time.Duration{},
	}
}

// Admit blocks until both the global bucket and the destination bucket grant
// cost tokens, then applies the randomized pacing delay and any cached
// crawl-delay for the destination. It returns early only on context
// cancellation. Consumption is all-or-nothing per bucket.
func (l *Limiter) Admit(ctx context.Context, target string, cost float64) error {
	if !l.cfg.Enabled {
		return nil
	}
	if cost <= 0 {
		cost = 1
	}
	host := HostOf(target)

	if err := l.waitBucket(ctx, l.global, "global", cost); err != nil {
		return err
	}
	if err := l.waitBucket(ctx, l.hostBucket(host), host, cost); err != nil {
		return err
	}

	if d := l.pacingDelay(); d > 0 {
		if err := sleepCtx(ctx, d); err != nil {
			return err
		}
	}

	if l.cfg.RespectCrawlDelay && l.policy != nil {
		if d := l.crawlDelay(ctx, host); d > 0 {
			l.log.Debug("honoring crawl delay", logx.String("host", host), logx.Duration("delay", d))
			if err := sleepCtx(ctx, d); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Limiter) waitBucket(ctx context.Context, b *bucket, name string, cost float64) error {
	for {
		now := l.now()
		if b.take(cost, now) {
			return nil
		}
		wait := b.waitFor(cost, now)
		if wait > l.cfg.MaxWait {
			// Cap each sleep so runtime rate overrides take effect promptly.
			wait = l.cfg.MaxWait
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		l.log.Debug("rate limit wait", logx.String("bucket", name), logx.Duration("wait", wait))
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

func (l *Limiter) hostBucket(host string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.hosts[host]
	if b == nil {
		b = newBucket(float64(l.cfg.Burst), l.cfg.RequestsPerMinute/60.0, l.now())
		l.hosts[host] = b
	}
	return b
}

func (l *Limiter) pacingDelay() time.Duration {
	if l.cfg.DelayMax <= 0 {
		return 0
	}
	span := l.cfg.DelayMax - l.cfg.DelayMin
	l.mu.Lock()
	defer l.mu.Unlock()
	if span <= 0 {
		return l.cfg.DelayMin
	}
	return l.cfg.DelayMin + time.Duration(l.rng.Int63n(int64(span)+1))
}

func (l *Limiter) crawlDelay(ctx context.Context, host string) time.Duration {
	l.dmu.Lock()
	d, ok := l.delays[host]
	l.dmu.Unlock()
	if ok {
		return d
	}

	d, found, err := l.policy.CrawlDelay(ctx, host)
	if err != nil {
		// Fail-open: a broken policy lookup never blocks fetching.
		l.log.Debug("crawl delay lookup failed", logx.String("host", host), logx.Err(err))
		d, found = 0, false
	}
	if !found {
		d = 0
	}
	l.dmu.Lock()
	l.delays[host] = d
	l.dmu.Unlock()
	return d
}

// SetDestinationRate overrides bucket parameters for one host at runtime.
// perMinute is the refill rate; burst the capacity (defaults to perMinute).
func (l *Limiter) SetDestinationRate(host string, perMinute float64, burst int) {
	if perMinute <= 0 {
		return
	}
	if burst <= 0 {
		burst = int(perMinute)
	}
	l.mu.Lock()
	l.hosts[host] = newBucket(float64(burst), perMinute/60.0, l.now())
	l.mu.Unlock()
	l.log.Info("destination rate set",
		logx.String("host", host),
		logx.Float64("per_minute", perMinute),
		logx.Int("burst", burst),
	)
}

// Stats exposes current token levels; key "global" plus one entry per host.
func (l *Limiter) Stats() map[string]BucketStats {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]BucketStats, len(l.hosts)+1)
	out["global"] = l.global.level(now)
	for host, b := range l.hosts {
		out[host] = b.level(now)
	}
	return out
}

// Reset drops all per-host buckets and the crawl-delay cache.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.hosts = map[string]*bucket{}
	l.global = newBucket(float64(l.cfg.Burst), l.cfg.RequestsPerMinute/60.0, l.now())
	l.mu.Unlock()

	l.dmu.Lock()
	l.delays = map[string]time.Duration{}
	l.dmu.Unlock()
	l.log.Info("rate limits reset")
}

// HostOf extracts the throttling key from a target. URLs map to their
// hostname; anything unparseable throttles under its raw value.
func HostOf(target string) string {
	u, err := url.Parse(target)
	if err == nil && u.Hostname() != "" {
		return strings.ToLower(u.Hostname())
	}
	return strings.ToLower(strings.TrimSpace(target))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
