package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate checks the parts of the config that would otherwise fail deep
// inside a service constructor: duration strings, rate bounds and trigger
// shapes. It does not apply defaults; constructors clamp zero values.
func (c *Config) Validate() error {
	durations := []struct {
		path string
		raw  string
	}{
		{"store.busy_timeout", c.Store.BusyTimeout},
		{"store.retry_delay", c.Store.RetryDelay},
		{"store.retention", c.Store.Retention},
		{"store.reclaim_after", c.Store.ReclaimAfter},
		{"store.maintenance_interval", c.Store.MaintenanceInterval},
		{"pool.poll_interval", c.Pool.PollInterval},
		{"pool.exec_timeout", c.Pool.ExecTimeout},
		{"rate_limit.delay_min", c.RateLimit.DelayMin},
		{"rate_limit.delay_max", c.RateLimit.DelayMax},
		{"rate_limit.max_wait", c.RateLimit.MaxWait},
		{"scheduler.eval_interval", c.Scheduler.EvalInterval},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if c.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit.requests_per_minute: must be >= 0")
	}
	if c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit.burst: must be >= 0")
	}
	dmin, _ := ParseDurationField("rate_limit.delay_min", c.RateLimit.DelayMin)
	dmax, _ := ParseDurationField("rate_limit.delay_max", c.RateLimit.DelayMax)
	if dmax > 0 && dmin > dmax {
		return fmt.Errorf("rate_limit: delay_min %s exceeds delay_max %s", dmin, dmax)
	}
	for host, dr := range c.RateLimit.Destinations {
		if strings.TrimSpace(host) == "" {
			return fmt.Errorf("rate_limit.destinations: empty host key")
		}
		if dr.RequestsPerMinute <= 0 {
			return fmt.Errorf("rate_limit.destinations[%s]: requests_per_minute must be > 0", host)
		}
		if dr.Burst < 0 {
			return fmt.Errorf("rate_limit.destinations[%s]: burst must be >= 0", host)
		}
	}

	if c.Pool.Workers < 0 {
		return fmt.Errorf("pool.workers: must be >= 0")
	}

	seen := make(map[string]struct{}, len(c.Scheduler.Triggers))
	for i, t := range c.Scheduler.Triggers {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return fmt.Errorf("scheduler.triggers[%d]: name is required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("scheduler.triggers[%d]: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}

		set := 0
		if strings.TrimSpace(t.Cron) != "" {
			set++
		}
		if strings.TrimSpace(t.Every) != "" {
			set++
			if _, err := ParseDurationField(fmt.Sprintf("scheduler.triggers[%s].every", name), t.Every); err != nil {
				return err
			}
		}
		if strings.TrimSpace(t.RunAt) != "" {
			set++
			if _, err := time.Parse(time.RFC3339, strings.TrimSpace(t.RunAt)); err != nil {
				return fmt.Errorf("scheduler.triggers[%s].run_at: invalid RFC 3339 time %q: %w", name, t.RunAt, err)
			}
		}
		if set != 1 {
			return fmt.Errorf("scheduler.triggers[%s]: exactly one of cron, every, run_at must be set", name)
		}
		if strings.TrimSpace(t.Target) == "" {
			return fmt.Errorf("scheduler.triggers[%s]: target is required", name)
		}
		if strings.TrimSpace(t.Handler) == "" {
			return fmt.Errorf("scheduler.triggers[%s]: handler is required", name)
		}
		if t.MaxRetries < 0 {
			return fmt.Errorf("scheduler.triggers[%s]: max_retries must be >= 0", name)
		}
	}

	return nil
}
