package app

import (
	"fmt"
	"strings"
	"time"

	"fetchq/internal/config"
	"fetchq/internal/jobstore"
	"fetchq/internal/pool"
	"fetchq/internal/ratelimit"
	"fetchq/internal/scheduler"
	logx "fetchq/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStoreConfig(cfg *config.Config) (jobstore.Config, error) {
	busy, err := config.ParseDurationOrDefault("store.busy_timeout", cfg.Store.BusyTimeout, 5*time.Second)
	if err != nil {
		return jobstore.Config{}, err
	}
	retryDelay, err := config.ParseDurationField("store.retry_delay", cfg.Store.RetryDelay)
	if err != nil {
		return jobstore.Config{}, err
	}
	path := strings.TrimSpace(cfg.Store.Path)
	if path == "" {
		path = "./fetchq.db"
	}
	return jobstore.Config{
		Path:        path,
		BusyTimeout: busy,
		RetryDelay:  retryDelay,
	}, nil
}

func mapPoolConfig(cfg *config.Config) (pool.Config, error) {
	poll, err := config.ParseDurationField("pool.poll_interval", cfg.Pool.PollInterval)
	if err != nil {
		return pool.Config{}, err
	}
	execTimeout, err := config.ParseDurationField("pool.exec_timeout", cfg.Pool.ExecTimeout)
	if err != nil {
		return pool.Config{}, err
	}
	return pool.Config{
		Workers:      cfg.Pool.Workers,
		PollInterval: poll,
		ExecTimeout:  execTimeout,
	}, nil
}

func mapLimiterConfig(cfg *config.Config) (ratelimit.Config, error) {
	dmin, err := config.ParseDurationField("rate_limit.delay_min", cfg.RateLimit.DelayMin)
	if err != nil {
		return ratelimit.Config{}, err
	}
	dmax, err := config.ParseDurationField("rate_limit.delay_max", cfg.RateLimit.DelayMax)
	if err != nil {
		return ratelimit.Config{}, err
	}
	maxWait, err := config.ParseDurationField("rate_limit.max_wait", cfg.RateLimit.MaxWait)
	if err != nil {
		return ratelimit.Config{}, err
	}
	return ratelimit.Config{
		Enabled:           cfg.RateLimit.Enabled,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
		DelayMin:          dmin,
		DelayMax:          dmax,
		RespectCrawlDelay: cfg.RateLimit.RespectCrawlDelay,
		MaxWait:           maxWait,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	eval, err := config.ParseDurationField("scheduler.eval_interval", cfg.Scheduler.EvalInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{EvalInterval: eval}, nil
}

// maintenanceSettings carries the knobs for the periodic store upkeep loop.
type maintenanceSettings struct {
	Interval     time.Duration
	Retention    time.Duration
	ReclaimAfter time.Duration
}

func mapMaintenance(cfg *config.Config) (maintenanceSettings, error) {
	interval, err := config.ParseDurationOrDefault("store.maintenance_interval", cfg.Store.MaintenanceInterval, 10*time.Minute)
	if err != nil {
		return maintenanceSettings{}, err
	}
	retention, err := config.ParseDurationOrDefault("store.retention", cfg.Store.Retention, 30*24*time.Hour)
	if err != nil {
		return maintenanceSettings{}, err
	}
	reclaim, err := config.ParseDurationOrDefault("store.reclaim_after", cfg.Store.ReclaimAfter, 15*time.Minute)
	if err != nil {
		return maintenanceSettings{}, err
	}
	return maintenanceSettings{
		Interval:     interval,
		Retention:    retention,
		ReclaimAfter: reclaim,
	}, nil
}

// cfgTriggerID derives the stable trigger id for a config-declared trigger,
// so repeated startups upsert instead of duplicating.
func cfgTriggerID(name string) string { return "cfg:" + strings.TrimSpace(name) }

// mapTriggerSpec converts a declarative trigger into a persisted one.
func mapTriggerSpec(ts config.TriggerSpec) (jobstore.Trigger, error) {
	name := strings.TrimSpace(ts.Name)
	t := jobstore.Trigger{
		ID: cfgTriggerID(name),
		Template: jobstore.JobSpec{
			Name:       name,
			Target:     strings.TrimSpace(ts.Target),
			Handler:    strings.TrimSpace(ts.Handler),
			Priority:   ts.Priority,
			MaxRetries: ts.MaxRetries,
			Metadata:   ts.Metadata,
		},
	}
	if t.Template.MaxRetries == 0 {
		t.Template.MaxRetries = jobstore.DefaultMaxRetries
	}

	switch {
	case strings.TrimSpace(ts.Cron) != "":
		t.Kind = jobstore.TriggerCron
		t.CronExpr = strings.TrimSpace(ts.Cron)
	case strings.TrimSpace(ts.Every) != "":
		every, err := config.ParseDurationField(fmt.Sprintf("scheduler.triggers[%s].every", name), ts.Every)
		if err != nil {
			return jobstore.Trigger{}, err
		}
		if every <= 0 {
			return jobstore.Trigger{}, fmt.Errorf("scheduler.triggers[%s].every: must be > 0", name)
		}
		t.Kind = jobstore.TriggerInterval
		t.Every = every
	case strings.TrimSpace(ts.RunAt) != "":
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(ts.RunAt))
		if err != nil {
			return jobstore.Trigger{}, fmt.Errorf("scheduler.triggers[%s].run_at: %w", name, err)
		}
		t.Kind = jobstore.TriggerOneShot
		t.RunAt = at
	default:
		return jobstore.Trigger{}, fmt.Errorf("scheduler.triggers[%s]: one of cron, every, run_at must be set", name)
	}
	return t, nil
}
