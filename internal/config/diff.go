package config

import (
	"reflect"
	"sort"
	"strings"

	logx "fetchq/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) structured attrs for logging, and (3) the hostnames whose destination
// rate overrides changed (added, removed or retuned).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Store
	if !reflect.DeepEqual(oldCfg.Store, newCfg.Store) {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.Bool("store.path_set", strings.TrimSpace(newCfg.Store.Path) != ""),
			logx.String("store.retry_delay", strings.TrimSpace(newCfg.Store.RetryDelay)),
			logx.String("store.retention", strings.TrimSpace(newCfg.Store.Retention)),
		)
	}

	// Pool
	if !reflect.DeepEqual(oldCfg.Pool, newCfg.Pool) {
		changed = append(changed, "pool")
		attrs = append(attrs,
			logx.Int("pool.workers", newCfg.Pool.Workers),
			logx.String("pool.poll_interval", strings.TrimSpace(newCfg.Pool.PollInterval)),
			logx.String("pool.exec_timeout", strings.TrimSpace(newCfg.Pool.ExecTimeout)),
		)
	}

	// Rate limiter. Destination overrides diffed separately so the caller
	// can apply per-host updates without reloading the whole limiter.
	oRL, nRL := oldCfg.RateLimit, newCfg.RateLimit
	oDest, nDest := oRL.Destinations, nRL.Destinations
	oRL.Destinations, nRL.Destinations = nil, nil
	destChanged := diffDestinations(oDest, nDest)
	if !reflect.DeepEqual(oRL, nRL) || len(destChanged) > 0 {
		changed = append(changed, "rate_limit")
		attrs = append(attrs,
			logx.Bool("rate_limit.enabled", nRL.Enabled),
			logx.Float64("rate_limit.requests_per_minute", nRL.RequestsPerMinute),
			logx.Int("rate_limit.burst", nRL.Burst),
			logx.Int("rate_limit.destinations_changed", len(destChanged)),
		)
	}

	// Scheduler
	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.EvalInterval) != strings.TrimSpace(newCfg.Scheduler.EvalInterval) ||
		!reflect.DeepEqual(oldCfg.Scheduler.Triggers, newCfg.Scheduler.Triggers) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.Int("scheduler.trigger_count", len(newCfg.Scheduler.Triggers)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, destChanged
}

func diffDestinations(oldM, newM map[string]DestinationRate) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for host := range set {
		o, oOK := oldM[host]
		n, nOK := newM[host]
		if oOK != nOK || o != n {
			out = append(out, host)
		}
	}
	sort.Strings(out)
	return out
}
