package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Store     StoreConfig     `json:"store"`
	Pool      PoolConfig      `json:"pool"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig controls the sqlite-backed job store.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type StoreConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	// RetryDelay is the minimum wait before a requeued job becomes
	// claimable again. "0s" makes retries immediately claimable.
	RetryDelay string `json:"retry_delay,omitempty"`

	// Retention bounds how long terminal jobs are kept before the
	// maintenance loop purges them. Default: 720h (30 days).
	Retention string `json:"retention,omitempty"`

	// ReclaimAfter is how long a job may sit in running before the
	// maintenance loop assumes its worker died and requeues it.
	ReclaimAfter string `json:"reclaim_after,omitempty"`

	MaintenanceInterval string `json:"maintenance_interval,omitempty"`
}

// PoolConfig controls the worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - poll_interval: "1s"
//   - exec_timeout: "5m" ("0s" disables the per-job timeout)
type PoolConfig struct {
	Workers      int    `json:"workers,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	ExecTimeout  string `json:"exec_timeout,omitempty"`
}

// RateLimitConfig controls outbound request throttling.
type RateLimitConfig struct {
	Enabled           bool    `json:"enabled"`
	RequestsPerMinute float64 `json:"requests_per_minute,omitempty"`
	Burst             int     `json:"burst,omitempty"`

	// DelayMin/DelayMax bound the randomized pacing delay added to every
	// admitted request. Both "0s" disables pacing.
	DelayMin string `json:"delay_min,omitempty"`
	DelayMax string `json:"delay_max,omitempty"`

	RespectCrawlDelay bool   `json:"respect_crawl_delay,omitempty"`
	MaxWait           string `json:"max_wait,omitempty"`

	// Destinations overrides the per-host rate for specific hosts.
	// Keys are hostnames; applied at start and on hot reload.
	Destinations map[string]DestinationRate `json:"destinations,omitempty"`
}

type DestinationRate struct {
	RequestsPerMinute float64 `json:"requests_per_minute"`
	Burst             int     `json:"burst,omitempty"`
}

// SchedulerConfig controls the trigger scheduler.
type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	EvalInterval string `json:"eval_interval,omitempty"`

	// Triggers declared here are upserted into the trigger table at
	// startup under stable ids derived from their names, so edits to
	// the file survive restarts without duplicating triggers.
	Triggers []TriggerSpec `json:"triggers,omitempty"`
}

// TriggerSpec is a declarative trigger. Exactly one of Cron, Every or
// RunAt must be set; the rest describe the job each firing enqueues.
type TriggerSpec struct {
	Name string `json:"name"`

	Cron  string `json:"cron,omitempty"`
	Every string `json:"every,omitempty"`  // Go duration string
	RunAt string `json:"run_at,omitempty"` // RFC 3339

	Target     string            `json:"target"`
	Handler    string            `json:"handler"`
	Priority   int               `json:"priority,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
