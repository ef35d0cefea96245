package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleYAML = `
logging:
  level: debug
  console: true
store:
  path: ./data/jobs.db
  retry_delay: 30s
  retention: 168h
pool:
  workers: 8
  poll_interval: 500ms
rate_limit:
  enabled: true
  requests_per_minute: 120
  burst: 20
  delay_min: 100ms
  delay_max: 700ms
  respect_crawl_delay: true
  destinations:
    api.example.com:
      requests_per_minute: 30
      burst: 5
scheduler:
  enabled: true
  eval_interval: 2s
  triggers:
    - name: news-refresh
      cron: "*/5 * * * *"
      target: https://example.com/news
      handler: http
      priority: 5
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", sampleYAML)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Store.RetryDelay != "30s" {
		t.Fatalf("store.retry_delay = %q", cfg.Store.RetryDelay)
	}
	if cfg.Pool.Workers != 8 {
		t.Fatalf("pool.workers = %d", cfg.Pool.Workers)
	}
	if cfg.RateLimit.RequestsPerMinute != 120 || cfg.RateLimit.Burst != 20 {
		t.Fatalf("rate_limit = %+v", cfg.RateLimit)
	}
	dr, ok := cfg.RateLimit.Destinations["api.example.com"]
	if !ok || dr.RequestsPerMinute != 30 || dr.Burst != 5 {
		t.Fatalf("destinations = %+v", cfg.RateLimit.Destinations)
	}
	if len(cfg.Scheduler.Triggers) != 1 || cfg.Scheduler.Triggers[0].Cron != "*/5 * * * *" {
		t.Fatalf("triggers = %+v", cfg.Scheduler.Triggers)
	}

	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json",
		`{"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""}},
		  "store":{"path":"./jobs.db"},
		  "pool":{"workers":2},
		  "rate_limit":{"enabled":false},
		  "scheduler":{"enabled":false}}`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.Workers != 2 || cfg.Scheduler.Enabled {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
logging:
  level: info
  consoel: true
`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected unknown-field rejection")
	}
}

func TestParseRejectsBadDurations(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
store:
  retry_delay: half an hour
`)
	_, err := NewManager(path).Parse()
	if err == nil {
		t.Fatal("expected duration rejection")
	}
	if !strings.Contains(err.Error(), "store.retry_delay") {
		t.Fatalf("error does not name the field: %v", err)
	}
}

func TestValidateTriggers(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{Scheduler: SchedulerConfig{Triggers: []TriggerSpec{{
			Name:    "t",
			Every:   "10s",
			Target:  "https://a.test",
			Handler: "http",
		}}}}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing name", func(c *Config) { c.Scheduler.Triggers[0].Name = "" }},
		{"missing target", func(c *Config) { c.Scheduler.Triggers[0].Target = "" }},
		{"missing handler", func(c *Config) { c.Scheduler.Triggers[0].Handler = "" }},
		{"no time basis", func(c *Config) { c.Scheduler.Triggers[0].Every = "" }},
		{"two time bases", func(c *Config) { c.Scheduler.Triggers[0].Cron = "* * * * *" }},
		{"bad every", func(c *Config) { c.Scheduler.Triggers[0].Every = "sometimes" }},
		{"bad run_at", func(c *Config) {
			c.Scheduler.Triggers[0].Every = ""
			c.Scheduler.Triggers[0].RunAt = "tomorrow"
		}},
		{"duplicate names", func(c *Config) {
			c.Scheduler.Triggers = append(c.Scheduler.Triggers, c.Scheduler.Triggers[0])
		}},
		{"negative retries", func(c *Config) { c.Scheduler.Triggers[0].MaxRetries = -1 }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidateRateLimit(t *testing.T) {
	t.Parallel()
	cfg := &Config{RateLimit: RateLimitConfig{
		DelayMin: "2s",
		DelayMax: "1s",
	}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("delay_min > delay_max accepted")
	}

	cfg = &Config{RateLimit: RateLimitConfig{
		Destinations: map[string]DestinationRate{"a.test": {RequestsPerMinute: 0}},
	}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero destination rate accepted")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 90s "); err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default = %v, %v", d, err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Logging: LoggingConfig{Level: "info"},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Destinations: map[string]DestinationRate{
				"keep.test":   {RequestsPerMinute: 10},
				"remove.test": {RequestsPerMinute: 20},
			},
		},
	}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Destinations: map[string]DestinationRate{
				"keep.test": {RequestsPerMinute: 10},
				"add.test":  {RequestsPerMinute: 5},
			},
		},
	}

	sections, _, destChanged := SummarizeConfigChange(oldCfg, newCfg)
	joined := strings.Join(sections, ",")
	if !strings.Contains(joined, "logging") || !strings.Contains(joined, "rate_limit") {
		t.Fatalf("sections = %v", sections)
	}
	if len(destChanged) != 2 || destChanged[0] != "add.test" || destChanged[1] != "remove.test" {
		t.Fatalf("destChanged = %v", destChanged)
	}

	sections, _, destChanged = SummarizeConfigChange(newCfg, newCfg)
	if len(sections) != 0 || len(destChanged) != 0 {
		t.Fatalf("self-diff = %v %v", sections, destChanged)
	}
}
