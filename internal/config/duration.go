package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration knobs (poll intervals, retry delays, retention windows) are plain
// strings in the config file, parsed with time.ParseDuration. path names the
// field in errors, e.g. "store.retry_delay".

// ParseDurationField parses one duration field. Empty means unset and parses
// to zero; negative values are rejected because every duration here is a
// wait or a window.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for unset
// fields; the app's mapping layer uses it where zero is not a usable value
// (maintenance interval, retention, busy timeout).
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
