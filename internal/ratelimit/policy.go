package ratelimit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Policy answers "how long does this host want us to wait between requests".
// found=false means the host declares nothing. Errors are advisory: the
// limiter treats them as "no delay" (fail-open).
type Policy interface {
	CrawlDelay(ctx context.Context, host string) (delay time.Duration, found bool, err error)
}

// RobotsPolicy fetches robots.txt once per host (the limiter caches the
// answer) and reads its Crawl-delay directive. Outbound lookups are paced by
// an x/time rate limiter so policy discovery can't itself hammer hosts.
type RobotsPolicy struct {
	client  *http.Client
	limiter *rate.Limiter
	agent   string
}

func NewRobotsPolicy(agent string) *RobotsPolicy {
	if strings.TrimSpace(agent) == "" {
		agent = "fetchq"
	}
	return &RobotsPolicy{
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Second), 4),
		agent:   agent,
	}
}

func (p *RobotsPolicy) CrawlDelay(ctx context.Context, host string) (time.Duration, bool, error) {
	if host == "" {
		return 0, false, nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+host+"/robots.txt", nil)
	if err != nil {
		return 0, false, err
	}
	req.Header.Set("User-Agent", p.agent)

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, false, fmt.Errorf("robots.txt fetch: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return 0, false, err
	}
	return parseCrawlDelay(string(body), p.agent)
}

// parseCrawlDelay reads the Crawl-delay for the wildcard agent or the given
// agent. Malformed values are ignored rather than treated as errors.
func parseCrawlDelay(content, agent string) (time.Duration, bool, error) {
	agent = strings.ToLower(agent)
	currentAgent := ""
	var delay time.Duration
	found := false

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "user-agent":
			currentAgent = strings.ToLower(value)
		case "crawl-delay":
			if currentAgent != "*" && currentAgent != agent {
				continue
			}
			secs, err := strconv.ParseFloat(value, 64)
			if err != nil || secs < 0 {
				continue
			}
			delay = time.Duration(secs * float64(time.Second))
			found = true
		}
	}
	return delay, found, nil
}
