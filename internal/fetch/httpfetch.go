package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPFetcher is the reference execution capability: a plain GET that
// records status, content type and body size. Real deployments register
// their own fetchers; this one keeps the binary runnable end to end.
type HTTPFetcher struct {
	client *http.Client
	agent  string
}

type httpResult struct {
	URL         string `json:"url"`
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`
	BodyBytes   int64  `json:"body_bytes"`
	FetchedAt   string `json:"fetched_at"`
}

func NewHTTPFetcher(agent string, timeout time.Duration) *HTTPFetcher {
	if agent == "" {
		agent = "fetchq"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{
		client: &http.Client{Timeout: timeout},
		agent:  agent,
	}
}

func (f *HTTPFetcher) Execute(ctx context.Context, target string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.agent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: status %d", target, resp.StatusCode)
	}

	return json.Marshal(httpResult{
		URL:         target,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		BodyBytes:   n,
		FetchedAt:   time.Now().UTC().Format(time.RFC3339),
	})
}
