package cloud

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultFetchTimeout bounds a single scene download.
	DefaultFetchTimeout = 60 * time.Second

	// DefaultFetchRetries is the number of download attempts.
	DefaultFetchRetries = 3

	defaultFetchBackoff = 500 * time.Millisecond

	// maxSceneBytes caps the response body; dense chunks export large
	// documents but never this large.
	maxSceneBytes = 512 << 20
)

// FetchOption configures FetchScene.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout     time.Duration
	retries     int
	baseBackoff time.Duration
	client      *http.Client
}

// WithFetchTimeout sets the per-request timeout.
func WithFetchTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) { c.timeout = d }
}

// WithFetchRetries sets the number of attempts.
func WithFetchRetries(n int) FetchOption {
	return func(c *fetchConfig) { c.retries = n }
}

// WithFetchBackoff sets the delay before the second attempt; it doubles
// after every failure.
func WithFetchBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) { c.baseBackoff = d }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) { c.client = client }
}

// IsRemoteScene reports whether a scene location is an http(s) URL.
func IsRemoteScene(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

// OpenScene loads a scene from a local path or an http(s) URL.
func OpenScene(ctx context.Context, location string) (*Scene, error) {
	if IsRemoteScene(location) {
		return FetchScene(ctx, location)
	}
	return LoadScene(location)
}

// FetchScene downloads a scene document, retrying transport failures and
// non-200 responses with exponential backoff. A document that does not parse
// fails immediately.
func FetchScene(ctx context.Context, url string, opts ...FetchOption) (*Scene, error) {
	if url == "" {
		return nil, fmt.Errorf("fetch scene: URL is empty")
	}
	cfg := fetchConfig{
		timeout:     DefaultFetchTimeout,
		retries:     DefaultFetchRetries,
		baseBackoff: defaultFetchBackoff,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.retries < 1 {
		cfg.retries = 1
	}
	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	var lastErr error
	backoff := cfg.baseBackoff
	for attempt := 0; attempt < cfg.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("fetch scene: %w", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		body, err := getBody(ctx, client, url)
		if err != nil {
			Logf("[FETCH] attempt %d/%d failed: %v", attempt+1, cfg.retries, err)
			lastErr = err
			continue
		}
		scene, err := ParseScene(body)
		if err != nil {
			return nil, fmt.Errorf("fetch scene: parsing %s: %w", url, err)
		}
		Logf("[FETCH] loaded scene from %s (%d bytes)", url, len(body))
		return scene, nil
	}
	return nil, fmt.Errorf("fetch scene: all %d attempts failed: %w", cfg.retries, lastErr)
}

func getBody(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSceneBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}
	return body, nil
}
