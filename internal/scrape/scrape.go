package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/answerloop/answerloop/internal/extract"
	"github.com/answerloop/answerloop/internal/search"
)

// Result is the outcome of scraping one URL. Error is set iff Success is
// false. Content is readable markdown, never raw HTML.
type Result struct {
	URL         string
	Success     bool
	Title       string
	Description string
	Content     string
	Error       string
}

// BulkResult aggregates per-URL results. Success is false iff any URL failed;
// partial failures never abort the bulk call.
type BulkResult struct {
	Results []Result
	Success bool
}

// Client fetches URLs and extracts readable text, retrying transient
// failures with exponential backoff.
type Client struct {
	HTTPClient *http.Client
	UserAgent  string
	// MaxRetries counts retries after the initial attempt. Zero means the
	// default of 3; negative disables retries.
	MaxRetries int
	// BackoffBase is the first retry delay, doubling per attempt up to
	// BackoffMax. Defaults 500ms and 8s.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// MaxConcurrent limits in-flight requests per client instance. Zero
	// means unlimited.
	MaxConcurrent int
	// MaxBodyBytes caps response body reads. Zero means 2 MiB.
	MaxBodyBytes int64
	// Robots, when set, gates every fetch on the site's robots.txt.
	Robots *Robots

	limiter     chan struct{}
	limiterOnce sync.Once
}

const defaultMaxBody = 2 << 20

// Scrape fetches a single URL. The URL is canonicalized first; the canonical
// form is echoed back in the result.
func (c *Client) Scrape(ctx context.Context, rawURL string) Result {
	canonical := search.CanonicalURL(rawURL)
	res := Result{URL: canonical}

	if !c.Robots.Allowed(ctx, canonical) {
		res.Error = "disallowed by robots.txt"
		return res
	}

	body, contentType, err := c.get(ctx, canonical)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(ct, "text/html"), strings.HasPrefix(ct, "application/xhtml+xml"), ct == "":
		doc := extract.FromHTML(body)
		res.Title = doc.Title
		res.Description = doc.Description
		res.Content = doc.Markdown
	case strings.HasPrefix(ct, "text/plain"), strings.HasPrefix(ct, "text/markdown"):
		res.Content = strings.TrimSpace(string(body))
	default:
		res.Error = fmt.Sprintf("unsupported content type: %s", contentType)
		return res
	}
	res.Success = true
	return res
}

// ScrapeAll fetches a set of URLs concurrently, preserving input order in the
// result list.
func (c *Client) ScrapeAll(ctx context.Context, urls []string) BulkResult {
	out := BulkResult{Results: make([]Result, len(urls)), Success: true}
	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			out.Results[i] = c.Scrape(ctx, u)
		}(i, u)
	}
	wg.Wait()
	for _, r := range out.Results {
		if !r.Success {
			out.Success = false
			break
		}
	}
	return out
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("parse url: %w", err)
	}
	if !isHTTPScheme(u) {
		return nil, "", fmt.Errorf("unsupported URL scheme: %q", u.Scheme)
	}

	retries := c.MaxRetries
	if retries < 0 {
		retries = 0
	}
	if c.MaxRetries == 0 {
		retries = 3
	}
	backoff := c.BackoffBase
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	maxBackoff := c.BackoffMax
	if maxBackoff <= 0 {
		maxBackoff = 8 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff); err != nil {
				return nil, "", err
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		body, ct, err := c.tryOnce(ctx, rawURL)
		if err == nil {
			return body, ct, nil
		}
		lastErr = err
		if !isTransient(err) {
			break
		}
	}
	return nil, "", lastErr
}

func (c *Client) tryOnce(ctx context.Context, rawURL string) ([]byte, string, error) {
	c.acquire()
	defer c.release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("new request: %w", err)
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, "", &transientError{err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, "", &transientError{fmt.Errorf("server error: %d", resp.StatusCode)}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, "", &transientError{fmt.Errorf("throttled: %d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	limit := c.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBody
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, "", &transientError{fmt.Errorf("read body: %w", err)}
	}
	return b, resp.Header.Get("Content-Type"), nil
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *transientError
	return errors.As(err, &te)
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

func isHTTPScheme(u *url.URL) bool {
	if u == nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

func (c *Client) acquire() {
	if c.MaxConcurrent <= 0 {
		return
	}
	c.limiterOnce.Do(func() {
		c.limiter = make(chan struct{}, c.MaxConcurrent)
	})
	c.limiter <- struct{}{}
}

func (c *Client) release() {
	if c.MaxConcurrent <= 0 || c.limiter == nil {
		return
	}
	select {
	case <-c.limiter:
	default:
	}
}
