package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Serper implements Provider against a serper.dev-compatible /search endpoint.
type Serper struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	UserAgent  string // optional custom UA
}

func (s *Serper) Name() string { return "serper" }

func (s *Serper) Search(ctx context.Context, query string, num int) ([]Hit, error) {
	if s.BaseURL == "" {
		return nil, &Error{Provider: s.Name(), Err: fmt.Errorf("missing serper base url")}
	}
	if num < 1 {
		num = 1
	}
	if num > 10 {
		num = 10
	}

	payload, err := json.Marshal(map[string]any{"q": query, "num": num})
	if err != nil {
		return nil, &Error{Provider: s.Name(), Err: err}
	}
	endpoint := strings.TrimRight(s.BaseURL, "/") + "/search"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Provider: s.Name(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if s.APIKey != "" {
		req.Header.Set("X-API-KEY", s.APIKey)
	}
	if s.UserAgent != "" {
		req.Header.Set("User-Agent", s.UserAgent)
	}

	hc := s.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		// Transport-level failures (and context cancellation) are retryable
		// from the caller's point of view; cancellation is checked upstream.
		return nil, &Error{Provider: s.Name(), Retryable: true, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Provider:  s.Name(),
			Retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			Err:       fmt.Errorf("serper status: %d", resp.StatusCode),
		}
	}

	var sr serperResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, &Error{Provider: s.Name(), Err: fmt.Errorf("decode serper response: %w", err)}
	}
	out := make([]Hit, 0, len(sr.Organic))
	for _, r := range sr.Organic {
		if r.Link == "" || r.Title == "" {
			continue
		}
		out = append(out, Hit{
			Title:   strings.TrimSpace(r.Title),
			URL:     CanonicalURL(r.Link),
			Snippet: strings.TrimSpace(r.Snippet),
			Date:    strings.TrimSpace(r.Date),
		})
		if len(out) >= num {
			break
		}
	}
	return out, nil
}

type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
		Date    string `json:"date"`
	} `json:"organic"`
}
