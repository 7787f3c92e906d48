package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCanonicalURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"HTTPS://Example.COM/Path/", "https://example.com/Path"},
		{"https://example.com/", "https://example.com"},
		{"https://example.com/a?utm_source=x&b=1", "https://example.com/a?b=1"},
		{"https://example.com/a#frag", "https://example.com/a"},
		{"  https://example.com/a  ", "https://example.com/a"},
	}
	for _, c := range cases {
		if got := CanonicalURL(c.in); got != c.want {
			t.Fatalf("CanonicalURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDedupeHits(t *testing.T) {
	hits := []Hit{
		{Title: "a", URL: "https://example.com/x"},
		{Title: "b", URL: "HTTPS://EXAMPLE.com/x/"},
		{Title: "c", URL: "https://example.com/y"},
	}
	out := DedupeHits(hits)
	if len(out) != 2 {
		t.Fatalf("expected 2 unique hits, got %d", len(out))
	}
	if out[0].Title != "a" || out[1].Title != "c" {
		t.Fatalf("dedupe must preserve input order, got %+v", out)
	}
}

func TestSerper_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("X-API-KEY") != "k" {
			t.Errorf("missing api key header")
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["q"] != "capital of France" {
			t.Errorf("unexpected query %v", body["q"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"organic": []map[string]string{
				{"title": "Paris", "link": "https://en.wikipedia.org/wiki/Paris", "snippet": "Capital of France", "date": "2024-01-01"},
				{"title": "", "link": "https://skip.me"},
				{"title": "France", "link": "https://example.com/france/"},
			},
		})
	}))
	defer srv.Close()

	p := &Serper{BaseURL: srv.URL, APIKey: "k"}
	hits, err := p.Search(context.Background(), "capital of France", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Date != "2024-01-01" {
		t.Fatalf("expected date carried through, got %q", hits[0].Date)
	}
	if hits[1].URL != "https://example.com/france" {
		t.Fatalf("expected canonical URL, got %q", hits[1].URL)
	}
}

func TestSerper_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := &Serper{BaseURL: srv.URL}
	_, err := p.Search(context.Background(), "q", 3)
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("expected *search.Error, got %v", err)
	}
	if !se.Retryable {
		t.Fatalf("5xx should be retryable")
	}
}

func TestSerper_AuthErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p := &Serper{BaseURL: srv.URL}
	_, err := p.Search(context.Background(), "q", 3)
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("expected *search.Error, got %v", err)
	}
	if se.Retryable {
		t.Fatalf("403 must not be retryable")
	}
}
