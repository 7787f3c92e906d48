package search

import (
	"context"
	"fmt"
)

// Hit represents a single search hit from any provider. URL is canonical
// (see CanonicalURL). Date is the provider-reported publication date and may
// be empty.
type Hit struct {
	Title   string
	URL     string
	Snippet string
	Date    string
}

// Provider is a minimal interface for search providers.
type Provider interface {
	Search(ctx context.Context, query string, num int) ([]Hit, error)
	Name() string
}

// Error is a typed search failure. Retryable distinguishes transient
// provider/network conditions from fatal ones such as bad credentials.
type Error struct {
	Provider  string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("search %s (%s): %v", e.Provider, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
