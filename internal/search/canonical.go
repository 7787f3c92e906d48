package search

import (
	"net/url"
	"strings"
)

// CanonicalURL normalizes a URL for deduplication: scheme and host are
// lowercased, fragments and common tracking parameters dropped, and a bare
// trailing slash removed. Unparseable input is returned trimmed but otherwise
// untouched so callers can still record the failure against something.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	q := u.Query()
	for _, p := range []string{"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content", "utm_id", "gclid", "fbclid"} {
		q.Del(p)
	}
	u.RawQuery = q.Encode()
	if u.Path == "/" && u.RawQuery == "" {
		u.Path = ""
	} else {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String()
}

// DedupeHits removes hits whose canonical URL was already seen, preserving
// input order.
func DedupeHits(hits []Hit) []Hit {
	seen := map[string]struct{}{}
	out := make([]Hit, 0, len(hits))
	for _, h := range hits {
		key := CanonicalURL(h.URL)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		h.URL = key
		out = append(out, h)
	}
	return out
}
