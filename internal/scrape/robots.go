package scrape

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Robots answers whether a URL may be fetched under the site's robots.txt.
// Rules are cached in memory per host. The checker is fail-open: unreachable
// or missing robots.txt permits the fetch, a parseable disallow blocks it.
type Robots struct {
	HTTPClient *http.Client
	UserAgent  string
	// TTL bounds how long per-host rules are kept. Zero means 1 hour.
	TTL time.Duration

	mu  sync.Mutex
	mem map[string]robotsEntry
	now func() time.Time
}

type robotsEntry struct {
	groups []robotsGroup
	expiry time.Time
}

type robotsGroup struct {
	agents   []string
	allow    []string
	disallow []string
}

// Allowed reports whether rawURL may be fetched for the configured agent.
func (r *Robots) Allowed(ctx context.Context, rawURL string) bool {
	if r == nil {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil || !isHTTPScheme(u) {
		return true
	}
	groups := r.rules(ctx, u)
	group := matchGroup(groups, r.UserAgent)
	if group == nil {
		return true
	}
	return pathAllowed(group, u.EscapedPath())
}

func (r *Robots) rules(ctx context.Context, u *url.URL) []robotsGroup {
	host := u.Scheme + "://" + u.Host
	if r.now == nil {
		r.now = time.Now
	}

	r.mu.Lock()
	if r.mem == nil {
		r.mem = make(map[string]robotsEntry)
	}
	if ent, ok := r.mem[host]; ok && r.now().Before(ent.expiry) {
		r.mu.Unlock()
		return ent.groups
	}
	r.mu.Unlock()

	groups := r.fetch(ctx, host+"/robots.txt")
	ttl := r.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	r.mu.Lock()
	r.mem[host] = robotsEntry{groups: groups, expiry: r.now().Add(ttl)}
	r.mu.Unlock()
	return groups
}

func (r *Robots) fetch(ctx context.Context, robotsURL string) []robotsGroup {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	if r.UserAgent != "" {
		req.Header.Set("User-Agent", r.UserAgent)
	}
	hc := r.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("url", robotsURL).Msg("robots fetch failed; allowing")
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return nil
	}
	return parseRobots(string(body))
}

func parseRobots(text string) []robotsGroup {
	var groups []robotsGroup
	var current *robotsGroup
	inAgents := false

	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "user-agent":
			// Consecutive user-agent lines share one group.
			if current == nil || !inAgents {
				groups = append(groups, robotsGroup{})
				current = &groups[len(groups)-1]
			}
			current.agents = append(current.agents, strings.ToLower(value))
			inAgents = true
		case "allow":
			if current != nil && value != "" {
				current.allow = append(current.allow, value)
			}
			inAgents = false
		case "disallow":
			if current != nil {
				current.disallow = append(current.disallow, value)
			}
			inAgents = false
		default:
			inAgents = false
		}
	}
	return groups
}

// matchGroup picks the most specific matching group: an exact agent token
// match wins over the wildcard group; no match means no rules apply.
func matchGroup(groups []robotsGroup, userAgent string) *robotsGroup {
	agent := strings.ToLower(userAgent)
	var wildcard *robotsGroup
	for i := range groups {
		for _, a := range groups[i].agents {
			if a == "*" {
				if wildcard == nil {
					wildcard = &groups[i]
				}
				continue
			}
			if a != "" && strings.Contains(agent, a) {
				return &groups[i]
			}
		}
	}
	return wildcard
}

// pathAllowed applies longest-match semantics: the longest rule prefix that
// matches the path decides, allow winning ties. An empty disallow matches
// nothing.
func pathAllowed(g *robotsGroup, path string) bool {
	if path == "" {
		path = "/"
	}
	bestLen := -1
	allowed := true
	for _, p := range g.allow {
		if strings.HasPrefix(path, p) && len(p) > bestLen {
			bestLen = len(p)
			allowed = true
		}
	}
	for _, p := range g.disallow {
		if p == "" {
			continue
		}
		if strings.HasPrefix(path, p) && len(p) > bestLen {
			bestLen = len(p)
			allowed = false
		}
	}
	return allowed
}
