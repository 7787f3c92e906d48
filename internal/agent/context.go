package agent

import (
	"fmt"
	"strings"
)

// SystemContext is the per-request mutable state of one loop. It is created
// at loop entry, written only by the driver, read by the prompt builders on
// each iteration, and discarded when the response terminates. It is never
// shared across requests, so no synchronization is needed.
type SystemContext struct {
	LocationContext string
	Messages        []Message

	searchHistory []SearchHistoryEntry
	feedback      string
	step          int
}

// NewSystemContext builds the state for one run.
func NewSystemContext(messages []Message, locationContext string) *SystemContext {
	return &SystemContext{
		LocationContext: locationContext,
		Messages:        messages,
	}
}

func (c *SystemContext) CurrentStep() int { return c.step }

func (c *SystemContext) IncrementStep() { c.step++ }

func (c *SystemContext) LastFeedback() string { return c.feedback }

// RecordFeedback overwrites the evaluator feedback; feedback is never
// appended.
func (c *SystemContext) RecordFeedback(text string) { c.feedback = text }

// RecordSearch appends a settled entry to the search history.
func (c *SystemContext) RecordSearch(entry SearchHistoryEntry) {
	c.searchHistory = append(c.searchHistory, entry)
}

// SearchHistory returns the recorded entries in order.
func (c *SystemContext) SearchHistory() []SearchHistoryEntry { return c.searchHistory }

// SeenURLs returns the set of canonical URLs already recorded across all
// entries of this loop.
func (c *SystemContext) SeenURLs() map[string]struct{} {
	seen := map[string]struct{}{}
	for _, e := range c.searchHistory {
		for _, r := range e.Results {
			seen[r.URL] = struct{}{}
		}
	}
	return seen
}

// LatestQuestion returns the content of the most recent user message.
func (c *SystemContext) LatestQuestion() string {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == "user" {
			return c.Messages[i].Content
		}
	}
	return ""
}

// MessageHistoryText renders the conversation for prompts.
func (c *SystemContext) MessageHistoryText() string {
	var b strings.Builder
	for _, m := range c.Messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// SearchHistoryText renders the accumulated evidence for prompts. Each entry
// leads with its query; each result carries date, title, URL, snippet and
// the summary (or raw scrape when no summary exists) inside a
// content_summary block.
func (c *SystemContext) SearchHistoryText() string {
	var b strings.Builder
	for _, e := range c.searchHistory {
		fmt.Fprintf(&b, "## Query: %s\n", e.Query)
		for _, r := range e.Results {
			body := r.Summary
			if body == "" {
				body = r.ScrapedContent
			}
			fmt.Fprintf(&b, "### %s - %s\n%s\n%s\n<content_summary>%s</content_summary>\n", r.Date, r.Title, r.URL, r.Snippet, body)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// LocationHints returns the opaque origin description for prompts.
func (c *SystemContext) LocationHints() string { return c.LocationContext }
