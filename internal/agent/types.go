package agent

// Message is one turn of the conversation handed to the loop.
type Message struct {
	ID      string `json:"id"`
	Role    string `json:"role"` // user | assistant | system
	Content string `json:"content"`
}

// SearchResult is one scraped-and-summarized hit. If Summary is non-empty,
// ScrapedContent was non-empty at summarization time or Summary fell back to
// the snippet.
type SearchResult struct {
	Date           string `json:"date"`
	Title          string `json:"title"`
	URL            string `json:"url"`
	Snippet        string `json:"snippet"`
	ScrapedContent string `json:"scrapedContent"`
	Summary        string `json:"summary"`
}

// SearchHistoryEntry aggregates one query's results. URLs within an entry
// are unique.
type SearchHistoryEntry struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

// QueryPlan is the rewriter's output: a prose plan and 3-5 search queries.
type QueryPlan struct {
	Plan    string   `json:"plan"`
	Queries []string `json:"queries"`
}

type ActionType string

const (
	ActionContinue ActionType = "continue"
	ActionAnswer   ActionType = "answer"
)

// Action is the evaluator's decision record. Feedback is mandatory for both
// variants: guidance for future iterations on continue, caveats on answer.
type Action struct {
	Type      ActionType `json:"type"`
	Title     string     `json:"title"`
	Reasoning string     `json:"reasoning"`
	Feedback  string     `json:"feedback"`
}
