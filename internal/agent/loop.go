package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/answerloop/answerloop/internal/cache"
	"github.com/answerloop/answerloop/internal/scrape"
	"github.com/answerloop/answerloop/internal/search"
	"github.com/answerloop/answerloop/internal/stream"
)

// Scraper is the slice of the scrape client the loop needs.
type Scraper interface {
	ScrapeAll(ctx context.Context, urls []string) scrape.BulkResult
}

// Loop drives one research run: plan, fan out search/scrape/summarize,
// evaluate, and either iterate or stream the answer.
type Loop struct {
	Rewriter   QueryRewriter
	Evaluator  Evaluator
	Summarizer Summarizer
	Answerer   Answerer
	Guardrail  Guardrail

	Search  search.Provider
	Scraper Scraper
	Cache   *cache.Cache

	// MaxSteps caps loop iterations. Zero forces an immediate best-effort
	// answer.
	MaxSteps int
	// ResultsPerQuery is the top-N URLs scraped per query. Zero means 3.
	ResultsPerQuery int
}

// RunResult reports how the run ended.
type RunResult struct {
	Answer  string
	Refused bool
}

const statusCompleted = "completed"

// Run executes the loop for one request. Events go to w; onFinish receives
// the assembled assistant answer once streaming completes (it is skipped on
// cancellation). Guardrail refusals short-circuit into a refusal answer.
func (l *Loop) Run(ctx context.Context, sc *SystemContext, w stream.Writer, onFinish func(answer string)) (RunResult, error) {
	ctx, span := otel.Tracer("agent").Start(ctx, "loop")
	defer span.End()

	if verdict := l.Guardrail.Classify(ctx, sc); verdict.Classification == ClassificationRefuse {
		return l.streamRefusal(ctx, sc, w, verdict, onFinish)
	}

	for sc.CurrentStep() < l.MaxSteps {
		step := sc.CurrentStep()

		if err := w.Send(ctx, stream.Event{Type: stream.EventPlanning, Payload: stream.PlanningPayload{
			Title:     fmt.Sprintf("Planning step %d", step+1),
			Reasoning: "Reviewing the question, gathered evidence and evaluator feedback to choose the next searches.",
		}}); err != nil {
			return RunResult{}, err
		}

		plan, err := l.plan(ctx, sc)
		if err != nil {
			return l.failLoop(ctx, sc, w, onFinish, fmt.Errorf("plan step %d: %w", step, err))
		}
		if err := w.Send(ctx, stream.Event{Type: stream.EventQueriesGenerated, Payload: stream.QueriesGeneratedPayload{
			Plan:    plan.Plan,
			Queries: plan.Queries,
		}}); err != nil {
			return RunResult{}, err
		}

		entries := l.fanout(ctx, sc, plan.Queries, w)
		sources := recordStep(sc, entries)
		if err := w.Send(ctx, stream.Event{Type: stream.EventSourcesFound, Payload: stream.SourcesFoundPayload{
			StepIndex: step,
			Sources:   sources,
		}}); err != nil {
			return RunResult{}, err
		}

		action, err := l.evaluate(ctx, sc)
		if err != nil {
			return l.failLoop(ctx, sc, w, onFinish, fmt.Errorf("evaluate step %d: %w", step, err))
		}
		sc.RecordFeedback(action.Feedback)
		if err := w.Send(ctx, stream.Event{Type: stream.EventNewAction, Payload: stream.NewActionPayload{Action: stream.ActionPayload{
			Type:      string(action.Type),
			Title:     action.Title,
			Reasoning: action.Reasoning,
			Feedback:  action.Feedback,
		}}}); err != nil {
			return RunResult{}, err
		}
		if err := w.Send(ctx, stream.Event{Type: stream.EventEvaluatorFeedback, Payload: stream.EvaluatorFeedbackPayload{
			Feedback:   action.Feedback,
			ActionType: string(action.Type),
		}}); err != nil {
			return RunResult{}, err
		}

		if action.Type == ActionAnswer {
			return l.streamAnswer(ctx, sc, w, false, onFinish)
		}
		if err := w.Send(ctx, stream.Event{Type: stream.EventActionUpdate, Payload: stream.ActionUpdatePayload{
			StepIndex: step,
			Status:    statusCompleted,
		}}); err != nil {
			return RunResult{}, err
		}
		sc.IncrementStep()
	}

	// Step cap reached without an answer decision.
	return l.streamAnswer(ctx, sc, w, true, onFinish)
}

// plan calls the rewriter with one retry. A persistent 3..5 violation falls
// back to a single query equal to the user's last message; other failures
// bubble up.
func (l *Loop) plan(ctx context.Context, sc *SystemContext) (QueryPlan, error) {
	plan, err := l.Rewriter.Rewrite(ctx, sc)
	if err == nil {
		return plan, nil
	}
	if ctx.Err() != nil {
		return QueryPlan{}, ctx.Err()
	}
	log.Warn().Err(err).Int("step", sc.CurrentStep()).Msg("rewriter failed; retrying once")
	plan, retryErr := l.Rewriter.Rewrite(ctx, sc)
	if retryErr == nil {
		return plan, nil
	}
	if errors.Is(retryErr, ErrBadQueryCount) || errors.Is(err, ErrBadQueryCount) {
		question := strings.TrimSpace(sc.LatestQuestion())
		if question != "" {
			log.Warn().Err(retryErr).Msg("rewriter kept violating query contract; searching the raw question")
			return QueryPlan{Plan: "Search the user's question directly.", Queries: []string{question}}, nil
		}
	}
	return QueryPlan{}, retryErr
}

func (l *Loop) evaluate(ctx context.Context, sc *SystemContext) (Action, error) {
	action, err := l.Evaluator.Evaluate(ctx, sc)
	if err == nil {
		return action, nil
	}
	if ctx.Err() != nil {
		return Action{}, ctx.Err()
	}
	log.Warn().Err(err).Int("step", sc.CurrentStep()).Msg("evaluator failed; retrying once")
	return l.Evaluator.Evaluate(ctx, sc)
}

// fanout runs every query of the step concurrently. A failed query yields a
// nil entry and never aborts the others.
func (l *Loop) fanout(ctx context.Context, sc *SystemContext, queries []string, w stream.Writer) []*SearchHistoryEntry {
	ctx, span := otel.Tracer("agent").Start(ctx, "fanout")
	defer span.End()
	span.SetAttributes(attribute.Int("queries", len(queries)))

	entries := make([]*SearchHistoryEntry, len(queries))
	var g errgroup.Group
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			_ = w.Send(ctx, stream.Event{Type: stream.EventSearchUpdate, Payload: stream.SearchUpdatePayload{
				QueryIndex: i, Query: q, Status: "loading",
			}})
			entry, err := l.runQuery(ctx, sc, q)
			if err != nil {
				log.Warn().Err(err).Str("query", q).Msg("query failed during fan-out")
				_ = w.Send(ctx, stream.Event{Type: stream.EventSearchUpdate, Payload: stream.SearchUpdatePayload{
					QueryIndex: i, Query: q, Status: "error", Error: shortError(err),
				}})
				return nil
			}
			entries[i] = entry
			_ = w.Send(ctx, stream.Event{Type: stream.EventSearchUpdate, Payload: stream.SearchUpdatePayload{
				QueryIndex: i, Query: q, Status: statusCompleted,
			}})
			return nil
		})
	}
	_ = g.Wait()
	return entries
}

// runQuery is one query's search → scrape → summarize sub-pipeline.
func (l *Loop) runQuery(ctx context.Context, sc *SystemContext, query string) (*SearchHistoryEntry, error) {
	num := l.ResultsPerQuery
	if num <= 0 {
		num = 3
	}

	type searchArgs struct {
		Query string `json:"query"`
		Num   int    `json:"num"`
	}
	hits, err := cache.Do(ctx, l.Cache, "search", searchArgs{Query: query, Num: num}, func(ctx context.Context) ([]search.Hit, error) {
		return l.Search.Search(ctx, query, num)
	})
	if err != nil {
		return nil, err
	}
	hits = search.DedupeHits(hits)
	if len(hits) > num {
		hits = hits[:num]
	}

	scraped := l.scrapeHits(ctx, hits)

	results := make([]SearchResult, len(hits))
	var g errgroup.Group
	for i, hit := range hits {
		i, hit := i, hit
		g.Go(func() error {
			content := ""
			if scraped[i].Success {
				content = scraped[i].Content
			}
			summary := l.Summarizer.Summarize(ctx, SummarizeInput{
				Query:               query,
				URL:                 hit.URL,
				Title:               hit.Title,
				Snippet:             hit.Snippet,
				ScrapedContent:      content,
				ConversationHistory: sc.MessageHistoryText(),
			})
			results[i] = SearchResult{
				Date:           hit.Date,
				Title:          hit.Title,
				URL:            hit.URL,
				Snippet:        hit.Snippet,
				ScrapedContent: content,
				Summary:        summary,
			}
			return nil
		})
	}
	_ = g.Wait()
	return &SearchHistoryEntry{Query: query, Results: results}, nil
}

// scrapeHits serves scrapes from the cache per URL and bulk-fetches only the
// misses. Returned results align with hits by index.
func (l *Loop) scrapeHits(ctx context.Context, hits []search.Hit) []scrape.Result {
	type scrapeArgs struct {
		URL string `json:"url"`
	}
	out := make([]scrape.Result, len(hits))
	missIdx := make([]int, 0, len(hits))
	missURLs := make([]string, 0, len(hits))
	for i, hit := range hits {
		if raw, ok := l.Cache.GetBytes(ctx, cache.Key("scrape", scrapeArgs{URL: hit.URL})); ok {
			if res, err := decodeScrape(raw); err == nil {
				out[i] = res
				continue
			}
		}
		missIdx = append(missIdx, i)
		missURLs = append(missURLs, hit.URL)
	}
	if len(missURLs) == 0 {
		return out
	}
	bulk := l.Scraper.ScrapeAll(ctx, missURLs)
	for j, idx := range missIdx {
		res := bulk.Results[j]
		out[idx] = res
		if raw, err := encodeScrape(res); err == nil {
			l.Cache.PutBytes(ctx, cache.Key("scrape", scrapeArgs{URL: hits[idx].URL}), raw)
		}
	}
	return out
}

// recordStep deduplicates URLs against the whole loop history, appends
// surviving entries in input order, and collects the step's sources.
func recordStep(sc *SystemContext, entries []*SearchHistoryEntry) []stream.Source {
	seen := sc.SeenURLs()
	var sources []stream.Source
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		kept := entry.Results[:0]
		for _, r := range entry.Results {
			if _, dup := seen[r.URL]; dup {
				continue
			}
			seen[r.URL] = struct{}{}
			kept = append(kept, r)
			sources = append(sources, stream.Source{
				Title:   r.Title,
				URL:     r.URL,
				Snippet: r.Snippet,
				Favicon: faviconURL(r.URL),
			})
		}
		entry.Results = kept
		sc.RecordSearch(*entry)
	}
	return sources
}

func (l *Loop) streamAnswer(ctx context.Context, sc *SystemContext, w stream.Writer, isFinal bool, onFinish func(string)) (RunResult, error) {
	answer, err := l.Answerer.Answer(ctx, sc, isFinal, func(delta string) error {
		return w.Send(ctx, stream.Event{Type: stream.EventTextDelta, Payload: stream.TextDeltaPayload{Delta: delta}})
	})
	if err != nil {
		l.emitError(ctx, w, err)
		return RunResult{}, err
	}
	if onFinish != nil && ctx.Err() == nil {
		onFinish(answer)
	}
	return RunResult{Answer: answer}, nil
}

func (l *Loop) streamRefusal(ctx context.Context, sc *SystemContext, w stream.Writer, verdict Verdict, onFinish func(string)) (RunResult, error) {
	refusalCtx := NewSystemContext(append(append([]Message{}, sc.Messages...), Message{
		Role:    "system",
		Content: "The request was declined by a safety check. Briefly and politely explain that you cannot help with it. Reason: " + verdict.Reason,
	}), sc.LocationContext)

	answer, err := l.Answerer.Answer(ctx, refusalCtx, false, func(delta string) error {
		return w.Send(ctx, stream.Event{Type: stream.EventTextDelta, Payload: stream.TextDeltaPayload{Delta: delta}})
	})
	if err != nil {
		l.emitError(ctx, w, err)
		return RunResult{Refused: true}, err
	}
	if onFinish != nil && ctx.Err() == nil {
		onFinish(answer)
	}
	return RunResult{Answer: answer, Refused: true}, nil
}

// failLoop handles fatal planner-level failures: emit a typed error event,
// then attempt a last-ditch final answer from whatever history exists.
func (l *Loop) failLoop(ctx context.Context, sc *SystemContext, w stream.Writer, onFinish func(string), cause error) (RunResult, error) {
	log.Error().Err(cause).Int("step", sc.CurrentStep()).Msg("loop terminated by stage failure")
	l.emitError(ctx, w, cause)
	if ctx.Err() != nil {
		return RunResult{}, cause
	}
	res, err := l.streamAnswer(ctx, sc, w, true, onFinish)
	if err != nil {
		return RunResult{}, cause
	}
	return res, nil
}

func (l *Loop) emitError(ctx context.Context, w stream.Writer, err error) {
	msg := shortError(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		msg = "cancelled"
	}
	// The terminal error frame must still reach a connected client after the
	// request context is cancelled.
	_ = w.Send(context.WithoutCancel(ctx), stream.Event{Type: stream.EventError, Payload: stream.ErrorPayload{Message: msg}})
}

// shortError keeps client-visible messages short and stable; stack traces
// and wrapped chains stay in the logs.
func shortError(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func encodeScrape(res scrape.Result) ([]byte, error) {
	return json.Marshal(res)
}

func decodeScrape(raw []byte) (scrape.Result, error) {
	var res scrape.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return scrape.Result{}, err
	}
	return res, nil
}

func faviconURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return "https://www.google.com/s2/favicons?domain=" + u.Host
}
