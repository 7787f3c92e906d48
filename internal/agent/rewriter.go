package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/answerloop/answerloop/internal/llm"
)

// QueryRewriter produces the step's plan and search queries.
type QueryRewriter interface {
	Rewrite(ctx context.Context, sc *SystemContext) (QueryPlan, error)
}

// ErrBadQueryCount is returned when the model's query list falls outside the
// 3..5 contract.
var ErrBadQueryCount = errors.New("rewriter returned query list outside 3..5")

// LLMRewriter calls an OpenAI-compatible endpoint and enforces a JSON-only
// contract.
type LLMRewriter struct {
	Client  llm.Client
	Model   string
	Verbose bool
}

const rewriterSystemMessage = "You are a research planning assistant. Respond with strict JSON only, no narration. The JSON schema is {\"plan\": string, \"queries\": string[3..5]}. The plan briefly states the research strategy for this step. Queries must be diverse, concise web search queries that together cover the user's question. When evaluator feedback is present, the queries MUST target the gaps it identifies rather than repeating earlier searches."

func (r *LLMRewriter) Rewrite(ctx context.Context, sc *SystemContext) (QueryPlan, error) {
	if r.Client == nil || r.Model == "" {
		return QueryPlan{}, errors.New("rewriter not configured")
	}
	ctx, span := otel.Tracer("agent").Start(ctx, "rewriter")
	defer span.End()
	span.SetAttributes(attribute.Int("step", sc.CurrentStep()))

	user := buildRewriterPrompt(sc)
	if r.Verbose {
		log.Debug().Str("stage", "rewriter").Str("model", r.Model).Int("user_len", len(user)).Msg("rewriter prompt")
	}
	resp, err := r.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: rewriterSystemMessage},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.1,
		N:           1,
	})
	if err != nil {
		return QueryPlan{}, fmt.Errorf("rewriter call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return QueryPlan{}, errors.New("rewriter: no choices")
	}

	var plan QueryPlan
	raw := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &plan); err != nil {
		return QueryPlan{}, fmt.Errorf("parse rewriter json: %w", err)
	}
	plan.Queries = sanitizeQueries(plan.Queries)
	if len(plan.Queries) < 3 || len(plan.Queries) > 5 {
		return QueryPlan{}, fmt.Errorf("%w: got %d", ErrBadQueryCount, len(plan.Queries))
	}
	return plan, nil
}

func buildRewriterPrompt(sc *SystemContext) string {
	var sb strings.Builder
	sb.WriteString("Question: ")
	sb.WriteString(sc.LatestQuestion())
	if hints := sc.LocationHints(); hints != "" {
		sb.WriteString("\n\nUser origin hints: ")
		sb.WriteString(hints)
	}
	sb.WriteString("\n\nConversation so far:\n")
	sb.WriteString(sc.MessageHistoryText())
	if history := sc.SearchHistoryText(); history != "" {
		sb.WriteString("\n\nEvidence gathered in earlier steps:\n")
		sb.WriteString(history)
	}
	if fb := sc.LastFeedback(); fb != "" {
		sb.WriteString("\n\nEvaluator feedback to address:\n")
		sb.WriteString(fb)
	}
	return sb.String()
}

func sanitizeQueries(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, q := range in {
		s := strings.TrimSpace(q)
		s = strings.TrimSuffix(s, ".")
		s = strings.TrimSuffix(s, "?")
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

// stripCodeFence unwraps a ```json fenced block when the model ignores the
// JSON-only instruction.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
