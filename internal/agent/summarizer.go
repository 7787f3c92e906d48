package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/answerloop/answerloop/internal/cache"
	"github.com/answerloop/answerloop/internal/llm"
)

// SummarizeInput carries everything one page summary depends on. It is also
// the cache key material, so field order matters to key stability.
type SummarizeInput struct {
	Query               string `json:"query"`
	URL                 string `json:"url"`
	Title               string `json:"title"`
	Snippet             string `json:"snippet"`
	ScrapedContent      string `json:"scrapedContent"`
	ConversationHistory string `json:"conversationHistory"`
}

// Summarizer distills one scraped page into a query-relevant synthesis. It
// never fails: empty scrapes and LLM errors both fall back to the snippet.
type Summarizer interface {
	Summarize(ctx context.Context, in SummarizeInput) string
}

// LLMSummarizer calls the model with a narrative-synthesis prompt. Results
// are cached per full input.
type LLMSummarizer struct {
	Client llm.Client
	Model  string
	Cache  *cache.Cache
}

const summarizerSystemMessage = "You are a research extraction assistant. Write a dense narrative synthesis of the page content that is relevant to the search query. Preserve original units, dates, figures and contextual anchors exactly as the page states them. Use ONLY the page content; outside knowledge is forbidden. If the page is irrelevant to the query, say so in one sentence."

func (s *LLMSummarizer) Summarize(ctx context.Context, in SummarizeInput) string {
	if strings.TrimSpace(in.ScrapedContent) == "" {
		return in.Snippet
	}
	if s.Client == nil || s.Model == "" {
		return in.Snippet
	}

	summary, err := cache.Do(ctx, s.Cache, "summarize", in, func(ctx context.Context) (string, error) {
		return s.call(ctx, in)
	})
	if err != nil {
		log.Warn().Err(err).Str("url", in.URL).Msg("summarizer failed; falling back to snippet")
		return in.Snippet
	}
	return summary
}

func (s *LLMSummarizer) call(ctx context.Context, in SummarizeInput) (string, error) {
	ctx, span := otel.Tracer("agent").Start(ctx, "summarizer")
	defer span.End()
	span.SetAttributes(attribute.String("url", in.URL))

	var sb strings.Builder
	sb.WriteString("Search query: ")
	sb.WriteString(in.Query)
	sb.WriteString("\nPage: ")
	sb.WriteString(in.Title)
	sb.WriteString(" — ")
	sb.WriteString(in.URL)
	if in.ConversationHistory != "" {
		sb.WriteString("\n\nConversation context:\n")
		sb.WriteString(in.ConversationHistory)
	}
	sb.WriteString("\n\nPage content:\n")
	sb.WriteString(in.ScrapedContent)

	resp, err := s.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summarizerSystemMessage},
			{Role: openai.ChatMessageRoleUser, Content: sb.String()},
		},
		Temperature: 0.2,
		N:           1,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("summarizer: no choices")
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", errors.New("summarizer: empty content")
	}
	return out, nil
}
