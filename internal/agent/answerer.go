package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/answerloop/answerloop/internal/llm"
)

// Answerer streams the final sourced answer. onDelta receives each text
// fragment as it arrives; the full answer is returned once the stream ends.
type Answerer interface {
	Answer(ctx context.Context, sc *SystemContext, isFinal bool, onDelta func(string) error) (string, error)
}

// LLMAnswerer streams tokens via the provider's streaming API, falling back
// to a single completion when the client cannot stream.
type LLMAnswerer struct {
	Client llm.Client
	Model  string
}

const answererSystemMessage = "You are a research assistant writing the final answer to the user's question from the gathered web evidence. Write clear markdown. Every factual claim MUST carry an inline markdown link citation to its source URL, e.g. [source](https://example.com/page). Use only the provided evidence. Prefer current information and state dates where the evidence gives them."

const answererFinalAddendum = " The research budget is exhausted, so the gathered information may be incomplete. Provide the best available answer from what exists, note the gaps explicitly, and avoid speculation."

func (a *LLMAnswerer) Answer(ctx context.Context, sc *SystemContext, isFinal bool, onDelta func(string) error) (string, error) {
	if a.Client == nil || a.Model == "" {
		return "", errors.New("answerer not configured")
	}
	ctx, span := otel.Tracer("agent").Start(ctx, "answerer")
	defer span.End()
	span.SetAttributes(attribute.Bool("final", isFinal))

	system := answererSystemMessage
	if isFinal {
		system += answererFinalAddendum
	}
	req := openai.ChatCompletionRequest{
		Model: a.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: buildAnswerPrompt(sc)},
		},
		Temperature: 0.3,
		N:           1,
	}

	if sc2, ok := a.Client.(llm.StreamClient); ok {
		return streamAnswer(ctx, sc2, req, onDelta)
	}

	resp, err := a.Client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("answer call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("answerer: no choices")
	}
	out := resp.Choices[0].Message.Content
	if onDelta != nil {
		if err := onDelta(out); err != nil {
			return "", err
		}
	}
	return out, nil
}

func streamAnswer(ctx context.Context, client llm.StreamClient, req openai.ChatCompletionRequest, onDelta func(string) error) (string, error) {
	req.Stream = true
	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("answer stream: %w", err)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("answer stream recv: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return "", err
			}
		}
	}
	return full.String(), nil
}

func buildAnswerPrompt(sc *SystemContext) string {
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
		sb.WriteString("\n\nGathered evidence:\n")
		sb.WriteString(history)
	} else {
		sb.WriteString("\n\nNo web evidence was gathered; say so and answer as best you can.")
	}
	if fb := sc.LastFeedback(); fb != "" {
		sb.WriteString("\n\nEvaluator caveats:\n")
		sb.WriteString(fb)
	}
	return sb.String()
}
