package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/answerloop/answerloop/internal/llm"
)

// Evaluator decides whether the accumulated evidence is sufficient.
type Evaluator interface {
	Evaluate(ctx context.Context, sc *SystemContext) (Action, error)
}

// ErrInvalidAction is returned when the model's action misses a mandatory
// field or uses an unknown type.
var ErrInvalidAction = errors.New("evaluator returned invalid action")

// LLMEvaluator is a schema-constrained LLM call producing an Action.
type LLMEvaluator struct {
	Client llm.Client
	Model  string
}

const evaluatorSystemMessage = "You decide whether gathered web evidence is sufficient to answer the user's question. Respond with strict JSON only: {\"type\": \"continue\"|\"answer\", \"title\": string, \"reasoning\": string, \"feedback\": string}. Choose \"answer\" only if all major components of the question are covered with sufficient, current evidence. All fields are mandatory and non-empty. Feedback states what future iterations should search for (continue) or caveats about the evidence (answer)."

func (e *LLMEvaluator) Evaluate(ctx context.Context, sc *SystemContext) (Action, error) {
	if e.Client == nil || e.Model == "" {
		return Action{}, errors.New("evaluator not configured")
	}
	ctx, span := otel.Tracer("agent").Start(ctx, "evaluator")
	defer span.End()
	span.SetAttributes(attribute.Int("step", sc.CurrentStep()))

	resp, err := e.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: evaluatorSystemMessage},
			{Role: openai.ChatMessageRoleUser, Content: buildEvaluatorPrompt(sc)},
		},
		Temperature: 0.1,
		N:           1,
	})
	if err != nil {
		return Action{}, fmt.Errorf("evaluator call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Action{}, errors.New("evaluator: no choices")
	}

	raw := stripCodeFence(resp.Choices[0].Message.Content)
	action, err := DecodeAction([]byte(raw))
	if err != nil {
		return Action{}, err
	}
	return action, nil
}

// DecodeAction strictly decodes an evaluator action: unknown types and empty
// title/reasoning/feedback are rejected.
func DecodeAction(raw []byte) (Action, error) {
	var a Action
	if err := json.Unmarshal(raw, &a); err != nil {
		return Action{}, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	if a.Type != ActionContinue && a.Type != ActionAnswer {
		return Action{}, fmt.Errorf("%w: unknown type %q", ErrInvalidAction, a.Type)
	}
	if strings.TrimSpace(a.Title) == "" || strings.TrimSpace(a.Reasoning) == "" || strings.TrimSpace(a.Feedback) == "" {
		return Action{}, fmt.Errorf("%w: missing title, reasoning or feedback", ErrInvalidAction)
	}
	return a, nil
}

func buildEvaluatorPrompt(sc *SystemContext) string {
	var sb strings.Builder
	sb.WriteString("Question: ")
	sb.WriteString(sc.LatestQuestion())
	fmt.Fprintf(&sb, "\n\nStep %d of the research loop.", sc.CurrentStep())
	sb.WriteString("\n\nConversation so far:\n")
	sb.WriteString(sc.MessageHistoryText())
	if history := sc.SearchHistoryText(); history != "" {
		sb.WriteString("\n\nEvidence gathered:\n")
		sb.WriteString(history)
	} else {
		sb.WriteString("\n\nNo evidence has been gathered yet.")
	}
	return sb.String()
}
