// Package stream defines the typed event protocol carried to the client
// while the agent loop runs, its SSE encoding, and a resumable layer that
// mirrors events through Redis pub/sub so a reconnecting client can replay
// an in-flight run.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
)

type EventType string

const (
	EventNewChatCreated    EventType = "new-chat-created"
	EventPlanning          EventType = "planning"
	EventQueriesGenerated  EventType = "queries-generated"
	EventSearchUpdate      EventType = "search-update"
	EventSourcesFound      EventType = "sources-found"
	EventNewAction         EventType = "new-action"
	EventEvaluatorFeedback EventType = "evaluator-feedback"
	EventActionUpdate      EventType = "action-update"
	EventTextDelta         EventType = "text-delta"
	EventError             EventType = "error"
)

// Event is one framed record of the protocol. Payload is one of the typed
// payload structs below, matching Type.
type Event struct {
	Type    EventType
	Payload any
}

type NewChatCreatedPayload struct {
	ChatID string `json:"chatId"`
}

type PlanningPayload struct {
	Title     string `json:"title"`
	Reasoning string `json:"reasoning"`
}

type QueriesGeneratedPayload struct {
	Plan    string   `json:"plan"`
	Queries []string `json:"queries"`
}

type SearchUpdatePayload struct {
	QueryIndex int    `json:"queryIndex"`
	Query      string `json:"query"`
	Status     string `json:"status"` // loading | completed | error
	Error      string `json:"error,omitempty"`
}

type Source struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Favicon string `json:"favicon"`
}

type SourcesFoundPayload struct {
	StepIndex int      `json:"stepIndex"`
	Sources   []Source `json:"sources"`
}

type ActionPayload struct {
	Type      string `json:"type"` // continue | answer
	Title     string `json:"title"`
	Reasoning string `json:"reasoning"`
	Feedback  string `json:"feedback"`
}

type NewActionPayload struct {
	Action ActionPayload `json:"action"`
}

type EvaluatorFeedbackPayload struct {
	Feedback   string `json:"feedback"`
	ActionType string `json:"actionType"`
}

type ActionUpdatePayload struct {
	StepIndex int    `json:"stepIndex"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type TextDeltaPayload struct {
	Delta string `json:"delta"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Writer is the handle the loop driver pushes events through. Send must be
// safe for concurrent use; fan-out goroutines emit search updates in
// parallel.
type Writer interface {
	Send(ctx context.Context, ev Event) error
}

// EncodeSSE renders an event as a text/event-stream frame.
func EncodeSSE(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", ev.Type, err)
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, data)), nil
}

// Tee returns a Writer that forwards each event to all writers in order. The
// first error stops forwarding and is returned.
func Tee(writers ...Writer) Writer {
	return teeWriter(writers)
}

type teeWriter []Writer

func (t teeWriter) Send(ctx context.Context, ev Event) error {
	for _, w := range t {
		if w == nil {
			continue
		}
		if err := w.Send(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
