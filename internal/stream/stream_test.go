package stream

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestEncodeSSE(t *testing.T) {
	ev := Event{Type: EventTextDelta, Payload: TextDeltaPayload{Delta: "hi"}}
	frame, err := EncodeSSE(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got := string(frame)
	if !strings.HasPrefix(got, "event: text-delta\n") {
		t.Fatalf("bad frame prefix: %q", got)
	}
	if !strings.Contains(got, `data: {"delta":"hi"}`) {
		t.Fatalf("bad data line: %q", got)
	}
	if !strings.HasSuffix(got, "\n\n") {
		t.Fatalf("frame must end with blank line: %q", got)
	}
}

type captureWriter struct {
	events []Event
}

func (c *captureWriter) Send(_ context.Context, ev Event) error {
	c.events = append(c.events, ev)
	return nil
}

func TestTee_ForwardsInOrder(t *testing.T) {
	a, b := &captureWriter{}, &captureWriter{}
	w := Tee(a, nil, b)
	ctx := context.Background()
	_ = w.Send(ctx, Event{Type: EventPlanning, Payload: PlanningPayload{Title: "t"}})
	_ = w.Send(ctx, Event{Type: EventError, Payload: ErrorPayload{Message: "m"}})
	if len(a.events) != 2 || len(b.events) != 2 {
		t.Fatalf("forwarding incomplete: %d / %d", len(a.events), len(b.events))
	}
	if a.events[0].Type != EventPlanning || a.events[1].Type != EventError {
		t.Fatalf("order broken: %+v", a.events)
	}
}

func testResumer(t *testing.T) *Resumer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return &Resumer{Client: client, TTL: time.Minute}
}

func TestResumer_ReplayAfterPublish(t *testing.T) {
	r := testResumer(t)
	ctx := context.Background()

	pub, err := r.Open(ctx, "chat-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = pub.Send(ctx, Event{Type: EventPlanning, Payload: PlanningPayload{Title: "step"}})
	_ = pub.Send(ctx, Event{Type: EventTextDelta, Payload: TextDeltaPayload{Delta: "a"}})

	ch, err := r.Resume(ctx, "chat-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}

	var got []Event
	timeout := time.After(time.Second)
collect:
	for len(got) < 2 {
		select {
		case ev, ok := <-ch:
			if !ok {
				break collect
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out after %d events", len(got))
		}
	}
	if got[0].Type != EventPlanning || got[1].Type != EventTextDelta {
		t.Fatalf("replay order wrong: %+v", got)
	}

	// Live tail after close terminates the channel.
	pub.Close(ctx)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel close after stream end")
		}
	case <-time.After(time.Second):
		t.Fatal("channel did not close")
	}
}

func TestResumer_NoActiveStream(t *testing.T) {
	r := testResumer(t)
	if _, err := r.Resume(context.Background(), "missing"); err != ErrNoActiveStream {
		t.Fatalf("expected ErrNoActiveStream, got %v", err)
	}
}

func TestResumer_CloseDropsRegistry(t *testing.T) {
	r := testResumer(t)
	ctx := context.Background()
	pub, err := r.Open(ctx, "chat-2")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	pub.Close(ctx)
	if _, err := r.Resume(ctx, "chat-2"); err != ErrNoActiveStream {
		t.Fatalf("closed stream should not be resumable as live, got %v", err)
	}
}
