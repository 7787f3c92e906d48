package chatstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/answerloop/answerloop/internal/agent"
)

func newStore(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	return &Redis{Client: client, Now: func() time.Time { return fixed }}
}

func TestCreateAndGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	chat, err := s.Create(ctx, "alice", "weather question", []agent.Message{
		{ID: "m1", Role: "user", Content: "what is the weather"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if chat.ID == "" {
		t.Fatal("empty chat id")
	}

	got, err := s.Get(ctx, "alice", chat.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "weather question" || len(got.Messages) != 1 {
		t.Fatalf("got %+v", got)
	}
	if !got.CreatedAt.Equal(got.UpdatedAt) {
		t.Fatal("fresh chat should have equal timestamps")
	}
}

func TestGetHidesOtherUsersChats(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	chat, err := s.Create(ctx, "alice", "t", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Get(ctx, "mallory", chat.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-user Get err = %v, want ErrNotFound", err)
	}
	if _, err := s.Get(ctx, "alice", "no-such-chat"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing Get err = %v, want ErrNotFound", err)
	}
}

func TestAppendMessages(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	chat, err := s.Create(ctx, "alice", "t", []agent.Message{{ID: "m1", Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	later := time.Date(2026, 8, 24, 13, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return later }

	updated, err := s.AppendMessages(ctx, "alice", chat.ID,
		agent.Message{ID: "m2", Role: "assistant", Content: "hello"})
	if err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	if len(updated.Messages) != 2 {
		t.Fatalf("messages = %d", len(updated.Messages))
	}
	if !updated.UpdatedAt.Equal(later) {
		t.Fatalf("UpdatedAt = %v", updated.UpdatedAt)
	}
	if _, err := s.AppendMessages(ctx, "mallory", chat.ID, agent.Message{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-user append err = %v", err)
	}
}

func TestDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	chat, err := s.Create(ctx, "alice", "t", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Delete(ctx, "mallory", chat.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-user delete err = %v", err)
	}
	if err := s.Delete(ctx, "alice", chat.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "alice", chat.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete err = %v", err)
	}
	if err := s.Delete(ctx, "alice", chat.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}
