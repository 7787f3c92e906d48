// Package chatstore persists chats and their messages in Redis. Each chat is
// a JSON envelope under chat:<id> plus an index entry under the owner's
// chats:user:<userId> set, so ownership checks never require a scan.
package chatstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/answerloop/answerloop/internal/agent"
)

// ErrNotFound covers both missing chats and chats owned by someone else;
// callers must not be able to distinguish the two.
var ErrNotFound = errors.New("chat not found")

// Chat is the stored envelope.
type Chat struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Title     string          `json:"title"`
	Messages  []agent.Message `json:"messages"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Store is the persistence surface the HTTP layer depends on.
type Store interface {
	Create(ctx context.Context, userID, title string, messages []agent.Message) (*Chat, error)
	Get(ctx context.Context, userID, chatID string) (*Chat, error)
	AppendMessages(ctx context.Context, userID, chatID string, messages ...agent.Message) (*Chat, error)
	Delete(ctx context.Context, userID, chatID string) error
}

// Redis implements Store on a Redis client.
type Redis struct {
	Client *redis.Client
	// Now is overridable for tests. Nil means time.Now.
	Now func() time.Time
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{Client: client}
}

func chatKey(chatID string) string { return "chat:" + chatID }

func userKey(userID string) string { return "chats:user:" + userID }

func (s *Redis) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Redis) Create(ctx context.Context, userID, title string, messages []agent.Message) (*Chat, error) {
	now := s.now()
	chat := &Chat{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Messages:  messages,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.write(ctx, chat); err != nil {
		return nil, err
	}
	if err := s.Client.SAdd(ctx, userKey(userID), chat.ID).Err(); err != nil {
		return nil, fmt.Errorf("index chat %s: %w", chat.ID, err)
	}
	return chat, nil
}

func (s *Redis) Get(ctx context.Context, userID, chatID string) (*Chat, error) {
	raw, err := s.Client.Get(ctx, chatKey(chatID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load chat %s: %w", chatID, err)
	}
	var chat Chat
	if err := json.Unmarshal(raw, &chat); err != nil {
		return nil, fmt.Errorf("decode chat %s: %w", chatID, err)
	}
	if chat.UserID != userID {
		return nil, ErrNotFound
	}
	return &chat, nil
}

func (s *Redis) AppendMessages(ctx context.Context, userID, chatID string, messages ...agent.Message) (*Chat, error) {
	chat, err := s.Get(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	chat.Messages = append(chat.Messages, messages...)
	chat.UpdatedAt = s.now()
	if err := s.write(ctx, chat); err != nil {
		return nil, err
	}
	return chat, nil
}

func (s *Redis) Delete(ctx context.Context, userID, chatID string) error {
	if _, err := s.Get(ctx, userID, chatID); err != nil {
		return err
	}
	pipe := s.Client.TxPipeline()
	pipe.Del(ctx, chatKey(chatID))
	pipe.SRem(ctx, userKey(userID), chatID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete chat %s: %w", chatID, err)
	}
	return nil
}

func (s *Redis) write(ctx context.Context, chat *Chat) error {
	raw, err := json.Marshal(chat)
	if err != nil {
		return fmt.Errorf("encode chat %s: %w", chat.ID, err)
	}
	if err := s.Client.Set(ctx, chatKey(chat.ID), raw, 0).Err(); err != nil {
		return fmt.Errorf("store chat %s: %w", chat.ID, err)
	}
	return nil
}
