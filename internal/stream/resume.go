package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Resumer maintains the chatId → streamId registry and mirrors a run's
// events through a Redis list (replay) and pub/sub channel (live tail).
// Resumption is off the hot path: the producer runs once and both the
// original response and any resumed response draw from the same broadcast.
type Resumer struct {
	Client *redis.Client
	// TTL bounds how long a finished or abandoned stream stays replayable.
	// Zero means 10 minutes.
	TTL time.Duration
}

const (
	defaultStreamTTL = 10 * time.Minute
	frameEnd         = "end"
	frameEvent       = "event"
)

type frame struct {
	Seq     int64           `json:"seq"`
	Kind    string          `json:"kind"`
	Type    EventType       `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (r *Resumer) ttl() time.Duration {
	if r.TTL > 0 {
		return r.TTL
	}
	return defaultStreamTTL
}

func streamKey(id string) string    { return "stream:log:" + id }
func channelKey(id string) string   { return "stream:live:" + id }
func registryKey(chat string) string { return "stream:chat:" + chat }

// Publisher mirrors one run's events. It implements Writer.
type Publisher struct {
	r        *Resumer
	chatID   string
	streamID string
	seq      int64
}

// Open registers a new stream for chatID and returns its publisher. Publish
// failures downstream are fail-open; the live response does not depend on
// the mirror.
func (r *Resumer) Open(ctx context.Context, chatID string) (*Publisher, error) {
	if r == nil || r.Client == nil {
		return nil, nil
	}
	id := uuid.NewString()
	if err := r.Client.Set(ctx, registryKey(chatID), id, r.ttl()).Err(); err != nil {
		return nil, fmt.Errorf("register stream: %w", err)
	}
	return &Publisher{r: r, chatID: chatID, streamID: id}, nil
}

func (p *Publisher) Send(ctx context.Context, ev Event) error {
	if p == nil {
		return nil
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil
	}
	p.seq++
	p.publish(ctx, frame{Seq: p.seq, Kind: frameEvent, Type: ev.Type, Payload: payload})
	return nil
}

// Close marks the stream finished and drops the registry entry so GET /chat
// stops seeing it as live. The replay log survives for the TTL.
func (p *Publisher) Close(ctx context.Context) {
	if p == nil {
		return
	}
	p.seq++
	p.publish(ctx, frame{Seq: p.seq, Kind: frameEnd})
	if err := p.r.Client.Del(ctx, registryKey(p.chatID)).Err(); err != nil {
		log.Warn().Err(err).Str("chat", p.chatID).Msg("stream registry cleanup failed")
	}
}

func (p *Publisher) publish(ctx context.Context, f frame) {
	raw, err := json.Marshal(f)
	if err != nil {
		return
	}
	pipe := p.r.Client.Pipeline()
	pipe.RPush(ctx, streamKey(p.streamID), raw)
	pipe.Expire(ctx, streamKey(p.streamID), p.r.ttl())
	pipe.Publish(ctx, channelKey(p.streamID), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("stream", p.streamID).Msg("stream mirror publish failed")
	}
}

// ErrNoActiveStream is returned by Resume when no run is in flight for the
// chat.
var ErrNoActiveStream = fmt.Errorf("no active stream")

// Resume replays the recorded events for the chat's in-flight run and then
// tails the live broadcast until the producer closes the stream or ctx ends.
// The returned channel is closed when the stream terminates.
func (r *Resumer) Resume(ctx context.Context, chatID string) (<-chan Event, error) {
	if r == nil || r.Client == nil {
		return nil, ErrNoActiveStream
	}
	streamID, err := r.Client.Get(ctx, registryKey(chatID)).Result()
	if err == redis.Nil {
		return nil, ErrNoActiveStream
	}
	if err != nil {
		return nil, fmt.Errorf("stream lookup: %w", err)
	}

	// Subscribe before replaying so no frame falls between LRANGE and the
	// subscription; duplicates are dropped by sequence number.
	sub := r.Client.Subscribe(ctx, channelKey(streamID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("stream subscribe: %w", err)
	}

	replay, err := r.Client.LRange(ctx, streamKey(streamID), 0, -1).Result()
	if err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("stream replay: %w", err)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		var lastSeq int64
		emit := func(raw []byte) (done bool) {
			var f frame
			if err := json.Unmarshal(raw, &f); err != nil {
				return false
			}
			if f.Seq <= lastSeq {
				return false
			}
			lastSeq = f.Seq
			if f.Kind == frameEnd {
				return true
			}
			var payload any
			_ = json.Unmarshal(f.Payload, &payload)
			select {
			case out <- Event{Type: f.Type, Payload: payload}:
			case <-ctx.Done():
				return true
			}
			return false
		}

		for _, raw := range replay {
			if emit([]byte(raw)) {
				return
			}
		}
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if emit([]byte(msg.Payload)) {
					return
				}
			}
		}
	}()
	return out, nil
}
