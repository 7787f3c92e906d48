package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/answerloop/answerloop/internal/agent"
	"github.com/answerloop/answerloop/internal/chatstore"
	"github.com/answerloop/answerloop/internal/ratelimit"
	"github.com/answerloop/answerloop/internal/stream"
)

// scriptedRunner plays a fixed event sequence and reports the final answer.
type scriptedRunner struct {
	mu     sync.Mutex
	events []stream.Event
	answer string
	runs   int
}

func (r *scriptedRunner) Run(ctx context.Context, _ *agent.SystemContext, w stream.Writer, onFinish func(string)) (agent.RunResult, error) {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	for _, ev := range r.events {
		if err := w.Send(ctx, ev); err != nil {
			return agent.RunResult{}, err
		}
	}
	if onFinish != nil {
		onFinish(r.answer)
	}
	return agent.RunResult{Answer: r.answer}, nil
}

func (r *scriptedRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

type testEnv struct {
	server *Server
	router http.Handler
	chats  *chatstore.Redis
	runner *scriptedRunner
	client *redis.Client
}

func newEnv(t *testing.T, dailyLimit int) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	chats := chatstore.NewRedis(client)
	runner := &scriptedRunner{
		events: []stream.Event{
			{Type: stream.EventTextDelta, Payload: stream.TextDeltaPayload{Delta: "hello "}},
			{Type: stream.EventTextDelta, Payload: stream.TextDeltaPayload{Delta: "world"}},
		},
		answer: "hello world",
	}
	srv := &Server{
		Auth:    &StaticTokens{Tokens: map[string]string{"tok-alice": "alice", "tok-bob": "bob"}},
		Chats:   chats,
		Daily:   &ratelimit.DailyQuota{Client: client, Limit: dailyLimit},
		Global:  &ratelimit.SlidingWindow{Client: client, Max: 100, Window: time.Minute},
		Resumer: &stream.Resumer{Client: client},
		Loop:    runner,
	}
	return &testEnv{server: srv, router: srv.Router(), chats: chats, runner: runner, client: client}
}

func postChat(t *testing.T, env *testEnv, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func TestChatRequiresAuth(t *testing.T) {
	env := newEnv(t, 5)
	rec := postChat(t, env, "", `{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, env.runner.runCount())
}

func TestChatRejectsEmptyMessages(t *testing.T) {
	env := newEnv(t, 5)
	rec := postChat(t, env, "tok-alice", `{"messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatUnknownChatIDIs404(t *testing.T) {
	env := newEnv(t, 5)
	rec := postChat(t, env, "tok-alice", `{"chatId":"nope","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, env.runner.runCount())
}

func TestChatStreamsAndPersists(t *testing.T) {
	env := newEnv(t, 5)
	rec := postChat(t, env, "tok-alice", `{"messages":[{"id":"m1","role":"user","content":"what is Go"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: new-chat-created")
	assert.Contains(t, body, "event: text-delta")
	assert.Contains(t, body, `"delta":"hello "`)

	// The assistant answer must be persisted to the created chat.
	chatID := extractChatID(t, body)
	chat, err := env.chats.Get(context.Background(), "alice", chatID)
	require.NoError(t, err)
	require.Len(t, chat.Messages, 2)
	assert.Equal(t, "assistant", chat.Messages[1].Role)
	assert.Equal(t, "hello world", chat.Messages[1].Content)
	assert.Equal(t, "what is Go", chat.Title)
}

func TestChatExistingChatSkipsCreatedEvent(t *testing.T) {
	env := newEnv(t, 5)
	chat, err := env.chats.Create(context.Background(), "alice", "t",
		[]agent.Message{{ID: "m1", Role: "user", Content: "hi"}})
	require.NoError(t, err)

	rec := postChat(t, env, "tok-alice",
		`{"chatId":"`+chat.ID+`","messages":[{"id":"m1","role":"user","content":"hi"},{"id":"m2","role":"user","content":"more"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "event: new-chat-created")

	got, err := env.chats.Get(context.Background(), "alice", chat.ID)
	require.NoError(t, err)
	// Original message, appended user turn, assistant answer.
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "more", got.Messages[1].Content)
}

func TestChatDailyLimitReturns429WithHeaders(t *testing.T) {
	env := newEnv(t, 1)
	first := postChat(t, env, "tok-alice", `{"messages":[{"role":"user","content":"one"}]}`)
	require.Equal(t, http.StatusOK, first.Code)

	second := postChat(t, env, "tok-alice", `{"messages":[{"role":"user","content":"two"}]}`)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("X-Rate-Limit-Limit"))
	assert.Equal(t, "0", second.Header().Get("X-Rate-Limit-Remaining"))
	assert.NotEmpty(t, second.Header().Get("X-Rate-Limit-Reset"))
	assert.NotContains(t, second.Body.String(), "event:")
	assert.Equal(t, 1, env.runner.runCount())
}

func TestChatGlobalDenyRefundsDailyBudget(t *testing.T) {
	env := newEnv(t, 5)
	env.server.Global.Max = 1
	ctx := context.Background()

	// Pre-consume the only global slot, then let alice hit the global deny.
	require.True(t, env.server.Global.Allow(ctx).Allowed)
	rec := postChat(t, env, "tok-alice", `{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Zero(t, env.runner.runCount())

	key := "ratelimit:user:alice:" + time.Now().Format("2006-01-02")
	val, err := env.client.Get(ctx, key).Result()
	if err == nil {
		assert.Equal(t, "0", val, "a 429 must leave the daily counter unchanged")
	} else {
		assert.ErrorIs(t, err, redis.Nil)
	}

	// The full daily budget is still available once the window clears.
	env.server.Global.Max = 100
	ok := postChat(t, env, "tok-alice", `{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusOK, ok.Code)
}

// stallingRewriter blocks until the request times out.
type stallingRewriter struct{}

func (stallingRewriter) Rewrite(ctx context.Context, _ *agent.SystemContext) (agent.QueryPlan, error) {
	<-ctx.Done()
	return agent.QueryPlan{}, ctx.Err()
}

func TestChatTimeoutStreamsCancelledErrorFrame(t *testing.T) {
	env := newEnv(t, 5)
	env.server.RequestTimeout = 30 * time.Millisecond
	env.server.Loop = &agent.Loop{
		Rewriter:  stallingRewriter{},
		Guardrail: &agent.LLMGuardrail{},
		MaxSteps:  1,
	}

	rec := postChat(t, env, "tok-alice", `{"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "event: planning")
	assert.Contains(t, body, "event: error")
	assert.Contains(t, body, `"message":"cancelled"`)
}

// downStore fails every operation, standing in for an unreachable backend.
type downStore struct{}

func (downStore) Create(context.Context, string, string, []agent.Message) (*chatstore.Chat, error) {
	return nil, errors.New("redis down")
}

func (downStore) Get(context.Context, string, string) (*chatstore.Chat, error) {
	return nil, errors.New("redis down")
}

func (downStore) AppendMessages(context.Context, string, string, ...agent.Message) (*chatstore.Chat, error) {
	return nil, errors.New("redis down")
}

func (downStore) Delete(context.Context, string, string) error {
	return errors.New("redis down")
}

func TestResumeStorageFailureIs500(t *testing.T) {
	env := newEnv(t, 5)
	env.server.Chats = downStore{}

	req := httptest.NewRequest(http.MethodGet, "/chat?chatId=abc", nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDeleteChat(t *testing.T) {
	env := newEnv(t, 5)
	chat, err := env.chats.Create(context.Background(), "alice", "t", nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/chat/"+chat.ID, nil)
	req.Header.Set("Authorization", "Bearer tok-bob")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/chat/"+chat.ID, nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestResumeWithoutActiveStreamIs404(t *testing.T) {
	env := newEnv(t, 5)
	chat, err := env.chats.Create(context.Background(), "alice", "t", nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/chat?chatId="+chat.ID, nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResumeReplaysInFlightStream(t *testing.T) {
	env := newEnv(t, 5)
	ctx := context.Background()
	chat, err := env.chats.Create(ctx, "alice", "t", nil)
	require.NoError(t, err)

	pub, err := env.server.Resumer.Open(ctx, chat.ID)
	require.NoError(t, err)
	require.NoError(t, pub.Send(ctx, stream.Event{
		Type: stream.EventPlanning, Payload: stream.PlanningPayload{Title: "Planning step 1"},
	}))
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = pub.Send(ctx, stream.Event{
			Type: stream.EventTextDelta, Payload: stream.TextDeltaPayload{Delta: "tail"},
		})
		pub.Close(ctx)
	}()

	req := httptest.NewRequest(http.MethodGet, "/chat?chatId="+chat.ID, nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "event: planning")
	assert.Contains(t, body, `"delta":"tail"`)
}

func extractChatID(t *testing.T, body string) string {
	t.Helper()
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, "chatId") {
			raw := strings.TrimPrefix(line, "data: ")
			start := strings.Index(raw, `"chatId":"`)
			require.GreaterOrEqual(t, start, 0)
			rest := raw[start+len(`"chatId":"`):]
			return rest[:strings.Index(rest, `"`)]
		}
	}
	t.Fatal("no new-chat-created frame in body")
	return ""
}
