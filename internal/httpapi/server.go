// Package httpapi exposes the chat surface: POST /chat runs one agent turn
// and streams its events, GET /chat re-attaches to an in-flight run, and
// DELETE /chat/:id removes a chat. Admission (auth, quotas) happens here so
// a denied request costs no loop work and emits no events.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/answerloop/answerloop/internal/agent"
	"github.com/answerloop/answerloop/internal/chatstore"
	"github.com/answerloop/answerloop/internal/ratelimit"
	"github.com/answerloop/answerloop/internal/stream"
)

// Runner is the loop surface the server drives; *agent.Loop implements it.
type Runner interface {
	Run(ctx context.Context, sc *agent.SystemContext, w stream.Writer, onFinish func(answer string)) (agent.RunResult, error)
}

// Server wires the HTTP surface to the loop and its stores.
type Server struct {
	Auth    Authenticator
	Chats   chatstore.Store
	Daily   *ratelimit.DailyQuota
	Global  *ratelimit.SlidingWindow
	Resumer *stream.Resumer
	Loop    Runner

	// RequestTimeout bounds one whole turn. Zero means no timeout.
	RequestTimeout time.Duration
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/chat", s.handleChat)
	r.GET("/chat", s.handleResume)
	r.DELETE("/chat/:id", s.handleDelete)
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

type chatRequest struct {
	Messages []agent.Message `json:"messages"`
	ChatID   string          `json:"chatId"`
}

func (s *Server) handleChat(c *gin.Context) {
	userID := s.Auth.Authenticate(c.Request)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages must be a non-empty array"})
		return
	}

	ctx := c.Request.Context()
	if s.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.RequestTimeout)
		defer cancel()
	}

	// Ownership is checked before any counter moves.
	var chat *chatstore.Chat
	if req.ChatID != "" {
		var err error
		chat, err = s.Chats.Get(ctx, userID, req.ChatID)
		if errors.Is(err, chatstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		if err != nil {
			log.Error().Err(err).Str("chat", req.ChatID).Msg("chat lookup failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
			return
		}
	}

	if res := s.Daily.Allow(ctx, userID); !res.Allowed {
		writeRateHeaders(c, res)
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "daily request limit reached"})
		return
	}
	if res := s.Global.AllowWithRetry(ctx); !res.Allowed {
		// A denied request must not consume daily budget.
		s.Daily.Refund(ctx, userID)
		writeRateHeaders(c, res)
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "service is at capacity, try again shortly"})
		return
	}

	created := false
	if chat == nil {
		var err error
		chat, err = s.Chats.Create(ctx, userID, chatTitle(req.Messages), req.Messages)
		if err != nil {
			log.Error().Err(err).Msg("chat create failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
			return
		}
		created = true
	} else if msg := lastUserMessage(req.Messages); msg != nil {
		if _, err := s.Chats.AppendMessages(ctx, userID, chat.ID, *msg); err != nil {
			log.Warn().Err(err).Str("chat", chat.ID).Msg("user message persistence failed")
		}
	}

	sseHeaders(c.Writer)
	c.Status(http.StatusOK)
	live := newSSEWriter(c.Writer)

	pub, err := s.Resumer.Open(ctx, chat.ID)
	if err != nil {
		log.Warn().Err(err).Str("chat", chat.ID).Msg("stream mirror unavailable; serving live only")
	}
	w := stream.Tee(live, pub)
	defer pub.Close(context.WithoutCancel(ctx))

	if created {
		if err := w.Send(ctx, stream.Event{
			Type:    stream.EventNewChatCreated,
			Payload: stream.NewChatCreatedPayload{ChatID: chat.ID},
		}); err != nil {
			return
		}
	}

	sc := agent.NewSystemContext(req.Messages, locationHints(c.Request))
	onFinish := func(answer string) {
		msg := agent.Message{ID: uuid.NewString(), Role: "assistant", Content: answer}
		if _, err := s.Chats.AppendMessages(context.WithoutCancel(ctx), userID, chat.ID, msg); err != nil {
			log.Warn().Err(err).Str("chat", chat.ID).Msg("assistant message persistence failed")
		}
	}
	if _, err := s.Loop.Run(ctx, sc, w, onFinish); err != nil {
		log.Warn().Err(err).Str("chat", chat.ID).Str("user", userID).Msg("chat turn ended with error")
	}
}

func (s *Server) handleResume(c *gin.Context) {
	userID := s.Auth.Authenticate(c.Request)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	chatID := c.Query("chatId")
	if chatID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chatId is required"})
		return
	}
	ctx := c.Request.Context()
	if _, err := s.Chats.Get(ctx, userID, chatID); err != nil {
		if errors.Is(err, chatstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		log.Error().Err(err).Str("chat", chatID).Msg("chat lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}

	events, err := s.Resumer.Resume(ctx, chatID)
	if errors.Is(err, stream.ErrNoActiveStream) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active stream for chat"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("chat", chatID).Msg("stream resume failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stream unavailable"})
		return
	}

	sseHeaders(c.Writer)
	c.Status(http.StatusOK)
	w := newSSEWriter(c.Writer)
	for ev := range events {
		if err := w.Send(ctx, ev); err != nil {
			return
		}
	}
}

func (s *Server) handleDelete(c *gin.Context) {
	userID := s.Auth.Authenticate(c.Request)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	err := s.Chats.Delete(c.Request.Context(), userID, c.Param("id"))
	if errors.Is(err, chatstore.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("chat", c.Param("id")).Msg("chat delete failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}
	c.Status(http.StatusNoContent)
}

func writeRateHeaders(c *gin.Context, res ratelimit.Result) {
	c.Header("X-Rate-Limit-Limit", strconv.Itoa(res.Limit))
	c.Header("X-Rate-Limit-Remaining", strconv.Itoa(res.Remaining))
	c.Header("X-Rate-Limit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
}

// chatTitle derives a title from the first user message.
func chatTitle(messages []agent.Message) string {
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		title := strings.TrimSpace(m.Content)
		if len(title) > 80 {
			title = title[:80]
		}
		if title != "" {
			return title
		}
	}
	return "New chat"
}

func lastUserMessage(messages []agent.Message) *agent.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return &messages[i]
		}
	}
	return nil
}

// locationHints collects opaque origin hints the prompts may use. Everything
// here is client-supplied and advisory only.
func locationHints(r *http.Request) string {
	var parts []string
	if city := r.Header.Get("X-Client-City"); city != "" {
		parts = append(parts, "city: "+city)
	}
	if lang := r.Header.Get("Accept-Language"); lang != "" {
		parts = append(parts, "languages: "+lang)
	}
	if len(parts) == 0 && r.RemoteAddr != "" {
		parts = append(parts, "remote: "+r.RemoteAddr)
	}
	return strings.Join(parts, "; ")
}
