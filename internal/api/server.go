// Package api exposes PhaseForge sessions over HTTP and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"phaseforge/internal/agents/conversation"
	"phaseforge/internal/events"
	"phaseforge/internal/inference"
	"phaseforge/internal/logging"
	"phaseforge/internal/middleware"
	"phaseforge/internal/store"
	"phaseforge/internal/websocket"
)

// Hub is the realtime fan-out the server mounts at /ws/:session.
type Hub interface {
	HandleWebSocket(c *gin.Context)
	ClientCount() int
}

// Server represents the API server
type Server struct {
	sessions *Sessions
	hub      Hub
	store    *store.Store
	bus      events.Bus
	limiter  *middleware.KeyedRateLimiter
	origins  []string
	log      *zap.Logger
}

// NewServer creates a new API server. hub may be nil.
func NewServer(sessions *Sessions, hub Hub) *Server {
	cfg := sessions.deps.Config.Server
	s := &Server{
		sessions: sessions,
		hub:      hub,
		store:    sessions.deps.Store,
		bus:      sessions.deps.Bus,
		origins:  cfg.AllowedOrigins,
		log:      logging.OrNamed(sessions.deps.Logger, "api"),
	}
	if cfg.RequestsPerMinute > 0 {
		s.limiter = middleware.NewKeyedRateLimiter(cfg.RequestsPerMinute, cfg.Burst)
	}
	return s
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(
		middleware.RequestID(),
		middleware.Logger(s.log, "/health", "/metrics"),
		middleware.Recovery(s.log),
		middleware.CORS(s.origins),
	)

	r.GET("/health", s.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if s.hub != nil {
		r.GET("/ws/:session", s.hub.HandleWebSocket)
	}

	v1 := r.Group("/sessions", middleware.RateLimit(s.limiter))
	v1.POST("", s.CreateSession)
	v1.GET("/:session", s.GetSession)
	v1.POST("/:session/messages", s.PostMessage)
	v1.POST("/:session/build", s.StartBuild)
	v1.DELETE("/:session/build", s.StopBuild)
	return r
}

// Health reports liveness and a few gauges.
func (s *Server) Health(c *gin.Context) {
	body := gin.H{"status": "healthy", "sessions": s.sessions.Len()}
	if s.hub != nil {
		body["websocket_clients"] = s.hub.ClientCount()
	}
	c.JSON(http.StatusOK, body)
}

// CreateSession registers a project and returns its ID.
func (s *Server) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.Abort(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	sess, err := s.sessions.Create(c.Request.Context(), req)
	if errors.Is(err, errEmptyQuery) {
		middleware.Abort(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if err != nil {
		s.log.Error("create session failed", zap.Error(err))
		middleware.Abort(c, http.StatusInternalServerError, "SESSION_CREATE_FAILED", "Failed to create session")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": sess.ID})
}

// GetSession describes the conversation and build state of a session.
func (s *Server) GetSession(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	completed := sess.Loop.Completed()
	names := make([]string, 0, len(completed))
	for _, p := range completed {
		names = append(names, p.Name)
	}
	body := gin.H{
		"id":               sess.ID,
		"state":            sess.Processor.State(),
		"history":          len(sess.Processor.History()),
		"pending_requests": sess.Loop.Queue().Pending(),
		"building":         sess.Building(),
		"completed_phases": names,
	}
	if err := sess.LastError(); err != nil {
		body["last_error"] = err.Error()
	}
	if s.store != nil {
		records, err := s.store.Phases(c.Request.Context(), sess.ID)
		if err != nil {
			s.log.Warn("load phase records failed", zap.String("session_id", sess.ID), zap.Error(err))
		} else {
			body["phase_records"] = records
		}
	}
	c.JSON(http.StatusOK, body)
}

// PostMessage runs one conversation turn. Streamed tokens and tool progress
// go out on the event bus; the final response is the HTTP body.
func (s *Server) PostMessage(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var in conversation.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		middleware.Abort(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if strings.TrimSpace(in.Text) == "" && len(in.Images) == 0 {
		middleware.Abort(c, http.StatusBadRequest, "INVALID_REQUEST", "text or images are required")
		return
	}

	resp, err := s.converse(c.Request.Context(), sess, in)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, resp)
	case inference.IsRateLimit(err):
		c.Header("Retry-After", "60")
		middleware.Abort(c, http.StatusTooManyRequests, "LLM_RATE_LIMITED", "The model is rate limited, try again shortly")
	case inference.IsSecurity(err):
		middleware.Abort(c, http.StatusForbidden, "SECURITY_REJECTED", err.Error())
	default:
		s.log.Error("conversation turn failed", zap.String("session_id", sess.ID), zap.Error(err))
		middleware.Abort(c, http.StatusInternalServerError, "CONVERSATION_FAILED", "Conversation turn failed")
	}
}

// StartBuild launches the phase loop of a session.
func (s *Server) StartBuild(c *gin.Context) {
	id := c.Param("session")
	switch err := s.sessions.StartBuild(id); {
	case errors.Is(err, errSessionNotFound):
		middleware.Abort(c, http.StatusNotFound, "SESSION_NOT_FOUND", err.Error())
	case errors.Is(err, errBuildRunning):
		middleware.Abort(c, http.StatusConflict, "BUILD_RUNNING", err.Error())
	case err != nil:
		middleware.Abort(c, http.StatusInternalServerError, "BUILD_START_FAILED", err.Error())
	default:
		c.JSON(http.StatusAccepted, gin.H{"id": id, "building": true})
	}
}

// StopBuild cancels the phase loop of a session.
func (s *Server) StopBuild(c *gin.Context) {
	id := c.Param("session")
	if err := s.sessions.StopBuild(id); err != nil {
		middleware.Abort(c, http.StatusNotFound, "SESSION_NOT_FOUND", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "building": false})
}

// HandleInbound answers user messages sent over the WebSocket of a session.
func (s *Server) HandleInbound(ctx context.Context, roomID string, msg websocket.Message) {
	sess, err := s.sessions.Get(roomID)
	if err != nil {
		s.log.Debug("message for unknown session", zap.String("session_id", roomID))
		return
	}
	var in conversation.Input
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		s.log.Debug("malformed user message", zap.String("session_id", roomID), zap.Error(err))
		return
	}
	if _, err := s.converse(ctx, sess, in); err != nil {
		e := events.New(events.TypeConversation, sess.ID)
		e.Message = err.Error()
		e.Data = map[string]any{"error": true}
		s.publish(ctx, e)
	}
}

func (s *Server) converse(ctx context.Context, sess *Session, in conversation.Input) (*conversation.Response, error) {
	return sess.Processor.ProcessMessage(ctx, in, func(text, convID string, streaming bool, tool *conversation.ToolProgress) {
		if tool != nil {
			e := events.New(events.TypeConversationTool, sess.ID)
			e.Message = tool.Message
			e.Data = map[string]any{"conversation_id": convID, "tool": tool.Name, "status": string(tool.Status)}
			s.publish(ctx, e)
			return
		}
		e := events.New(events.TypeConversation, sess.ID)
		e.Message = text
		e.Data = map[string]any{"conversation_id": convID, "streaming": streaming}
		s.publish(ctx, e)
	})
}

func (s *Server) session(c *gin.Context) (*Session, bool) {
	sess, err := s.sessions.Get(c.Param("session"))
	if err != nil {
		middleware.Abort(c, http.StatusNotFound, "SESSION_NOT_FOUND", err.Error())
		return nil, false
	}
	return sess, true
}

func (s *Server) publish(ctx context.Context, e events.Event) {
	if err := s.bus.Publish(ctx, e); err != nil {
		s.log.Debug("publish event failed", zap.String("type", string(e.Type)), zap.Error(err))
	}
}
