// internal/api/server.go
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/user/insightdash/internal/conversation"
	"github.com/user/insightdash/internal/dashboard"
	"github.com/user/insightdash/internal/gateway"
	"github.com/user/insightdash/internal/orchestrator"
	"github.com/user/insightdash/internal/render"
	"github.com/user/insightdash/internal/state"
	"github.com/user/insightdash/internal/types"
	"github.com/user/insightdash/pkg/taskapi"
)

// Asker enqueues questions.
type Asker interface {
	HandleAsk(ctx context.Context, event *types.AskEvent, opts ...gateway.RunOption) (*gateway.Run, error)
}

// Runs controls tasks in flight.
type Runs interface {
	Cancel(id types.ConversationID) bool
	CancelAll(ctx context.Context) (int, error)
	Active() map[types.ConversationID]*orchestrator.Run
	Service() taskapi.Service
}

// Server is the HTTP front-end: conversation management, asks, cancels,
// and named saved-query triggers.
type Server struct {
	gateway       Asker
	runs          Runs
	conversations *conversation.Store
	queries       *state.SavedQueryStore
	engine        *gin.Engine
}

// NewServer creates a Server. queries may be nil, which disables the
// /webhook routes.
func NewServer(gw Asker, runs Runs, conversations *conversation.Store, queries *state.SavedQueryStore) *Server {
	s := &Server{
		gateway:       gw,
		runs:          runs,
		conversations: conversations,
		queries:       queries,
		engine:        gin.New(),
	}
	s.engine.Use(gin.Recovery(), requestLogger())

	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")
	api.GET("/conversations", s.handleListConversations)
	api.POST("/conversations", s.handleCreateConversation)
	api.GET("/conversations/:id", s.handleGetConversation)
	api.PATCH("/conversations/:id", s.handleUpdateConversation)
	api.DELETE("/conversations/:id", s.handleDeleteConversation)
	api.GET("/conversations/:id/messages/:mid/dashboard", s.handleDashboard)
	api.POST("/ask", s.handleAsk)
	api.POST("/cancel", s.handleCancel)
	api.GET("/tasks", s.handleTasks)

	s.engine.POST("/webhook/:name", s.handleNamedQuery)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		slog.Debug("http request", "method", c.Request.Method, "path", c.FullPath(), "status", c.Writer.Status())
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "active": len(s.runs.Active())})
}

type conversationSummary struct {
	ID         types.ConversationID  `json:"id"`
	Key        types.ConversationKey `json:"key,omitempty"`
	Title      string                `json:"title"`
	Messages   int                   `json:"message_count"`
	IsArchived bool                  `json:"is_archived"`
	IsStarred  bool                  `json:"is_starred"`
	Current    bool                  `json:"current"`
	Running    bool                  `json:"running"`
	CreatedAt  string                `json:"created_at"`
	UpdatedAt  string                `json:"updated_at"`
}

func (s *Server) handleListConversations(c *gin.Context) {
	all := c.Query("all") == "true"
	current := s.conversations.CurrentID()
	active := s.runs.Active()

	result := make([]conversationSummary, 0)
	for _, conv := range s.conversations.List() {
		if conv.IsArchived && !all {
			continue
		}
		_, running := active[conv.ID]
		result = append(result, conversationSummary{
			ID:         conv.ID,
			Key:        conv.Key,
			Title:      conv.Title,
			Messages:   len(conv.Messages),
			IsArchived: conv.IsArchived,
			IsStarred:  conv.IsStarred,
			Current:    conv.ID == current,
			Running:    running,
			CreatedAt:  conv.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			UpdatedAt:  conv.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	c.JSON(http.StatusOK, result)
}

type createConversationRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleCreateConversation(c *gin.Context) {
	var req createConversationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
			return
		}
	}
	conv, err := s.conversations.Create(c.Request.Context(), req.Title)
	if err != nil {
		s.internalError(c, "create conversation failed", err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(c *gin.Context) {
	conv, err := s.conversations.Get(types.ConversationID(c.Param("id")))
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

type updateConversationRequest struct {
	Title    *string `json:"title"`
	Starred  *bool   `json:"starred"`
	Archived *bool   `json:"archived"`
	Select   bool    `json:"select"`
}

func (s *Server) handleUpdateConversation(c *gin.Context) {
	var req updateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}
	ctx := c.Request.Context()
	id := types.ConversationID(c.Param("id"))

	var err error
	if req.Title != nil {
		if strings.TrimSpace(*req.Title) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "title must not be empty"})
			return
		}
		err = s.conversations.Rename(ctx, id, *req.Title)
	}
	if err == nil && req.Starred != nil {
		err = s.conversations.SetStarred(ctx, id, *req.Starred)
	}
	if err == nil && req.Archived != nil {
		if *req.Archived {
			err = s.conversations.Archive(ctx, id)
		} else {
			err = s.conversations.Unarchive(ctx, id)
		}
	}
	if err == nil && req.Select {
		err = s.conversations.Select(ctx, id)
	}
	if err != nil {
		s.storeError(c, err)
		return
	}
	s.handleGetConversation(c)
}

func (s *Server) handleDeleteConversation(c *gin.Context) {
	id := types.ConversationID(c.Param("id"))
	s.runs.Cancel(id)
	if err := s.conversations.Delete(c.Request.Context(), id); err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id, "current": s.conversations.CurrentID()})
}

// handleDashboard returns the render plan of an assistant message, or
// its plain-text rendering with ?format=text.
func (s *Server) handleDashboard(c *gin.Context) {
	conv, err := s.conversations.Get(types.ConversationID(c.Param("id")))
	if err != nil {
		s.storeError(c, err)
		return
	}
	mid := types.MessageID(c.Param("mid"))
	for _, m := range conv.Messages {
		if m.ID != mid {
			continue
		}
		if m.Response == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "message has no dashboard"})
			return
		}
		plan := dashboard.Compose(m.Response)
		if c.Query("format") == "text" {
			c.String(http.StatusOK, render.Text(plan))
			return
		}
		c.JSON(http.StatusOK, plan)
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
}

type askRequest struct {
	Query          string                `json:"query"`
	ConversationID types.ConversationID  `json:"conversation_id"`
	Key            types.ConversationKey `json:"key"`
	Priority       taskapi.Priority      `json:"priority"`
}

type replyResponse struct {
	RunID          types.RunID                 `json:"run_id"`
	ConversationID types.ConversationID        `json:"conversation_id"`
	MessageID      types.MessageID             `json:"message_id,omitempty"`
	TaskID         string                      `json:"task_id,omitempty"`
	Outcome        taskapi.TaskState           `json:"outcome"`
	Text           string                      `json:"text,omitempty"`
	Error          string                      `json:"error,omitempty"`
	Plan           *dashboard.Plan             `json:"dashboard,omitempty"`
	Response       *taskapi.StructuredResponse `json:"response,omitempty"`
}

// handleAsk queues a question and waits for its reply.
func (s *Server) handleAsk(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}
	s.ask(c, &types.AskEvent{
		Source:         "http",
		Key:            req.Key,
		ConversationID: req.ConversationID,
		Query:          req.Query,
		Priority:       req.Priority,
	})
}

func (s *Server) ask(c *gin.Context, event *types.AskEvent) {
	ctx := c.Request.Context()
	if event.ConversationID != "" {
		if _, err := s.conversations.Get(event.ConversationID); err != nil {
			s.storeError(c, err)
			return
		}
	}

	replies := make(chan *types.Reply, 1)
	run, err := s.gateway.HandleAsk(ctx, event, gateway.WithOnComplete(func(r *types.Reply) {
		replies <- r
	}))
	if err != nil {
		if taskapi.KindOf(err) == taskapi.KindValidation {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.Error("queue ask failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ask queue unavailable"})
		return
	}

	select {
	case reply := <-replies:
		resp := replyResponse{
			RunID:          run.ID,
			ConversationID: run.ConversationID,
			MessageID:      reply.MessageID,
			TaskID:         reply.TaskID,
			Outcome:        reply.Outcome,
			Text:           reply.Text,
			Plan:           reply.Plan,
			Response:       reply.Response,
		}
		if reply.Err != nil {
			resp.Error = reply.Err.Error()
		}
		c.JSON(http.StatusOK, resp)
	case <-ctx.Done():
		slog.Info("client left before reply", "run_id", run.ID, "conversation_id", run.ConversationID)
		run.Release(taskapi.NewCancelledError("", "client disconnected"))
	}
}

type cancelRequest struct {
	ConversationID types.ConversationID `json:"conversation_id"`
	All            bool                 `json:"all"`
}

func (s *Server) handleCancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}
	if req.All {
		n, err := s.runs.CancelAll(c.Request.Context())
		if err != nil {
			slog.Error("cancel all failed", "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"cancelled": n})
		return
	}
	id := req.ConversationID
	if id == "" {
		id = s.conversations.CurrentID()
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": id, "cancelled": s.runs.Cancel(id)})
}

func (s *Server) handleTasks(c *gin.Context) {
	tasks, err := s.runs.Service().ListTasks(c.Request.Context())
	if err != nil {
		slog.Error("list tasks failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if tasks == nil {
		tasks = []taskapi.TaskStatus{}
	}
	c.JSON(http.StatusOK, tasks)
}

type namedQueryRequest struct {
	Query string `json:"query"`
}

// handleNamedQuery runs a saved query by name. The body may override
// the question text.
func (s *Server) handleNamedQuery(c *gin.Context) {
	if s.queries == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "saved queries not configured"})
		return
	}
	name := c.Param("name")
	q, err := s.queries.Get(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, state.ErrSavedQueryNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "saved query not found"})
			return
		}
		s.internalError(c, "load saved query failed", err)
		return
	}
	if !q.Enabled {
		c.JSON(http.StatusForbidden, gin.H{"error": "saved query is disabled"})
		return
	}

	query := q.Query
	var body namedQueryRequest
	if err := c.ShouldBindJSON(&body); err == nil && strings.TrimSpace(body.Query) != "" {
		query = body.Query
	}
	s.ask(c, &types.AskEvent{Source: "webhook", Key: q.Key, Query: query})
}

func (s *Server) storeError(c *gin.Context, err error) {
	if errors.Is(err, conversation.ErrConversationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	s.internalError(c, "conversation store failed", err)
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	slog.Error(msg, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
