package fixtures

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-go-golems/chorus/pkg/client"
	"github.com/go-go-golems/chorus/pkg/conversation"
	"github.com/go-go-golems/chorus/pkg/events"
	"github.com/go-go-golems/chorus/pkg/sessionstore"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Server is a chat backend driven by a Script. It persists user messages and
// scripted answers into an in-memory session store, so clients can hydrate
// and reload sessions exactly like against the real backend.
type Server struct {
	sessions *sessionstore.InMemoryStore
	script   *Script
	engine   *gin.Engine

	mu sync.Mutex
	// last compare user message per session, shared by the model sub-streams
	compareUsers map[string]compareUser
}

type compareUser struct {
	content string
	id      conversation.MessageID
}

func NewServer(sessions *sessionstore.InMemoryStore, script *Script) *Server {
	s := &Server{
		sessions:     sessions,
		script:       script,
		compareUsers: map[string]compareUser{},
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	api := r.Group("/api")
	api.POST("/chat/stream", s.handleStream)
	api.POST("/chat/compare/:model", s.handleCompare)

	api.GET("/sessions", s.handleListSessions)
	api.POST("/sessions", s.handleCreateSession)
	api.GET("/sessions/:id", s.handleGetSession)
	api.DELETE("/sessions/:id", s.handleDeleteSession)
	api.PATCH("/sessions/:id/title", s.handleRename)
	api.PATCH("/sessions/:id/assistant", s.handleSetAssistant)
	api.PATCH("/sessions/:id/group", s.handleSetGroup)

	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Sessions exposes the backing store, mostly for tests.
func (s *Server) Sessions() *sessionstore.InMemoryStore {
	return s.sessions
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("fixture request")
	}
}

func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, sessionstore.ErrSessionNotFound), errors.Is(err, ErrUnknownModel):
		status = http.StatusNotFound
	case errors.Is(err, sessionstore.ErrInvalidRequest), errors.Is(err, conversation.ErrIndexOutOfRange):
		status = http.StatusBadRequest
	}
	c.AbortWithStatusJSON(status, client.ErrorResponse{Error: err.Error()})
}

func (s *Server) bindGeneration(c *gin.Context) (*client.GenerationRequest, bool) {
	var req client.GenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, client.ErrorResponse{Error: err.Error()})
		return nil, false
	}
	if _, err := s.sessions.GetSession(c.Request.Context(), req.SessionID); err != nil {
		abortWithError(c, err)
		return nil, false
	}
	if s.script.FailWith != "" {
		c.AbortWithStatusJSON(http.StatusBadGateway, client.ErrorResponse{Error: s.script.FailWith})
		return nil, false
	}
	return &req, true
}

func startEventStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()
}

func (s *Server) writeSteps(c *gin.Context, steps []Step) error {
	return WriteSteps(c.Request.Context(), c.Writer, c.Writer.Flush, steps, s.script.Delay)
}

func (s *Server) hang(c *gin.Context) {
	if s.script.Hang {
		<-c.Request.Context().Done()
	}
}

func (s *Server) handleStream(c *gin.Context) {
	req, ok := s.bindGeneration(c)
	if !ok {
		return
	}
	if req.TruncateAfterIndex != nil {
		if err := s.sessions.TruncateAfter(req.SessionID, *req.TruncateAfterIndex); err != nil {
			abortWithError(c, err)
			return
		}
	}

	var userID conversation.MessageID
	if !req.SkipUserMessage {
		id, err := s.sessions.AppendMessage(req.SessionID, conversation.Message{
			Role:        conversation.RoleUser,
			Content:     req.Message,
			Attachments: resolveAttachments(req.Attachments),
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		userID = id
	}

	startEventStream(c)
	if !userID.IsZero() {
		if err := s.writeEvent(c, events.NewUserMessageIDEvent(userID)); err != nil {
			return
		}
	}

	t := newTranscript()
	persisted := false
	for _, step := range s.script.Chat {
		ev, _ := step.Event()
		if _, ok := ev.(*events.EventUserMessageID); ok {
			// ids come from the session store
			continue
		}
		if done, ok := ev.(*events.EventDone); ok && !done.IsTurnTerminal() && !t.failed && !persisted {
			persisted = true
			if err := s.persist(c, req.SessionID, t); err != nil {
				return
			}
		}
		if ev != nil {
			t.observe(ev)
		}
		if err := s.writeSteps(c, []Step{step}); err != nil {
			log.Debug().Err(err).Msg("client left the stream")
			return
		}
	}
	if !t.failed && !persisted {
		if err := s.persist(c, req.SessionID, t); err != nil {
			return
		}
	}
	s.hang(c)
}

func (s *Server) writeEvent(c *gin.Context, ev events.Event) error {
	step, err := StepFromEvent(ev)
	if err != nil {
		return err
	}
	return s.writeSteps(c, []Step{step})
}

// persist stores the answers seen so far and announces their ids.
func (s *Server) persist(c *gin.Context, sessionID string, t *transcript) error {
	for _, key := range t.order {
		msg := t.turns[key]
		scripted := !msg.MessageID.IsZero()
		id, err := s.sessions.AppendMessage(sessionID, *msg)
		if err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("could not persist answer")
			continue
		}
		if scripted {
			continue
		}
		if err := s.writeEvent(c, events.NewAssistantMessageIDEvent(msg.AssistantTurnID, id)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleCompare(c *gin.Context) {
	modelID := c.Param("model")
	steps, err := s.script.steps(modelID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	req, ok := s.bindGeneration(c)
	if !ok {
		return
	}
	userID, err := s.compareUserMessage(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err)
		return
	}

	startEventStream(c)
	if err := s.writeEvent(c, events.NewUserMessageIDEvent(userID)); err != nil {
		return
	}
	kept := make([]Step, 0, len(steps))
	for _, step := range steps {
		if ev, _ := step.Event(); ev != nil && ev.Type() == events.EventTypeUserMessageID {
			continue
		}
		kept = append(kept, step)
	}
	if err := s.writeSteps(c, kept); err != nil {
		log.Debug().Err(err).Str("model_id", modelID).Msg("client left the compare stream")
		return
	}
	s.hang(c)
}

// compareUserMessage persists the user message once for all sub-streams of
// the same compare request.
func (s *Server) compareUserMessage(ctx context.Context, req *client.GenerationRequest) (conversation.MessageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.compareUsers[req.SessionID]; ok && prev.content == req.Message {
		sess, err := s.sessions.GetSession(ctx, req.SessionID)
		if err != nil {
			return "", err
		}
		if n := len(sess.Messages); n > 0 && sess.Messages[n-1].MessageID == prev.id {
			return prev.id, nil
		}
	}
	id, err := s.sessions.AppendMessage(req.SessionID, conversation.Message{
		Role:        conversation.RoleUser,
		Content:     req.Message,
		Attachments: resolveAttachments(req.Attachments),
	})
	if err != nil {
		return "", err
	}
	s.compareUsers[req.SessionID] = compareUser{content: req.Message, id: id}
	return id, nil
}

// resolveAttachments fills in the URLs a real backend hands out after upload.
func resolveAttachments(atts []conversation.Attachment) []conversation.Attachment {
	if len(atts) == 0 {
		return nil
	}
	ret := make([]conversation.Attachment, len(atts))
	for i, a := range atts {
		if a.URL == "" {
			a.URL = "fixture://attachments/" + a.Name
		}
		ret[i] = a
	}
	return ret
}

// transcript accumulates the answer messages of one scripted stream.
type transcript struct {
	order  []string
	turns  map[string]*conversation.Message
	failed bool
}

func newTranscript() *transcript {
	return &transcript{turns: map[string]*conversation.Message{}}
}

func (t *transcript) turn(key string) *conversation.Message {
	if m, ok := t.turns[key]; ok {
		return m
	}
	m := &conversation.Message{Role: conversation.RoleAssistant, AssistantTurnID: key}
	t.turns[key] = m
	t.order = append(t.order, key)
	return m
}

func (t *transcript) observe(ev events.Event) {
	key := ev.Target().TurnID
	switch e := ev.(type) {
	case *events.EventAssistantStart:
		m := t.turn(key)
		m.AssistantID = e.AssistantID
		m.AssistantName = e.Name
		m.AssistantIcon = e.Icon
	case *events.EventChunk:
		t.turn(key).Content += e.Text
	case *events.EventAssistantChunk:
		t.turn(key).Content += e.Chunk
	case *events.EventUsage:
		u := e.Usage
		m := t.turn(key)
		m.Usage = &u
		if e.Cost != nil {
			c := *e.Cost
			m.Cost = &c
		}
	case *events.EventAssistantMessageID:
		t.turn(key).MessageID = e.MessageID
	case *events.EventError:
		t.failed = true
	}
}

func (s *Server) handleListSessions(c *gin.Context) {
	list, err := s.sessions.ListSessions(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req sessionstore.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, client.ErrorResponse{Error: err.Error()})
		return
	}
	sess, err := s.sessions.CreateSession(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.sessions.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRename(c *gin.Context) {
	var body struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, client.ErrorResponse{Error: err.Error()})
		return
	}
	if err := s.sessions.UpdateSessionTitle(c.Request.Context(), c.Param("id"), body.Title); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSetAssistant(c *gin.Context) {
	var body struct {
		AssistantID string `json:"assistant_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, client.ErrorResponse{Error: err.Error()})
		return
	}
	if err := s.sessions.UpdateSessionAssistant(c.Request.Context(), c.Param("id"), body.AssistantID); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSetGroup(c *gin.Context) {
	var body struct {
		GroupAssistants []string               `json:"group_assistants"`
		GroupMode       conversation.GroupMode `json:"group_mode"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, client.ErrorResponse{Error: err.Error()})
		return
	}
	err := s.sessions.UpdateSessionGroupAssistants(c.Request.Context(), c.Param("id"), body.GroupAssistants, body.GroupMode)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
