package sessionstore

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-go-golems/chorus/pkg/conversation"
	"github.com/google/uuid"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
)

// InMemoryStore is a thread-safe Store. It also assigns message ids, which
// makes it usable as the backend of the fixture server.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*conversation.Session
	nextID   int64
	closed   bool
	now      func() time.Time
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: map[string]*conversation.Session{},
		now:      time.Now,
	}
}

func (s *InMemoryStore) ensureOpen() error {
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *InMemoryStore) GetSession(_ context.Context, id string) (*conversation.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil, errors.Wrapf(ErrSessionNotFound, "session %s", id)
	}
	return clone.Clone(sess).(*conversation.Session), nil
}

func (s *InMemoryStore) ListSessions(_ context.Context) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, Summarize(sess))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) CreateSession(_ context.Context, req CreateRequest) (*conversation.Session, error) {
	if len(req.GroupAssistants) == 1 {
		return nil, errors.Wrap(ErrInvalidRequest, "a group needs at least two assistants")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	now := s.now()
	sess := &conversation.Session{
		ID:    uuid.NewString(),
		Title: req.Title,
		SessionMeta: conversation.SessionMeta{
			AssistantID:     req.AssistantID,
			GroupAssistants: append([]string(nil), req.GroupAssistants...),
			GroupMode:       req.GroupMode,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.ParamOverrides != nil {
		sess.ParamOverrides = clone.Clone(req.ParamOverrides).(map[string]any)
	}
	s.sessions[sess.ID] = sess
	return clone.Clone(sess).(*conversation.Session), nil
}

// PutSession stores a session as-is, replacing any session with the same id.
func (s *InMemoryStore) PutSession(sess *conversation.Session) error {
	if sess == nil || sess.ID == "" {
		return errors.Wrap(ErrInvalidRequest, "session id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.sessions[sess.ID] = clone.Clone(sess).(*conversation.Session)
	return nil
}

func (s *InMemoryStore) DeleteSession(_ context.Context, id string) error {
	return s.update(id, func(sess *conversation.Session) error {
		delete(s.sessions, id)
		return nil
	})
}

func (s *InMemoryStore) UpdateSessionTitle(_ context.Context, id string, title string) error {
	return s.update(id, func(sess *conversation.Session) error {
		sess.Title = title
		return nil
	})
}

func (s *InMemoryStore) UpdateSessionAssistant(_ context.Context, id string, assistantID string) error {
	return s.update(id, func(sess *conversation.Session) error {
		sess.AssistantID = assistantID
		return nil
	})
}

func (s *InMemoryStore) UpdateSessionGroupAssistants(_ context.Context, id string, assistantIDs []string, mode conversation.GroupMode) error {
	if len(assistantIDs) == 1 {
		return errors.Wrap(ErrInvalidRequest, "a group needs at least two assistants")
	}
	return s.update(id, func(sess *conversation.Session) error {
		sess.GroupAssistants = append([]string(nil), assistantIDs...)
		sess.GroupMode = mode
		return nil
	})
}

// TruncateAfter drops persisted messages after index, mirroring what the
// generation endpoint does for truncate_after_index.
func (s *InMemoryStore) TruncateAfter(id string, index int) error {
	return s.update(id, func(sess *conversation.Session) error {
		if index < -1 || index >= len(sess.Messages) {
			return errors.Wrapf(conversation.ErrIndexOutOfRange, "truncate after %d of %d", index, len(sess.Messages))
		}
		sess.Messages = sess.Messages[:index+1]
		return nil
	})
}

// AppendMessage persists msg and returns the id assigned to it.
func (s *InMemoryStore) AppendMessage(id string, msg conversation.Message) (conversation.MessageID, error) {
	var assigned conversation.MessageID
	err := s.update(id, func(sess *conversation.Session) error {
		if msg.MessageID.IsZero() {
			s.nextID++
			msg.MessageID = conversation.MessageID(strconv.FormatInt(s.nextID, 10))
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = s.now()
		}
		if msg.Usage != nil {
			sess.TotalUsage = sess.TotalUsage.Add(*msg.Usage)
		}
		if msg.Cost != nil {
			sess.TotalCost = sess.TotalCost.Add(*msg.Cost)
		}
		sess.Messages = append(sess.Messages, msg)
		assigned = msg.MessageID
		return nil
	})
	return assigned, err
}

func (s *InMemoryStore) update(id string, fn func(sess *conversation.Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	sess, ok := s.sessions[id]
	if !ok {
		return errors.Wrapf(ErrSessionNotFound, "session %s", id)
	}
	if err := fn(sess); err != nil {
		return err
	}
	sess.UpdatedAt = s.now()
	return nil
}
