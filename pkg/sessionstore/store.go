package sessionstore

import (
	"context"
	"time"

	"github.com/go-go-golems/chorus/pkg/conversation"
	"github.com/pkg/errors"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidRequest  = errors.New("invalid session request")
	ErrStoreClosed     = errors.New("session store is closed")
)

// Summary is the listing view of a session.
type Summary struct {
	ID              string    `json:"id"`
	Title           string    `json:"title,omitempty"`
	AssistantID     string    `json:"assistant_id,omitempty"`
	GroupAssistants []string  `json:"group_assistants,omitempty"`
	MessageCount    int       `json:"message_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type CreateRequest struct {
	Title           string                 `json:"title,omitempty"`
	AssistantID     string                 `json:"assistant_id,omitempty"`
	GroupAssistants []string               `json:"group_assistants,omitempty"`
	GroupMode       conversation.GroupMode `json:"group_mode,omitempty"`
	ParamOverrides  map[string]any         `json:"param_overrides,omitempty"`
}

// Store is the server-side record of sessions the engine reconciles against.
type Store interface {
	GetSession(ctx context.Context, id string) (*conversation.Session, error)
	ListSessions(ctx context.Context) ([]Summary, error)
	CreateSession(ctx context.Context, req CreateRequest) (*conversation.Session, error)
	DeleteSession(ctx context.Context, id string) error
	UpdateSessionTitle(ctx context.Context, id string, title string) error
	UpdateSessionAssistant(ctx context.Context, id string, assistantID string) error
	UpdateSessionGroupAssistants(ctx context.Context, id string, assistantIDs []string, mode conversation.GroupMode) error
}

func Summarize(s *conversation.Session) Summary {
	return Summary{
		ID:              s.ID,
		Title:           s.Title,
		AssistantID:     s.AssistantID,
		GroupAssistants: append([]string(nil), s.GroupAssistants...),
		MessageCount:    len(s.Messages),
		UpdatedAt:       s.UpdatedAt,
	}
}
