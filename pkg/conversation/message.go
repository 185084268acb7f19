package conversation

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleSeparator and RoleSummary are inserted by context compression and are never generated.
	RoleSeparator Role = "separator"
	RoleSummary   Role = "summary"
)

// Status tracks the generation lifecycle of a single message.
// Messages loaded from the server, and user messages, carry StatusNone.
type Status string

const (
	StatusNone      Status = ""
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusFailed    Status = "failed"
)

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusAborted || s == StatusFailed
}

// MessageID is the server-assigned identifier of a persisted message.
// Servers send it either as a JSON number or a JSON string.
type MessageID string

func (id MessageID) IsZero() bool {
	return id == ""
}

func (id MessageID) String() string {
	return string(id)
}

func (id *MessageID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == "" {
		*id = ""
		return nil
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*id = MessageID(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.Wrapf(err, "invalid message id %s", s)
	}
	*id = MessageID(n.String())
	return nil
}

// MessageIDFromInt is a convenience for servers and fixtures using integer ids.
func MessageIDFromInt(i int64) MessageID {
	return MessageID(strconv.FormatInt(i, 10))
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

func (u Usage) Sub(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens - o.PromptTokens,
		CompletionTokens: u.CompletionTokens - o.CompletionTokens,
		TotalTokens:      u.TotalTokens - o.TotalTokens,
	}
}

func (u Usage) MarshalZerologObject(e *zerolog.Event) {
	e.Int("prompt_tokens", u.PromptTokens)
	e.Int("completion_tokens", u.CompletionTokens)
	e.Int("total_tokens", u.TotalTokens)
}

type Cost struct {
	Total    float64 `json:"total"`
	Currency string  `json:"currency,omitempty"`
}

func (c Cost) Add(o Cost) Cost {
	ret := Cost{Total: c.Total + o.Total, Currency: c.Currency}
	if ret.Currency == "" {
		ret.Currency = o.Currency
	}
	return ret
}

type Source struct {
	Title   string `json:"title,omitempty"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments any    `json:"arguments,omitempty"`
}

type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Content    any    `json:"content,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

type Attachment struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// CompareResponse is one model's answer inside a compare-mode assistant message.
type CompareResponse struct {
	ModelID            string    `json:"model_id"`
	Content            string    `json:"content"`
	MessageID          MessageID `json:"message_id,omitempty"`
	Status             Status    `json:"status,omitempty"`
	Error              string    `json:"error,omitempty"`
	Usage              *Usage    `json:"usage,omitempty"`
	Cost               *Cost     `json:"cost,omitempty"`
	Sources            []Source  `json:"sources,omitempty"`
	ThinkingDurationMs *int64    `json:"thinking_duration_ms,omitempty"`
}

type Message struct {
	// LocalID is assigned when the message enters a Store and never leaves the client.
	LocalID uuid.UUID `json:"-"`

	Role    Role   `json:"role"`
	Content string `json:"content"`

	MessageID       MessageID `json:"message_id,omitempty"`
	AssistantID     string    `json:"assistant_id,omitempty"`
	AssistantTurnID string    `json:"assistant_turn_id,omitempty"`
	AssistantName   string    `json:"assistant_name,omitempty"`
	AssistantIcon   string    `json:"assistant_icon,omitempty"`

	Usage              *Usage            `json:"usage,omitempty"`
	Cost               *Cost             `json:"cost,omitempty"`
	Sources            []Source          `json:"sources,omitempty"`
	ToolCalls          []ToolCall        `json:"tool_calls,omitempty"`
	ToolResults        []ToolResult      `json:"tool_results,omitempty"`
	ThinkingDurationMs *int64            `json:"thinking_duration_ms,omitempty"`
	Attachments        []Attachment      `json:"attachments,omitempty"`
	CompareResponses   []CompareResponse `json:"compare_responses,omitempty"`

	Status Status `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (m *Message) IsStreaming() bool {
	return m.Status == StatusStreaming
}

// HasIdentity reports whether the message is bound to a group participant or turn.
func (m *Message) HasIdentity() bool {
	return m.AssistantID != "" || m.AssistantTurnID != ""
}

// IsEmptyPlaceholder matches the single-mode assistant placeholder before anything reached it.
func (m *Message) IsEmptyPlaceholder() bool {
	return m.Role == RoleAssistant &&
		m.MessageID.IsZero() &&
		!m.HasIdentity() &&
		m.Content == "" &&
		len(m.CompareResponses) == 0
}

// SetMessageID assigns the server id. Once assigned, the id can only be re-confirmed.
func (m *Message) SetMessageID(id MessageID) error {
	if id.IsZero() {
		return nil
	}
	if !m.MessageID.IsZero() && m.MessageID != id {
		return errors.Wrapf(ErrMessageIDImmutable, "message has id %s, refusing %s", m.MessageID, id)
	}
	m.MessageID = id
	return nil
}

func (m *Message) CompareResponse(modelID string) *CompareResponse {
	for i := range m.CompareResponses {
		if m.CompareResponses[i].ModelID == modelID {
			return &m.CompareResponses[i]
		}
	}
	return nil
}

func (m *Message) MarshalZerologObject(e *zerolog.Event) {
	e.Str("local_id", m.LocalID.String())
	e.Str("role", string(m.Role))
	if !m.MessageID.IsZero() {
		e.Str("message_id", string(m.MessageID))
	}
	if m.AssistantID != "" {
		e.Str("assistant_id", m.AssistantID)
	}
	if m.AssistantTurnID != "" {
		e.Str("assistant_turn_id", m.AssistantTurnID)
	}
	if m.Status != StatusNone {
		e.Str("status", string(m.Status))
	}
	e.Int("content_len", len(m.Content))
}

var _ zerolog.LogObjectMarshaler = &Message{}
