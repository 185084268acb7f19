package conversation

import "time"

type GroupMode string

const (
	GroupModeRoundRobin GroupMode = "round_robin"
	GroupModeCommittee  GroupMode = "committee"
)

// SessionMeta is the part of a session that drives generation behaviour.
type SessionMeta struct {
	AssistantID     string         `json:"assistant_id,omitempty"`
	GroupAssistants []string       `json:"group_assistants,omitempty"`
	GroupMode       GroupMode      `json:"group_mode,omitempty"`
	ParamOverrides  map[string]any `json:"param_overrides,omitempty"`
}

// IsGroup reports whether the session has at least two participants.
func (m SessionMeta) IsGroup() bool {
	return len(m.GroupAssistants) >= 2
}

type Session struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`

	SessionMeta

	TotalUsage Usage `json:"total_usage"`
	TotalCost  Cost  `json:"total_cost"`

	Messages []Message `json:"messages,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FindMessage returns the message carrying the given server id.
func (s *Session) FindMessage(id MessageID) (*Message, bool) {
	if s == nil || id.IsZero() {
		return nil, false
	}
	for i := range s.Messages {
		if s.Messages[i].MessageID == id {
			return &s.Messages[i], true
		}
	}
	return nil, false
}
