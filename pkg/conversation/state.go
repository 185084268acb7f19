package conversation

import (
	"github.com/google/uuid"
)

// Target identifies the message an event refers to. Either field may be empty.
type Target struct {
	TurnID      string
	AssistantID string
}

func (t Target) IsZero() bool {
	return t.TurnID == "" && t.AssistantID == ""
}

// State is the mutable view handed to mutations while the Store lock is held.
type State struct {
	SessionID  string
	Title      string
	Meta       SessionMeta
	Messages   []*Message
	TotalUsage Usage
	TotalCost  Cost

	touched *Message
	index   int
}

// Touch records the message a mutation changed, for change notifications.
func (st *State) Touch(i int) {
	if i < 0 || i >= len(st.Messages) {
		st.touched, st.index = nil, -1
		return
	}
	st.touched, st.index = st.Messages[i], i
}

func (st *State) IndexOfLocal(id uuid.UUID) int {
	for i, m := range st.Messages {
		if m.LocalID == id {
			return i
		}
	}
	return -1
}

func (st *State) IndexOfTurn(turnID string) int {
	if turnID == "" {
		return -1
	}
	for i := len(st.Messages) - 1; i >= 0; i-- {
		if st.Messages[i].AssistantTurnID == turnID {
			return i
		}
	}
	return -1
}

func (st *State) IndexOfAssistant(assistantID string) int {
	if assistantID == "" {
		return -1
	}
	for i := len(st.Messages) - 1; i >= 0; i-- {
		m := st.Messages[i]
		if m.Role == RoleAssistant && m.AssistantID == assistantID {
			return i
		}
	}
	return -1
}

// IndexOfLastUnidentifiedAssistant finds the most recent assistant message lacking both ids.
func (st *State) IndexOfLastUnidentifiedAssistant() int {
	for i := len(st.Messages) - 1; i >= 0; i-- {
		m := st.Messages[i]
		if m.Role == RoleAssistant && !m.HasIdentity() {
			return i
		}
	}
	return -1
}

func (st *State) IndexOfMessageID(id MessageID) int {
	if id.IsZero() {
		return -1
	}
	for i, m := range st.Messages {
		if m.MessageID == id {
			return i
		}
	}
	return -1
}

// Resolve applies the patch resolution order: turn id, then assistant id, then
// the positional fallback when allowPositional is set. A target carrying an id
// never falls through to a positional match.
func (st *State) Resolve(t Target, allowPositional bool) int {
	switch {
	case t.TurnID != "":
		return st.IndexOfTurn(t.TurnID)
	case t.AssistantID != "":
		return st.IndexOfAssistant(t.AssistantID)
	case allowPositional:
		return st.IndexOfLastUnidentifiedAssistant()
	default:
		return -1
	}
}
