package conversation

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Mutation represents a deterministic change to the conversation.
type Mutation interface {
	Apply(st *State) error
	Name() string
}

// PatchFunc edits a message in place while the store lock is held.
type PatchFunc func(m *Message)

type appendMessageMutation struct {
	msg Message
}

func (m appendMessageMutation) Apply(st *State) error {
	if st == nil {
		return ErrStateNil
	}
	msg := m.msg
	if msg.LocalID == uuid.Nil {
		msg.LocalID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	st.Messages = append(st.Messages, &msg)
	st.Touch(len(st.Messages) - 1)
	return nil
}

func (m appendMessageMutation) Name() string { return "append_message" }

// MutateAppendMessage appends a message as-is. A LocalID is assigned when missing.
func MutateAppendMessage(msg Message) Mutation {
	return appendMessageMutation{msg: msg}
}

// MutateAppendOptimisticUser appends the user's message before the server confirmed it.
func MutateAppendOptimisticUser(localID uuid.UUID, content string, attachments []Attachment) Mutation {
	return appendMessageMutation{msg: Message{
		LocalID:     localID,
		Role:        RoleUser,
		Content:     content,
		Attachments: attachments,
	}}
}

// MutateAppendPlaceholder appends the empty single-mode assistant message.
func MutateAppendPlaceholder(localID uuid.UUID) Mutation {
	return appendMessageMutation{msg: Message{
		LocalID: localID,
		Role:    RoleAssistant,
		Status:  StatusStreaming,
	}}
}

// MutateAppendCompare appends one assistant message holding a streaming entry per model.
func MutateAppendCompare(localID uuid.UUID, modelIDs []string) Mutation {
	responses := make([]CompareResponse, 0, len(modelIDs))
	for _, id := range modelIDs {
		responses = append(responses, CompareResponse{ModelID: id, Status: StatusStreaming})
	}
	return appendMessageMutation{msg: Message{
		LocalID:          localID,
		Role:             RoleAssistant,
		Status:           StatusStreaming,
		CompareResponses: responses,
	}}
}

type appendAssistantTurnMutation struct {
	localID     uuid.UUID
	assistantID string
	turnID      string
	name        string
	icon        string
}

func (m appendAssistantTurnMutation) Apply(st *State) error {
	if st == nil {
		return ErrStateNil
	}
	if m.turnID == "" {
		return errors.New("assistant turn id is empty")
	}
	if i := st.IndexOfTurn(m.turnID); i >= 0 {
		existing := st.Messages[i]
		if existing.AssistantID == "" {
			existing.AssistantID = m.assistantID
		}
		if existing.AssistantName == "" {
			existing.AssistantName = m.name
		}
		if existing.AssistantIcon == "" {
			existing.AssistantIcon = m.icon
		}
		st.Touch(i)
		return nil
	}
	localID := m.localID
	if localID == uuid.Nil {
		localID = uuid.New()
	}
	st.Messages = append(st.Messages, &Message{
		LocalID:         localID,
		Role:            RoleAssistant,
		AssistantID:     m.assistantID,
		AssistantTurnID: m.turnID,
		AssistantName:   m.name,
		AssistantIcon:   m.icon,
		Status:          StatusStreaming,
		CreatedAt:       time.Now(),
	})
	st.Touch(len(st.Messages) - 1)
	return nil
}

func (m appendAssistantTurnMutation) Name() string { return "append_assistant_turn" }

// MutateAppendAssistantTurn appends a group participant's message, keyed by turn id.
// Starting a turn that already exists only fills in missing presentation fields.
func MutateAppendAssistantTurn(localID uuid.UUID, assistantID, turnID, name, icon string) Mutation {
	return appendAssistantTurnMutation{
		localID:     localID,
		assistantID: assistantID,
		turnID:      turnID,
		name:        name,
		icon:        icon,
	}
}

type truncateAfterMutation struct {
	index int
}

func (m truncateAfterMutation) Apply(st *State) error {
	if st == nil {
		return ErrStateNil
	}
	if m.index < -1 || m.index >= len(st.Messages) {
		return errors.Wrapf(ErrIndexOutOfRange, "truncate after %d of %d", m.index, len(st.Messages))
	}
	st.Messages = st.Messages[:m.index+1]
	st.Touch(m.index)
	return nil
}

func (m truncateAfterMutation) Name() string { return "truncate_after" }

// MutateTruncateAfter keeps messages [0..index]. An index of -1 empties the list.
func MutateTruncateAfter(index int) Mutation {
	return truncateAfterMutation{index: index}
}

type patchTargetMutation struct {
	target          Target
	allowPositional bool
	fn              PatchFunc
}

func (m patchTargetMutation) Apply(st *State) error {
	if st == nil {
		return ErrStateNil
	}
	i := st.Resolve(m.target, m.allowPositional)
	if i < 0 {
		return errors.Wrapf(ErrMessageNotFound, "turn=%q assistant=%q", m.target.TurnID, m.target.AssistantID)
	}
	m.fn(st.Messages[i])
	st.Touch(i)
	return nil
}

func (m patchTargetMutation) Name() string { return "patch_target" }

// MutatePatchTarget patches the message resolved from target.
func MutatePatchTarget(target Target, allowPositional bool, fn PatchFunc) Mutation {
	return patchTargetMutation{target: target, allowPositional: allowPositional, fn: fn}
}

type patchLocalMutation struct {
	localID uuid.UUID
	fn      func(m *Message) error
}

func (m patchLocalMutation) Apply(st *State) error {
	if st == nil {
		return ErrStateNil
	}
	i := st.IndexOfLocal(m.localID)
	if i < 0 {
		return errors.Wrapf(ErrMessageNotFound, "local id %s", m.localID)
	}
	if err := m.fn(st.Messages[i]); err != nil {
		return err
	}
	st.Touch(i)
	return nil
}

func (m patchLocalMutation) Name() string { return "patch_local" }

// MutatePatchLocal patches the message with the given LocalID.
func MutatePatchLocal(localID uuid.UUID, fn PatchFunc) Mutation {
	return patchLocalMutation{localID: localID, fn: func(m *Message) error {
		fn(m)
		return nil
	}}
}

// MutateSetMessageID assigns the server id of a message, refusing reassignment.
func MutateSetMessageID(localID uuid.UUID, id MessageID) Mutation {
	return patchLocalMutation{localID: localID, fn: func(m *Message) error {
		return m.SetMessageID(id)
	}}
}

// MutatePatchCompareResponse patches one model's entry inside a compare message.
func MutatePatchCompareResponse(localID uuid.UUID, modelID string, fn func(r *CompareResponse)) Mutation {
	return patchLocalMutation{localID: localID, fn: func(m *Message) error {
		r := m.CompareResponse(modelID)
		if r == nil {
			return errors.Wrapf(ErrMessageNotFound, "compare response for model %s", modelID)
		}
		fn(r)
		return nil
	}}
}

type removeMutation struct {
	localIDs []uuid.UUID
	onlyIf   func(m *Message) bool
}

func (m removeMutation) Apply(st *State) error {
	if st == nil {
		return ErrStateNil
	}
	drop := make(map[uuid.UUID]struct{}, len(m.localIDs))
	for _, id := range m.localIDs {
		drop[id] = struct{}{}
	}
	kept := st.Messages[:0]
	removed := 0
	for _, msg := range st.Messages {
		if _, ok := drop[msg.LocalID]; ok && (m.onlyIf == nil || m.onlyIf(msg)) {
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	// clear the tail so dropped messages can be collected
	for i := len(kept); i < len(st.Messages); i++ {
		st.Messages[i] = nil
	}
	st.Messages = kept
	if removed == 0 {
		return errors.Wrap(ErrMessageNotFound, "nothing to remove")
	}
	st.Touch(-1)
	return nil
}

func (m removeMutation) Name() string { return "remove" }

// MutateRemove removes the messages with the given LocalIDs.
func MutateRemove(localIDs ...uuid.UUID) Mutation {
	return removeMutation{localIDs: localIDs}
}

// MutateRemoveIfEmptyPlaceholder removes the message only while it still is an
// untouched assistant placeholder.
func MutateRemoveIfEmptyPlaceholder(localID uuid.UUID) Mutation {
	return removeMutation{
		localIDs: []uuid.UUID{localID},
		onlyIf:   func(m *Message) bool { return m.IsEmptyPlaceholder() },
	}
}

type deleteMutation struct {
	index int
}

func (m deleteMutation) Apply(st *State) error {
	if st == nil {
		return ErrStateNil
	}
	if m.index < 0 || m.index >= len(st.Messages) {
		return errors.Wrapf(ErrIndexOutOfRange, "delete %d of %d", m.index, len(st.Messages))
	}
	st.Messages = append(st.Messages[:m.index], st.Messages[m.index+1:]...)
	st.Touch(-1)
	return nil
}

func (m deleteMutation) Name() string { return "delete" }

func MutateDelete(index int) Mutation {
	return deleteMutation{index: index}
}

type addUsageMutation struct {
	localID uuid.UUID
	usage   Usage
	cost    *Cost
}

func (m addUsageMutation) Apply(st *State) error {
	if st == nil {
		return ErrStateNil
	}
	st.Touch(-1)
	if m.localID != uuid.Nil {
		if i := st.IndexOfLocal(m.localID); i >= 0 {
			msg := st.Messages[i]
			// a repeated usage report replaces the earlier contribution
			if msg.Usage != nil {
				st.TotalUsage = st.TotalUsage.Sub(*msg.Usage)
			}
			if msg.Cost != nil && m.cost != nil {
				st.TotalCost.Total -= msg.Cost.Total
			}
			u := m.usage
			msg.Usage = &u
			if m.cost != nil {
				c := *m.cost
				msg.Cost = &c
			}
			st.Touch(i)
		}
	}
	st.TotalUsage = st.TotalUsage.Add(m.usage)
	if m.cost != nil {
		st.TotalCost = st.TotalCost.Add(*m.cost)
	}
	return nil
}

func (m addUsageMutation) Name() string { return "add_usage" }

// MutateAddUsage records usage on a message (when localID is set) and in the session totals.
func MutateAddUsage(localID uuid.UUID, usage Usage, cost *Cost) Mutation {
	return addUsageMutation{localID: localID, usage: usage, cost: cost}
}

type addCompareUsageMutation struct {
	localID uuid.UUID
	modelID string
	usage   Usage
	cost    *Cost
}

func (m addCompareUsageMutation) Apply(st *State) error {
	if st == nil {
		return ErrStateNil
	}
	i := st.IndexOfLocal(m.localID)
	if i < 0 {
		return errors.Wrapf(ErrMessageNotFound, "local id %s", m.localID)
	}
	r := st.Messages[i].CompareResponse(m.modelID)
	if r == nil {
		return errors.Wrapf(ErrMessageNotFound, "compare response for model %s", m.modelID)
	}
	if r.Usage != nil {
		st.TotalUsage = st.TotalUsage.Sub(*r.Usage)
	}
	if r.Cost != nil && m.cost != nil {
		st.TotalCost.Total -= r.Cost.Total
	}
	u := m.usage
	r.Usage = &u
	st.TotalUsage = st.TotalUsage.Add(u)
	if m.cost != nil {
		c := *m.cost
		r.Cost = &c
		st.TotalCost = st.TotalCost.Add(c)
	}
	st.Touch(i)
	return nil
}

func (m addCompareUsageMutation) Name() string { return "add_compare_usage" }

// MutateAddCompareUsage records usage on one model's compare entry and in the session totals.
func MutateAddCompareUsage(localID uuid.UUID, modelID string, usage Usage, cost *Cost) Mutation {
	return addCompareUsageMutation{localID: localID, modelID: modelID, usage: usage, cost: cost}
}

type finishMutation struct {
	localIDs []uuid.UUID
	status   Status
	errText  string
}

func (m finishMutation) Apply(st *State) error {
	if st == nil {
		return ErrStateNil
	}
	st.Touch(-1)
	for _, id := range m.localIDs {
		i := st.IndexOfLocal(id)
		if i < 0 {
			continue
		}
		msg := st.Messages[i]
		for j := range msg.CompareResponses {
			if msg.CompareResponses[j].Status == StatusStreaming {
				msg.CompareResponses[j].Status = m.status
			}
		}
		if msg.Status != StatusStreaming {
			continue
		}
		msg.Status = m.status
		if m.status == StatusFailed && msg.Error == "" {
			msg.Error = m.errText
		}
		st.Touch(i)
	}
	return nil
}

func (m finishMutation) Name() string { return "finish" }

// MutateFinish moves every still-streaming message among localIDs to status.
func MutateFinish(status Status, errText string, localIDs ...uuid.UUID) Mutation {
	return finishMutation{localIDs: localIDs, status: status, errText: errText}
}

type applyMetaMutation struct {
	meta SessionMeta
}

func (m applyMetaMutation) Apply(st *State) error {
	if st == nil {
		return ErrStateNil
	}
	st.Meta = m.meta
	st.Touch(-1)
	return nil
}

func (m applyMetaMutation) Name() string { return "apply_session_meta" }

func MutateApplySessionMeta(meta SessionMeta) Mutation {
	return applyMetaMutation{meta: meta}
}

type loadSessionMutation struct {
	session *Session
}

func (m loadSessionMutation) Apply(st *State) error {
	if st == nil {
		return ErrStateNil
	}
	if m.session == nil {
		return errors.New("session is nil")
	}
	msgs := make([]*Message, 0, len(m.session.Messages))
	for _, msg := range m.session.Messages {
		msg := msg
		if msg.LocalID == uuid.Nil {
			msg.LocalID = uuid.New()
		}
		msgs = append(msgs, &msg)
	}
	st.SessionID = m.session.ID
	st.Title = m.session.Title
	st.Meta = m.session.SessionMeta
	st.TotalUsage = m.session.TotalUsage
	st.TotalCost = m.session.TotalCost
	st.Messages = msgs
	st.Touch(-1)
	return nil
}

func (m loadSessionMutation) Name() string { return "load_session" }

// MutateLoadSession replaces the whole state with a server session.
func MutateLoadSession(s *Session) Mutation {
	return loadSessionMutation{session: s}
}
