package conversation

import (
	"sync"

	"github.com/google/uuid"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Update is emitted to listeners after every successful mutation.
type Update struct {
	SessionID string    `json:"session_id"`
	Version   int64     `json:"version"`
	Mutation  string    `json:"mutation"`
	Length    int       `json:"length"`
	Index     int       `json:"index"`
	LocalID   uuid.UUID `json:"local_id"`
	// Message is a snapshot of the changed message, nil for list-level changes.
	Message *Message `json:"message,omitempty"`
}

type Listener interface {
	OnUpdate(u Update)
}

type ListenerFunc func(u Update)

func (f ListenerFunc) OnUpdate(u Update) { f(u) }

// Store is the ordered message list of one session. All writes go through
// Apply and are serialized by a single lock, so two stream events never
// interleave their writes.
type Store struct {
	mu        sync.Mutex
	state     State
	version   int64
	listeners []Listener
}

func NewStore(sessionID string) *Store {
	return &Store{state: State{SessionID: sessionID}}
}

// NewStoreFromSession builds a store holding the server's view of a session.
func NewStoreFromSession(s *Session) (*Store, error) {
	st := NewStore(s.ID)
	if err := st.Apply(MutateLoadSession(s)); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Apply applies a single mutation and increments the version.
func (s *Store) Apply(m Mutation) error {
	if m == nil {
		return ErrMutationNil
	}
	s.mu.Lock()
	s.state.touched, s.state.index = nil, -1
	if err := m.Apply(&s.state); err != nil {
		s.mu.Unlock()
		return errors.Wrapf(err, "mutation %s failed", m.Name())
	}
	s.version++
	u := Update{
		SessionID: s.state.SessionID,
		Version:   s.version,
		Mutation:  m.Name(),
		Length:    len(s.state.Messages),
		Index:     s.state.index,
	}
	if s.state.touched != nil {
		msg := clone.Clone(*s.state.touched).(Message)
		u.Message = &msg
		u.LocalID = msg.LocalID
	}
	listeners := s.listeners
	s.mu.Unlock()

	for _, l := range listeners {
		l.OnUpdate(u)
	}
	return nil
}

// ApplyAll applies multiple mutations sequentially.
func (s *Store) ApplyAll(muts ...Mutation) error {
	for _, m := range muts {
		if err := s.Apply(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SessionID
}

func (s *Store) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.Messages)
}

func (s *Store) Meta() SessionMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone.Clone(s.state.Meta).(SessionMeta)
}

// Messages returns a deep copy of the message list.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]Message, 0, len(s.state.Messages))
	for _, m := range s.state.Messages {
		ret = append(ret, clone.Clone(*m).(Message))
	}
	return ret
}

func (s *Store) At(i int) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.state.Messages) {
		return Message{}, false
	}
	return clone.Clone(*s.state.Messages[i]).(Message), true
}

func (s *Store) Find(localID uuid.UUID) (Message, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.state.IndexOfLocal(localID)
	if i < 0 {
		return Message{}, -1, false
	}
	return clone.Clone(*s.state.Messages[i]).(Message), i, true
}

func (s *Store) IndexOf(localID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IndexOfLocal(localID)
}

// Totals returns the running usage and cost of the session.
func (s *Store) Totals() (Usage, Cost) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.TotalUsage, s.state.TotalCost
}

// Session returns a snapshot of the store as a Session.
func (s *Store) Session() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := &Session{
		ID:          s.state.SessionID,
		Title:       s.state.Title,
		SessionMeta: clone.Clone(s.state.Meta).(SessionMeta),
		TotalUsage:  s.state.TotalUsage,
		TotalCost:   s.state.TotalCost,
		Messages:    make([]Message, 0, len(s.state.Messages)),
	}
	for _, m := range s.state.Messages {
		ret.Messages = append(ret.Messages, clone.Clone(*m).(Message))
	}
	return ret
}

func (s *Store) ApplySessionMeta(meta SessionMeta) error {
	return s.Apply(MutateApplySessionMeta(meta))
}

// AppendOptimisticUser appends a user message ahead of server confirmation.
func (s *Store) AppendOptimisticUser(content string, attachments []Attachment) (uuid.UUID, error) {
	id := uuid.New()
	if err := s.Apply(MutateAppendOptimisticUser(id, content, attachments)); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// AppendOptimisticAssistantPlaceholder appends the empty single-mode assistant message.
func (s *Store) AppendOptimisticAssistantPlaceholder() (uuid.UUID, error) {
	id := uuid.New()
	if err := s.Apply(MutateAppendPlaceholder(id)); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// AppendAssistantTurn appends (or completes) the message of a group participant turn.
func (s *Store) AppendAssistantTurn(assistantID, turnID, name, icon string) (uuid.UUID, error) {
	id := uuid.New()
	if err := s.Apply(MutateAppendAssistantTurn(id, assistantID, turnID, name, icon)); err != nil {
		return uuid.Nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.state.IndexOfTurn(turnID); i >= 0 {
		return s.state.Messages[i].LocalID, nil
	}
	return id, nil
}

func (s *Store) AppendCompareMessage(modelIDs []string) (uuid.UUID, error) {
	id := uuid.New()
	if err := s.Apply(MutateAppendCompare(id, modelIDs)); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// TruncateAfter keeps messages [0..index].
func (s *Store) TruncateAfter(index int) error {
	return s.Apply(MutateTruncateAfter(index))
}

func (s *Store) Delete(index int) error {
	return s.Apply(MutateDelete(index))
}

// Patch resolves target and patches the message. It returns the LocalID of the
// patched message, or false when nothing matched.
func (s *Store) Patch(target Target, allowPositional bool, fn PatchFunc) (uuid.UUID, bool) {
	var patched uuid.UUID
	err := s.Apply(MutatePatchTarget(target, allowPositional, func(m *Message) {
		patched = m.LocalID
		fn(m)
	}))
	if err != nil {
		if !errors.Is(err, ErrMessageNotFound) {
			log.Warn().Err(err).Str("session_id", s.SessionID()).Msg("patch failed")
		}
		return uuid.Nil, false
	}
	return patched, true
}

func (s *Store) PatchByTurnID(turnID string, fn PatchFunc) bool {
	if turnID == "" {
		return false
	}
	_, ok := s.Patch(Target{TurnID: turnID}, false, fn)
	return ok
}

func (s *Store) PatchByAssistantID(assistantID string, fn PatchFunc) bool {
	if assistantID == "" {
		return false
	}
	_, ok := s.Patch(Target{AssistantID: assistantID}, false, fn)
	return ok
}

// PatchLastUnidentifiedAssistant is the positional fallback used in single mode.
func (s *Store) PatchLastUnidentifiedAssistant(fn PatchFunc) bool {
	_, ok := s.Patch(Target{}, true, fn)
	return ok
}

func (s *Store) PatchByLocalID(localID uuid.UUID, fn PatchFunc) bool {
	return s.Apply(MutatePatchLocal(localID, fn)) == nil
}

// RemoveByLocalID removes the given messages and reports whether any was removed.
func (s *Store) RemoveByLocalID(localIDs ...uuid.UUID) bool {
	if len(localIDs) == 0 {
		return false
	}
	return s.Apply(MutateRemove(localIDs...)) == nil
}
