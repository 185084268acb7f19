package conversation

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestStoreAppendOptimisticUserAndPlaceholder(t *testing.T) {
	s := NewStore("sess")

	userID, err := s.AppendOptimisticUser("hi", nil)
	require.NoError(t, err)
	placeholderID, err := s.AppendOptimisticAssistantPlaceholder()
	require.NoError(t, err)

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, userID, msgs[0].LocalID)
	require.Equal(t, RoleUser, msgs[0].Role)
	require.Equal(t, placeholderID, msgs[1].LocalID)
	require.True(t, msgs[1].IsEmptyPlaceholder())
	require.True(t, msgs[1].IsStreaming())
	require.Equal(t, int64(2), s.Version())
}

func TestStoreTruncateAfter(t *testing.T) {
	s := NewStore("sess")
	for _, c := range []string{"a", "b", "c", "d"} {
		_, err := s.AppendOptimisticUser(c, nil)
		require.NoError(t, err)
	}

	require.NoError(t, s.TruncateAfter(1))
	require.Equal(t, 2, s.Len())

	require.ErrorIs(t, s.TruncateAfter(5), ErrIndexOutOfRange)
	require.Equal(t, 2, s.Len())

	require.NoError(t, s.TruncateAfter(-1))
	require.Equal(t, 0, s.Len())
}

func TestStoreMessageIDIsImmutable(t *testing.T) {
	s := NewStore("sess")
	id, err := s.AppendOptimisticUser("hi", nil)
	require.NoError(t, err)

	require.NoError(t, s.Apply(MutateSetMessageID(id, "12")))
	require.NoError(t, s.Apply(MutateSetMessageID(id, "12")))
	require.ErrorIs(t, s.Apply(MutateSetMessageID(id, "13")), ErrMessageIDImmutable)

	m, _, ok := s.Find(id)
	require.True(t, ok)
	require.Equal(t, MessageID("12"), m.MessageID)
}

func TestStorePatchByIdentity(t *testing.T) {
	s := NewStore("sess")
	_, err := s.AppendOptimisticUser("hi", nil)
	require.NoError(t, err)
	_, err = s.AppendAssistantTurn("A", "t1", "Alice", "")
	require.NoError(t, err)
	_, err = s.AppendAssistantTurn("B", "t2", "Bob", "")
	require.NoError(t, err)

	require.True(t, s.PatchByTurnID("t2", func(m *Message) { m.Content += "Hi" }))
	require.True(t, s.PatchByAssistantID("A", func(m *Message) { m.Content += "Hello" }))
	require.False(t, s.PatchByTurnID("t3", func(m *Message) { m.Content += "lost" }))
	require.False(t, s.PatchLastUnidentifiedAssistant(func(m *Message) { m.Content += "lost" }))

	msgs := s.Messages()
	require.Equal(t, "Hello", msgs[1].Content)
	require.Equal(t, "Hi", msgs[2].Content)
}

func TestStoreAppendAssistantTurnIsIdempotent(t *testing.T) {
	s := NewStore("sess")
	first, err := s.AppendAssistantTurn("A", "t1", "", "")
	require.NoError(t, err)
	second, err := s.AppendAssistantTurn("A", "t1", "Alice", "a.png")
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, 1, s.Len())
	m, ok := s.At(0)
	require.True(t, ok)
	require.Equal(t, "Alice", m.AssistantName)
}

func TestStoreSnapshotsAreIsolated(t *testing.T) {
	s := NewStore("sess")
	id, err := s.AppendOptimisticUser("hi", []Attachment{{Name: "a.txt"}})
	require.NoError(t, err)

	msgs := s.Messages()
	msgs[0].Content = "changed"
	msgs[0].Attachments[0].Name = "b.txt"

	m, _, ok := s.Find(id)
	require.True(t, ok)
	require.Equal(t, "hi", m.Content)
	require.Equal(t, "a.txt", m.Attachments[0].Name)
}

func TestStoreRemoveIfEmptyPlaceholder(t *testing.T) {
	s := NewStore("sess")
	id, err := s.AppendOptimisticAssistantPlaceholder()
	require.NoError(t, err)
	require.True(t, s.PatchByLocalID(id, func(m *Message) { m.Content = "x" }))

	require.Error(t, s.Apply(MutateRemoveIfEmptyPlaceholder(id)))
	require.Equal(t, 1, s.Len())

	require.True(t, s.PatchByLocalID(id, func(m *Message) { m.Content = "" }))
	require.NoError(t, s.Apply(MutateRemoveIfEmptyPlaceholder(id)))
	require.Equal(t, 0, s.Len())
}

func TestStoreUsageReplacesEarlierReport(t *testing.T) {
	s := NewStore("sess")
	id, err := s.AppendOptimisticAssistantPlaceholder()
	require.NoError(t, err)

	require.NoError(t, s.Apply(MutateAddUsage(id, Usage{TotalTokens: 10}, &Cost{Total: 1})))
	require.NoError(t, s.Apply(MutateAddUsage(id, Usage{TotalTokens: 12}, &Cost{Total: 2})))

	usage, cost := s.Totals()
	require.Equal(t, 12, usage.TotalTokens)
	require.InDelta(t, 2.0, cost.Total, 1e-9)
}

func TestStoreFinishOnlyTouchesStreamingMessages(t *testing.T) {
	s := NewStore("sess")
	done, err := s.AppendAssistantTurn("A", "t1", "", "")
	require.NoError(t, err)
	open, err := s.AppendAssistantTurn("B", "t2", "", "")
	require.NoError(t, err)
	require.True(t, s.PatchByLocalID(done, func(m *Message) { m.Status = StatusCompleted }))

	require.NoError(t, s.Apply(MutateFinish(StatusAborted, "", done, open)))

	msgs := s.Messages()
	require.Equal(t, StatusCompleted, msgs[0].Status)
	require.Equal(t, StatusAborted, msgs[1].Status)
}

func TestStoreListenerReceivesUpdates(t *testing.T) {
	s := NewStore("sess")
	var updates []Update
	s.AddListener(ListenerFunc(func(u Update) { updates = append(updates, u) }))

	id, err := s.AppendOptimisticUser("hi", nil)
	require.NoError(t, err)

	require.Len(t, updates, 1)
	require.Equal(t, "append_message", updates[0].Mutation)
	require.Equal(t, id, updates[0].LocalID)
	require.Equal(t, 0, updates[0].Index)
	require.Equal(t, "hi", updates[0].Message.Content)
}

func TestMessageIDAcceptsNumbersAndStrings(t *testing.T) {
	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","message_id":42}`), &m))
	require.Equal(t, MessageID("42"), m.MessageID)
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","message_id":"abc"}`), &m))
	require.Equal(t, MessageID("abc"), m.MessageID)
}

func TestNewStoreFromSessionAssignsLocalIDs(t *testing.T) {
	s, err := NewStoreFromSession(&Session{
		ID:          "sess",
		SessionMeta: SessionMeta{GroupAssistants: []string{"A", "B"}},
		Messages: []Message{
			{Role: RoleUser, Content: "hi", MessageID: "1"},
			{Role: RoleAssistant, Content: "hello", MessageID: "2"},
		},
	})
	require.NoError(t, err)
	require.True(t, s.Meta().IsGroup())
	for _, m := range s.Messages() {
		require.NotEqual(t, uuid.Nil, m.LocalID)
	}
}
