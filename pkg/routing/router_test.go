package routing

import (
	"testing"

	"github.com/go-go-golems/chorus/pkg/conversation"
	"github.com/go-go-golems/chorus/pkg/events"
	"github.com/go-go-golems/chorus/pkg/mode"
	"github.com/go-go-golems/chorus/pkg/registry"
	"github.com/stretchr/testify/require"
)

func appendText(text string) conversation.PatchFunc {
	return func(m *conversation.Message) { m.Content += text }
}

func TestRouteSingleModeUsesPlaceholder(t *testing.T) {
	store := conversation.NewStore("sess")
	placeholder, err := store.AppendOptimisticAssistantPlaceholder()
	require.NoError(t, err)
	r := NewRouter(store, mode.NewController(conversation.SessionMeta{}))

	id, ok := r.Route(events.NewChunkEvent("Hel"), appendText("Hel"))
	require.True(t, ok)
	require.Equal(t, placeholder, id)
}

func TestRouteGroupModeNeverFallsBackPositionally(t *testing.T) {
	store := conversation.NewStore("sess")
	_, err := store.AppendOptimisticAssistantPlaceholder()
	require.NoError(t, err)
	r := NewRouter(store, mode.NewController(conversation.SessionMeta{GroupAssistants: []string{"A", "B"}}))

	_, ok := r.Route(events.NewChunkEvent("lost"), appendText("lost"))
	require.False(t, ok)
	m, _ := store.At(0)
	require.Equal(t, "", m.Content)
}

func TestRouteInterleavedTurnsByIdentity(t *testing.T) {
	store := conversation.NewStore("sess")
	r := NewRouter(store, mode.NewController(conversation.SessionMeta{GroupAssistants: []string{"A", "B"}}))

	_, err := r.StartTurn(events.NewAssistantStartEvent("A", "t1", "Alice"))
	require.NoError(t, err)
	_, err = r.StartTurn(events.NewAssistantStartEvent("B", "t2", "Bob"))
	require.NoError(t, err)

	for _, ev := range []*events.EventAssistantChunk{
		events.NewAssistantChunkEvent("t2", "Hi "),
		events.NewAssistantChunkEvent("t1", "Hel"),
		events.NewAssistantChunkEvent("t2", "there"),
		events.NewAssistantChunkEvent("t1", "lo"),
	} {
		_, ok := r.Route(ev, appendText(ev.Chunk))
		require.True(t, ok)
	}

	msgs := store.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "Hello", msgs[0].Content)
	require.Equal(t, "Hi there", msgs[1].Content)
}

func TestRouteChunkBeforeStartOpensTurn(t *testing.T) {
	store := conversation.NewStore("sess")
	r := NewRouter(store, mode.NewController(conversation.SessionMeta{GroupAssistants: []string{"A", "B"}}))

	ev := events.NewAssistantChunkEvent("t9", "early")
	_, ok := r.Route(ev, appendText(ev.Chunk))
	require.True(t, ok)

	_, err := r.StartTurn(events.NewAssistantStartEvent("B", "t9", "Bob"))
	require.NoError(t, err)

	msgs := store.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "early", msgs[0].Content)
	require.Equal(t, "B", msgs[0].AssistantID)
}

func TestStartTurnUsesRegistryForPresentation(t *testing.T) {
	reg, err := registry.NewInMemoryRegistry(registry.Participant{ID: "A", Name: "Alice", Icon: "a.png"})
	require.NoError(t, err)
	store := conversation.NewStore("sess")
	r := NewRouter(store, mode.NewController(conversation.SessionMeta{}), WithRegistry(reg))

	_, err = r.StartTurn(events.NewAssistantStartEvent("A", "t1", ""))
	require.NoError(t, err)

	m, _ := store.At(0)
	require.Equal(t, "Alice", m.AssistantName)
	require.Equal(t, "a.png", m.AssistantIcon)
}
