package generation

import (
	"context"
	"testing"
	"time"

	"github.com/go-go-golems/chorus/pkg/conversation"
	"github.com/go-go-golems/chorus/pkg/events"
	"github.com/go-go-golems/chorus/pkg/sessionstore"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func confirmedSession() *conversation.Session {
	return &conversation.Session{
		ID: "sess",
		Messages: []conversation.Message{{
			Role:      conversation.RoleUser,
			Content:   "look at this",
			MessageID: "30",
			Attachments: []conversation.Attachment{
				{ID: "f1", Name: "cat.png", URL: "https://files.example/cat.png"},
			},
		}},
	}
}

func sendWithAttachment(t *testing.T, sessions SessionReader) (*Orchestrator, *conversation.Store) {
	t.Helper()
	store := conversation.NewStore("sess")
	body := sse(t, events.NewUserMessageIDEvent("30"), events.NewChunkEvent("a cat"), events.NewDoneEvent())
	o := NewOrchestrator(store, replay(body),
		WithHydration(sessions, WithHydrationAttempts(3), WithHydrationDelay(time.Millisecond)),
	)

	g, err := o.Send(context.Background(), Input{
		Content:     "look at this",
		Attachments: []conversation.Attachment{{Name: "cat.png"}},
	})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, g.Wait().Outcome)
	o.WaitHydrations()
	return o, store
}

func TestHydrationRetriesUntilPersisted(t *testing.T) {
	sessions := &fakeSessions{visible: 2, session: confirmedSession()}
	_, store := sendWithAttachment(t, sessions)

	require.Equal(t, 2, sessions.Calls())
	msg, ok := store.At(0)
	require.True(t, ok)
	require.Equal(t, conversation.MessageID("30"), msg.MessageID)
	require.Len(t, msg.Attachments, 1)
	require.Equal(t, "https://files.example/cat.png", msg.Attachments[0].URL)
}

func TestHydrationGivesUpAndKeepsOptimisticCopy(t *testing.T) {
	sessions := &fakeSessions{}
	_, store := sendWithAttachment(t, sessions)

	require.Equal(t, 3, sessions.Calls())
	msg, _ := store.At(0)
	require.Equal(t, conversation.MessageID("30"), msg.MessageID)
	require.Empty(t, msg.Attachments[0].URL)
}

type missingSessions struct {
	calls int
}

func (m *missingSessions) GetSession(context.Context, string) (*conversation.Session, error) {
	m.calls++
	return nil, sessionstore.ErrSessionNotFound
}

func TestHydrationStopsOnMissingSession(t *testing.T) {
	sessions := &missingSessions{}
	store := conversation.NewStore("sess")
	id, err := store.AppendOptimisticUser("hi", nil)
	require.NoError(t, err)

	h := NewHydrator(sessions, store, WithHydrationDelay(time.Millisecond))
	err = h.Hydrate(context.Background(), id, "1")
	require.True(t, errors.Is(err, sessionstore.ErrSessionNotFound))
	require.Equal(t, 1, sessions.calls)
}

func TestHydrationAfterTruncationIsHarmless(t *testing.T) {
	store := conversation.NewStore("sess")
	id, err := store.AppendOptimisticUser("look at this", nil)
	require.NoError(t, err)
	require.NoError(t, store.TruncateAfter(-1))

	h := NewHydrator(&fakeSessions{visible: 1, session: confirmedSession()}, store)
	require.NoError(t, h.Hydrate(context.Background(), id, "30"))
	require.Equal(t, 0, store.Len())
}
