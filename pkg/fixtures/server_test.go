package fixtures_test

import (
	"context"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-go-golems/chorus/pkg/client"
	"github.com/go-go-golems/chorus/pkg/conversation"
	"github.com/go-go-golems/chorus/pkg/fixtures"
	"github.com/go-go-golems/chorus/pkg/generation"
	"github.com/go-go-golems/chorus/pkg/sessionstore"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type harness struct {
	server *fixtures.Server
	client *client.Client
	store  *conversation.Store
	orch   *generation.Orchestrator
}

func newHarness(t *testing.T, scriptFile string, create sessionstore.CreateRequest) *harness {
	t.Helper()
	script, err := fixtures.LoadScriptFile(scriptFile)
	require.NoError(t, err)

	srv := fixtures.NewServer(sessionstore.NewInMemoryStore(), script)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c, err := client.New(ts.URL, client.WithTimeout(5*time.Second))
	require.NoError(t, err)

	sess, err := c.CreateSession(context.Background(), create)
	require.NoError(t, err)
	store, err := conversation.NewStoreFromSession(sess)
	require.NoError(t, err)

	orch := generation.NewOrchestrator(store, c,
		generation.WithHydration(c, generation.WithHydrationDelay(10*time.Millisecond)),
	)
	return &harness{server: srv, client: c, store: store, orch: orch}
}

func TestSingleChatAgainstFixtureServer(t *testing.T) {
	h := newHarness(t, "testdata/single.yaml", sessionstore.CreateRequest{Title: "single"})

	g, err := h.orch.Send(context.Background(), generation.Input{
		Content:     "hello",
		Attachments: []conversation.Attachment{{Name: "cat.png"}},
	})
	require.NoError(t, err)
	res := g.Wait()
	require.Equal(t, generation.StateCompleted, res.Outcome)
	h.orch.WaitHydrations()

	msgs := h.store.Messages()
	require.Len(t, msgs, 2)
	require.False(t, msgs[0].MessageID.IsZero())
	require.Equal(t, res.UserMessageID, msgs[0].MessageID)
	require.Equal(t, "fixture://attachments/cat.png", msgs[0].Attachments[0].URL)
	require.Equal(t, "Hello", msgs[1].Content)
	require.False(t, msgs[1].MessageID.IsZero())

	persisted, err := h.client.GetSession(context.Background(), h.store.SessionID())
	require.NoError(t, err)
	require.Len(t, persisted.Messages, 2)
	require.Equal(t, msgs[1].MessageID, persisted.Messages[1].MessageID)
	require.Equal(t, 5, persisted.TotalUsage.TotalTokens)
}

func TestGroupChatAgainstFixtureServer(t *testing.T) {
	// the session is created without group metadata: the stream upgrades it
	h := newHarness(t, "testdata/group.yaml", sessionstore.CreateRequest{})

	g, err := h.orch.Send(context.Background(), generation.Input{Content: "hi both"})
	require.NoError(t, err)
	require.Equal(t, generation.StateCompleted, g.Wait().Outcome)

	msgs := h.store.Messages()
	require.Len(t, msgs, 3)
	require.Equal(t, "Hi from Alpha", msgs[1].Content)
	require.Equal(t, "Beta here", msgs[2].Content)
	require.Equal(t, "Beta", msgs[2].AssistantName)
	require.False(t, msgs[2].MessageID.IsZero())
	require.Equal(t, 1, h.orch.Modes().Upgrades())
}

func TestRegenerateAgainstFixtureServer(t *testing.T) {
	h := newHarness(t, "testdata/single.yaml", sessionstore.CreateRequest{})

	g, err := h.orch.Send(context.Background(), generation.Input{Content: "hello"})
	require.NoError(t, err)
	g.Wait()

	g, err = h.orch.Regenerate(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, generation.StateCompleted, g.Wait().Outcome)

	persisted, err := h.client.GetSession(context.Background(), h.store.SessionID())
	require.NoError(t, err)
	require.Len(t, persisted.Messages, 2)
	require.Equal(t, 2, h.store.Len())
}

func TestCompareAgainstFixtureServer(t *testing.T) {
	h := newHarness(t, "testdata/compare.yaml", sessionstore.CreateRequest{})

	g, err := h.orch.Compare(context.Background(), generation.Input{Content: "which?"}, []string{"fast", "flaky"})
	require.NoError(t, err)
	res := g.Wait()
	require.Equal(t, generation.StateCompleted, res.Outcome)

	msgs := h.store.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, res.UserMessageID, msgs[0].MessageID)
	require.Equal(t, "quick answer", msgs[1].CompareResponse("fast").Content)
	require.Equal(t, conversation.StatusFailed, msgs[1].CompareResponse("flaky").Status)

	// both sub-streams share one persisted user message
	persisted, err := h.client.GetSession(context.Background(), h.store.SessionID())
	require.NoError(t, err)
	require.Len(t, persisted.Messages, 1)
}

func TestSessionEndpoints(t *testing.T) {
	h := newHarness(t, "testdata/single.yaml", sessionstore.CreateRequest{Title: "first"})
	ctx := context.Background()
	id := h.store.SessionID()

	require.NoError(t, h.client.UpdateSessionTitle(ctx, id, "renamed"))
	require.NoError(t, h.client.UpdateSessionAssistant(ctx, id, "alpha"))
	require.NoError(t, h.client.UpdateSessionGroupAssistants(ctx, id, []string{"alpha", "beta"}, conversation.GroupModeCommittee))

	list, err := h.client.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "renamed", list[0].Title)

	require.NoError(t, h.orch.LoadSession(ctx, h.client))
	require.Equal(t, conversation.GroupModeCommittee, h.store.Meta().GroupMode)
	require.Equal(t, "committee", string(h.orch.Modes().Mode()))

	err = h.client.UpdateSessionGroupAssistants(ctx, id, []string{"alpha"}, "")
	var statusErr *client.StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, 400, statusErr.StatusCode)

	require.NoError(t, h.client.DeleteSession(ctx, id))
	_, err = h.client.GetSession(ctx, id)
	require.True(t, errors.Is(err, sessionstore.ErrSessionNotFound))
}

func TestStreamForUnknownSession(t *testing.T) {
	h := newHarness(t, "testdata/single.yaml", sessionstore.CreateRequest{})
	_, err := h.client.StreamGeneration(context.Background(), &client.GenerationRequest{SessionID: "nope", Message: "x"})
	require.True(t, errors.Is(err, sessionstore.ErrSessionNotFound))
}
