package generation

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/go-go-golems/chorus/pkg/client"
	"github.com/go-go-golems/chorus/pkg/conversation"
	"github.com/go-go-golems/chorus/pkg/events"
	"github.com/go-go-golems/chorus/pkg/metrics"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func compareTransport(t *testing.T, bodies map[string]string) *fakeTransport {
	return &fakeTransport{
		compare: func(_ context.Context, _ *client.GenerationRequest, modelID string) (io.ReadCloser, error) {
			body, ok := bodies[modelID]
			if !ok {
				return nil, errors.Errorf("no route to %s", modelID)
			}
			return io.NopCloser(strings.NewReader(body)), nil
		},
	}
}

func TestCompareIsolatesModelFailures(t *testing.T) {
	store := conversation.NewStore("sess")
	m := metrics.New()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))
	transport := compareTransport(t, map[string]string{
		"fast": sse(t,
			events.NewUserMessageIDEvent("20"),
			events.NewStartEvent("fast"),
			events.NewChunkEvent("hi "),
			events.NewChunkEvent("there"),
			events.NewUsageEvent("", conversation.Usage{TotalTokens: 7}, nil),
			events.NewDoneEvent(),
		),
		"broken": sse(t,
			events.NewUserMessageIDEvent("20"),
			events.NewChunkEvent("par"),
			events.NewErrorEvent("model overloaded"),
		),
	})
	o := NewOrchestrator(store, transport, WithMetrics(m))

	g, err := o.Compare(context.Background(), Input{Content: "hi"}, []string{"fast", "broken", "offline", "fast"})
	require.NoError(t, err)
	res := g.Wait()
	require.Equal(t, StateCompleted, res.Outcome)
	require.Equal(t, conversation.MessageID("20"), res.UserMessageID)

	msgs := store.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, conversation.MessageID("20"), msgs[0].MessageID)

	compare := msgs[1]
	require.Equal(t, conversation.StatusCompleted, compare.Status)
	require.Len(t, compare.CompareResponses, 3)

	fast := compare.CompareResponse("fast")
	require.Equal(t, "hi there", fast.Content)
	require.Equal(t, conversation.StatusCompleted, fast.Status)
	require.Equal(t, 7, fast.Usage.TotalTokens)

	broken := compare.CompareResponse("broken")
	require.Equal(t, "par", broken.Content)
	require.Equal(t, conversation.StatusFailed, broken.Status)
	require.Equal(t, "model overloaded", broken.Error)

	offline := compare.CompareResponse("offline")
	require.Equal(t, conversation.StatusFailed, offline.Status)
	require.NotEmpty(t, offline.Error)

	usage, _ := store.Totals()
	require.Equal(t, 7, usage.TotalTokens)
	// one series per status: completed and failed
	n, err := testutil.GatherAndCount(reg, "chorus_compare_model_results_total")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestCompareFailsWhenEveryModelFails(t *testing.T) {
	store := conversation.NewStore("sess")
	transport := compareTransport(t, map[string]string{
		"a": sse(t, events.NewErrorEvent("nope")),
	})
	o := NewOrchestrator(store, transport)

	g, err := o.Compare(context.Background(), Input{Content: "hi"}, []string{"a", "b"})
	require.NoError(t, err)
	res := g.Wait()
	require.Equal(t, StateFailed, res.Outcome)

	// model a reached the server, so the optimistic messages stay
	msgs := store.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, conversation.StatusFailed, msgs[1].Status)
	require.Equal(t, &ServerError{Message: "nope"}, res.Err)
}

func TestCompareRollsBackWhenNoModelIsReached(t *testing.T) {
	store := history(t, conversation.SessionMeta{})
	before := store.Messages()
	o := NewOrchestrator(store, compareTransport(t, map[string]string{}))

	g, err := o.Compare(context.Background(), Input{Content: "hi"}, []string{"a", "b"})
	require.NoError(t, err)
	res := g.Wait()
	require.Equal(t, StateFailed, res.Outcome)

	var transportErr *TransportError
	require.True(t, errors.As(res.Err, &transportErr))
	require.Equal(t, StateSending, transportErr.Phase)
	require.NotEmpty(t, res.UserFacingMessage())
	require.Equal(t, before, store.Messages())
	require.False(t, o.IsRunning())
}

func TestCompareSkipsEventsForOtherModels(t *testing.T) {
	store := conversation.NewStore("sess")
	foreign := events.NewChunkEvent("wrong")
	foreign.ModelID = "b"
	own := events.NewChunkEvent("right")
	own.ModelID = "a"
	transport := compareTransport(t, map[string]string{
		"a": sse(t, foreign, own, events.NewDoneEvent()),
		"b": sse(t, events.NewDoneEvent()),
	})
	o := NewOrchestrator(store, transport)

	g, err := o.Compare(context.Background(), Input{Content: "hi"}, []string{"a", "b"})
	require.NoError(t, err)
	g.Wait()

	msg, ok := store.At(1)
	require.True(t, ok)
	require.Equal(t, "right", msg.CompareResponse("a").Content)
	require.Equal(t, "", msg.CompareResponse("b").Content)
}

func TestCompareValidatesInput(t *testing.T) {
	o := NewOrchestrator(conversation.NewStore("sess"), &fakeTransport{})
	_, err := o.Compare(context.Background(), Input{Content: "hi"}, []string{" ", ""})
	require.ErrorIs(t, err, ErrNoModels)
	_, err = o.Compare(context.Background(), Input{}, []string{"a"})
	require.ErrorIs(t, err, ErrEmptyMessage)
}

func TestCompareCancelAbortsAllModels(t *testing.T) {
	store := conversation.NewStore("sess")
	writers := make(chan *io.PipeWriter, 2)
	transport := &fakeTransport{
		compare: func(context.Context, *client.GenerationRequest, string) (io.ReadCloser, error) {
			pr, pw := io.Pipe()
			writers <- pw
			return pr, nil
		},
	}
	o := NewOrchestrator(store, transport)

	g, err := o.Compare(context.Background(), Input{Content: "hi"}, []string{"a", "b"})
	require.NoError(t, err)
	<-writers
	<-writers
	g.Cancel()

	res := g.Wait()
	require.Equal(t, StateAborted, res.Outcome)
	msg, _ := store.At(1)
	require.Equal(t, conversation.StatusAborted, msg.CompareResponse("a").Status)
	require.Equal(t, conversation.StatusAborted, msg.CompareResponse("b").Status)
}
