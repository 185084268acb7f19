package notify

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/chorus/pkg/conversation"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func update(version int64, id uuid.UUID, m conversation.Message) conversation.Update {
	m.LocalID = id
	return conversation.Update{SessionID: "sess", Version: version, LocalID: id, Message: &m}
}

func TestPrinterStreamsDeltas(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)
	id := uuid.New()

	msg := conversation.Message{Role: conversation.RoleAssistant, Status: conversation.StatusStreaming}
	require.NoError(t, p.Print(update(1, id, msg)))
	msg.Content = "Hel"
	require.NoError(t, p.Print(update(2, id, msg)))
	msg.Content = "Hello"
	require.NoError(t, p.Print(update(3, id, msg)))
	// stale versions are ignored
	msg.Content = "He"
	require.NoError(t, p.Print(update(2, id, msg)))
	msg.Content = "Hello"
	msg.Status = conversation.StatusCompleted
	require.NoError(t, p.Print(update(4, id, msg)))

	require.Equal(t, "\nassistant: Hello\n", buf.String())
}

func TestPrinterInterleavedTurns(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)
	a, b := uuid.New(), uuid.New()

	alpha := conversation.Message{Role: conversation.RoleAssistant, AssistantName: "Alpha", Status: conversation.StatusStreaming}
	beta := conversation.Message{Role: conversation.RoleAssistant, AssistantID: "beta", Status: conversation.StatusStreaming}

	alpha.Content = "a1"
	require.NoError(t, p.Print(update(1, a, alpha)))
	beta.Content = "b1"
	require.NoError(t, p.Print(update(2, b, beta)))
	alpha.Content = "a1a2"
	require.NoError(t, p.Print(update(3, a, alpha)))

	require.Equal(t, "\nAlpha: a1\nbeta: b1\nAlpha: a2", buf.String())
}

func TestPrinterReportsFailuresAndCompare(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	failed := conversation.Message{
		Role:    conversation.RoleAssistant,
		Content: "par",
		Status:  conversation.StatusFailed,
		Error:   "boom",
	}
	require.NoError(t, p.Print(update(1, uuid.New(), failed)))
	require.Contains(t, buf.String(), "[assistant failed: boom]")

	buf.Reset()
	cmp := conversation.Message{
		Role:   conversation.RoleAssistant,
		Status: conversation.StatusCompleted,
		CompareResponses: []conversation.CompareResponse{
			{ModelID: "fast", Content: "quick", Status: conversation.StatusCompleted},
			{ModelID: "flaky", Status: conversation.StatusFailed, Error: "overloaded"},
		},
	}
	require.NoError(t, p.Print(update(2, uuid.New(), cmp)))
	out := buf.String()
	require.Contains(t, out, "[fast] (completed)\nquick")
	require.Contains(t, out, "[flaky] (failed)")
	require.Contains(t, out, "error: overloaded")
}

func TestPrinterIgnoresUserMessages(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)
	require.NoError(t, p.Print(update(1, uuid.New(), conversation.Message{Role: conversation.RoleUser, Content: "hi"})))
	require.NoError(t, p.Print(conversation.Update{Version: 2}))
	require.Empty(t, buf.String())
}

func TestBusDeliversStoreChanges(t *testing.T) {
	bus, err := NewBus()
	require.NoError(t, err)

	out := &syncBuffer{}
	printer := NewPrinter(out)
	var mu sync.Mutex
	var mutations []string
	bus.AddHandler("printer", TopicConversation, printer.Handle)
	bus.AddHandler("recorder", TopicConversation, func(msg *message.Message) error {
		mu.Lock()
		defer mu.Unlock()
		mutations = append(mutations, msg.Metadata.Get("mutation"))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = bus.Run(ctx)
	}()
	<-bus.Running()

	store := conversation.NewStore("sess")
	bus.Attach(store)

	_, err = store.AppendOptimisticUser("hi", nil)
	require.NoError(t, err)
	id, err := store.AppendOptimisticAssistantPlaceholder()
	require.NoError(t, err)
	require.True(t, store.PatchByLocalID(id, func(m *conversation.Message) { m.Content = "Hello" }))
	require.NoError(t, store.Apply(conversation.MutateFinish(conversation.StatusCompleted, "", id)))

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "assistant: Hello\n")
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(mutations) == 4
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Equal(t, "append_message", mutations[0])
	require.Equal(t, "finish", mutations[3])
	mu.Unlock()

	require.NoError(t, bus.Close())
}

func TestZerologAdapter(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewZerologAdapter(zerolog.New(&buf)).With(watermill.LogFields{"topic": TopicConversation})
	adapter.Info("subscribed", watermill.LogFields{"subscriber": "printer"})

	out := buf.String()
	require.Contains(t, out, `"level":"debug"`)
	require.Contains(t, out, `"topic":"chorus.conversation"`)
	require.Contains(t, out, `"subscriber":"printer"`)
}
