package generation

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/go-go-golems/chorus/pkg/client"
	"github.com/go-go-golems/chorus/pkg/conversation"
	"github.com/go-go-golems/chorus/pkg/events"
	"github.com/stretchr/testify/require"
)

// sse renders events as server-sent event frames.
func sse(t *testing.T, evs ...events.Event) string {
	t.Helper()
	var b strings.Builder
	for _, ev := range evs {
		data, err := events.EncodeEvent(ev)
		require.NoError(t, err)
		b.WriteString("data: ")
		b.Write(data)
		b.WriteString("\n\n")
	}
	return b.String()
}

type fakeTransport struct {
	chat    func(ctx context.Context, req *client.GenerationRequest) (io.ReadCloser, error)
	compare func(ctx context.Context, req *client.GenerationRequest, modelID string) (io.ReadCloser, error)

	mu       sync.Mutex
	requests []*client.GenerationRequest
}

func (f *fakeTransport) record(req *client.GenerationRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
}

func (f *fakeTransport) lastRequest() *client.GenerationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

func (f *fakeTransport) StreamGeneration(ctx context.Context, req *client.GenerationRequest) (io.ReadCloser, error) {
	f.record(req)
	return f.chat(ctx, req)
}

func (f *fakeTransport) StreamCompare(ctx context.Context, req *client.GenerationRequest, modelID string) (io.ReadCloser, error) {
	f.record(req.WithModel(modelID))
	return f.compare(ctx, req, modelID)
}

// replay answers every chat request with the same body.
func replay(body string) *fakeTransport {
	return &fakeTransport{
		chat: func(context.Context, *client.GenerationRequest) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(body)), nil
		},
	}
}

// pipeTransport hands out a pipe whose writer the test controls.
type pipeTransport struct {
	fakeTransport
	writers chan *io.PipeWriter
}

func newPipeTransport() *pipeTransport {
	p := &pipeTransport{writers: make(chan *io.PipeWriter, 4)}
	p.chat = func(context.Context, *client.GenerationRequest) (io.ReadCloser, error) {
		pr, pw := io.Pipe()
		p.writers <- pw
		return pr, nil
	}
	return p
}

func write(pw *io.PipeWriter, s string) {
	go func() {
		_, _ = pw.Write([]byte(s))
	}()
}

type fakeSessions struct {
	mu      sync.Mutex
	calls   int
	visible int
	session *conversation.Session
}

// GetSession only reports the session from call number visible on.
func (f *fakeSessions) GetSession(_ context.Context, id string) (*conversation.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.visible == 0 || f.calls < f.visible {
		return &conversation.Session{ID: id}, nil
	}
	return f.session, nil
}

func (f *fakeSessions) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func history(t *testing.T, meta conversation.SessionMeta) *conversation.Store {
	t.Helper()
	s, err := conversation.NewStoreFromSession(&conversation.Session{
		ID:          "sess",
		SessionMeta: meta,
		Messages: []conversation.Message{
			{Role: conversation.RoleUser, Content: "first", MessageID: "1"},
			{Role: conversation.RoleAssistant, Content: "one", MessageID: "2"},
			{Role: conversation.RoleUser, Content: "second", MessageID: "3"},
			{Role: conversation.RoleAssistant, Content: "two", MessageID: "4"},
		},
	})
	require.NoError(t, err)
	return s
}
