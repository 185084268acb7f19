package generation

import (
	"context"
	"sync"

	"github.com/go-go-golems/chorus/pkg/client"
	"github.com/go-go-golems/chorus/pkg/conversation"
	"github.com/go-go-golems/chorus/pkg/mode"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type State string

const (
	StateIdle       State = "idle"
	StateSending    State = "sending"
	StateStreaming  State = "streaming"
	StateFinalizing State = "finalizing"
	StateCompleted  State = "completed"
	StateAborted    State = "aborted"
	StateFailed     State = "failed"
)

func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateFailed
}

// rank orders the non-terminal states; a generation only moves forward.
func (s State) rank() int {
	switch s {
	case StateIdle:
		return 0
	case StateSending:
		return 1
	case StateStreaming:
		return 2
	case StateFinalizing:
		return 3
	default:
		return 4
	}
}

func (s State) messageStatus() conversation.Status {
	switch s {
	case StateCompleted:
		return conversation.StatusCompleted
	case StateAborted:
		return conversation.StatusAborted
	case StateFailed:
		return conversation.StatusFailed
	default:
		return conversation.StatusStreaming
	}
}

type Kind string

const (
	KindChat    Kind = "chat"
	KindCompare Kind = "compare"
)

// Result is the terminal outcome of a Generation.
type Result struct {
	Outcome State
	// Err is a *TransportError or *ServerError for failed generations, nil otherwise.
	Err           error
	UserMessageID conversation.MessageID
}

// UserFacingMessage is the single message to surface for a failed generation.
func (r Result) UserFacingMessage() string {
	if r.Outcome != StateFailed || r.Err == nil {
		return ""
	}
	var serverErr *ServerError
	if errors.As(r.Err, &serverErr) {
		return serverErr.Message
	}
	var transportErr *TransportError
	if errors.As(r.Err, &transportErr) {
		return "Connection lost before the response completed. Please try again."
	}
	return r.Err.Error()
}

// Generation is one in-flight request/response cycle. It is cancelable and
// waitable; cancellation is always driven by its own context.
type Generation struct {
	ID        string
	SessionID string
	Kind      Kind
	// Mode is the session mode when the generation started.
	Mode mode.Mode

	req  *client.GenerationRequest
	ctx  context.Context
	done chan struct{}

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	result Result

	// owned by the goroutine driving the stream
	userLocalID    uuid.UUID
	userAppended   bool
	placeholder    uuid.UUID
	compareLocalID uuid.UUID
	modelIDs       []string
	touched        []uuid.UUID
	upgrade        *mode.Upgrade
}

func newGeneration(ctx context.Context, sessionID string, kind Kind, m mode.Mode, req *client.GenerationRequest) *Generation {
	runCtx, cancel := context.WithCancel(ctx)
	return &Generation{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      kind,
		Mode:      m,
		req:       req,
		ctx:       runCtx,
		done:      make(chan struct{}),
		state:     StateSending,
		cancel:    cancel,
	}
}

func (g *Generation) State() State {
	if g == nil {
		return StateIdle
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Generation) setState(s State) {
	g.mu.Lock()
	prev := g.state
	if prev.IsTerminal() || s.rank() <= prev.rank() {
		g.mu.Unlock()
		return
	}
	g.state = s
	g.mu.Unlock()
	log.Debug().
		Str("generation_id", g.ID).
		Str("session_id", g.SessionID).
		Str("from", string(prev)).
		Str("to", string(s)).
		Msg("generation state changed")
}

func (g *Generation) setResult(r Result) {
	g.mu.Lock()
	g.state = r.Outcome
	g.result = r
	cancel := g.cancel
	g.cancel = nil
	close(g.done)
	g.mu.Unlock()
	// releases the context resources; the token is never reused
	if cancel != nil {
		cancel()
	}
}

func (g *Generation) setUserMessageID(id conversation.MessageID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.result.UserMessageID.IsZero() {
		return false
	}
	g.result.UserMessageID = id
	return true
}

// Cancel aborts the generation. It is safe to call multiple times.
func (g *Generation) Cancel() {
	if g == nil {
		return
	}
	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the generation reached a terminal state.
func (g *Generation) Wait() Result {
	if g == nil {
		return Result{Outcome: StateFailed, Err: ErrGenerationNil}
	}
	<-g.done
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.result
}

func (g *Generation) Done() <-chan struct{} {
	return g.done
}

// IsRunning reports whether the generation appears to still be running.
func (g *Generation) IsRunning() bool {
	if g == nil {
		return false
	}
	select {
	case <-g.done:
		return false
	default:
		return true
	}
}

func (g *Generation) touch(id uuid.UUID) {
	if id == uuid.Nil {
		return
	}
	for _, t := range g.touched {
		if t == id {
			return
		}
	}
	g.touched = append(g.touched, id)
}

// rollback lists the optimistic messages a failure with err removes. The user
// message only goes when the request never reached the server.
func (g *Generation) rollback(err error) []uuid.UUID {
	var ret []uuid.UUID
	if g.Kind == KindChat && g.placeholder != uuid.Nil {
		ret = append(ret, g.placeholder)
	}
	var transportErr *TransportError
	if !errors.As(err, &transportErr) || transportErr.Phase != StateSending {
		return ret
	}
	if g.Kind == KindCompare && g.compareLocalID != uuid.Nil {
		ret = append(ret, g.compareLocalID)
	}
	if g.userAppended {
		ret = append(ret, g.userLocalID)
	}
	return ret
}
