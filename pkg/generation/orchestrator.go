package generation

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/chorus/pkg/client"
	"github.com/go-go-golems/chorus/pkg/conversation"
	"github.com/go-go-golems/chorus/pkg/events"
	"github.com/go-go-golems/chorus/pkg/metrics"
	"github.com/go-go-golems/chorus/pkg/mode"
	"github.com/go-go-golems/chorus/pkg/registry"
	"github.com/go-go-golems/chorus/pkg/routing"
	"github.com/go-go-golems/chorus/pkg/stream"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Transport opens generation streams.
type Transport interface {
	StreamGeneration(ctx context.Context, req *client.GenerationRequest) (io.ReadCloser, error)
	StreamCompare(ctx context.Context, req *client.GenerationRequest, modelID string) (io.ReadCloser, error)
}

// SessionReader fetches the canonical server copy of a session.
type SessionReader interface {
	GetSession(ctx context.Context, id string) (*conversation.Session, error)
}

const DefaultFinalizeGrace = time.Second

// Orchestrator runs generations against one session store. At most one
// generation is active at a time; a compare fan-out counts as one.
type Orchestrator struct {
	store     *conversation.Store
	modes     *mode.Controller
	router    *routing.Router
	transport Transport
	hydrator  *Hydrator
	metrics   *metrics.Metrics
	registry  registry.Registry

	// hydrations outlive their generation, so they hang off this context
	baseCtx       context.Context
	hydrations    sync.WaitGroup
	finalizeGrace time.Duration

	mu     sync.Mutex
	active *Generation
}

type Option func(*Orchestrator)

func WithModeController(c *mode.Controller) Option {
	return func(o *Orchestrator) {
		o.modes = c
	}
}

// WithHydration refetches confirmed user messages from sessions.
func WithHydration(sessions SessionReader, options ...HydratorOption) Option {
	return func(o *Orchestrator) {
		o.hydrator = NewHydrator(sessions, o.store, options...)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

func WithRegistry(r registry.Registry) Option {
	return func(o *Orchestrator) {
		o.registry = r
	}
}

func WithBaseContext(ctx context.Context) Option {
	return func(o *Orchestrator) {
		o.baseCtx = ctx
	}
}

// WithFinalizeGrace bounds how long trailing events are read after the
// terminal event when the server keeps the connection open.
func WithFinalizeGrace(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.finalizeGrace = d
	}
}

func NewOrchestrator(store *conversation.Store, transport Transport, options ...Option) *Orchestrator {
	o := &Orchestrator{
		store:         store,
		transport:     transport,
		baseCtx:       context.Background(),
		finalizeGrace: DefaultFinalizeGrace,
	}
	for _, opt := range options {
		opt(o)
	}
	if o.modes == nil {
		o.modes = mode.NewController(store.Meta())
	}
	if o.hydrator != nil {
		o.hydrator.metrics = o.metrics
	}
	var routerOptions []routing.Option
	if o.registry != nil {
		routerOptions = append(routerOptions, routing.WithRegistry(o.registry))
	}
	o.router = routing.NewRouter(store, o.modes, routerOptions...)
	return o
}

func (o *Orchestrator) Store() *conversation.Store {
	return o.store
}

func (o *Orchestrator) Modes() *mode.Controller {
	return o.modes
}

// Active returns the running generation, if any.
func (o *Orchestrator) Active() *Generation {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil && o.active.IsRunning() {
		return o.active
	}
	return nil
}

func (o *Orchestrator) IsRunning() bool {
	return o.Active() != nil
}

// CancelActive aborts the running generation and reports whether there was one.
func (o *Orchestrator) CancelActive() bool {
	g := o.Active()
	if g == nil {
		return false
	}
	g.Cancel()
	return true
}

// WaitHydrations blocks until all background refetches finished.
func (o *Orchestrator) WaitHydrations() {
	o.hydrations.Wait()
}

// LoadSession fetches the session from sessions. While a generation runs only
// the metadata is applied, so in-flight optimistic messages are kept.
func (o *Orchestrator) LoadSession(ctx context.Context, sessions SessionReader) error {
	s, err := sessions.GetSession(ctx, o.store.SessionID())
	if err != nil {
		return errors.Wrap(err, "loading session")
	}
	if o.IsRunning() {
		err = o.store.ApplySessionMeta(s.SessionMeta)
	} else {
		err = o.store.Apply(conversation.MutateLoadSession(s))
	}
	if err != nil {
		return err
	}
	o.modes.ApplySessionMeta(s.SessionMeta)
	return nil
}

// Input is what the user submits.
type Input struct {
	Content         string
	Attachments     []conversation.Attachment
	AssistantID     string
	ReasoningEffort string
	UseWebSearch    bool
	FileReferences  []client.FileReference
}

func (in Input) request(sessionID string) *client.GenerationRequest {
	return &client.GenerationRequest{
		SessionID:       sessionID,
		Message:         in.Content,
		AssistantID:     in.AssistantID,
		ReasoningEffort: in.ReasoningEffort,
		Attachments:     in.Attachments,
		UseWebSearch:    in.UseWebSearch,
		FileReferences:  in.FileReferences,
	}
}

// plan describes the optimistic edits and the request of one generation.
type plan struct {
	kind Kind
	req  *client.GenerationRequest

	truncateAfter *int
	appendUser    bool
	attachments   []conversation.Attachment
	// existingUser is the kept user message a regeneration answers
	existingUser uuid.UUID
	modelIDs     []string
}

// Send starts a generation for a new user message. While another generation
// is active the send is a no-op: nothing is appended, no request goes out, and
// the returned error is ErrGenerationActive. Callers should drop the input
// rather than report it as a failure.
func (o *Orchestrator) Send(ctx context.Context, in Input) (*Generation, error) {
	if strings.TrimSpace(in.Content) == "" && len(in.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}
	return o.start(ctx, plan{
		kind:        KindChat,
		req:         in.request(o.store.SessionID()),
		appendUser:  true,
		attachments: in.Attachments,
	})
}

func (o *Orchestrator) start(ctx context.Context, p plan) (*Generation, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	m := o.modes.Mode()
	if p.kind == KindCompare {
		m = mode.ModeCompare
	}

	o.mu.Lock()
	if o.active != nil && o.active.IsRunning() {
		o.mu.Unlock()
		log.Debug().Str("session_id", o.store.SessionID()).Msg("generation already active, ignoring send")
		return nil, ErrGenerationActive
	}
	g := newGeneration(ctx, o.store.SessionID(), p.kind, m, p.req)
	g.modelIDs = p.modelIDs
	o.active = g
	o.mu.Unlock()

	o.metrics.GenerationStarted()
	if err := o.applyOptimistic(g, p); err != nil {
		o.finish(g, StateFailed, err)
		return nil, err
	}

	log.Info().
		Str("generation_id", g.ID).
		Str("session_id", g.SessionID).
		Str("kind", string(g.Kind)).
		Str("mode", string(g.Mode)).
		Msg("starting generation")

	if p.kind == KindCompare {
		go o.runCompare(g)
	} else {
		go o.run(g)
	}
	return g, nil
}

func (o *Orchestrator) applyOptimistic(g *Generation, p plan) error {
	if p.truncateAfter != nil {
		if err := o.store.TruncateAfter(*p.truncateAfter); err != nil {
			return err
		}
	}
	if p.appendUser {
		id, err := o.store.AppendOptimisticUser(p.req.Message, p.attachments)
		if err != nil {
			return err
		}
		g.userLocalID, g.userAppended = id, true
	} else {
		g.userLocalID = p.existingUser
	}

	switch {
	case p.kind == KindCompare:
		id, err := o.store.AppendCompareMessage(p.modelIDs)
		if err != nil {
			return err
		}
		g.compareLocalID = id
		g.touch(id)
	case !g.Mode.IsGroup():
		id, err := o.store.AppendOptimisticAssistantPlaceholder()
		if err != nil {
			return err
		}
		g.placeholder = id
		g.touch(id)
	}
	// group participants get their messages from assistant_start
	g.upgrade = o.modes.BeginGeneration(o.store, g.placeholder)
	return nil
}

func (o *Orchestrator) run(g *Generation) {
	body, err := o.transport.StreamGeneration(g.ctx, g.req)
	if err != nil {
		if g.ctx.Err() != nil {
			o.finish(g, StateAborted, nil)
			return
		}
		o.finish(g, StateFailed, &TransportError{Phase: StateSending, Err: err})
		return
	}

	var serverErr error
	saw, _, err := o.consume(g.ctx, body, func(ev events.Event) bool {
		if g.ctx.Err() != nil {
			return false
		}
		g.setState(StateStreaming)
		terminal, evErr := o.dispatch(g, ev)
		if evErr != nil && serverErr == nil {
			serverErr = evErr
		}
		if terminal {
			g.setState(StateFinalizing)
		}
		return terminal
	})

	switch {
	case g.ctx.Err() != nil:
		o.finish(g, StateAborted, nil)
	case serverErr != nil:
		o.finish(g, StateFailed, serverErr)
	case err != nil:
		phase := StateStreaming
		if !saw {
			phase = StateSending
		}
		o.finish(g, StateFailed, &TransportError{Phase: phase, Err: err})
	case !saw:
		o.finish(g, StateFailed, &TransportError{Phase: StateSending, Err: io.ErrUnexpectedEOF})
	default:
		o.finish(g, StateCompleted, nil)
	}
}

// consume reads events from body until it ends. Once handle reports a
// terminal event, trailing events are still read until the body closes or the
// finalize grace expires. Cancelling ctx closes the body.
func (o *Orchestrator) consume(ctx context.Context, body io.ReadCloser, handle func(ev events.Event) bool) (saw bool, terminal bool, err error) {
	stop := context.AfterFunc(ctx, func() {
		_ = body.Close()
	})
	defer stop()
	defer func() {
		_ = body.Close()
	}()

	var grace *time.Timer
	defer func() {
		if grace != nil {
			grace.Stop()
		}
	}()

	d := stream.NewDecoder(body, stream.WithObserver(o.metrics))
	for {
		ev, readErr := d.Next()
		if ctx.Err() != nil {
			return saw, terminal, nil
		}
		if readErr == io.EOF {
			return saw, terminal, nil
		}
		if readErr != nil {
			if terminal {
				return saw, terminal, nil
			}
			return saw, terminal, readErr
		}
		saw = true
		if handle(ev) && !terminal {
			terminal = true
			grace = time.AfterFunc(o.finalizeGrace, func() {
				_ = body.Close()
			})
		}
	}
}

// finish moves the generation to its terminal state: rollback on failure,
// terminal status on every message it touched, guard release, then result.
func (o *Orchestrator) finish(g *Generation, outcome State, err error) {
	errText := ""
	if err != nil {
		errText = Result{Outcome: StateFailed, Err: err}.UserFacingMessage()
	}

	if outcome == StateFailed {
		rollback := g.rollback(err)
		if len(rollback) > 0 && o.store.RemoveByLocalID(rollback...) {
			log.Debug().Str("generation_id", g.ID).Int("count", len(rollback)).Msg("rolled back optimistic messages")
		}
	}

	if err := o.store.Apply(conversation.MutateFinish(outcome.messageStatus(), errText, g.touched...)); err != nil {
		log.Warn().Err(err).Str("generation_id", g.ID).Msg("could not finalize messages")
	}

	ev := log.Info()
	if outcome == StateFailed {
		ev = log.Warn().Err(err)
	}
	ev.Str("generation_id", g.ID).
		Str("session_id", g.SessionID).
		Str("outcome", string(outcome)).
		Msg("generation finished")
	o.metrics.GenerationFinished(string(g.Kind), string(outcome))

	o.mu.Lock()
	if o.active == g {
		o.active = nil
	}
	o.mu.Unlock()

	g.mu.Lock()
	userID := g.result.UserMessageID
	g.mu.Unlock()
	g.setResult(Result{Outcome: outcome, Err: err, UserMessageID: userID})
}

func (o *Orchestrator) confirmUserMessage(g *Generation, id conversation.MessageID) {
	if !g.setUserMessageID(id) {
		return
	}
	if g.userLocalID == uuid.Nil {
		log.Debug().Str("generation_id", g.ID).Msg("user_message_id without an optimistic user message")
		return
	}
	if err := o.store.Apply(conversation.MutateSetMessageID(g.userLocalID, id)); err != nil {
		log.Warn().Err(err).Str("generation_id", g.ID).Msg("could not assign user message id")
		return
	}
	if o.hydrator == nil {
		return
	}
	localID := g.userLocalID
	o.hydrations.Add(1)
	go func() {
		defer o.hydrations.Done()
		_ = o.hydrator.Hydrate(o.baseCtx, localID, id)
	}()
}
