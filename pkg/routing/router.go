package routing

import (
	"github.com/go-go-golems/chorus/pkg/conversation"
	"github.com/go-go-golems/chorus/pkg/events"
	"github.com/go-go-golems/chorus/pkg/mode"
	"github.com/go-go-golems/chorus/pkg/registry"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Router resolves which message an event refers to. Resolution is by
// identity first: turn id, then assistant id. The positional fallback only
// applies while the session never showed group-shaped events.
type Router struct {
	store    *conversation.Store
	modes    *mode.Controller
	registry registry.Registry
}

type Option func(*Router)

// WithRegistry fills in participant names and icons missing from assistant_start.
func WithRegistry(r registry.Registry) Option {
	return func(rt *Router) {
		rt.registry = r
	}
}

func NewRouter(store *conversation.Store, modes *mode.Controller, options ...Option) *Router {
	r := &Router{store: store, modes: modes}
	for _, o := range options {
		o(r)
	}
	return r
}

// StartTurn opens the message of a group participant turn.
func (r *Router) StartTurn(ev *events.EventAssistantStart) (uuid.UUID, error) {
	name, icon := ev.Name, ev.Icon
	if r.registry != nil && (name == "" || icon == "") {
		if p, ok := r.registry.Lookup(ev.AssistantID); ok {
			if name == "" {
				name = p.DisplayName()
			}
			if icon == "" {
				icon = p.Icon
			}
		}
	}
	return r.store.AppendAssistantTurn(ev.AssistantID, ev.AssistantTurnID, name, icon)
}

// Route patches the message targeted by ev. It returns the LocalID of the
// patched message, or false when the event could not be attributed.
func (r *Router) Route(ev events.Event, fn conversation.PatchFunc) (uuid.UUID, bool) {
	target := ev.Target()
	if isChunk(ev) && target.TurnID != "" {
		// chunks that overtake their assistant_start still get a message
		if _, err := r.store.AppendAssistantTurn(target.AssistantID, target.TurnID, "", ""); err != nil {
			log.Warn().Err(err).Str("assistant_turn_id", target.TurnID).Msg("could not open turn")
		}
	}

	id, ok := r.store.Patch(target, r.modes.AllowPositional(), fn)
	if !ok {
		log.Debug().
			Str("session_id", r.store.SessionID()).
			Str("event_type", string(ev.Type())).
			Str("assistant_turn_id", target.TurnID).
			Str("assistant_id", target.AssistantID).
			Msg("dropping event without a matching message")
	}
	return id, ok
}

func isChunk(ev events.Event) bool {
	switch ev.(type) {
	case *events.EventAssistantChunk, *events.EventChunk:
		return true
	default:
		return false
	}
}
