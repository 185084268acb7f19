package generation

import (
	"github.com/go-go-golems/chorus/pkg/conversation"
	"github.com/go-go-golems/chorus/pkg/events"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func noop(*conversation.Message) {}

// dispatch applies one chat stream event. It reports whether the event ends
// the stream, and returns a *ServerError for error events.
func (o *Orchestrator) dispatch(g *Generation, ev events.Event) (bool, error) {
	if g.upgrade != nil && g.upgrade.Observe(ev) {
		o.metrics.ModeUpgraded()
	}

	switch e := ev.(type) {
	case *events.EventAssistantStart:
		id, err := o.router.StartTurn(e)
		if err != nil {
			log.Warn().Err(err).Str("assistant_id", e.AssistantID).Msg("could not start assistant turn")
			return false, nil
		}
		g.touch(id)

	case *events.EventChunk:
		o.route(g, ev, func(m *conversation.Message) {
			m.Content += e.Text
		})

	case *events.EventAssistantChunk:
		o.route(g, ev, func(m *conversation.Message) {
			m.Content += e.Chunk
		})

	case *events.EventAssistantDone:
		o.completeTurn(g, ev)

	case *events.EventSources:
		o.route(g, ev, func(m *conversation.Message) {
			m.Sources = e.Sources
		})

	case *events.EventThinkingDuration:
		o.route(g, ev, func(m *conversation.Message) {
			d := e.DurationMs
			m.ThinkingDurationMs = &d
		})

	case *events.EventToolCalls:
		o.route(g, ev, func(m *conversation.Message) {
			m.ToolCalls = append(m.ToolCalls, e.Calls...)
		})

	case *events.EventToolResults:
		o.route(g, ev, func(m *conversation.Message) {
			m.ToolResults = append(m.ToolResults, e.Results...)
		})

	case *events.EventUsage:
		id, ok := o.router.Route(ev, noop)
		if !ok {
			// unattributed usage still counts toward the session totals
			id = uuid.Nil
		}
		if err := o.store.Apply(conversation.MutateAddUsage(id, e.Usage, e.Cost)); err != nil {
			log.Warn().Err(err).Str("generation_id", g.ID).Msg("could not record usage")
		}

	case *events.EventUserMessageID:
		o.confirmUserMessage(g, e.MessageID)

	case *events.EventAssistantMessageID:
		id, ok := o.router.Route(ev, noop)
		if !ok {
			return false, nil
		}
		if err := o.store.Apply(conversation.MutateSetMessageID(id, e.MessageID)); err != nil {
			log.Warn().Err(err).
				Str("generation_id", g.ID).
				Str("message_id", e.MessageID.String()).
				Msg("ignoring assistant message id")
		}

	case *events.EventError:
		log.Warn().Str("generation_id", g.ID).Str("message", e.Message).Msg("server reported an error")
		return true, &ServerError{Message: e.Message}

	case *events.EventDone:
		if e.IsTurnTerminal() {
			o.completeTurn(g, ev)
			return false, nil
		}
		return true, nil

	case *events.EventStart:
		log.Debug().Str("generation_id", g.ID).Str("model_id", e.ModelID).Msg("ignoring start event outside compare")

	case *events.EventUnknown:
		log.Debug().Str("generation_id", g.ID).Str("event_type", string(e.Type())).Msg("ignoring unknown event")

	default:
		log.Warn().Str("generation_id", g.ID).Str("event_type", string(ev.Type())).Msg("unhandled event")
	}
	return false, nil
}

func (o *Orchestrator) route(g *Generation, ev events.Event, fn conversation.PatchFunc) {
	if id, ok := o.router.Route(ev, fn); ok {
		g.touch(id)
	}
}

func (o *Orchestrator) completeTurn(g *Generation, ev events.Event) {
	o.route(g, ev, func(m *conversation.Message) {
		if m.Status == conversation.StatusStreaming {
			m.Status = conversation.StatusCompleted
		}
	})
}
