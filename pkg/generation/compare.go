package generation

import (
	"context"
	"io"
	"strings"

	"github.com/go-go-golems/chorus/pkg/conversation"
	"github.com/go-go-golems/chorus/pkg/events"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Compare sends one user message to several models at once. All answers land
// in a single assistant message, one CompareResponse per model.
func (o *Orchestrator) Compare(ctx context.Context, in Input, modelIDs []string) (*Generation, error) {
	ids := dedupe(modelIDs)
	if len(ids) == 0 {
		return nil, ErrNoModels
	}
	if strings.TrimSpace(in.Content) == "" && len(in.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}
	return o.start(ctx, plan{
		kind:        KindCompare,
		req:         in.request(o.store.SessionID()),
		appendUser:  true,
		attachments: in.Attachments,
		modelIDs:    ids,
	})
}

func dedupe(ids []string) []string {
	seen := map[string]bool{}
	ret := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ret = append(ret, id)
	}
	return ret
}

type modelOutcome struct {
	status conversation.Status
	err    error
}

// runCompare fans out one sub-stream per model. A failing model never cancels
// its siblings; only the generation's own cancel stops them all.
func (o *Orchestrator) runCompare(g *Generation) {
	outcomes := make([]modelOutcome, len(g.modelIDs))

	var eg errgroup.Group
	for i, modelID := range g.modelIDs {
		eg.Go(func() error {
			outcomes[i] = o.runModel(g, modelID)
			return nil
		})
	}
	_ = eg.Wait()

	g.setState(StateFinalizing)
	// a sending-phase error is reported only when no model got past sending,
	// so the optimistic messages are rolled back only then
	var firstErr, sendErr error
	completed := 0
	for _, r := range outcomes {
		if r.status == conversation.StatusCompleted {
			completed++
		}
		if r.err == nil {
			continue
		}
		var transportErr *TransportError
		if errors.As(r.err, &transportErr) && transportErr.Phase == StateSending {
			if sendErr == nil {
				sendErr = r.err
			}
			continue
		}
		if firstErr == nil {
			firstErr = r.err
		}
	}
	if firstErr == nil {
		firstErr = sendErr
	}

	switch {
	case completed > 0:
		o.finish(g, StateCompleted, nil)
	case g.ctx.Err() != nil:
		o.finish(g, StateAborted, nil)
	default:
		if firstErr == nil {
			firstErr = errors.New("no model produced a response")
		}
		o.finish(g, StateFailed, firstErr)
	}
}

func (o *Orchestrator) patchResponse(g *Generation, modelID string, fn func(r *conversation.CompareResponse)) {
	err := o.store.Apply(conversation.MutatePatchCompareResponse(g.compareLocalID, modelID, fn))
	if err != nil {
		log.Warn().Err(err).Str("generation_id", g.ID).Str("model_id", modelID).Msg("could not patch compare response")
	}
}

func (o *Orchestrator) runModel(g *Generation, modelID string) modelOutcome {
	ret := o.streamModel(g, modelID)
	o.patchResponse(g, modelID, func(r *conversation.CompareResponse) {
		if r.Status != conversation.StatusStreaming {
			return
		}
		r.Status = ret.status
		if ret.status == conversation.StatusFailed && r.Error == "" {
			r.Error = Result{Outcome: StateFailed, Err: ret.err}.UserFacingMessage()
		}
	})
	o.metrics.CompareModelFinished(string(ret.status))
	log.Debug().
		Str("generation_id", g.ID).
		Str("model_id", modelID).
		Str("status", string(ret.status)).
		Err(ret.err).
		Msg("compare model finished")
	return ret
}

func (o *Orchestrator) streamModel(g *Generation, modelID string) modelOutcome {
	body, err := o.transport.StreamCompare(g.ctx, g.req, modelID)
	if err != nil {
		if g.ctx.Err() != nil {
			return modelOutcome{status: conversation.StatusAborted}
		}
		return modelOutcome{
			status: conversation.StatusFailed,
			err:    &TransportError{Phase: StateSending, Err: err},
		}
	}

	var serverErr error
	saw, _, err := o.consume(g.ctx, body, func(ev events.Event) bool {
		if g.ctx.Err() != nil {
			return false
		}
		if m := ev.Model(); m != "" && m != modelID {
			log.Debug().Str("model_id", modelID).Str("event_model_id", m).Msg("skipping event for another model")
			return false
		}
		g.setState(StateStreaming)
		terminal, evErr := o.dispatchCompare(g, modelID, ev)
		if evErr != nil && serverErr == nil {
			serverErr = evErr
		}
		return terminal
	})

	switch {
	case g.ctx.Err() != nil:
		return modelOutcome{status: conversation.StatusAborted}
	case serverErr != nil:
		return modelOutcome{status: conversation.StatusFailed, err: serverErr}
	case err != nil:
		phase := StateStreaming
		if !saw {
			phase = StateSending
		}
		return modelOutcome{status: conversation.StatusFailed, err: &TransportError{Phase: phase, Err: err}}
	case !saw:
		return modelOutcome{
			status: conversation.StatusFailed,
			err:    &TransportError{Phase: StateSending, Err: io.ErrUnexpectedEOF},
		}
	default:
		return modelOutcome{status: conversation.StatusCompleted}
	}
}

func (o *Orchestrator) dispatchCompare(g *Generation, modelID string, ev events.Event) (bool, error) {
	switch e := ev.(type) {
	case *events.EventStart:
		log.Debug().Str("generation_id", g.ID).Str("model_id", modelID).Msg("compare model started")

	case *events.EventChunk:
		o.patchResponse(g, modelID, func(r *conversation.CompareResponse) {
			r.Content += e.Text
		})

	case *events.EventSources:
		o.patchResponse(g, modelID, func(r *conversation.CompareResponse) {
			r.Sources = e.Sources
		})

	case *events.EventThinkingDuration:
		o.patchResponse(g, modelID, func(r *conversation.CompareResponse) {
			d := e.DurationMs
			r.ThinkingDurationMs = &d
		})

	case *events.EventUsage:
		err := o.store.Apply(conversation.MutateAddCompareUsage(g.compareLocalID, modelID, e.Usage, e.Cost))
		if err != nil {
			log.Warn().Err(err).Str("model_id", modelID).Msg("could not record compare usage")
		}

	case *events.EventUserMessageID:
		o.confirmUserMessage(g, e.MessageID)

	case *events.EventAssistantMessageID:
		o.patchResponse(g, modelID, func(r *conversation.CompareResponse) {
			if r.MessageID.IsZero() {
				r.MessageID = e.MessageID
			}
		})

	case *events.EventError:
		o.patchResponse(g, modelID, func(r *conversation.CompareResponse) {
			r.Status = conversation.StatusFailed
			r.Error = e.Message
		})
		return true, &ServerError{Message: e.Message}

	case *events.EventDone:
		return true, nil

	default:
		log.Debug().
			Str("generation_id", g.ID).
			Str("model_id", modelID).
			Str("event_type", string(ev.Type())).
			Msg("ignoring event in compare stream")
	}
	return false, nil
}
