package generation

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-go-golems/chorus/pkg/conversation"
	"github.com/go-go-golems/chorus/pkg/metrics"
	"github.com/go-go-golems/chorus/pkg/sessionstore"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultHydrationAttempts = 3
	DefaultHydrationDelay    = 500 * time.Millisecond
)

// ErrNotPersisted is returned while the server copy does not contain the message yet.
var ErrNotPersisted = errors.New("message not persisted yet")

// Hydrator replaces an optimistic user message with the canonical server copy
// once its id is known. Attachments in particular only get resolved URLs there.
type Hydrator struct {
	sessions SessionReader
	store    *conversation.Store
	attempts uint
	delay    time.Duration
	metrics  *metrics.Metrics
}

type HydratorOption func(*Hydrator)

func WithHydrationAttempts(n uint) HydratorOption {
	return func(h *Hydrator) {
		if n > 0 {
			h.attempts = n
		}
	}
}

func WithHydrationDelay(d time.Duration) HydratorOption {
	return func(h *Hydrator) {
		h.delay = d
	}
}

func NewHydrator(sessions SessionReader, store *conversation.Store, options ...HydratorOption) *Hydrator {
	h := &Hydrator{
		sessions: sessions,
		store:    store,
		attempts: DefaultHydrationAttempts,
		delay:    DefaultHydrationDelay,
	}
	for _, o := range options {
		o(h)
	}
	return h
}

// Hydrate fetches the session until it contains id, then patches the local
// message. Exhausting the attempts leaves the optimistic copy in place.
func (h *Hydrator) Hydrate(ctx context.Context, localID uuid.UUID, id conversation.MessageID) error {
	sessionID := h.store.SessionID()
	op := func() (conversation.Message, error) {
		s, err := h.sessions.GetSession(ctx, sessionID)
		if err != nil {
			h.metrics.HydrationAttempt(false)
			if errors.Is(err, sessionstore.ErrSessionNotFound) {
				return conversation.Message{}, backoff.Permanent(err)
			}
			return conversation.Message{}, err
		}
		msg, ok := s.FindMessage(id)
		h.metrics.HydrationAttempt(ok)
		if !ok {
			return conversation.Message{}, ErrNotPersisted
		}
		return *msg, nil
	}

	canonical, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(h.delay)),
		backoff.WithMaxTries(h.attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug().Err(err).Str("message_id", id.String()).Dur("retry_in", next).Msg("hydration retry")
		}),
	)
	if err != nil {
		h.metrics.HydrationExhausted()
		log.Debug().Err(err).
			Str("session_id", sessionID).
			Str("message_id", id.String()).
			Msg("keeping optimistic copy, hydration gave up")
		return errors.Wrapf(err, "hydrating message %s", id)
	}

	ok := h.store.PatchByLocalID(localID, func(m *conversation.Message) {
		m.Content = canonical.Content
		m.Attachments = canonical.Attachments
		if !canonical.CreatedAt.IsZero() {
			m.CreatedAt = canonical.CreatedAt
		}
	})
	if !ok {
		log.Debug().Str("message_id", id.String()).Msg("hydrated message no longer in the conversation")
		return nil
	}
	log.Debug().Str("session_id", sessionID).Str("message_id", id.String()).Msg("hydrated user message")
	return nil
}
