package mode

import (
	"sync"

	"github.com/go-go-golems/chorus/pkg/conversation"
	"github.com/go-go-golems/chorus/pkg/events"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Mode string

const (
	ModeSingle     Mode = "single"
	ModeRoundRobin Mode = "round_robin"
	ModeCommittee  Mode = "committee"
	// ModeCompare is chosen per generation, never derived from session metadata.
	ModeCompare Mode = "compare"
)

func (m Mode) IsGroup() bool {
	return m == ModeRoundRobin || m == ModeCommittee
}

// FromMeta derives the session mode from its metadata.
func FromMeta(meta conversation.SessionMeta) Mode {
	if !meta.IsGroup() {
		return ModeSingle
	}
	if meta.GroupMode == conversation.GroupModeCommittee {
		return ModeCommittee
	}
	return ModeRoundRobin
}

// Controller tracks the mode of one session. Metadata may arrive after a send
// started, so the controller also learns the mode from the event stream.
type Controller struct {
	mu        sync.Mutex
	mode      Mode
	groupMode conversation.GroupMode
	// evidence is sticky: once a group-shaped event was seen, positional
	// routing is disabled for the rest of the session.
	evidence bool
	upgrades int
}

func NewController(meta conversation.SessionMeta) *Controller {
	c := &Controller{}
	c.apply(meta)
	return c
}

func (c *Controller) apply(meta conversation.SessionMeta) {
	c.groupMode = meta.GroupMode
	m := FromMeta(meta)
	if m == ModeSingle && c.evidence {
		// the stream already proved this is a group session
		return
	}
	c.mode = m
	if m.IsGroup() {
		c.evidence = true
	}
}

// ApplySessionMeta updates the mode once session metadata finished loading.
func (c *Controller) ApplySessionMeta(meta conversation.SessionMeta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apply(meta)
}

func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// AllowPositional reports whether the legacy positional fallback may still fire.
func (c *Controller) AllowPositional() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.evidence
}

func (c *Controller) GroupEvidenceSeen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evidence
}

// Upgrades counts the compensating edits performed so far.
func (c *Controller) Upgrades() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upgrades
}

// IsGroupShaped reports whether ev is a chunk-family event carrying an identity.
func IsGroupShaped(ev events.Event) bool {
	switch ev.(type) {
	case *events.EventChunk, *events.EventAssistantChunk, *events.EventAssistantStart:
		return events.HasIdentity(ev)
	default:
		return false
	}
}

// Upgrade performs the late switch to a group mode for one generation.
type Upgrade struct {
	controller  *Controller
	store       *conversation.Store
	placeholder uuid.UUID
	done        bool
}

// BeginGeneration returns the per-generation upgrade tracker. placeholder is
// the single-mode assistant message appended at send time, or uuid.Nil.
func (c *Controller) BeginGeneration(store *conversation.Store, placeholder uuid.UUID) *Upgrade {
	return &Upgrade{controller: c, store: store, placeholder: placeholder}
}

// Observe inspects ev and performs the compensating edit the first time a
// group-shaped event shows up. It reports whether this call upgraded.
func (u *Upgrade) Observe(ev events.Event) bool {
	if u.done || !IsGroupShaped(ev) {
		return false
	}
	u.done = true

	c := u.controller
	c.mu.Lock()
	c.evidence = true
	upgraded := !c.mode.IsGroup() && c.mode != ModeCompare
	if upgraded {
		c.mode = ModeRoundRobin
		if c.groupMode == conversation.GroupModeCommittee {
			c.mode = ModeCommittee
		}
		c.upgrades++
	}
	c.mu.Unlock()

	if u.placeholder != uuid.Nil {
		err := u.store.Apply(conversation.MutateRemoveIfEmptyPlaceholder(u.placeholder))
		if err != nil {
			log.Debug().Err(err).Str("placeholder", u.placeholder.String()).Msg("single-mode placeholder kept")
		} else {
			log.Debug().Str("placeholder", u.placeholder.String()).Msg("removed single-mode placeholder")
		}
		u.placeholder = uuid.Nil
	}
	if upgraded {
		log.Info().Str("session_id", u.store.SessionID()).Str("mode", string(c.Mode())).Msg("upgraded session to group mode from stream")
	}
	return upgraded
}

// Done reports whether this generation already performed its upgrade check.
func (u *Upgrade) Done() bool {
	return u.done
}
