package generation

import (
	"context"
	"strings"

	"github.com/go-go-golems/chorus/pkg/conversation"
	"github.com/pkg/errors"
)

// TruncationImpact is the number of messages an edit or regeneration at index
// discards.
func (o *Orchestrator) TruncationImpact(index int) int {
	n := o.store.Len() - index - 1
	if n < 0 {
		return 0
	}
	return n
}

// NeedsConfirmation reports whether rewriting at index discards more than the
// reply it replaces.
func (o *Orchestrator) NeedsConfirmation(index int) bool {
	return o.TruncationImpact(index) > 1
}

func (o *Orchestrator) messageAt(index int) (conversation.Message, error) {
	msg, ok := o.store.At(index)
	if !ok {
		return conversation.Message{}, errors.Wrapf(conversation.ErrIndexOutOfRange, "message %d of %d", index, o.store.Len())
	}
	return msg, nil
}

// Edit replaces the user message at index with content and regenerates
// everything after it. Messages [0..index-1] are kept.
func (o *Orchestrator) Edit(ctx context.Context, index int, content string) (*Generation, error) {
	if o.IsRunning() {
		return nil, ErrGenerationActive
	}
	msg, err := o.messageAt(index)
	if err != nil {
		return nil, err
	}
	if msg.Role != conversation.RoleUser {
		return nil, errors.Wrapf(ErrNotUserMessage, "message %d is %s", index, msg.Role)
	}
	if strings.TrimSpace(content) == "" && len(msg.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}

	keep := index - 1
	req := Input{Content: content, Attachments: msg.Attachments}.request(o.store.SessionID())
	req.TruncateAfterIndex = &keep
	return o.start(ctx, plan{
		kind:          KindChat,
		req:           req,
		truncateAfter: &keep,
		appendUser:    true,
		attachments:   msg.Attachments,
	})
}

// Regenerate asks for a new reply. On an assistant message the reply is
// replaced and the preceding user message is re-sent; on a user message
// everything after it is regenerated.
func (o *Orchestrator) Regenerate(ctx context.Context, index int) (*Generation, error) {
	if o.IsRunning() {
		return nil, ErrGenerationActive
	}
	msg, err := o.messageAt(index)
	if err != nil {
		return nil, err
	}

	keep := index
	user := msg
	if msg.Role != conversation.RoleUser {
		keep = index - 1
		found := false
		for i := index - 1; i >= 0; i-- {
			if m, ok := o.store.At(i); ok && m.Role == conversation.RoleUser {
				user, found = m, true
				break
			}
		}
		if !found {
			return nil, ErrNothingToRegenerate
		}
	}

	req := Input{Content: user.Content, Attachments: user.Attachments}.request(o.store.SessionID())
	req.TruncateAfterIndex = &keep
	req.SkipUserMessage = true
	return o.start(ctx, plan{
		kind:          KindChat,
		req:           req,
		truncateAfter: &keep,
		existingUser:  user.LocalID,
	})
}
