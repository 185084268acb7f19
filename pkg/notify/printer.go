package notify

import (
	"fmt"
	"io"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/chorus/pkg/conversation"
	"gopkg.in/yaml.v3"
)

// Printer writes assistant output to w as it streams in. Interleaved group
// turns are printed under a header each time the speaker changes.
type Printer struct {
	w io.Writer

	mu       sync.Mutex
	printed  map[string]int
	versions map[string]int64
	finished map[string]bool
	tools    map[string]int
	current  string
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{
		w:        w,
		printed:  map[string]int{},
		versions: map[string]int64{},
		finished: map[string]bool{},
		tools:    map[string]int{},
	}
}

// Handle is a bus handler for TopicConversation.
func (p *Printer) Handle(msg *message.Message) error {
	defer msg.Ack()

	u, err := DecodeUpdate(msg)
	if err != nil {
		return err
	}
	return p.Print(u)
}

func speaker(m *conversation.Message) string {
	switch {
	case m.AssistantName != "":
		return m.AssistantName
	case m.AssistantID != "":
		return m.AssistantID
	default:
		return "assistant"
	}
}

func (p *Printer) Print(u conversation.Update) error {
	m := u.Message
	if m == nil || m.Role != conversation.RoleAssistant {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	id := u.LocalID.String()
	if u.Version < p.versions[id] || p.finished[id] {
		return nil
	}
	p.versions[id] = u.Version

	if len(m.CompareResponses) > 0 {
		if m.Status.IsTerminal() {
			p.finished[id] = true
			return p.printCompare(m)
		}
		return nil
	}

	if len(m.Content) < p.printed[id] {
		p.printed[id] = 0
	}
	if delta := m.Content[p.printed[id]:]; delta != "" {
		if p.current != id {
			if _, err := fmt.Fprintf(p.w, "\n%s: ", speaker(m)); err != nil {
				return err
			}
			p.current = id
		}
		if _, err := io.WriteString(p.w, delta); err != nil {
			return err
		}
		p.printed[id] = len(m.Content)
	}

	if len(m.ToolCalls) > p.tools[id] {
		v, err := yaml.Marshal(m.ToolCalls[p.tools[id]:])
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(p.w, "\n%s", v); err != nil {
			return err
		}
		p.tools[id] = len(m.ToolCalls)
	}

	if m.Status.IsTerminal() {
		p.finished[id] = true
		var err error
		switch m.Status {
		case conversation.StatusAborted:
			_, err = fmt.Fprintf(p.w, " [aborted]\n")
		case conversation.StatusFailed:
			_, err = fmt.Fprintf(p.w, "\n[%s failed: %s]\n", speaker(m), m.Error)
		default:
			if p.printed[id] > 0 {
				_, err = fmt.Fprintln(p.w)
			}
		}
		if p.current == id {
			p.current = ""
		}
		return err
	}
	return nil
}

func (p *Printer) printCompare(m *conversation.Message) error {
	for _, r := range m.CompareResponses {
		if _, err := fmt.Fprintf(p.w, "\n[%s] (%s)\n", r.ModelID, r.Status); err != nil {
			return err
		}
		text := r.Content
		if r.Status == conversation.StatusFailed && r.Error != "" {
			text += "\nerror: " + r.Error
		}
		if _, err := fmt.Fprintln(p.w, text); err != nil {
			return err
		}
	}
	return nil
}
