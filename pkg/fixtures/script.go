package fixtures

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"sort"
	"time"

	"github.com/go-go-golems/chorus/pkg/conversation"
	"github.com/go-go-golems/chorus/pkg/events"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var ErrUnknownModel = errors.New("script has no stream for model")

// Step is one scripted frame. It is written as the JSON data of a frame,
// except for the "raw" key whose value is written to the stream verbatim.
type Step map[string]any

// Raw returns the verbatim text of a raw step.
func (s Step) Raw() (string, bool) {
	v, ok := s["raw"]
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// Frame renders the step as it travels on the wire.
func (s Step) Frame() ([]byte, error) {
	if raw, ok := s.Raw(); ok {
		return []byte(raw), nil
	}
	data, err := json.Marshal(map[string]any(s))
	if err != nil {
		return nil, errors.Wrap(err, "encoding step")
	}
	var b bytes.Buffer
	b.WriteString("data: ")
	b.Write(data)
	b.WriteString("\n\n")
	return b.Bytes(), nil
}

// Event decodes the step. Raw steps do not decode.
func (s Step) Event() (events.Event, error) {
	if _, ok := s.Raw(); ok {
		return nil, errors.New("raw step")
	}
	data, err := json.Marshal(map[string]any(s))
	if err != nil {
		return nil, err
	}
	return events.NewEventFromJson(data)
}

// StepFromEvent turns a typed event into a scripted step.
func StepFromEvent(ev events.Event) (Step, error) {
	data, err := events.EncodeEvent(ev)
	if err != nil {
		return nil, err
	}
	var s Step
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return s, nil
}

// SessionSetup is the metadata a script expects its session to have.
type SessionSetup struct {
	Title           string                 `yaml:"title,omitempty"`
	AssistantID     string                 `yaml:"assistant_id,omitempty"`
	GroupAssistants []string               `yaml:"group_assistants,omitempty"`
	GroupMode       conversation.GroupMode `yaml:"group_mode,omitempty"`
}

func (s SessionSetup) Meta() conversation.SessionMeta {
	return conversation.SessionMeta{
		AssistantID:     s.AssistantID,
		GroupAssistants: s.GroupAssistants,
		GroupMode:       s.GroupMode,
	}
}

// Script is a canned server response used for replays and tests.
type Script struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description,omitempty"`
	Session     SessionSetup `yaml:"session,omitempty"`

	// Delay is slept between two frames.
	Delay time.Duration `yaml:"delay,omitempty"`
	// FailWith makes the request itself fail, before any frame is sent.
	FailWith string `yaml:"fail_with,omitempty"`
	// Hang keeps the stream open after the last step until the client leaves.
	Hang bool `yaml:"hang,omitempty"`

	Chat    []Step            `yaml:"chat,omitempty"`
	Compare map[string][]Step `yaml:"compare,omitempty"`
}

// ModelIDs lists the compare models in a stable order.
func (s *Script) ModelIDs() []string {
	ret := make([]string, 0, len(s.Compare))
	for id := range s.Compare {
		ret = append(ret, id)
	}
	sort.Strings(ret)
	return ret
}

func (s *Script) steps(modelID string) ([]Step, error) {
	if modelID == "" {
		return s.Chat, nil
	}
	steps, ok := s.Compare[modelID]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownModel, "%s", modelID)
	}
	return steps, nil
}

// Render concatenates the frames of steps.
func Render(steps []Step) ([]byte, error) {
	var b bytes.Buffer
	for i, s := range steps {
		f, err := s.Frame()
		if err != nil {
			return nil, errors.Wrapf(err, "step %d", i)
		}
		b.Write(f)
	}
	return b.Bytes(), nil
}

func LoadScript(r io.Reader) (*Script, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var s Script
	if err := dec.Decode(&s); err != nil {
		return nil, errors.Wrap(err, "decoding script")
	}
	if len(s.Chat) == 0 && len(s.Compare) == 0 && s.FailWith == "" {
		return nil, errors.Errorf("script %q has no steps", s.Name)
	}
	return &s, nil
}

func LoadScriptFile(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening script %s", path)
	}
	defer func() {
		_ = f.Close()
	}()
	s, err := LoadScript(f)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", path)
	}
	return s, nil
}
