package registry

import (
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var ErrInvalidParticipant = errors.New("invalid participant")

type Kind string

const (
	KindAssistant Kind = "assistant"
	KindModel     Kind = "model"
)

// Participant is presentation metadata for an assistant or a compare model.
// It is never used to route events.
type Participant struct {
	ID          string `yaml:"id" json:"id"`
	Kind        Kind   `yaml:"kind,omitempty" json:"kind,omitempty"`
	Name        string `yaml:"name" json:"name"`
	Icon        string `yaml:"icon,omitempty" json:"icon,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// DisplayName falls back to the id when no name is configured.
func (p Participant) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

type Registry interface {
	Lookup(id string) (Participant, bool)
}

// InMemoryRegistry is a thread-safe Registry.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	items map[string]Participant
}

func NewInMemoryRegistry(participants ...Participant) (*InMemoryRegistry, error) {
	r := &InMemoryRegistry{items: map[string]Participant{}}
	for _, p := range participants {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *InMemoryRegistry) Register(p Participant) error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return errors.Wrap(ErrInvalidParticipant, "id is empty")
	}
	if p.Kind == "" {
		p.Kind = KindAssistant
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[p.ID] = p
	return nil
}

func (r *InMemoryRegistry) Lookup(id string) (Participant, bool) {
	if r == nil {
		return Participant{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.items[id]
	return p, ok
}

// List returns all participants sorted by id.
func (r *InMemoryRegistry) List() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Participant, 0, len(r.items))
	for _, p := range r.items {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type registryFile struct {
	Assistants []Participant `yaml:"assistants"`
	Models     []Participant `yaml:"models"`
}

// LoadYAML reads a document of the form:
//
//	assistants:
//	  - id: writer
//	    name: Writer
//	models:
//	  - id: gpt-4o
//	    name: GPT-4o
func LoadYAML(r io.Reader) (*InMemoryRegistry, error) {
	var f registryFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "decoding registry")
	}
	reg, err := NewInMemoryRegistry()
	if err != nil {
		return nil, err
	}
	for _, p := range f.Assistants {
		p.Kind = KindAssistant
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}
	for _, p := range f.Models {
		p.Kind = KindModel
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func LoadFile(path string) (*InMemoryRegistry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening registry %s", path)
	}
	defer func() {
		_ = f.Close()
	}()
	return LoadYAML(f)
}
