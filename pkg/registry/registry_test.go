package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadYAML(t *testing.T) {
	reg, err := LoadYAML(strings.NewReader(`
assistants:
  - id: writer
    name: Writer
    icon: pen.png
models:
  - id: gpt-4o
`))
	require.NoError(t, err)

	w, ok := reg.Lookup("writer")
	require.True(t, ok)
	require.Equal(t, KindAssistant, w.Kind)
	require.Equal(t, "pen.png", w.Icon)

	m, ok := reg.Lookup("gpt-4o")
	require.True(t, ok)
	require.Equal(t, KindModel, m.Kind)
	require.Equal(t, "gpt-4o", m.DisplayName())

	require.Len(t, reg.List(), 2)
}

func TestLoadYAMLRejectsUnknownFields(t *testing.T) {
	_, err := LoadYAML(strings.NewReader("assistants:\n  - id: a\n    colour: red\n"))
	require.Error(t, err)
}

func TestRegisterRejectsEmptyID(t *testing.T) {
	reg, err := NewInMemoryRegistry()
	require.NoError(t, err)
	require.ErrorIs(t, reg.Register(Participant{Name: "nameless"}), ErrInvalidParticipant)
}

func TestEmptyDocument(t *testing.T) {
	reg, err := LoadYAML(strings.NewReader(""))
	require.NoError(t, err)
	require.Empty(t, reg.List())
}
