package cmds

import (
	"os"
	"testing"

	"github.com/go-go-golems/chorus/pkg/conversation"
	"github.com/go-go-golems/chorus/pkg/generation"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func fourMessages(t *testing.T) *generation.Orchestrator {
	t.Helper()
	store, err := conversation.NewStoreFromSession(&conversation.Session{
		ID: "s",
		Messages: []conversation.Message{
			{Role: conversation.RoleUser, Content: "first"},
			{Role: conversation.RoleAssistant, Content: "one"},
			{Role: conversation.RoleUser, Content: "second"},
			{Role: conversation.RoleAssistant, Content: "two"},
		},
	})
	require.NoError(t, err)
	return generation.NewOrchestrator(store, nil)
}

func TestConfirm(t *testing.T) {
	o := fourMessages(t)

	cmd := NewRegenerateCommand()
	ok, err := confirm(cmd, o, 3)
	require.NoError(t, err)
	require.True(t, ok, "regenerating the last answer discards nothing else")

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	cmd.SetIn(r)
	_, err = confirm(cmd, o, 1)
	require.ErrorContains(t, err, "pass --yes")

	require.NoError(t, cmd.Flags().Set("yes", "true"))
	ok, err = confirm(cmd, o, 1)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestInputFromFlags(t *testing.T) {
	cmd := &cobra.Command{}
	addInputFlags(cmd)
	require.NoError(t, cmd.Flags().Parse([]string{"--assistant", "alpha", "--web-search", "--attach", "a.png,b.pdf"}))

	in := inputFromFlags(cmd, "hello")
	require.Equal(t, "hello", in.Content)
	require.Equal(t, "alpha", in.AssistantID)
	require.True(t, in.UseWebSearch)
	require.Len(t, in.Attachments, 2)
	require.Equal(t, "b.pdf", in.Attachments[1].Name)
}
