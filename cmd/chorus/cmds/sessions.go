package cmds

import (
	"fmt"
	"io"

	"github.com/go-go-golems/chorus/pkg/client"
	"github.com/go-go-golems/chorus/pkg/conversation"
	"github.com/go-go-golems/chorus/pkg/sessionstore"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// sessionCommand wraps RunE with a client built from the settings.
func sessionCommand(cmd *cobra.Command, run func(cmd *cobra.Command, c *client.Client, args []string) error) *cobra.Command {
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		return run(cmd, c, args)
	}
	return cmd
}

func NewSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage chat sessions on the server",
	}
	cmd.AddCommand(
		newListSessionsCommand(),
		newShowSessionCommand(),
		newCreateSessionCommand(),
		newDeleteSessionCommand(),
		newRenameSessionCommand(),
		newSetAssistantCommand(),
		newSetGroupCommand(),
	)
	return cmd
}

func newListSessionsCommand() *cobra.Command {
	return sessionCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
	}, func(cmd *cobra.Command, c *client.Client, args []string) error {
		list, err := c.ListSessions(cmd.Context())
		if err != nil {
			return err
		}
		return printYAML(cmd.OutOrStdout(), list)
	})
}

func newShowSessionCommand() *cobra.Command {
	return sessionCommand(&cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session with its messages",
		Args:  cobra.ExactArgs(1),
	}, func(cmd *cobra.Command, c *client.Client, args []string) error {
		sess, err := c.GetSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printYAML(cmd.OutOrStdout(), sess)
	})
}

func newCreateSessionCommand() *cobra.Command {
	cmd := sessionCommand(&cobra.Command{
		Use:   "create",
		Short: "Create a session",
		Args:  cobra.NoArgs,
	}, func(cmd *cobra.Command, c *client.Client, args []string) error {
		req := sessionstore.CreateRequest{}
		req.Title, _ = cmd.Flags().GetString("title")
		req.AssistantID, _ = cmd.Flags().GetString("assistant")
		req.GroupAssistants, _ = cmd.Flags().GetStringSlice("group")
		groupMode, _ := cmd.Flags().GetString("group-mode")
		req.GroupMode = conversation.GroupMode(groupMode)

		sess, err := c.CreateSession(cmd.Context(), req)
		if err != nil {
			return err
		}
		return printYAML(cmd.OutOrStdout(), sessionstore.Summarize(sess))
	})
	cmd.Flags().String("title", "", "Session title")
	cmd.Flags().String("assistant", "", "Assistant of a single-assistant session")
	cmd.Flags().StringSlice("group", nil, "Assistants of a group session")
	cmd.Flags().String("group-mode", "", "Group mode (round_robin, committee)")
	return cmd
}

func newDeleteSessionCommand() *cobra.Command {
	return sessionCommand(&cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
	}, func(cmd *cobra.Command, c *client.Client, args []string) error {
		if err := c.DeleteSession(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "deleted %s\n", args[0])
		return nil
	})
}

func newRenameSessionCommand() *cobra.Command {
	return sessionCommand(&cobra.Command{
		Use:   "rename <session-id> <title>",
		Short: "Rename a session",
		Args:  cobra.ExactArgs(2),
	}, func(cmd *cobra.Command, c *client.Client, args []string) error {
		return c.UpdateSessionTitle(cmd.Context(), args[0], args[1])
	})
}

func newSetAssistantCommand() *cobra.Command {
	return sessionCommand(&cobra.Command{
		Use:   "set-assistant <session-id> <assistant-id>",
		Short: "Switch a session to a single assistant",
		Args:  cobra.ExactArgs(2),
	}, func(cmd *cobra.Command, c *client.Client, args []string) error {
		return c.UpdateSessionAssistant(cmd.Context(), args[0], args[1])
	})
}

func newSetGroupCommand() *cobra.Command {
	cmd := sessionCommand(&cobra.Command{
		Use:   "set-group <session-id> <assistant-id> <assistant-id...>",
		Short: "Turn a session into a group conversation",
		Args:  cobra.MinimumNArgs(3),
	}, func(cmd *cobra.Command, c *client.Client, args []string) error {
		groupMode, _ := cmd.Flags().GetString("mode")
		return c.UpdateSessionGroupAssistants(cmd.Context(), args[0], args[1:], conversation.GroupMode(groupMode))
	})
	cmd.Flags().String("mode", "", "Group mode (round_robin, committee)")
	return cmd
}
