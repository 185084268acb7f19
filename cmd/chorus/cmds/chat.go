package cmds

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/go-go-golems/chorus/pkg/conversation"
	"github.com/go-go-golems/chorus/pkg/generation"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"
)

// withSession runs f with an orchestrator over the remote session id.
func withSession(cmd *cobra.Command, id string, f func(ctx context.Context, o *generation.Orchestrator) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	c, err := newClient()
	if err != nil {
		return err
	}
	store, err := openSession(ctx, c, id)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	err = f(ctx, a.orchestrator(store, c, c))
	if cerr := a.Close(); err == nil {
		err = cerr
	}
	return err
}

func addInputFlags(cmd *cobra.Command) {
	cmd.Flags().String("assistant", "", "Assistant to answer this message")
	cmd.Flags().String("reasoning-effort", "", "Reasoning effort hint (low, medium, high)")
	cmd.Flags().Bool("web-search", false, "Let the assistant search the web")
	cmd.Flags().StringSlice("attach", nil, "Attachment names to send along")
}

func inputFromFlags(cmd *cobra.Command, content string) generation.Input {
	in := generation.Input{Content: content}
	in.AssistantID, _ = cmd.Flags().GetString("assistant")
	in.ReasoningEffort, _ = cmd.Flags().GetString("reasoning-effort")
	in.UseWebSearch, _ = cmd.Flags().GetBool("web-search")
	names, _ := cmd.Flags().GetStringSlice("attach")
	for _, n := range names {
		in.Attachments = append(in.Attachments, conversation.Attachment{Name: n})
	}
	return in
}

func NewSendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <session-id> <message...>",
		Short: "Send a message and stream the answer",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := inputFromFlags(cmd, strings.Join(args[1:], " "))
			return withSession(cmd, args[0], func(ctx context.Context, o *generation.Orchestrator) error {
				g, err := o.Send(ctx, in)
				if err != nil {
					return err
				}
				return wait(o, g)
			})
		},
	}
	addInputFlags(cmd)
	return cmd
}

func NewCompareCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare <session-id> <message...>",
		Short: "Ask several models the same question side by side",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			models, _ := cmd.Flags().GetStringSlice("model")
			in := inputFromFlags(cmd, strings.Join(args[1:], " "))
			return withSession(cmd, args[0], func(ctx context.Context, o *generation.Orchestrator) error {
				g, err := o.Compare(ctx, in, models)
				if err != nil {
					return err
				}
				return wait(o, g)
			})
		},
	}
	addInputFlags(cmd)
	cmd.Flags().StringSlice("model", nil, "Model to compare (repeatable)")
	return cmd
}

func parseIndex(s string) (int, error) {
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid message index %q", s)
	}
	return i, nil
}

// confirm asks before a rewrite discards more than the reply it replaces.
func confirm(cmd *cobra.Command, o *generation.Orchestrator, index int) (bool, error) {
	if yes, _ := cmd.Flags().GetBool("yes"); yes || !o.NeedsConfirmation(index) {
		return true, nil
	}
	n := o.TruncationImpact(index)
	if f, ok := cmd.InOrStdin().(*os.File); ok && !isatty.IsTerminal(f.Fd()) {
		return false, errors.Errorf("this discards %d messages, pass --yes to confirm", n)
	}

	ui := &input.UI{
		Writer: cmd.ErrOrStderr(),
		Reader: cmd.InOrStdin(),
	}
	answer, err := ui.Ask(fmt.Sprintf("This discards %d messages. Continue? [y/n]", n), &input.Options{
		Default:  "n",
		Required: true,
		Loop:     true,
		ValidateFunc: func(answer string) error {
			switch answer {
			case "y", "Y", "n", "N":
				return nil
			default:
				return fmt.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, err
	}
	return answer == "y" || answer == "Y", nil
}

func NewEditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit <session-id> <index> <message...>",
		Short: "Rewrite a user message and regenerate from there",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[1])
			if err != nil {
				return err
			}
			content := strings.Join(args[2:], " ")
			return withSession(cmd, args[0], func(ctx context.Context, o *generation.Orchestrator) error {
				ok, err := confirm(cmd, o, index)
				if err != nil || !ok {
					return err
				}
				g, err := o.Edit(ctx, index, content)
				if err != nil {
					return err
				}
				return wait(o, g)
			})
		},
	}
	cmd.Flags().BoolP("yes", "y", false, "Do not ask before discarding messages")
	return cmd
}

func NewRegenerateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regenerate <session-id> <index>",
		Short: "Regenerate the answer at index, or the answers to the user message at index",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[1])
			if err != nil {
				return err
			}
			return withSession(cmd, args[0], func(ctx context.Context, o *generation.Orchestrator) error {
				ok, err := confirm(cmd, o, index)
				if err != nil || !ok {
					return err
				}
				g, err := o.Regenerate(ctx, index)
				if err != nil {
					return err
				}
				return wait(o, g)
			})
		},
	}
	cmd.Flags().BoolP("yes", "y", false, "Do not ask before discarding messages")
	return cmd
}
