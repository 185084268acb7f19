package cmds

import (
	"context"
	"os"
	"os/signal"

	"github.com/go-go-golems/chorus/pkg/conversation"
	"github.com/go-go-golems/chorus/pkg/fixtures"
	"github.com/go-go-golems/chorus/pkg/generation"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func NewReplayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <script.yaml>",
		Short: "Play a recorded event script through the engine without a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := fixtures.LoadScriptFile(args[0])
			if err != nil {
				return err
			}
			message, _ := cmd.Flags().GetString("message")
			dump, _ := cmd.Flags().GetBool("dump")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			store := conversation.NewStore("replay-" + script.Name)
			if err := store.ApplySessionMeta(script.Session.Meta()); err != nil {
				return err
			}
			a, err := newApp(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			o := a.orchestrator(store, fixtures.NewTransport(script), nil)

			log.Info().
				Str("script", script.Name).
				Str("mode", string(o.Modes().Mode())).
				Int("chat_steps", len(script.Chat)).
				Strs("models", script.ModelIDs()).
				Msg("replaying script")

			err = replay(ctx, o, script, message)
			if cerr := a.Close(); err == nil {
				err = cerr
			}
			if err != nil || !dump {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(store.Session())
		},
	}
	cmd.Flags().String("message", "replayed message", "User message sent before the script plays")
	cmd.Flags().Bool("dump", false, "Print the resulting conversation as YAML")
	return cmd
}

func replay(ctx context.Context, o *generation.Orchestrator, script *fixtures.Script, message string) error {
	in := generation.Input{Content: message}
	var (
		g   *generation.Generation
		err error
	)
	if len(script.Chat) == 0 {
		g, err = o.Compare(ctx, in, script.ModelIDs())
	} else {
		g, err = o.Send(ctx, in)
	}
	if err != nil {
		return err
	}
	return wait(o, g)
}
