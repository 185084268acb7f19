package cmds

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-go-golems/chorus/pkg/fixtures"
	"github.com/go-go-golems/chorus/pkg/sessionstore"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func NewFixtureServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fixture-server <script.yaml>",
		Short: "Serve the chat and session API, answering every generation from a script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := fixtures.LoadScriptFile(args[0])
			if err != nil {
				return err
			}
			addr, _ := cmd.Flags().GetString("addr")
			debug, _ := cmd.Flags().GetBool("debug")
			if !debug {
				gin.SetMode(gin.ReleaseMode)
			}

			sessions := sessionstore.NewInMemoryStore()
			defer func() {
				_ = sessions.Close()
			}()
			srv := &http.Server{
				Addr:              addr,
				Handler:           fixtures.NewServer(sessions, script).Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				log.Info().Str("addr", addr).Str("script", script.Name).Msg("fixture server listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			eg.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return eg.Wait()
		},
	}
	cmd.Flags().String("addr", ":8080", "Listen address")
	cmd.Flags().Bool("debug", false, "Run gin in debug mode")
	return cmd
}
