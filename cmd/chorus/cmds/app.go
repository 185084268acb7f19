package cmds

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-go-golems/chorus/pkg/client"
	"github.com/go-go-golems/chorus/pkg/config"
	"github.com/go-go-golems/chorus/pkg/conversation"
	"github.com/go-go-golems/chorus/pkg/generation"
	"github.com/go-go-golems/chorus/pkg/metrics"
	"github.com/go-go-golems/chorus/pkg/notify"
	"github.com/go-go-golems/chorus/pkg/registry"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var settings = config.Defaults()

func SetSettings(s *config.Settings) {
	settings = s
}

// app holds what a generation command needs: the printer bus, metrics and
// presentation registry.
type app struct {
	settings *config.Settings
	registry *registry.InMemoryRegistry
	metrics  *metrics.Metrics
	bus      *notify.Bus

	ctx    context.Context
	group  *errgroup.Group
	cancel context.CancelFunc
}

func newApp(ctx context.Context, out io.Writer) (*app, error) {
	reg, err := settings.Registry()
	if err != nil {
		return nil, err
	}
	bus, err := notify.NewBus(notify.WithVerbose(viper.GetBool("verbose")))
	if err != nil {
		return nil, err
	}
	bus.AddHandler("printer", notify.TopicConversation, notify.NewPrinter(out).Handle)

	// the bus outlives an interrupted generation so its final state still prints
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, ctx := errgroup.WithContext(ctx)
	a := &app{
		settings: settings,
		registry: reg,
		metrics:  metrics.New(),
		bus:      bus,
		ctx:      ctx,
		group:    group,
		cancel:   cancel,
	}

	group.Go(func() error {
		return bus.Run(ctx)
	})
	if settings.MetricsAddr != "" {
		if err := a.serveMetrics(ctx); err != nil {
			cancel()
			return nil, err
		}
	}

	select {
	case <-bus.Running():
	case <-ctx.Done():
		cancel()
		return nil, group.Wait()
	}
	return a, nil
}

func (a *app) serveMetrics(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	if err := a.metrics.Register(reg); err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: a.settings.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	a.group.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	a.group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return nil
}

// orchestrator attaches the printer to store and builds an orchestrator over transport.
func (a *app) orchestrator(store *conversation.Store, transport generation.Transport, sessions generation.SessionReader) *generation.Orchestrator {
	a.bus.Attach(store)
	options := []generation.Option{
		generation.WithMetrics(a.metrics),
		generation.WithRegistry(a.registry),
		generation.WithBaseContext(a.ctx),
	}
	if sessions != nil {
		options = append(options, generation.WithHydration(sessions, a.settings.HydratorOptions()...))
	}
	return generation.NewOrchestrator(store, transport, options...)
}

func (a *app) Close() error {
	a.cancel()
	err := a.group.Wait()
	if cerr := a.bus.Close(); err == nil {
		err = cerr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newClient() (*client.Client, error) {
	return settings.NewClient()
}

// openSession fetches a session and returns a store mirroring it.
func openSession(ctx context.Context, c *client.Client, id string) (*conversation.Store, error) {
	sess, err := c.GetSession(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "could not load session %s", id)
	}
	return conversation.NewStoreFromSession(sess)
}

// wait blocks until g is over, waits for pending hydrations and reports a
// failed generation on stderr.
func wait(o *generation.Orchestrator, g *generation.Generation) error {
	res := g.Wait()
	o.WaitHydrations()

	log.Debug().
		Str("generation_id", g.ID).
		Str("outcome", string(res.Outcome)).
		Str("user_message_id", res.UserMessageID.String()).
		Msg("generation over")

	switch res.Outcome {
	case generation.StateFailed:
		fmt.Fprintln(os.Stderr, res.UserFacingMessage())
		return res.Err
	case generation.StateAborted:
		fmt.Fprintln(os.Stderr, "generation aborted")
	}
	return nil
}
