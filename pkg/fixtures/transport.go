package fixtures

import (
	"context"
	"io"
	"time"

	"github.com/go-go-golems/chorus/pkg/client"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Transport replays a Script without any network.
type Transport struct {
	script *Script
}

func NewTransport(script *Script) *Transport {
	return &Transport{script: script}
}

func (t *Transport) StreamGeneration(ctx context.Context, req *client.GenerationRequest) (io.ReadCloser, error) {
	return t.open(ctx, "")
}

func (t *Transport) StreamCompare(ctx context.Context, req *client.GenerationRequest, modelID string) (io.ReadCloser, error) {
	return t.open(ctx, modelID)
}

func (t *Transport) open(ctx context.Context, modelID string) (io.ReadCloser, error) {
	if t.script.FailWith != "" {
		return nil, errors.New(t.script.FailWith)
	}
	steps, err := t.script.steps(modelID)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		err := WriteSteps(ctx, pw, nil, steps, t.script.Delay)
		if err == nil && t.script.Hang {
			<-ctx.Done()
			err = ctx.Err()
		}
		if err != nil {
			log.Debug().Err(err).Str("script", t.script.Name).Str("model_id", modelID).Msg("replay interrupted")
		}
		_ = pw.CloseWithError(err)
	}()
	return pr, nil
}

// WriteSteps writes the frames of steps to w, sleeping delay between frames.
// flush, when set, is called after every frame.
func WriteSteps(ctx context.Context, w io.Writer, flush func(), steps []Step, delay time.Duration) error {
	for i, s := range steps {
		if i > 0 && delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := s.Frame()
		if err != nil {
			return errors.Wrapf(err, "step %d", i)
		}
		if _, err := w.Write(f); err != nil {
			return err
		}
		if flush != nil {
			flush()
		}
	}
	return nil
}
