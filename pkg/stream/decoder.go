package stream

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"github.com/go-go-golems/chorus/pkg/events"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DoneSentinel is accepted as a data payload terminating the stream.
const DoneSentinel = "[DONE]"

// Frame is one server-sent event: the optional "event:" label, "id:" and the
// joined "data:" lines.
type Frame struct {
	Event string
	ID    string
	Data  []byte
}

// FrameObserver is notified about every frame and every skipped frame.
type FrameObserver interface {
	FrameDecoded(ev events.Event)
	FrameSkipped(err error)
}

// Decoder reads frames from a streamed response body. Frames may be split
// across arbitrary read boundaries; partial lines are buffered until complete.
type Decoder struct {
	r        *bufio.Reader
	observer FrameObserver
	count    int
	done     bool
}

type DecoderOption func(*Decoder)

func WithObserver(o FrameObserver) DecoderOption {
	return func(d *Decoder) {
		d.observer = o
	}
}

func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{r: bufio.NewReader(r)}
	for _, o := range opts {
		o(d)
	}
	return d
}

// NextFrame returns the next complete frame, or io.EOF once the body ends.
// A trailing frame without its terminating blank line is still returned.
func (d *Decoder) NextFrame() (*Frame, error) {
	if d.done {
		return nil, io.EOF
	}
	var (
		frame   Frame
		data    [][]byte
		hasData bool
	)
	for {
		line, err := d.r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		atEOF := err == io.EOF
		line = bytes.TrimRight(line, "\r\n")

		switch {
		case len(line) == 0:
			if hasData {
				frame.Data = bytes.Join(data, []byte("\n"))
				return &frame, nil
			}
		case line[0] == ':':
			// comment / keep-alive
		case line[0] == '{' && !hasData && frame.Event == "":
			// newline-delimited JSON
			frame.Data = append([]byte(nil), line...)
			return &frame, nil
		default:
			field, value := splitField(line)
			switch field {
			case "data":
				data = append(data, append([]byte(nil), value...))
				hasData = true
			case "event":
				frame.Event = string(value)
			case "id":
				frame.ID = string(value)
			case "retry":
			default:
				log.Trace().Str("field", field).Msg("ignoring unknown stream field")
			}
		}

		if atEOF {
			d.done = true
			if hasData {
				frame.Data = bytes.Join(data, []byte("\n"))
				return &frame, nil
			}
			return nil, io.EOF
		}
	}
}

func splitField(line []byte) (string, []byte) {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return string(line), nil
	}
	value := line[i+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return string(line[:i]), value
}

// Next returns the next decodable event. Malformed frames are logged and
// skipped. The "[DONE]" sentinel is reported as a done event.
func (d *Decoder) Next() (events.Event, error) {
	for {
		frame, err := d.NextFrame()
		if err != nil {
			return nil, err
		}
		if string(bytes.TrimSpace(frame.Data)) == DoneSentinel {
			return events.NewDoneEvent(), nil
		}
		ev, err := events.NewEventFromFrame(frame.Event, frame.Data)
		if err != nil {
			log.Debug().Err(err).Str("event", frame.Event).Bytes("data", frame.Data).Msg("skipping malformed frame")
			if d.observer != nil {
				d.observer.FrameSkipped(err)
			}
			continue
		}
		d.count++
		if d.observer != nil {
			d.observer.FrameDecoded(ev)
		}
		return ev, nil
	}
}

// Count is the number of events decoded so far.
func (d *Decoder) Count() int {
	return d.count
}

// Decode reads events from r and hands them to fn until the body ends, fn
// returns an error, or ctx is cancelled.
func Decode(ctx context.Context, r io.Reader, fn func(events.Event) error, opts ...DecoderOption) error {
	d := NewDecoder(r, opts...)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev, err := d.Next()
		if err == io.EOF {
			log.Debug().Int("total_events_processed", d.count).Msg("stream reader finished")
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return errors.Wrap(err, "reading stream")
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
