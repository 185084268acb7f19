package events

import (
	"encoding/json"
	"fmt"
)

// ProtocolError reports a frame that could not be turned into an event.
// Decoders log and skip these; they never end a stream.
type ProtocolError struct {
	Label   string
	Payload []byte
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("malformed %q frame: %v", e.Label, e.Err)
	}
	return fmt.Sprintf("malformed frame: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

type eventPtr[T any] interface {
	*T
	Event
	SetPayload([]byte)
}

func decodeAs[T any, PT eventPtr[T]](b []byte, typ EventType) (Event, error) {
	var ev T
	p := PT(&ev)
	if err := json.Unmarshal(b, p); err != nil {
		return nil, err
	}
	// the frame label may have supplied the type when the payload did not
	if impl, ok := any(p).(interface{ setType(EventType) }); ok {
		impl.setType(typ)
	}
	p.SetPayload(b)
	return p, nil
}

func (e *EventImpl) setType(t EventType) {
	e.Type_ = t
}

// NewEventFromJson decodes a payload whose "type" field names the event.
func NewEventFromJson(b []byte) (Event, error) {
	return NewEventFromFrame("", b)
}

// NewEventFromFrame decodes a frame payload. The JSON "type" field wins over
// the frame label (the SSE "event:" line) when both are present.
func NewEventFromFrame(label string, b []byte) (Event, error) {
	var hdr struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, &ProtocolError{Label: label, Payload: b, Err: err}
	}
	typ := hdr.Type
	if typ == "" {
		typ = EventType(label)
	}
	if typ == "" {
		return nil, &ProtocolError{Label: label, Payload: b, Err: fmt.Errorf("missing event type")}
	}

	if dec := lookupDecoder(string(typ)); dec != nil {
		ev, err := dec(b)
		if err != nil {
			return nil, &ProtocolError{Label: string(typ), Payload: b, Err: err}
		}
		if setter, ok := ev.(interface{ SetPayload([]byte) }); ok {
			setter.SetPayload(b)
		}
		return ev, nil
	}

	var (
		ev  Event
		err error
	)
	switch typ {
	case EventTypeChunk:
		ev, err = decodeAs[EventChunk](b, typ)
	case EventTypeStart:
		ev, err = decodeAs[EventStart](b, typ)
	case EventTypeAssistantStart:
		ev, err = decodeAs[EventAssistantStart](b, typ)
	case EventTypeAssistantChunk:
		ev, err = decodeAs[EventAssistantChunk](b, typ)
	case EventTypeAssistantDone:
		ev, err = decodeAs[EventAssistantDone](b, typ)
	case EventTypeUsage:
		ev, err = decodeAs[EventUsage](b, typ)
	case EventTypeSources:
		ev, err = decodeAs[EventSources](b, typ)
	case EventTypeThinkingDuration:
		ev, err = decodeAs[EventThinkingDuration](b, typ)
	case EventTypeToolCalls:
		ev, err = decodeAs[EventToolCalls](b, typ)
	case EventTypeToolResults:
		ev, err = decodeAs[EventToolResults](b, typ)
	case EventTypeUserMessageID:
		ev, err = decodeAs[EventUserMessageID](b, typ)
	case EventTypeAssistantMessageID:
		ev, err = decodeAs[EventAssistantMessageID](b, typ)
	case EventTypeError:
		ev, err = decodeAs[EventError](b, typ)
	case EventTypeDone:
		ev, err = decodeAs[EventDone](b, typ)
	default:
		ev, err = decodeAs[EventUnknown](b, typ)
	}
	if err != nil {
		return nil, &ProtocolError{Label: string(typ), Payload: b, Err: err}
	}
	return ev, nil
}
