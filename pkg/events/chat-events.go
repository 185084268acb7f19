package events

import (
	"encoding/json"

	"github.com/go-go-golems/chorus/pkg/conversation"
	"github.com/rs/zerolog"
)

type EventType string

const (
	// EventTypeChunk carries text for the single assistant, or for a compare model.
	EventTypeChunk EventType = "chunk"
	// EventTypeStart opens a compare model's lifecycle.
	EventTypeStart EventType = "start"

	// Group participant turns
	EventTypeAssistantStart EventType = "assistant_start"
	EventTypeAssistantChunk EventType = "assistant_chunk"
	EventTypeAssistantDone  EventType = "assistant_done"

	// Enrichments
	EventTypeUsage            EventType = "usage"
	EventTypeSources          EventType = "sources"
	EventTypeThinkingDuration EventType = "thinking_duration"
	EventTypeToolCalls        EventType = "tool_calls"
	EventTypeToolResults      EventType = "tool_results"

	// Persistence confirmations
	EventTypeUserMessageID      EventType = "user_message_id"
	EventTypeAssistantMessageID EventType = "assistant_message_id"

	EventTypeError EventType = "error"
	EventTypeDone  EventType = "done"
)

// Event is one decoded frame of a generation stream. The set of events is
// closed: every implementation embeds EventImpl.
type Event interface {
	Type() EventType
	Target() conversation.Target
	Model() string
	Payload() []byte
	isEvent()
}

type EventImpl struct {
	Type_ EventType `json:"type"`

	AssistantTurnID string `json:"assistant_turn_id,omitempty"`
	AssistantID     string `json:"assistant_id,omitempty"`
	// ModelID is set on compare streams multiplexing several models.
	ModelID string `json:"model_id,omitempty"`

	// store payload if the event was decoded from a frame
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	if e.AssistantTurnID != "" {
		ev.Str("assistant_turn_id", e.AssistantTurnID)
	}
	if e.AssistantID != "" {
		ev.Str("assistant_id", e.AssistantID)
	}
	if e.ModelID != "" {
		ev.Str("model_id", e.ModelID)
	}
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Target() conversation.Target {
	return conversation.Target{TurnID: e.AssistantTurnID, AssistantID: e.AssistantID}
}

func (e *EventImpl) Model() string {
	return e.ModelID
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

// SetPayload stores the raw JSON payload on the event implementation.
func (e *EventImpl) SetPayload(b []byte) {
	e.payload = b
}

func (e *EventImpl) isEvent() {}

var _ Event = &EventImpl{}

// HasIdentity reports whether the event names a group participant or turn.
func HasIdentity(e Event) bool {
	return !e.Target().IsZero()
}

type EventChunk struct {
	EventImpl
	Text string `json:"text"`
}

func NewChunkEvent(text string) *EventChunk {
	return &EventChunk{
		EventImpl: EventImpl{Type_: EventTypeChunk},
		Text:      text,
	}
}

var _ Event = &EventChunk{}

type EventStart struct {
	EventImpl
}

func NewStartEvent(modelID string) *EventStart {
	return &EventStart{EventImpl: EventImpl{Type_: EventTypeStart, ModelID: modelID}}
}

var _ Event = &EventStart{}

type EventAssistantStart struct {
	EventImpl
	Name string `json:"name,omitempty"`
	Icon string `json:"icon,omitempty"`
}

func NewAssistantStartEvent(assistantID, turnID, name string) *EventAssistantStart {
	return &EventAssistantStart{
		EventImpl: EventImpl{
			Type_:           EventTypeAssistantStart,
			AssistantID:     assistantID,
			AssistantTurnID: turnID,
		},
		Name: name,
	}
}

var _ Event = &EventAssistantStart{}

type EventAssistantChunk struct {
	EventImpl
	Chunk string `json:"chunk"`
}

func NewAssistantChunkEvent(turnID, chunk string) *EventAssistantChunk {
	return &EventAssistantChunk{
		EventImpl: EventImpl{Type_: EventTypeAssistantChunk, AssistantTurnID: turnID},
		Chunk:     chunk,
	}
}

var _ Event = &EventAssistantChunk{}

type EventAssistantDone struct {
	EventImpl
}

func NewAssistantDoneEvent(turnID string) *EventAssistantDone {
	return &EventAssistantDone{EventImpl: EventImpl{Type_: EventTypeAssistantDone, AssistantTurnID: turnID}}
}

var _ Event = &EventAssistantDone{}

type EventUsage struct {
	EventImpl
	Usage conversation.Usage `json:"usage"`
	Cost  *conversation.Cost `json:"cost,omitempty"`
}

func NewUsageEvent(turnID string, usage conversation.Usage, cost *conversation.Cost) *EventUsage {
	return &EventUsage{
		EventImpl: EventImpl{Type_: EventTypeUsage, AssistantTurnID: turnID},
		Usage:     usage,
		Cost:      cost,
	}
}

var _ Event = &EventUsage{}

type EventSources struct {
	EventImpl
	Sources []conversation.Source `json:"sources"`
}

func NewSourcesEvent(turnID string, sources []conversation.Source) *EventSources {
	return &EventSources{
		EventImpl: EventImpl{Type_: EventTypeSources, AssistantTurnID: turnID},
		Sources:   sources,
	}
}

var _ Event = &EventSources{}

type EventThinkingDuration struct {
	EventImpl
	DurationMs int64 `json:"duration_ms"`
}

func NewThinkingDurationEvent(turnID string, durationMs int64) *EventThinkingDuration {
	return &EventThinkingDuration{
		EventImpl:  EventImpl{Type_: EventTypeThinkingDuration, AssistantTurnID: turnID},
		DurationMs: durationMs,
	}
}

var _ Event = &EventThinkingDuration{}

type EventToolCalls struct {
	EventImpl
	Calls []conversation.ToolCall `json:"calls"`
}

func NewToolCallsEvent(calls []conversation.ToolCall) *EventToolCalls {
	return &EventToolCalls{EventImpl: EventImpl{Type_: EventTypeToolCalls}, Calls: calls}
}

var _ Event = &EventToolCalls{}

type EventToolResults struct {
	EventImpl
	Results []conversation.ToolResult `json:"results"`
}

func NewToolResultsEvent(results []conversation.ToolResult) *EventToolResults {
	return &EventToolResults{EventImpl: EventImpl{Type_: EventTypeToolResults}, Results: results}
}

var _ Event = &EventToolResults{}

type EventUserMessageID struct {
	EventImpl
	MessageID conversation.MessageID `json:"message_id"`
}

func NewUserMessageIDEvent(id conversation.MessageID) *EventUserMessageID {
	return &EventUserMessageID{EventImpl: EventImpl{Type_: EventTypeUserMessageID}, MessageID: id}
}

var _ Event = &EventUserMessageID{}

type EventAssistantMessageID struct {
	EventImpl
	MessageID conversation.MessageID `json:"message_id"`
}

func NewAssistantMessageIDEvent(turnID string, id conversation.MessageID) *EventAssistantMessageID {
	return &EventAssistantMessageID{
		EventImpl: EventImpl{Type_: EventTypeAssistantMessageID, AssistantTurnID: turnID},
		MessageID: id,
	}
}

var _ Event = &EventAssistantMessageID{}

type EventError struct {
	EventImpl
	Message string `json:"message"`
}

func NewErrorEvent(message string) *EventError {
	return &EventError{EventImpl: EventImpl{Type_: EventTypeError}, Message: message}
}

var _ Event = &EventError{}

// EventDone ends the stream. When it carries a turn id it only ends that turn.
type EventDone struct {
	EventImpl
}

func NewDoneEvent() *EventDone {
	return &EventDone{EventImpl: EventImpl{Type_: EventTypeDone}}
}

func NewTurnDoneEvent(turnID string) *EventDone {
	return &EventDone{EventImpl: EventImpl{Type_: EventTypeDone, AssistantTurnID: turnID}}
}

// IsTurnTerminal reports whether the event ends a single turn rather than the stream.
func (e *EventDone) IsTurnTerminal() bool {
	return e.AssistantTurnID != ""
}

var _ Event = &EventDone{}

// EventUnknown is produced for well-formed frames of a type this client does not know.
type EventUnknown struct {
	EventImpl
}

var _ Event = &EventUnknown{}

// EncodeEvent serializes an event the way it travels on the wire.
func EncodeEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
