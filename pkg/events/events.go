package events

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// EventKind discriminates the canonical stream events. The JSON wire form
// carries it under the "kind" key.
type EventKind string

const (
	// EventKindTextDelta to EventKindToolResult are the content events a
	// turn accumulates; EventKindDone and EventKindError terminate a turn.
	EventKindTextDelta  EventKind = "text"
	EventKindToolCall   EventKind = "tool_call"
	EventKindToolResult EventKind = "tool_result"
	EventKindDone       EventKind = "done"
	EventKindError      EventKind = "error"
)

// Event is one canonical stream event. Transports map their own wire
// framing onto these; everything downstream of a transport only ever sees
// canonical events.
type Event interface {
	Kind() EventKind
	Metadata() EventMetadata
	Payload() []byte
}

type EventImpl struct {
	Kind_     EventKind     `json:"kind"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// raw JSON the event was decoded from (see NewEventFromJson), nil for
	// locally constructed events
	payload []byte
}

func (e *EventImpl) Kind() EventKind {
	return e.Kind_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

// SetPayload stores the raw JSON payload on the event implementation.
func (e *EventImpl) SetPayload(b []byte) {
	e.payload = b
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("kind", string(e.Kind_))
	ev.Object("meta", e.Metadata_)
}

var _ Event = &EventImpl{}

// EventTextDelta carries one increment of assistant prose.
type EventTextDelta struct {
	EventImpl
	Text string `json:"text"`
}

func NewTextDeltaEvent(metadata EventMetadata, text string) *EventTextDelta {
	return &EventTextDelta{
		EventImpl: EventImpl{
			Kind_:     EventKindTextDelta,
			Metadata_: metadata,
		},
		Text: text,
	}
}

var _ Event = &EventTextDelta{}

// ToolCall identifies one announced tool invocation. ID is the correlation
// identifier assigned by the source; Arguments is an opaque structured
// value that is never interpreted here.
type ToolCall struct {
	ID        string          `json:"correlationId"`
	Name      string          `json:"toolName"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// EventToolCall announces a tool invocation. The ToolCall fields are
// flattened into the event's JSON form.
type EventToolCall struct {
	EventImpl
	ToolCall
}

func NewToolCallEvent(metadata EventMetadata, toolCall ToolCall) *EventToolCall {
	return &EventToolCall{
		EventImpl: EventImpl{
			Kind_:     EventKindToolCall,
			Metadata_: metadata,
		},
		ToolCall: toolCall,
	}
}

var _ Event = &EventToolCall{}

// ToolResult delivers the outcome for a previously announced invocation
// with the same correlation identifier.
type ToolResult struct {
	ID     string          `json:"correlationId"`
	Result json.RawMessage `json:"result,omitempty"`
}

type EventToolResult struct {
	EventImpl
	ToolResult
}

func NewToolResultEvent(metadata EventMetadata, toolResult ToolResult) *EventToolResult {
	return &EventToolResult{
		EventImpl: EventImpl{
			Kind_:     EventKindToolResult,
			Metadata_: metadata,
		},
		ToolResult: toolResult,
	}
}

var _ Event = &EventToolResult{}

// EventDone signals normal completion of a turn.
type EventDone struct {
	EventImpl
}

func NewDoneEvent(metadata EventMetadata) *EventDone {
	return &EventDone{
		EventImpl: EventImpl{
			Kind_:     EventKindDone,
			Metadata_: metadata,
		},
	}
}

var _ Event = &EventDone{}

// EventError signals abnormal termination of a turn. The partial content
// accumulated before the failure is preserved by the session layer.
type EventError struct {
	EventImpl
	ErrorString string `json:"error"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	return &EventError{
		EventImpl: EventImpl{
			Kind_:     EventKindError,
			Metadata_: metadata,
		},
		ErrorString: err.Error(),
	}
}

var _ Event = &EventError{}

// NewEventFromJson decodes a canonical event from its JSON wire form.
// Unknown kinds and missing required fields are errors so that callers can
// drop the frame with a diagnostic and keep consuming the stream.
func NewEventFromJson(b []byte) (Event, error) {
	var hdr struct {
		Kind EventKind `json:"kind"`
	}
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, errors.Wrap(err, "could not decode event header")
	}

	var e *EventImpl
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, errors.Wrap(err, "could not decode event")
	}
	e.payload = b

	switch hdr.Kind {
	case EventKindTextDelta:
		var probe struct {
			Text *string `json:"text"`
		}
		if err := json.Unmarshal(b, &probe); err != nil || probe.Text == nil {
			return nil, errors.New("text event without text field")
		}
		ret, ok := ToTypedEvent[EventTextDelta](e)
		if !ok {
			return nil, errors.New("could not cast event to EventTextDelta")
		}
		return ret, nil
	case EventKindToolCall:
		ret, ok := ToTypedEvent[EventToolCall](e)
		if !ok {
			return nil, errors.New("could not cast event to EventToolCall")
		}
		if ret.ID == "" || ret.Name == "" {
			return nil, errors.New("tool_call event without correlationId or toolName")
		}
		return ret, nil
	case EventKindToolResult:
		ret, ok := ToTypedEvent[EventToolResult](e)
		if !ok {
			return nil, errors.New("could not cast event to EventToolResult")
		}
		if ret.ID == "" {
			return nil, errors.New("tool_result event without correlationId")
		}
		return ret, nil
	case EventKindDone:
		ret, ok := ToTypedEvent[EventDone](e)
		if !ok {
			return nil, errors.New("could not cast event to EventDone")
		}
		return ret, nil
	case EventKindError:
		ret, ok := ToTypedEvent[EventError](e)
		if !ok {
			return nil, errors.New("could not cast event to EventError")
		}
		return ret, nil
	}

	return nil, errors.Errorf("unknown event kind %q", hdr.Kind)
}

// ToTypedEvent narrows a decoded event to its concrete type by re-reading
// the stored payload.
func ToTypedEvent[T any](e Event) (*T, bool) {
	var ret *T
	err := json.Unmarshal(e.Payload(), &ret)
	if err != nil {
		return nil, false
	}
	if setter, ok := any(ret).(interface{ SetPayload([]byte) }); ok {
		setter.SetPayload(e.Payload())
	}

	return ret, true
}

func (e EventTextDelta) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("text", e.Text)
}

func (tc ToolCall) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("correlation_id", tc.ID).Str("tool_name", tc.Name).RawJSON("arguments", nonNilRaw(tc.Arguments))
}

func (e EventToolCall) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Object("tool_call", e.ToolCall)
}

func (tr ToolResult) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("correlation_id", tr.ID).RawJSON("result", nonNilRaw(tr.Result))
}

func (e EventToolResult) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Object("tool_result", e.ToolResult)
}

func (e EventDone) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
}

func (e EventError) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("error", e.ErrorString)
}

func nonNilRaw(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return b
}
