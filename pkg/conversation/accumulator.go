package conversation

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/cricket/pkg/events"
)

var (
	// ErrUtteranceFinal is returned when a content event targets an
	// utterance that has already been finalized or cancelled. The caller
	// drops the event; the utterance is untouched.
	ErrUtteranceFinal = errors.New("utterance is final")

	// ErrUnmatchedToolResult is returned when a tool result names a
	// correlation id with no open invocation in the utterance.
	ErrUnmatchedToolResult = errors.New("no announced invocation matches tool result")

	// ErrDuplicateToolCall is returned when a tool call reuses a
	// correlation id already present in the utterance. The first
	// announcement wins.
	ErrDuplicateToolCall = errors.New("duplicate tool call correlation id")

	// ErrNotContentEvent is returned for terminal events (done, error),
	// which carry no content and are handled by the turn lifecycle, not
	// the fold.
	ErrNotContentEvent = errors.New("event carries no utterance content")
)

// Apply folds one content event into an assistant utterance and returns the
// resulting value. The input utterance is never mutated: on success the
// returned utterance is a fresh clone with the event applied, on error it
// is the input unchanged. Replaying the same events in the same order over
// the same starting value therefore always yields the same result.
//
// A nil input stands for a turn whose shell has not been materialized yet
// and behaves like an empty assistant utterance.
func Apply(u *Utterance, ev events.Event) (*Utterance, error) {
	if u == nil {
		u = NewAssistantUtterance()
	}
	if u.final {
		return u, ErrUtteranceFinal
	}

	switch ev := ev.(type) {
	case *events.EventTextDelta:
		return applyTextDelta(u, ev.Text), nil

	case *events.EventToolCall:
		if u.findInvocation(ev.ID) != nil {
			return u, errors.Wrapf(ErrDuplicateToolCall, "correlation id %s", ev.ID)
		}
		ret := u.Clone()
		ret.Segments = append(ret.Segments, &ToolInvocationSegment{
			Invocation: ToolInvocation{
				ID:        ev.ID,
				Name:      ev.Name,
				Arguments: cloneRaw(ev.Arguments),
				State:     InvocationAnnounced,
			},
		})
		return ret, nil

	case *events.EventToolResult:
		target := u.findInvocation(ev.ID)
		if target == nil || target.Invocation.State != InvocationAnnounced {
			return u, errors.Wrapf(ErrUnmatchedToolResult, "correlation id %s", ev.ID)
		}
		ret := u.Clone()
		seg := ret.findInvocation(ev.ID)
		seg.Invocation.State = InvocationCompleted
		seg.Invocation.Result = cloneRaw(ev.Result)
		return ret, nil

	case *events.EventDone, *events.EventError:
		return u, ErrNotContentEvent

	default:
		return u, errors.Errorf("unsupported event type %T", ev)
	}
}

// applyTextDelta coalesces consecutive deltas: text extends the trailing
// text segment when there is one, and starts a new segment only at the very
// beginning or after a tool invocation. Segment boundaries thus mark real
// interleavings, not chunking artifacts of the stream.
func applyTextDelta(u *Utterance, text string) *Utterance {
	ret := u.Clone()
	if n := len(ret.Segments); n > 0 {
		if ts, ok := ret.Segments[n-1].(*TextSegment); ok {
			ts.Text += text
			return ret
		}
	}
	ret.Segments = append(ret.Segments, &TextSegment{Text: text})
	return ret
}

// Finalize freezes an utterance at the end of a successful turn. A turn
// that produced no content at all yields a single empty text segment so
// the conversation still shows that the assistant responded with nothing.
// Finalizing an already final utterance is a no-op.
func Finalize(u *Utterance) *Utterance {
	if u == nil {
		u = NewAssistantUtterance()
	}
	if u.final {
		return u
	}
	ret := u.Clone()
	if len(ret.Segments) == 0 {
		ret.Segments = append(ret.Segments, &TextSegment{Text: ""})
	}
	ret.final = true
	return ret
}

// FinalizeCancelled freezes an utterance after its turn was cancelled.
// Every invocation still open is force-marked cancelled with the
// distinguished cancellation marker as its result, so the rendered
// conversation never shows an invocation waiting forever.
func FinalizeCancelled(u *Utterance) *Utterance {
	if u == nil {
		u = NewAssistantUtterance()
	}
	if u.final {
		return u
	}
	ret := u.Clone()
	for _, s := range ret.Segments {
		tis, ok := s.(*ToolInvocationSegment)
		if !ok {
			continue
		}
		if tis.Invocation.State != InvocationAnnounced {
			continue
		}
		log.Debug().
			Str("correlation_id", tis.Invocation.ID).
			Str("tool_name", tis.Invocation.Name).
			Msg("marking open invocation cancelled")
		tis.Invocation.State = InvocationCancelled
		tis.Invocation.Result = cloneRaw(CancelledResult)
	}
	if len(ret.Segments) == 0 {
		ret.Segments = append(ret.Segments, &TextSegment{Text: ""})
	}
	ret.final = true
	return ret
}
