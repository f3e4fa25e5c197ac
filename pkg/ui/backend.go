package ui

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/cricket/pkg/events"
)

// Stream messages delivered to the chat model. The conversation log is the
// source of truth for content; these only tell the model that something
// changed and how the turn ended.
type (
	StreamUpdateMsg struct{}
	ToolCallMsg     struct{ ID, Name string }
	ToolResultMsg   struct{ ID string }
	StreamDoneMsg   struct{}
	StreamErrorMsg  struct{ Err error }
)

// ForwardFunc returns a watermill handler that re-publishes canonical
// stream events into the bubbletea program. The message is acked up front
// so a slow terminal never stalls the bus.
func ForwardFunc(p *tea.Program) func(msg *message.Message) error {
	return func(msg *message.Message) error {
		msg.Ack()

		e, err := events.NewEventFromJson(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Msg("dropping undecodable event")
			return nil
		}
		if m := translateEvent(e); m != nil {
			p.Send(m)
		}
		return nil
	}
}

func translateEvent(e events.Event) tea.Msg {
	switch e_ := e.(type) {
	case *events.EventTextDelta:
		return StreamUpdateMsg{}
	case *events.EventToolCall:
		return ToolCallMsg{ID: e_.ID, Name: e_.Name}
	case *events.EventToolResult:
		return ToolResultMsg{ID: e_.ID}
	case *events.EventDone:
		return StreamDoneMsg{}
	case *events.EventError:
		return StreamErrorMsg{Err: errors.New(e_.ErrorString)}
	default:
		return nil
	}
}
