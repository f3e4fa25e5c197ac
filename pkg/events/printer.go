package events

import (
	"fmt"
	"io"

	"github.com/ThreeDotsLabs/watermill/message"
	"gopkg.in/yaml.v3"
)

// StreamPrinterFunc returns a watermill handler that writes a readable
// rendition of the event stream to w. Text deltas are written as they
// arrive; tool calls and results are dumped as YAML blocks.
func StreamPrinterFunc(name string, w io.Writer) func(msg *message.Message) error {
	isFirst := true

	return func(msg *message.Message) error {
		defer msg.Ack()

		e, err := NewEventFromJson(msg.Payload)
		if err != nil {
			// don't kill the handler for one undecodable message
			return nil
		}

		switch p_ := e.(type) {
		case *EventTextDelta:
			if isFirst && name != "" {
				isFirst = false
				if _, err := fmt.Fprintf(w, "\n%s: \n", name); err != nil {
					return err
				}
			}
			if _, err := fmt.Fprintf(w, "%s", p_.Text); err != nil {
				return err
			}

		case *EventToolCall:
			v_, err := yaml.Marshal(map[string]interface{}{
				"tool":          p_.Name,
				"correlationId": p_.ID,
				"arguments":     string(p_.Arguments),
			})
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "\n%s\n", v_); err != nil {
				return err
			}

		case *EventToolResult:
			v_, err := yaml.Marshal(map[string]interface{}{
				"correlationId": p_.ID,
				"result":        string(p_.Result),
			})
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "%s\n", v_); err != nil {
				return err
			}

		case *EventDone:
			if _, err := fmt.Fprintf(w, "\n"); err != nil {
				return err
			}

		case *EventError:
			if _, err := fmt.Fprintf(w, "\nerror: %s\n", p_.ErrorString); err != nil {
				return err
			}
		}

		return nil
	}
}
