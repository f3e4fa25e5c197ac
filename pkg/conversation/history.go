package conversation

import (
	"github.com/go-go-golems/cricket/pkg/events"
)

// HistoryEntry is one entry of the flat role/content transcript sent to
// backends. Tool invocations of an assistant utterance are re-expressed as
// tool calls on the assistant entry followed by one tool entry per
// delivered result, the shape chat completion APIs expect.
type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	ToolCalls  []events.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// History flattens a conversation into the transcript sent with the next
// turn. A non-empty system prompt becomes the leading system entry.
// Cancelled invocations are carried with their cancellation marker as the
// result so the backend sees that the call never ran to completion.
func History(conv Conversation, systemPrompt string) []HistoryEntry {
	var ret []HistoryEntry
	if systemPrompt != "" {
		ret = append(ret, HistoryEntry{Role: RoleSystem, Content: systemPrompt})
	}

	for _, u := range conv {
		switch u.Role {
		case RoleUser:
			ret = append(ret, HistoryEntry{Role: RoleUser, Content: u.Text()})

		case RoleAssistant:
			entry := HistoryEntry{Role: RoleAssistant, Content: u.Text()}
			invocations := u.Invocations()
			for _, inv := range invocations {
				entry.ToolCalls = append(entry.ToolCalls, events.ToolCall{
					ID:        inv.ID,
					Name:      inv.Name,
					Arguments: inv.Arguments,
				})
			}
			ret = append(ret, entry)

			for _, inv := range invocations {
				if inv.Result == nil {
					continue
				}
				ret = append(ret, HistoryEntry{
					Role:       RoleTool,
					ToolCallID: inv.ID,
					Content:    string(inv.Result),
				})
			}

		default:
			// system and tool roles never appear on utterances
			continue
		}
	}

	return ret
}

// History flattens the log's current conversation, including the in-flight
// utterance if any.
func (l *Log) History(systemPrompt string) []HistoryEntry {
	return History(l.Utterances(), systemPrompt)
}
