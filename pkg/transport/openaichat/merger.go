package openaichat

import (
	"sort"

	go_openai "github.com/sashabaranov/go-openai"
)

// ToolCallMerger reassembles tool calls that a completion stream splits
// across deltas. Fragments are keyed by index; the first fragment usually
// carries the id and name, later ones append argument text.
type ToolCallMerger struct {
	toolCalls map[int]go_openai.ToolCall
}

func NewToolCallMerger() *ToolCallMerger {
	return &ToolCallMerger{
		toolCalls: make(map[int]go_openai.ToolCall),
	}
}

func (tcm *ToolCallMerger) AddToolCalls(toolCalls []go_openai.ToolCall) {
	for _, call := range toolCalls {
		index := 0
		if call.Index != nil {
			index = *call.Index
		}
		existing, found := tcm.toolCalls[index]
		if !found {
			tcm.toolCalls[index] = call
			continue
		}

		if call.ID != "" {
			existing.ID = call.ID
		}
		if call.Type != "" {
			existing.Type = call.Type
		}
		existing.Function.Name += call.Function.Name
		existing.Function.Arguments += call.Function.Arguments
		tcm.toolCalls[index] = existing
	}
}

// GetToolCalls returns the merged calls in stream index order.
func (tcm *ToolCallMerger) GetToolCalls() []go_openai.ToolCall {
	indices := make([]int, 0, len(tcm.toolCalls))
	for index := range tcm.toolCalls {
		indices = append(indices, index)
	}
	sort.Ints(indices)

	result := make([]go_openai.ToolCall, 0, len(indices))
	for _, index := range indices {
		result = append(result, tcm.toolCalls[index])
	}
	return result
}
