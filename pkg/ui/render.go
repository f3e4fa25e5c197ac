package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/truncate"
	"github.com/muesli/reflow/wordwrap"

	"github.com/go-go-golems/cricket/pkg/conversation"
)

const minRenderWidth = 20

// renderConversation lays out the transcript for the viewport: one block
// per utterance, tool invocations drawn as bordered cards in segment
// order.
func renderConversation(snapshot conversation.Snapshot, style *Style, width int) string {
	if width < minRenderWidth {
		width = minRenderWidth
	}
	if len(snapshot.Utterances) == 0 {
		return style.Hint.Render("Type a question to get started.")
	}

	blocks := make([]string, 0, len(snapshot.Utterances))
	for _, u := range snapshot.Utterances {
		blocks = append(blocks, renderUtterance(u, style, width))
	}
	return strings.Join(blocks, "\n\n") + "\n"
}

func renderUtterance(u *conversation.Utterance, style *Style, width int) string {
	label := style.AssistantLabel.Render("assistant")
	if u.Role == conversation.RoleUser {
		label = style.UserLabel.Render("you")
	}

	parts := []string{label}
	for _, s := range u.Segments {
		switch seg := s.(type) {
		case *conversation.TextSegment:
			if seg.Text == "" {
				continue
			}
			w, _ := style.Message.GetFrameSize()
			parts = append(parts, style.Message.Render(wordwrap.String(seg.Text, width-w)))
		case *conversation.ToolInvocationSegment:
			parts = append(parts, renderInvocation(seg.Invocation, style, width))
		}
	}
	if len(parts) == 1 {
		parts = append(parts, style.Message.Render(style.Hint.Render("(no content)")))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func renderInvocation(inv conversation.ToolInvocation, style *Style, width int) string {
	w, _ := style.ToolCard.GetFrameSize()
	innerWidth := width - w
	if innerWidth < minRenderWidth {
		innerWidth = minRenderWidth
	}

	lines := []string{style.ToolName.Render(inv.Name)}
	if len(inv.Arguments) > 0 {
		lines = append(lines, preview(inv.Arguments, innerWidth))
	}

	switch inv.State {
	case conversation.InvocationAnnounced:
		lines = append(lines, style.ToolState.Render("running"))
	case conversation.InvocationCancelled:
		lines = append(lines, style.ToolState.Render("cancelled"))
	case conversation.InvocationCompleted:
		lines = append(lines, style.ToolState.Render(preview(inv.Result, innerWidth)))
	}

	return style.ToolCard.Render(strings.Join(lines, "\n"))
}

// preview flattens an opaque payload to one truncated line.
func preview(raw []byte, width int) string {
	s := strings.Join(strings.Fields(string(raw)), " ")
	if width < 4 {
		width = 4
	}
	return truncate.StringWithTail(s, uint(width), "...")
}
