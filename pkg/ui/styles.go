package ui

import "github.com/charmbracelet/lipgloss"

type Style struct {
	Header         lipgloss.Style
	UserLabel      lipgloss.Style
	AssistantLabel lipgloss.Style
	Message        lipgloss.Style
	ToolCard       lipgloss.Style
	ToolName       lipgloss.Style
	ToolState      lipgloss.Style
	InputBox       lipgloss.Style
	StatusLine     lipgloss.Style
	ErrorBox       lipgloss.Style
	Hint           lipgloss.Style
}

func DefaultStyles() *Style {
	return &Style{
		Header:         lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		UserLabel:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		AssistantLabel: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
		Message:        lipgloss.NewStyle().PaddingLeft(2),
		ToolCard: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1).
			MarginLeft(2),
		ToolName:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11")),
		ToolState:  lipgloss.NewStyle().Faint(true),
		InputBox:   lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(0, 1),
		StatusLine: lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Padding(0, 1),
		ErrorBox: lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("9")).
			Foreground(lipgloss.Color("9")).
			Padding(0, 1),
		Hint: lipgloss.NewStyle().Faint(true),
	}
}
