package ui

import "github.com/charmbracelet/bubbles/key"

type KeyMap struct {
	SubmitMessage    key.Binding
	InsertNewline    key.Binding
	CancelCompletion key.Binding
	ResetChat        key.Binding
	ScrollUp         key.Binding
	ScrollDown       key.Binding
	DismissError     key.Binding

	Quit key.Binding
}

var DefaultKeyMap = KeyMap{
	SubmitMessage:    key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "send")),
	InsertNewline:    key.NewBinding(key.WithKeys("alt+enter"), key.WithHelp("alt+enter", "newline")),
	CancelCompletion: key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "cancel turn")),
	ResetChat:        key.NewBinding(key.WithKeys("ctrl+r"), key.WithHelp("ctrl+r", "reset chat")),
	ScrollUp:         key.NewBinding(key.WithKeys("pgup"), key.WithHelp("pgup", "scroll up")),
	ScrollDown:       key.NewBinding(key.WithKeys("pgdown"), key.WithHelp("pgdn", "scroll down")),
	DismissError:     key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "dismiss")),
	Quit:             key.NewBinding(key.WithKeys("ctrl+c"), key.WithHelp("ctrl+c", "quit")),
}

func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.SubmitMessage, k.CancelCompletion, k.ResetChat, k.DismissError, k.Quit}
}

func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.SubmitMessage, k.InsertNewline, k.ResetChat},
		{k.CancelCompletion, k.DismissError},
		{k.ScrollUp, k.ScrollDown, k.Quit},
	}
}
