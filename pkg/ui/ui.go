package ui

// Package ui renders the conversation log as an interactive terminal chat.
// The model never accumulates stream content itself: the session controller
// folds events into the log, the bus forwarder nudges the model, and every
// refresh re-renders from a log snapshot.

import (
	"context"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/cricket/pkg/session"
)

type errMsg error

// states:
// - user input
// - stream completion
// - showing error
type State string

const (
	StateUserInput        State = "user_input"
	StateStreamCompletion State = "stream_completion"
	StateError            State = "error"
)

type model struct {
	ctx        context.Context
	controller *session.Controller

	viewport viewport.Model
	textArea textarea.Model
	spinner  spinner.Model
	help     help.Model

	keyMap KeyMap
	style  *Style

	width  int
	height int

	state      State
	toolStatus string
	err        error

	quitReceived bool
}

// InitialModel builds the chat model. ctx should be the context the
// program itself runs under so turns die with the program.
func InitialModel(ctx context.Context, controller *session.Controller) model {
	if ctx == nil {
		ctx = context.Background()
	}
	ret := model{
		ctx:        ctx,
		controller: controller,
		style:      DefaultStyles(),
		keyMap:     DefaultKeyMap,
		viewport:   viewport.New(0, 0),
		spinner:    spinner.New(spinner.WithSpinner(spinner.Dot)),
		help:       help.New(),
		width:      80,
		height:     24,
	}

	ret.textArea = textarea.New()
	ret.textArea.Placeholder = "Ask a research question..."
	ret.textArea.ShowLineNumbers = false
	ret.textArea.SetHeight(3)
	ret.textArea.Focus()
	ret.state = StateUserInput

	ret.recomputeSize()
	ret.updateKeyBindings()

	return ret
}

func (m model) Init() tea.Cmd {
	return textarea.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keyMap.Quit):
			if !m.quitReceived {
				m.quitReceived = true
				// leave no invocation hanging before the screen goes away
				if err := m.controller.CancelActive(); err != nil && !errors.Is(err, session.ErrNoActiveTurn) {
					log.Warn().Err(err).Msg("could not cancel turn on quit")
				}
			}
			return m, tea.Quit

		case key.Matches(msg, m.keyMap.SubmitMessage):
			if m.state == StateUserInput {
				cmds = append(cmds, m.submit())
			}

		case key.Matches(msg, m.keyMap.InsertNewline):
			if m.state == StateUserInput {
				m.textArea.InsertString("\n")
			}

		case key.Matches(msg, m.keyMap.CancelCompletion):
			if m.state == StateStreamCompletion {
				if err := m.controller.CancelActive(); err != nil {
					log.Warn().Err(err).Msg("could not cancel turn")
				}
				m.finishTurn()
				cmds = append(cmds, refreshCmd(true))
			}

		case key.Matches(msg, m.keyMap.DismissError):
			if m.state == StateError {
				m.err = nil
				m.state = StateUserInput
				m.textArea.Focus()
				m.updateKeyBindings()
			}

		case key.Matches(msg, m.keyMap.ResetChat):
			if m.state == StateUserInput {
				if err := m.controller.ResetChat(); err != nil {
					cmds = append(cmds, func() tea.Msg { return errMsg(err) })
				} else {
					cmds = append(cmds, refreshCmd(true))
				}
			}

		case key.Matches(msg, m.keyMap.ScrollUp), key.Matches(msg, m.keyMap.ScrollDown):
			m.viewport, cmd = m.viewport.Update(msg)
			cmds = append(cmds, cmd)

		default:
			switch m.state {
			case StateUserInput:
				m.textArea, cmd = m.textArea.Update(msg)
				cmds = append(cmds, cmd)
			case StateStreamCompletion, StateError:
				m.viewport, cmd = m.viewport.Update(msg)
				cmds = append(cmds, cmd)
			}
			return m, tea.Batch(cmds...)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.recomputeSize()

	case tea.MouseMsg:
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)

	case errMsg:
		m.setError(msg)
		return m, nil

	// stream messages from the bus forwarder
	case StreamUpdateMsg:
		cmds = append(cmds, refreshCmd(false))

	case ToolCallMsg:
		m.toolStatus = "running " + msg.Name
		cmds = append(cmds, refreshCmd(false))

	case ToolResultMsg:
		m.toolStatus = ""
		cmds = append(cmds, refreshCmd(false))

	case StreamDoneMsg:
		m.finishTurn()
		cmds = append(cmds, refreshCmd(true))
		if m.quitReceived {
			cmds = append(cmds, tea.Quit)
		}

	case StreamErrorMsg:
		m.finishTurn()
		m.setError(msg.Err)
		cmds = append(cmds, refreshCmd(true))

	case refreshMessageMsg:
		atBottom := m.viewport.AtBottom()
		m.viewport.SetContent(m.messageView())
		if msg.GoToBottom || atBottom {
			m.viewport.GotoBottom()
		}

	case spinner.TickMsg:
		if m.state == StateStreamCompletion {
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

type refreshMessageMsg struct {
	GoToBottom bool
}

func refreshCmd(goToBottom bool) tea.Cmd {
	return func() tea.Msg {
		return refreshMessageMsg{GoToBottom: goToBottom}
	}
}

func (m *model) submit() tea.Cmd {
	_, err := m.controller.StartTurn(m.ctx, m.textArea.Value())
	if err != nil {
		if errors.Is(err, session.ErrEmptyUtterance) {
			return nil
		}
		return func() tea.Msg { return errMsg(err) }
	}

	m.state = StateStreamCompletion
	m.toolStatus = ""
	m.textArea.SetValue("")
	m.textArea.Blur()
	m.updateKeyBindings()

	return tea.Batch(refreshCmd(true), m.spinner.Tick)
}

// finishTurn returns the model to the input state. The log already holds
// the settled utterance, so there is nothing to flush.
func (m *model) finishTurn() {
	if m.state != StateStreamCompletion {
		return
	}
	m.state = StateUserInput
	m.toolStatus = ""
	m.textArea.Focus()
	m.updateKeyBindings()
}

func (m *model) setError(err error) {
	m.err = err
	m.state = StateError
	m.updateKeyBindings()
}

func (m *model) updateKeyBindings() {
	m.keyMap.SubmitMessage.SetEnabled(m.state == StateUserInput)
	m.keyMap.InsertNewline.SetEnabled(m.state == StateUserInput)
	m.keyMap.ResetChat.SetEnabled(m.state == StateUserInput)
	m.keyMap.CancelCompletion.SetEnabled(m.state == StateStreamCompletion)
	m.keyMap.DismissError.SetEnabled(m.state == StateError)
	m.keyMap.ScrollUp.SetEnabled(true)
	m.keyMap.ScrollDown.SetEnabled(true)
	m.keyMap.Quit.SetEnabled(true)
}

func (m *model) recomputeSize() {
	headerHeight := lipgloss.Height(m.headerView())
	bottomHeight := lipgloss.Height(m.bottomView())
	helpHeight := lipgloss.Height(m.help.View(m.keyMap))

	newHeight := m.height - headerHeight - bottomHeight - helpHeight
	if newHeight < 0 {
		newHeight = 0
	}
	m.viewport.Width = m.width
	m.viewport.Height = newHeight
	m.viewport.YPosition = headerHeight + 1

	w, _ := m.style.InputBox.GetFrameSize()
	m.textArea.SetWidth(m.width - w)

	m.viewport.SetContent(m.messageView())
	m.viewport.GotoBottom()
}

func (m model) headerView() string {
	return m.style.Header.Render("CRICKET AT YOUR SERVICE:")
}

func (m model) messageView() string {
	return renderConversation(m.controller.Log().Snapshot(), m.style, m.width)
}

func (m model) bottomView() string {
	if m.err != nil {
		w, _ := m.style.ErrorBox.GetFrameSize()
		errWidth := m.width - w
		if errWidth < 20 {
			errWidth = 20
		}
		v := wordwrap.String(m.err.Error(), errWidth)
		return m.style.ErrorBox.Render(v)
	}

	if m.state == StateStreamCompletion {
		status := m.toolStatus
		if status == "" {
			status = "thinking"
		}
		return m.style.StatusLine.Render(m.spinner.View() + " " + status)
	}

	return m.style.InputBox.Render(m.textArea.View())
}

func (m model) View() string {
	return m.headerView() + "\n" + m.viewport.View() + "\n" + m.bottomView() + "\n" + m.help.View(m.keyMap)
}
