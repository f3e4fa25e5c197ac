package session

// Package session owns the turn lifecycle: one controller per conversation,
// at most one active turn, a single pump goroutine per turn folding the
// transport's canonical events into the conversation log.

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/cricket/pkg/conversation"
	"github.com/go-go-golems/cricket/pkg/events"
	"github.com/go-go-golems/cricket/pkg/transport"
)

var (
	ErrControllerNil  = errors.New("controller is nil")
	ErrTransportNil   = errors.New("controller has no transport")
	ErrTurnActive     = errors.New("a turn is already active")
	ErrNoActiveTurn   = errors.New("no active turn")
	ErrEmptyUtterance = errors.New("utterance is empty")
)

// Controller drives turns for one conversation.
//
// It owns:
// - a stable SessionID
// - the conversation log (single-writer: only the controller mutates it)
// - the invariant that only one turn is active at a time
type Controller struct {
	SessionID string

	log          *conversation.Log
	transport    transport.Transport
	systemPrompt string
	sinks        []events.EventSink

	mu     sync.Mutex
	active *TurnHandle
}

type ControllerOption func(*Controller)

func WithSessionID(id string) ControllerOption {
	return func(c *Controller) {
		c.SessionID = id
	}
}

func WithLog(l *conversation.Log) ControllerOption {
	return func(c *Controller) {
		c.log = l
	}
}

// WithSystemPrompt sets the system prompt prepended to every outbound
// history. The prompt is used as-is; render templates before passing it.
func WithSystemPrompt(prompt string) ControllerOption {
	return func(c *Controller) {
		c.systemPrompt = prompt
	}
}

// WithSink registers a sink that receives every accepted canonical event of
// every turn, including terminal events.
func WithSink(sink events.EventSink) ControllerOption {
	return func(c *Controller) {
		c.sinks = append(c.sinks, sink)
	}
}

func NewController(t transport.Transport, options ...ControllerOption) *Controller {
	ret := &Controller{
		SessionID: uuid.NewString(),
		transport: t,
	}
	for _, option := range options {
		option(ret)
	}
	if ret.log == nil {
		ret.log = conversation.NewLog()
	}
	return ret
}

func (c *Controller) Log() *conversation.Log {
	return c.log
}

// History returns the flat transcript that would be sent with the next
// turn, system prompt included.
func (c *Controller) History() []conversation.HistoryEntry {
	return c.log.History(c.systemPrompt)
}

// IsRunning reports whether the controller currently has an active turn.
func (c *Controller) IsRunning() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil && c.active.IsRunning()
}

// State reports the controller's current turn state, TurnStateIdle when no
// turn is active.
func (c *Controller) State() TurnState {
	if c == nil {
		return TurnStateIdle
	}
	c.mu.Lock()
	h := c.active
	c.mu.Unlock()
	if h == nil || !h.IsRunning() {
		return TurnStateIdle
	}
	return h.State()
}

// StartTurn submits a user utterance and starts streaming the assistant's
// response. It appends the user utterance, re-expresses the full exchange
// as a flat history, opens the transport stream, and spawns the turn's
// event pump. The returned handle can be cancelled and waited on.
//
// If the transport cannot be opened the user utterance stays in the log
// (it was submitted) and the error is returned for a retry affordance.
func (c *Controller) StartTurn(ctx context.Context, text string) (*TurnHandle, error) {
	if c == nil {
		return nil, ErrControllerNil
	}
	if c.transport == nil {
		return nil, ErrTransportNil
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyUtterance
	}
	if ctx == nil {
		ctx = context.Background()
	}

	turnID := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	handle := newTurnHandle(c.SessionID, turnID, cancel)

	c.mu.Lock()
	if c.active != nil && c.active.IsRunning() {
		c.mu.Unlock()
		cancel()
		return nil, ErrTurnActive
	}
	c.active = handle
	c.mu.Unlock()

	if err := c.log.AppendUser(conversation.NewUserUtterance(text)); err != nil {
		c.abortStart(handle, err)
		return nil, err
	}

	history := c.log.History(c.systemPrompt)

	ch, err := c.transport.Open(runCtx, &transport.Request{
		SessionID: c.SessionID,
		TurnID:    turnID,
		History:   history,
	})
	if err != nil {
		err = errors.Wrap(err, "could not open stream")
		c.abortStart(handle, err)
		return nil, err
	}

	log.Debug().
		Str("session_id", c.SessionID).
		Str("turn_id", turnID).
		Int("history_entries", len(history)).
		Msg("turn started")

	go c.pump(handle, ch)

	return handle, nil
}

// CancelActive cancels the current active turn, if any. Cancellation is
// synchronous: when it returns, still-open invocations carry the cancelled
// marker, the in-flight utterance is finalized, and a new turn may start
// immediately. The pump keeps draining the aborted stream in the
// background; its writes are inert.
func (c *Controller) CancelActive() error {
	if c == nil {
		return ErrControllerNil
	}
	c.mu.Lock()
	h := c.active
	c.mu.Unlock()
	if h == nil || !h.IsRunning() {
		return ErrNoActiveTurn
	}
	h.Cancel()
	c.settle(h, TurnStateCancelled, nil)
	c.detach(h)
	return nil
}

// ResetChat clears the conversation. Only valid while no turn is active.
func (c *Controller) ResetChat() error {
	if c == nil {
		return ErrControllerNil
	}
	c.mu.Lock()
	if c.active != nil && c.active.IsRunning() {
		c.mu.Unlock()
		return ErrTurnActive
	}
	c.mu.Unlock()
	return c.log.Reset()
}

// pump consumes one turn's event stream. It runs until the transport
// closes the channel; everything after a settle or cancellation is drained
// but inert.
func (c *Controller) pump(h *TurnHandle, ch <-chan events.Event) {
	defer func() {
		c.detach(h)
		h.finish()
	}()

	var current *conversation.Utterance
	sawTerminal := false

	for ev := range ch {
		if h.Latched() || h.isSettled() {
			continue
		}
		c.forward(ev)

		switch ev.Kind() {
		case events.EventKindDone:
			sawTerminal = true
			c.settle(h, TurnStateCompleted, nil)

		case events.EventKindError:
			sawTerminal = true
			cause := errors.New("transport error")
			if e, ok := ev.(*events.EventError); ok {
				cause = errors.New(e.ErrorString)
			}
			c.settle(h, TurnStateFailed, cause)

		default:
			current = c.applyContent(h, current, ev)
		}
	}

	if sawTerminal {
		return
	}
	if h.Latched() {
		// the cancel path normally settles before we get here; this covers
		// a bare handle.Cancel without CancelActive
		c.settle(h, TurnStateCancelled, nil)
		return
	}
	ev := events.NewErrorEvent(c.eventMetadata(h), transport.ErrStreamClosed)
	c.forward(ev)
	c.settle(h, TurnStateFailed, transport.ErrStreamClosed)
}

// applyContent folds one content event into the in-flight utterance and
// writes the replacement back to the log. The first content event
// materializes the assistant shell.
func (c *Controller) applyContent(h *TurnHandle, current *conversation.Utterance, ev events.Event) *conversation.Utterance {
	if current == nil {
		current = c.registerShell(h)
		if current == nil {
			return nil
		}
		h.setState(TurnStateStreaming)
	}

	next, err := conversation.Apply(current, ev)
	if err != nil {
		log.Warn().Err(err).
			Str("turn_id", h.TurnID).
			Str("kind", string(ev.Kind())).
			Msg("dropping event")
		return current
	}
	if err := c.log.ReplaceInFlight(h.TurnID, next); err != nil {
		log.Warn().Err(err).Str("turn_id", h.TurnID).Msg("dropping stale write")
		return current
	}
	return next
}

func (c *Controller) registerShell(h *TurnHandle) *conversation.Utterance {
	shell := conversation.NewAssistantUtterance()
	if err := c.log.StartTurn(h.TurnID, shell); err != nil {
		log.Warn().Err(err).Str("turn_id", h.TurnID).Msg("could not register assistant shell")
		return nil
	}
	h.markShell()
	return shell
}

// settle freezes the turn's conversation state exactly once and records
// the outcome on the handle.
//
// Completed and cancelled turns always leave an assistant utterance, a
// content-free one gains the empty text segment. A turn that failed before
// its shell was materialized leaves none; the error is the affordance.
func (c *Controller) settle(h *TurnHandle, state TurnState, cause error) {
	if !h.beginSettle() {
		return
	}

	var out *conversation.Utterance
	var err error

	switch state {
	case TurnStateCompleted:
		if !h.hasShell() {
			c.registerShell(h)
		}
		out, err = c.log.FinalizeInFlight(h.TurnID)

	case TurnStateCancelled:
		if !h.hasShell() {
			c.registerShell(h)
		}
		out, err = c.log.CancelInFlight(h.TurnID)

	case TurnStateFailed:
		if h.hasShell() {
			out, err = c.log.FinalizeInFlight(h.TurnID)
		}

	default:
		err = errors.Errorf("cannot settle turn into state %s", state)
	}

	if err != nil {
		log.Warn().Err(err).Str("turn_id", h.TurnID).Str("state", string(state)).Msg("could not settle turn")
	}

	h.completeSettle(state, out, cause)
	log.Debug().
		Str("turn_id", h.TurnID).
		Str("state", string(state)).
		Err(cause).
		Msg("turn settled")
}

func (c *Controller) forward(ev events.Event) {
	for _, sink := range c.sinks {
		if err := sink.PublishEvent(ev); err != nil {
			log.Warn().Err(err).Msg("could not publish event to sink")
		}
	}
}

func (c *Controller) detach(h *TurnHandle) {
	c.mu.Lock()
	if c.active == h {
		c.active = nil
	}
	c.mu.Unlock()
}

func (c *Controller) abortStart(h *TurnHandle, err error) {
	c.detach(h)
	if h.beginSettle() {
		h.completeSettle(TurnStateFailed, nil, err)
	}
	h.finish()
}

func (c *Controller) eventMetadata(h *TurnHandle) events.EventMetadata {
	return events.EventMetadata{
		ID:        uuid.New(),
		SessionID: c.SessionID,
		TurnID:    h.TurnID,
	}
}
