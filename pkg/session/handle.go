package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/go-go-golems/cricket/pkg/conversation"
)

var ErrTurnHandleNil = errors.New("turn handle is nil")

// TurnHandle represents a single in-flight turn.
//
// It is cancelable and waitable. The underlying transport call is always
// driven by context cancellation; the latch makes events racing a
// cancellation inert.
type TurnHandle struct {
	SessionID string
	TurnID    string

	done chan struct{}

	latch atomic.Bool

	mu      sync.Mutex
	state   TurnState
	cancel  context.CancelFunc
	settled bool
	shell   bool
	out     *conversation.Utterance
	err     error
}

func newTurnHandle(sessionID string, turnID string, cancel context.CancelFunc) *TurnHandle {
	return &TurnHandle{
		SessionID: sessionID,
		TurnID:    turnID,
		done:      make(chan struct{}),
		state:     TurnStateAwaitingFirstEvent,
		cancel:    cancel,
	}
}

// Cancel flips the cancellation latch and signals the transport. It is safe
// to call multiple times. Use Controller.CancelActive to also settle the
// conversation log synchronously.
func (h *TurnHandle) Cancel() {
	if h == nil {
		return
	}
	h.latch.Store(true)
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Latched reports whether the turn has been cancelled. Event handlers
// consult it before every application so events racing the cancellation
// are inert.
func (h *TurnHandle) Latched() bool {
	return h != nil && h.latch.Load()
}

// State returns the turn's current lifecycle state.
func (h *TurnHandle) State() TurnState {
	if h == nil {
		return TurnStateIdle
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Wait blocks until the turn's event stream is fully drained and returns
// the settled utterance and the turn's error. Cancelled turns return a nil
// error; the state distinguishes them.
func (h *TurnHandle) Wait() (*conversation.Utterance, error) {
	if h == nil {
		return nil, ErrTurnHandleNil
	}
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.out, h.err
}

// IsRunning reports whether the turn appears to still be running.
func (h *TurnHandle) IsRunning() bool {
	if h == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *TurnHandle) Err() error {
	if h == nil {
		return ErrTurnHandleNil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// setState moves the turn through its non-terminal states; once a settle
// has claimed the turn the state belongs to the settler.
func (h *TurnHandle) setState(s TurnState) {
	h.mu.Lock()
	if !h.settled {
		h.state = s
	}
	h.mu.Unlock()
}

// beginSettle claims the right to settle the turn. Exactly one caller wins;
// everyone else backs off.
func (h *TurnHandle) beginSettle() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.settled {
		return false
	}
	h.settled = true
	h.state = TurnStateFinalizing
	return true
}

// completeSettle records the turn's outcome; only the beginSettle winner
// calls it.
func (h *TurnHandle) completeSettle(state TurnState, out *conversation.Utterance, err error) {
	h.mu.Lock()
	h.state = state
	h.out = out
	h.err = err
	h.mu.Unlock()
}

func (h *TurnHandle) isSettled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.settled
}

func (h *TurnHandle) markShell() {
	h.mu.Lock()
	h.shell = true
	h.mu.Unlock()
}

func (h *TurnHandle) hasShell() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shell
}

// finish closes the handle's done channel and releases the turn context.
func (h *TurnHandle) finish() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	select {
	case <-h.done:
	default:
		close(h.done)
	}
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
