package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/cricket/pkg/conversation"
	"github.com/go-go-golems/cricket/pkg/events"
	"github.com/go-go-golems/cricket/pkg/transport"
)

type fakeTransport struct {
	open func(ctx context.Context, req *transport.Request) (<-chan events.Event, error)
}

func (t fakeTransport) Open(ctx context.Context, req *transport.Request) (<-chan events.Event, error) {
	return t.open(ctx, req)
}

// scripted returns a transport that replays the given events and closes the
// stream, stopping early when the turn context is cancelled.
func scripted(evs ...events.Event) transport.Transport {
	return fakeTransport{open: func(ctx context.Context, req *transport.Request) (<-chan events.Event, error) {
		ch := make(chan events.Event)
		go func() {
			defer close(ch)
			for _, ev := range evs {
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
		}()
		return ch, nil
	}}
}

type captureSink struct {
	mu  sync.Mutex
	evs []events.Event
}

func (s *captureSink) PublishEvent(ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evs = append(s.evs, ev)
	return nil
}

func (s *captureSink) kinds() []events.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ret []events.EventKind
	for _, ev := range s.evs {
		ret = append(ret, ev.Kind())
	}
	return ret
}

func TestController_StartTurn_StreamsTextIntoLog(t *testing.T) {
	c := NewController(scripted(textEv("Hel"), textEv("lo"), doneEv()))

	h, err := c.StartTurn(context.Background(), "hi")
	require.NoError(t, err)

	out, err := h.Wait()
	require.NoError(t, err)
	require.NotNil(t, out)
	require.True(t, out.Final())
	require.Equal(t, "Hello", out.Text())
	require.Equal(t, TurnStateCompleted, h.State())

	utterances := c.Log().Utterances()
	require.Len(t, utterances, 2)
	require.Equal(t, conversation.RoleUser, utterances[0].Role)
	require.Equal(t, conversation.RoleAssistant, utterances[1].Role)
	require.Equal(t, TurnStateIdle, c.State())
}

func TestController_StartTurn_EmptyTerminalTurn(t *testing.T) {
	c := NewController(scripted(doneEv()))

	h, err := c.StartTurn(context.Background(), "hi")
	require.NoError(t, err)

	out, err := h.Wait()
	require.NoError(t, err)
	require.True(t, out.Final())
	require.Len(t, out.Segments, 1)
	require.Equal(t, "", out.Text())
}

func TestController_StartTurn_RejectsEmptyText(t *testing.T) {
	c := NewController(scripted(doneEv()))

	_, err := c.StartTurn(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyUtterance)
	require.Equal(t, 0, c.Log().Len())
}

func TestController_StartTurn_OnlyOneActive(t *testing.T) {
	release := make(chan struct{})
	tr := fakeTransport{open: func(ctx context.Context, req *transport.Request) (<-chan events.Event, error) {
		ch := make(chan events.Event)
		go func() {
			defer close(ch)
			<-release
			select {
			case ch <- doneEv():
			case <-ctx.Done():
			}
		}()
		return ch, nil
	}}
	c := NewController(tr)

	h1, err := c.StartTurn(context.Background(), "first")
	require.NoError(t, err)

	_, err = c.StartTurn(context.Background(), "second")
	require.ErrorIs(t, err, ErrTurnActive)
	require.Equal(t, 1, c.Log().Len())

	close(release)
	_, err = h1.Wait()
	require.NoError(t, err)
}

func TestController_StateTransitions(t *testing.T) {
	firstEvent := make(chan struct{})
	release := make(chan struct{})
	tr := fakeTransport{open: func(ctx context.Context, req *transport.Request) (<-chan events.Event, error) {
		ch := make(chan events.Event)
		go func() {
			defer close(ch)
			<-firstEvent
			ch <- textEv("hello")
			<-release
			ch <- doneEv()
		}()
		return ch, nil
	}}

	snapshots := make(chan conversation.Snapshot, 16)
	l := conversation.NewLog(conversation.WithObserver(func(s conversation.Snapshot) {
		snapshots <- s
	}))
	c := NewController(tr, WithLog(l))

	h, err := c.StartTurn(context.Background(), "hi")
	require.NoError(t, err)
	require.Equal(t, TurnStateAwaitingFirstEvent, c.State())

	close(firstEvent)
	waitForSnapshot(t, snapshots, func(s conversation.Snapshot) bool {
		return len(s.Utterances) == 2 && s.Utterances[1].Text() == "hello"
	})
	require.Equal(t, TurnStateStreaming, c.State())
	require.True(t, c.IsRunning())

	close(release)
	_, err = h.Wait()
	require.NoError(t, err)
	require.Equal(t, TurnStateIdle, c.State())
	require.False(t, c.IsRunning())
}

func TestController_CancelActive_IsSynchronous(t *testing.T) {
	tr := fakeTransport{open: func(ctx context.Context, req *transport.Request) (<-chan events.Event, error) {
		ch := make(chan events.Event)
		go func() {
			defer close(ch)
			ch <- textEv("partial")
			ch <- toolCallEv("call-1", "search_wikipedia", `{"query":"x"}`)
			<-ctx.Done()
		}()
		return ch, nil
	}}

	snapshots := make(chan conversation.Snapshot, 16)
	l := conversation.NewLog(conversation.WithObserver(func(s conversation.Snapshot) {
		snapshots <- s
	}))
	c := NewController(tr, WithLog(l))

	h, err := c.StartTurn(context.Background(), "look it up")
	require.NoError(t, err)

	waitForSnapshot(t, snapshots, func(s conversation.Snapshot) bool {
		return len(s.Utterances) == 2 && len(s.Utterances[1].Invocations()) == 1
	})

	require.NoError(t, c.CancelActive())

	// settled before Wait: the cancel path mutates the log inline
	utterances := c.Log().Utterances()
	require.True(t, utterances[1].Final())
	require.Equal(t, "partial", utterances[1].Text())
	invocations := utterances[1].Invocations()
	require.Len(t, invocations, 1)
	require.Equal(t, conversation.InvocationCancelled, invocations[0].State)
	require.True(t, conversation.IsCancelledResult(invocations[0].Result))
	require.Equal(t, TurnStateCancelled, h.State())

	out, err := h.Wait()
	require.NoError(t, err)
	require.Equal(t, conversation.InvocationCancelled, out.Invocations()[0].State)
}

func TestController_CancelActive_IgnoresStrayEvents(t *testing.T) {
	proceed := make(chan struct{})
	tr := fakeTransport{open: func(ctx context.Context, req *transport.Request) (<-chan events.Event, error) {
		ch := make(chan events.Event)
		go func() {
			defer close(ch)
			ch <- toolCallEv("call-1", "search_wikipedia", `{"query":"x"}`)
			<-ctx.Done()
			<-proceed
			ch <- toolResultEv("call-1", `{"late":true}`)
			ch <- doneEv()
		}()
		return ch, nil
	}}

	snapshots := make(chan conversation.Snapshot, 16)
	l := conversation.NewLog(conversation.WithObserver(func(s conversation.Snapshot) {
		snapshots <- s
	}))
	c := NewController(tr, WithLog(l))

	h, err := c.StartTurn(context.Background(), "look it up")
	require.NoError(t, err)

	waitForSnapshot(t, snapshots, func(s conversation.Snapshot) bool {
		return len(s.Utterances) == 2 && len(s.Utterances[1].Invocations()) == 1
	})

	require.NoError(t, c.CancelActive())
	close(proceed)

	out, err := h.Wait()
	require.NoError(t, err)
	require.Equal(t, TurnStateCancelled, h.State())

	// the stray result and done were drained but never applied
	invocations := out.Invocations()
	require.Len(t, invocations, 1)
	require.Equal(t, conversation.InvocationCancelled, invocations[0].State)
	require.True(t, conversation.IsCancelledResult(invocations[0].Result))
}

func TestController_CancelActive_AllowsImmediateNextTurn(t *testing.T) {
	tr := fakeTransport{open: func(ctx context.Context, req *transport.Request) (<-chan events.Event, error) {
		ch := make(chan events.Event)
		go func() {
			defer close(ch)
			if len(req.History) > 2 {
				// second turn
				select {
				case ch <- textEv("second answer"):
				case <-ctx.Done():
					return
				}
				select {
				case ch <- doneEv():
				case <-ctx.Done():
				}
				return
			}
			select {
			case ch <- textEv("first"):
			case <-ctx.Done():
				return
			}
			<-ctx.Done()
		}()
		return ch, nil
	}}

	snapshots := make(chan conversation.Snapshot, 16)
	l := conversation.NewLog(conversation.WithObserver(func(s conversation.Snapshot) {
		snapshots <- s
	}))
	c := NewController(tr, WithLog(l))

	_, err := c.StartTurn(context.Background(), "one")
	require.NoError(t, err)
	waitForSnapshot(t, snapshots, func(s conversation.Snapshot) bool {
		return len(s.Utterances) == 2 && s.Utterances[1].Text() == "first"
	})
	require.NoError(t, c.CancelActive())

	h2, err := c.StartTurn(context.Background(), "two")
	require.NoError(t, err)
	out, err := h2.Wait()
	require.NoError(t, err)
	require.Equal(t, "second answer", out.Text())
	require.Len(t, c.Log().Utterances(), 4)
}

func TestController_CancelActive_NoActiveTurn(t *testing.T) {
	c := NewController(scripted(doneEv()))
	require.ErrorIs(t, c.CancelActive(), ErrNoActiveTurn)
}

func TestController_TransportError_PreservesPartialContent(t *testing.T) {
	c := NewController(scripted(textEv("partial"), errorEv("upstream blew up")))

	h, err := c.StartTurn(context.Background(), "hi")
	require.NoError(t, err)

	out, err := h.Wait()
	require.Error(t, err)
	require.Contains(t, err.Error(), "upstream blew up")
	require.Equal(t, TurnStateFailed, h.State())

	require.NotNil(t, out)
	require.True(t, out.Final())
	require.Equal(t, "partial", out.Text())
	require.Equal(t, "partial", c.Log().Utterances()[1].Text())
}

func TestController_StreamClosureWithoutTerminalIsFailure(t *testing.T) {
	c := NewController(scripted(textEv("cut off")))

	h, err := c.StartTurn(context.Background(), "hi")
	require.NoError(t, err)

	out, err := h.Wait()
	require.ErrorIs(t, err, transport.ErrStreamClosed)
	require.Equal(t, TurnStateFailed, h.State())
	require.Equal(t, "cut off", out.Text())
}

func TestController_OpenFailure_KeepsUserUtterance(t *testing.T) {
	tr := fakeTransport{open: func(ctx context.Context, req *transport.Request) (<-chan events.Event, error) {
		return nil, errors.New("connection refused")
	}}
	c := NewController(tr)

	_, err := c.StartTurn(context.Background(), "hi")
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection refused")

	require.Equal(t, 1, c.Log().Len())
	require.Equal(t, TurnStateIdle, c.State())
}

func TestController_ResetChat(t *testing.T) {
	c := NewController(scripted(textEv("hello"), doneEv()))

	h, err := c.StartTurn(context.Background(), "hi")
	require.NoError(t, err)
	_, err = h.Wait()
	require.NoError(t, err)

	require.NoError(t, c.ResetChat())
	require.Equal(t, 0, c.Log().Len())
}

func TestController_ResetChat_RejectedWhileActive(t *testing.T) {
	release := make(chan struct{})
	tr := fakeTransport{open: func(ctx context.Context, req *transport.Request) (<-chan events.Event, error) {
		ch := make(chan events.Event)
		go func() {
			defer close(ch)
			<-release
			ch <- doneEv()
		}()
		return ch, nil
	}}
	c := NewController(tr)

	h, err := c.StartTurn(context.Background(), "hi")
	require.NoError(t, err)
	require.ErrorIs(t, c.ResetChat(), ErrTurnActive)

	close(release)
	_, _ = h.Wait()
}

func TestController_ForwardsEventsToSinks(t *testing.T) {
	sink := &captureSink{}
	c := NewController(
		scripted(textEv("a"), toolCallEv("call-1", "search_wikipedia", `{}`), toolResultEv("call-1", `{}`), doneEv()),
		WithSink(events.NewNullSink()),
		WithSink(sink),
	)

	h, err := c.StartTurn(context.Background(), "hi")
	require.NoError(t, err)
	_, err = h.Wait()
	require.NoError(t, err)

	require.Equal(t, []events.EventKind{
		events.EventKindTextDelta,
		events.EventKindToolCall,
		events.EventKindToolResult,
		events.EventKindDone,
	}, sink.kinds())
}

func TestController_HistoryCarriesSystemPrompt(t *testing.T) {
	var seen []conversation.HistoryEntry
	tr := fakeTransport{open: func(ctx context.Context, req *transport.Request) (<-chan events.Event, error) {
		seen = req.History
		return scripted(doneEv()).Open(ctx, req)
	}}
	c := NewController(tr, WithSystemPrompt("stay factual"))

	h, err := c.StartTurn(context.Background(), "hi")
	require.NoError(t, err)
	_, err = h.Wait()
	require.NoError(t, err)

	require.Len(t, seen, 2)
	require.Equal(t, conversation.RoleSystem, seen[0].Role)
	require.Equal(t, "stay factual", seen[0].Content)
	require.Equal(t, conversation.RoleUser, seen[1].Role)
}

func TestTurnHandle_WaitNil(t *testing.T) {
	_, err := (*TurnHandle)(nil).Wait()
	require.ErrorIs(t, err, ErrTurnHandleNil)
}

func TestTurnHandle_CancelIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newTurnHandle("sess-x", "turn-x", cancel)
	h.Cancel()
	h.Cancel()

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("expected ctx cancellation")
	}
	require.True(t, h.Latched())
}

func waitForSnapshot(t *testing.T, ch <-chan conversation.Snapshot, pred func(conversation.Snapshot) bool) conversation.Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if pred(s) {
				return s
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
		}
	}
}

func textEv(text string) events.Event {
	return events.NewTextDeltaEvent(events.EventMetadata{}, text)
}

func toolCallEv(id string, name string, args string) events.Event {
	return events.NewToolCallEvent(events.EventMetadata{}, events.ToolCall{
		ID:        id,
		Name:      name,
		Arguments: json.RawMessage(args),
	})
}

func toolResultEv(id string, result string) events.Event {
	return events.NewToolResultEvent(events.EventMetadata{}, events.ToolResult{
		ID:     id,
		Result: json.RawMessage(result),
	})
}

func doneEv() events.Event {
	return events.NewDoneEvent(events.EventMetadata{})
}

func errorEv(msg string) events.Event {
	return events.NewErrorEvent(events.EventMetadata{}, errors.New(msg))
}
