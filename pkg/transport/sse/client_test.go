package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/cricket/pkg/conversation"
	"github.com/go-go-golems/cricket/pkg/events"
	"github.com/go-go-golems/cricket/pkg/transport"
)

func TestTransport_Open_MapsBackendFrames(t *testing.T) {
	srv := frameServer(t,
		`{"v": "The Go "}`,
		`{"v": "language"}`,
		`{"tc": {"id": "call-1", "type": "function", "function": {"name": "search_wikipedia", "arguments": "{\"query\": \"golang\"}"}}}`,
		`{"tr": {"tool_call_id": "call-1", "content": "{\"results\": [\"Go (programming language)\"]}"}}`,
		`{"full_response": [], "type": "full_response"}`,
	)

	evs := collect(t, New(srv.URL, WithModel("gpt-4o-mini")))
	require.Len(t, evs, 5)

	text, ok := evs[0].(*events.EventTextDelta)
	require.True(t, ok)
	assert.Equal(t, "The Go ", text.Text)
	assert.Equal(t, "gpt-4o-mini", text.Metadata().Model)

	tc, ok := evs[2].(*events.EventToolCall)
	require.True(t, ok)
	assert.Equal(t, "call-1", tc.ID)
	assert.Equal(t, "search_wikipedia", tc.Name)
	assert.JSONEq(t, `{"query": "golang"}`, string(tc.Arguments))

	tr, ok := evs[3].(*events.EventToolResult)
	require.True(t, ok)
	assert.Equal(t, "call-1", tr.ID)
	assert.JSONEq(t, `{"results": ["Go (programming language)"]}`, string(tr.Result))

	assert.Equal(t, events.EventKindDone, evs[4].Kind())
}

func TestTransport_Open_DropsGarbageFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, ": keepalive\n\n")
		writeFrames(w,
			`{"v": "ok"}`,
			`{not json`,
			`{"unknown_key": 42}`,
			`{"tc": {"id": "", "type": "function", "function": {"name": ""}}}`,
			`{"full_response": [], "type": "full_response"}`,
		)
	}))
	t.Cleanup(srv.Close)

	evs := collect(t, New(srv.URL))
	require.Len(t, evs, 2)
	assert.Equal(t, events.EventKindTextDelta, evs[0].Kind())
	assert.Equal(t, events.EventKindDone, evs[1].Kind())
}

func TestTransport_Open_ToolResultErrorIsWrapped(t *testing.T) {
	srv := frameServer(t,
		`{"tr": {"tool_call_id": "call-9", "content": "connection reset", "error": true}}`,
		`{"full_response": [], "type": "full_response"}`,
	)

	evs := collect(t, New(srv.URL))
	require.Len(t, evs, 2)

	tr, ok := evs[0].(*events.EventToolResult)
	require.True(t, ok)
	assert.JSONEq(t, `{"error": "connection reset"}`, string(tr.Result))
}

func TestTransport_Open_ErrorFrameEndsStream(t *testing.T) {
	srv := frameServer(t,
		`{"v": "partial"}`,
		`{"content": "rate limited", "type": "error"}`,
		`{"v": "never delivered"}`,
	)

	evs := collect(t, New(srv.URL))
	require.Len(t, evs, 2)

	errEv, ok := evs[1].(*events.EventError)
	require.True(t, ok)
	assert.Equal(t, "rate limited", errEv.ErrorString)
}

func TestTransport_Open_ClosureWithoutTerminalBecomesError(t *testing.T) {
	srv := frameServer(t, `{"v": "partial"}`)

	evs := collect(t, New(srv.URL))
	require.Len(t, evs, 2)

	errEv, ok := evs[1].(*events.EventError)
	require.True(t, ok)
	assert.Contains(t, errEv.ErrorString, "stream closed")
}

func TestTransport_Open_NonOKStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	_, err := New(srv.URL).Open(context.Background(), chatReq())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model unavailable")
}

func TestTransport_Open_SendsFlatHistory(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeFrames(w, `{"full_response": [], "type": "full_response"}`)
	}))
	t.Cleanup(srv.Close)

	history := []conversation.HistoryEntry{
		{Role: conversation.RoleSystem, Content: "be brief"},
		{Role: conversation.RoleUser, Content: "look up golang"},
		{
			Role: conversation.RoleAssistant,
			ToolCalls: []events.ToolCall{
				{ID: "call-1", Name: "search_wikipedia", Arguments: json.RawMessage(`{"query":"golang"}`)},
			},
		},
		{Role: conversation.RoleTool, ToolCallID: "call-1", Content: `{"results": []}`},
	}

	evs := collectHistory(t, New(srv.URL, WithModel("gpt-4o-mini")), history)
	require.Len(t, evs, 1)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)
	require.Len(t, got.Messages[2].ToolCalls, 1)
	assert.Equal(t, "call-1", got.Messages[2].ToolCalls[0].ID)
	assert.Equal(t, "function", got.Messages[2].ToolCalls[0].Type)
	assert.Equal(t, "search_wikipedia", got.Messages[2].ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"query": "golang"}`, got.Messages[2].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "tool", got.Messages[3].Role)
	assert.Equal(t, "call-1", got.Messages[3].ToolCallID)
}

func TestTransport_Open_ContextCancellationClosesStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, `{"v": "started"}`)
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := New(srv.URL).Open(ctx, chatReq())
	require.NoError(t, err)

	first := <-ch
	require.Equal(t, events.EventKindTextDelta, first.Kind())

	cancel()

	var last events.Event
	for ev := range ch {
		last = ev
	}
	require.NotNil(t, last)
	assert.Equal(t, events.EventKindError, last.Kind())
}

func TestOpaquePayload(t *testing.T) {
	assert.JSONEq(t, `{"query": "go"}`, string(opaquePayload(`{"query": "go"}`)))
	assert.Equal(t, `42`, string(opaquePayload(" 42 ")))
	assert.Equal(t, `"plain words"`, string(opaquePayload("plain words")))
	assert.Equal(t, `""`, string(opaquePayload("")))
}

func frameServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, frames...)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeFrames(w http.ResponseWriter, frames ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	for _, frame := range frames {
		_, _ = fmt.Fprintf(w, "data: %s\n\n", frame)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func chatReq() *transport.Request {
	return &transport.Request{
		SessionID: "session-1",
		TurnID:    "turn-1",
		History:   []conversation.HistoryEntry{{Role: conversation.RoleUser, Content: "hello"}},
	}
}

func collect(t *testing.T, tr *Transport) []events.Event {
	t.Helper()
	return collectHistory(t, tr, []conversation.HistoryEntry{{Role: conversation.RoleUser, Content: "hello"}})
}

func collectHistory(t *testing.T, tr *Transport, history []conversation.HistoryEntry) []events.Event {
	t.Helper()
	ch, err := tr.Open(context.Background(), &transport.Request{
		SessionID: "session-1",
		TurnID:    "turn-1",
		History:   history,
	})
	require.NoError(t, err)

	var ret []events.Event
	for ev := range ch {
		ret = append(ret, ev)
	}
	return ret
}
