package openaichat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/pkg/errors"
	go_openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/cricket/pkg/conversation"
	"github.com/go-go-golems/cricket/pkg/events"
	"github.com/go-go-golems/cricket/pkg/tools"
	"github.com/go-go-golems/cricket/pkg/transport"
)

type requestLog struct {
	mu       sync.Mutex
	requests []go_openai.ChatCompletionRequest
}

func (rl *requestLog) add(req go_openai.ChatCompletionRequest) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.requests = append(rl.requests, req)
	return len(rl.requests) - 1
}

func (rl *requestLog) count() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.requests)
}

func (rl *requestLog) get(i int) go_openai.ChatCompletionRequest {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.requests[i]
}

// completionServer fakes the chat completions endpoint: request i is
// answered by streaming scripts[i], requests past the script fail.
func completionServer(t *testing.T, scripts [][]string, options ...Option) (*Transport, *requestLog) {
	t.Helper()

	rl := &requestLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req go_openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		i := rl.add(req)
		if i >= len(scripts) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeChunks(w, scripts[i])
	}))
	t.Cleanup(srv.Close)

	options = append([]Option{WithBaseURL(srv.URL + "/v1"), WithModel("gpt-4o-mini")}, options...)
	return New("test-key", options...), rl
}

func writeChunks(w http.ResponseWriter, chunks []string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for _, chunk := range chunks {
		_, _ = io.WriteString(w, "data: "+chunk+"\n\n")
		if flusher != nil {
			flusher.Flush()
		}
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func deltaChunk(t *testing.T, delta map[string]any) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":      "chunk",
		"object":  "chat.completion.chunk",
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{"index": 0, "delta": delta}},
	})
	require.NoError(t, err)
	return string(b)
}

func textChunk(t *testing.T, text string) string {
	return deltaChunk(t, map[string]any{"content": text})
}

func toolChunk(t *testing.T, index int, id, name, arguments string) string {
	call := map[string]any{
		"index":    index,
		"function": map[string]any{"name": name, "arguments": arguments},
	}
	if id != "" {
		call["id"] = id
		call["type"] = "function"
	}
	return deltaChunk(t, map[string]any{"tool_calls": []any{call}})
}

func chatReq() *transport.Request {
	return &transport.Request{
		SessionID: "sess-1",
		TurnID:    "turn-1",
		History: []conversation.HistoryEntry{
			{Role: conversation.RoleSystem, Content: "You are a research agent."},
			{Role: conversation.RoleUser, Content: "Tell me about the Go language."},
		},
	}
}

func collect(t *testing.T, tr *Transport) []events.Event {
	t.Helper()

	ch, err := tr.Open(context.Background(), chatReq())
	require.NoError(t, err)

	var ret []events.Event
	for ev := range ch {
		ret = append(ret, ev)
	}
	return ret
}

type echoInput struct {
	Message string `json:"message"`
	Fail    bool   `json:"fail,omitempty"`
}

func echoRegistry(t *testing.T) tools.Registry {
	t.Helper()

	registry := tools.NewInMemoryRegistry()
	err := registry.RegisterFunc("echo", "Echo a message back.", func(in echoInput) (map[string]string, error) {
		if in.Fail {
			return nil, errors.New("echo exploded")
		}
		return map[string]string{"echo": in.Message}, nil
	})
	require.NoError(t, err)
	return registry
}

func TestTransport_Open_StreamsTextAndDone(t *testing.T) {
	tr, rl := completionServer(t, [][]string{{
		textChunk(t, "Go is "),
		textChunk(t, "a language."),
	}})

	received := collect(t, tr)
	require.Len(t, received, 3)

	first, ok := received[0].(*events.EventTextDelta)
	require.True(t, ok)
	assert.Equal(t, "Go is ", first.Text)
	assert.Equal(t, "gpt-4o-mini", first.Metadata().Model)
	assert.Equal(t, "turn-1", first.Metadata().TurnID)

	second, ok := received[1].(*events.EventTextDelta)
	require.True(t, ok)
	assert.Equal(t, "a language.", second.Text)
	assert.Equal(t, events.EventKindDone, received[2].Kind())

	require.Equal(t, 1, rl.count())
	sent := rl.get(0)
	assert.Equal(t, "gpt-4o-mini", sent.Model)
	assert.True(t, sent.Stream)
	assert.InDelta(t, 0.6, float64(sent.Temperature), 0.01)
	require.Len(t, sent.Messages, 2)
	assert.Equal(t, "system", sent.Messages[0].Role)
	assert.Equal(t, "You are a research agent.", sent.Messages[0].Content)
	assert.Equal(t, "user", sent.Messages[1].Role)
	assert.Empty(t, sent.Tools)
}

func TestTransport_Open_RunsToolLoop(t *testing.T) {
	tr, rl := completionServer(t, [][]string{
		{
			toolChunk(t, 0, "call_1", "echo", ""),
			toolChunk(t, 0, "", "", `{"message":`),
			toolChunk(t, 0, "", "", ` "hi"}`),
		},
		{
			textChunk(t, "The tool said hi."),
		},
	}, WithTools(echoRegistry(t), tools.DefaultConfig()))

	received := collect(t, tr)
	require.Len(t, received, 4)

	call, ok := received[0].(*events.EventToolCall)
	require.True(t, ok)
	assert.Equal(t, "call_1", call.ID)
	assert.Equal(t, "echo", call.Name)
	assert.JSONEq(t, `{"message": "hi"}`, string(call.Arguments))

	result, ok := received[1].(*events.EventToolResult)
	require.True(t, ok)
	assert.Equal(t, "call_1", result.ID)
	assert.JSONEq(t, `{"echo": "hi"}`, string(result.Result))

	text, ok := received[2].(*events.EventTextDelta)
	require.True(t, ok)
	assert.Equal(t, "The tool said hi.", text.Text)
	assert.Equal(t, events.EventKindDone, received[3].Kind())

	require.Equal(t, 2, rl.count())

	first := rl.get(0)
	require.Len(t, first.Tools, 1)
	require.NotNil(t, first.Tools[0].Function)
	assert.Equal(t, "echo", first.Tools[0].Function.Name)
	assert.Equal(t, "auto", first.ToolChoice)
	params, err := json.Marshal(first.Tools[0].Function.Parameters)
	require.NoError(t, err)
	assert.Contains(t, string(params), "message")

	followup := rl.get(1)
	require.Len(t, followup.Messages, 4)
	asst := followup.Messages[2]
	assert.Equal(t, "assistant", asst.Role)
	require.Len(t, asst.ToolCalls, 1)
	assert.Equal(t, "call_1", asst.ToolCalls[0].ID)
	assert.JSONEq(t, `{"message": "hi"}`, asst.ToolCalls[0].Function.Arguments)

	toolMsg := followup.Messages[3]
	assert.Equal(t, "tool", toolMsg.Role)
	assert.Equal(t, "call_1", toolMsg.ToolCallID)
	assert.JSONEq(t, `{"echo": "hi"}`, toolMsg.Content)
}

func TestTransport_Open_ToolFailureBecomesResultPayload(t *testing.T) {
	tr, rl := completionServer(t, [][]string{
		{toolChunk(t, 0, "call_1", "echo", `{"message": "hi", "fail": true}`)},
		{textChunk(t, "That did not work.")},
	}, WithTools(echoRegistry(t), tools.DefaultConfig()))

	received := collect(t, tr)
	require.Len(t, received, 4)

	result, ok := received[1].(*events.EventToolResult)
	require.True(t, ok)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(result.Result, &payload))
	assert.Contains(t, payload["error"], "echo exploded")
	assert.Equal(t, events.EventKindDone, received[3].Kind())

	followup := rl.get(1)
	require.Len(t, followup.Messages, 4)
	assert.Contains(t, followup.Messages[3].Content, "echo exploded")
}

func TestTransport_Open_IterationCapSettlesTurn(t *testing.T) {
	tr, rl := completionServer(t, [][]string{
		{toolChunk(t, 0, "call_1", "echo", `{"message": "one"}`)},
		{toolChunk(t, 0, "call_2", "echo", `{"message": "two"}`)},
	}, WithTools(echoRegistry(t), tools.DefaultConfig().WithMaxIterations(2)))

	received := collect(t, tr)
	require.Len(t, received, 5)
	assert.Equal(t, events.EventKindToolCall, received[0].Kind())
	assert.Equal(t, events.EventKindToolResult, received[1].Kind())
	assert.Equal(t, events.EventKindToolCall, received[2].Kind())
	assert.Equal(t, events.EventKindToolResult, received[3].Kind())
	assert.Equal(t, events.EventKindDone, received[4].Kind())
	assert.Equal(t, 2, rl.count())
}

func TestTransport_Open_APIFailureBecomesErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error": {"message": "rate limited", "type": "rate_limit_exceeded"}}`)
	}))
	t.Cleanup(srv.Close)

	tr := New("test-key", WithBaseURL(srv.URL+"/v1"))
	received := collect(t, tr)

	require.Len(t, received, 1)
	errEvent, ok := received[0].(*events.EventError)
	require.True(t, ok)
	assert.Contains(t, errEvent.ErrorString, "rate limited")
}

func TestTransport_Open_ContextCancellationEndsStream(t *testing.T) {
	partial := "data: " + textChunk(t, "partial") + "\n\n"
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, partial)
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	tr := New("test-key", WithBaseURL(srv.URL+"/v1"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := tr.Open(ctx, chatReq())
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, events.EventKindTextDelta, first.Kind())
	cancel()

	var last events.Event
	for ev := range ch {
		last = ev
	}
	require.NotNil(t, last)
	assert.Equal(t, events.EventKindError, last.Kind())
}

func TestMakeMessages_CarriesToolExchanges(t *testing.T) {
	history := []conversation.HistoryEntry{
		{Role: conversation.RoleUser, Content: "look this up"},
		{Role: conversation.RoleAssistant, ToolCalls: []events.ToolCall{{
			ID:        "call_1",
			Name:      "wikipedia_search",
			Arguments: json.RawMessage(`{"query": "Go"}`),
		}}},
		{Role: conversation.RoleTool, ToolCallID: "call_1", Content: `{"results": []}`},
		{Role: conversation.RoleAssistant, Content: "Nothing found."},
	}

	messages := makeMessages(history)
	require.Len(t, messages, 4)
	assert.Equal(t, "user", messages[0].Role)
	require.Len(t, messages[1].ToolCalls, 1)
	assert.Equal(t, go_openai.ToolTypeFunction, messages[1].ToolCalls[0].Type)
	assert.Equal(t, "wikipedia_search", messages[1].ToolCalls[0].Function.Name)
	assert.Equal(t, `{"query": "Go"}`, messages[1].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "call_1", messages[2].ToolCallID)
	assert.Equal(t, "Nothing found.", messages[3].Content)
}

func TestArgumentsJSON(t *testing.T) {
	assert.Equal(t, `{"query": "Go"}`, string(argumentsJSON(`{"query": "Go"}`)))
	assert.Equal(t, `{}`, string(argumentsJSON("")))
	assert.Equal(t, `{}`, string(argumentsJSON("   ")))
	assert.Equal(t, `"{\"query\": "`, string(argumentsJSON(`{"query": `)))
}
