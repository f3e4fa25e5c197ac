package sse

// Package sse streams turns from the research backend. The backend runs the
// agent loop server-side and frames its stream as SSE data lines; this
// transport maps each frame onto a canonical event and keeps the stream
// alive across bad frames.

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/cricket/pkg/conversation"
	"github.com/go-go-golems/cricket/pkg/events"
	"github.com/go-go-golems/cricket/pkg/transport"
)

const dataPrefix = "data: "

// scanBufferSize bounds one SSE line; tool results can carry whole page
// extracts.
const scanBufferSize = 10 * 1024 * 1024

type Transport struct {
	baseURL string
	model   string
	client  *http.Client
}

type Option func(*Transport)

func WithModel(model string) Option {
	return func(t *Transport) {
		t.model = model
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(t *Transport) {
		t.client = client
	}
}

func New(baseURL string, options ...Option) *Transport {
	ret := &Transport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  http.DefaultClient,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

var _ transport.Transport = (*Transport)(nil)

// wire shapes of the backend protocol

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	Error      bool   `json:"error,omitempty"`
}

type wireFrame struct {
	V  *string         `json:"v,omitempty"`
	TC *wireToolCall   `json:"tc,omitempty"`
	TR *wireToolResult `json:"tr,omitempty"`

	Type    string `json:"type,omitempty"`
	Content string `json:"content,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatRequest struct {
	Messages []wireMessage `json:"messages"`
	Model    string        `json:"model,omitempty"`
}

func (t *Transport) Open(ctx context.Context, req *transport.Request) (<-chan events.Event, error) {
	payload, err := json.Marshal(newChatRequest(req.History, t.model))
	if err != nil {
		return nil, errors.Wrap(err, "could not marshal chat request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "could not build chat request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "could not reach backend")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, errors.Errorf("backend returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	ch := make(chan events.Event)
	go t.consume(req, resp.Body, ch)
	return ch, nil
}

func (t *Transport) consume(req *transport.Request, body io.ReadCloser, ch chan<- events.Event) {
	defer close(ch)
	defer func(body io.ReadCloser) {
		_ = body.Close()
	}(body)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), scanBufferSize)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		data := strings.TrimPrefix(line, dataPrefix)
		if strings.TrimSpace(data) == "" {
			continue
		}

		var frame wireFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			log.Warn().Err(err).Str("turn_id", req.TurnID).Msg("dropping malformed frame")
			continue
		}

		ev, ok := t.mapFrame(req, &frame)
		if !ok {
			log.Warn().Str("turn_id", req.TurnID).Str("data", data).Msg("dropping unknown frame")
			continue
		}

		ch <- ev
		if ev.Kind() == events.EventKindDone || ev.Kind() == events.EventKindError {
			return
		}
	}

	err := scanner.Err()
	if err == nil {
		err = transport.ErrStreamClosed
	}
	ch <- events.NewErrorEvent(req.EventMetadata(), err)
}

// mapFrame maps one backend frame to a canonical event. Frames that carry
// neither a known key nor a known type are dropped by the caller.
func (t *Transport) mapFrame(req *transport.Request, frame *wireFrame) (events.Event, bool) {
	meta := req.EventMetadata()
	meta.Model = t.model

	switch {
	case frame.V != nil:
		return events.NewTextDeltaEvent(meta, *frame.V), true

	case frame.TC != nil:
		if frame.TC.ID == "" || frame.TC.Function.Name == "" {
			return nil, false
		}
		return events.NewToolCallEvent(meta, events.ToolCall{
			ID:        frame.TC.ID,
			Name:      frame.TC.Function.Name,
			Arguments: opaquePayload(frame.TC.Function.Arguments),
		}), true

	case frame.TR != nil:
		if frame.TR.ToolCallID == "" {
			return nil, false
		}
		result := opaquePayload(frame.TR.Content)
		if frame.TR.Error {
			if wrapped, err := json.Marshal(map[string]string{"error": frame.TR.Content}); err == nil {
				result = wrapped
			}
		}
		return events.NewToolResultEvent(meta, events.ToolResult{
			ID:     frame.TR.ToolCallID,
			Result: result,
		}), true

	case frame.Type == "error":
		msg := frame.Content
		if msg == "" {
			msg = "backend error"
		}
		return events.NewErrorEvent(meta, errors.New(msg)), true

	case frame.Type == "full_response":
		return events.NewDoneEvent(meta), true
	}

	return nil, false
}

// opaquePayload carries a backend string payload as structured JSON: the
// backend JSON-encodes tool arguments and results into strings, so a valid
// JSON text passes through untouched and anything else becomes a JSON
// string literal.
func opaquePayload(s string) json.RawMessage {
	trimmed := strings.TrimSpace(s)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	b, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`""`)
	}
	return b
}

func newChatRequest(history []conversation.HistoryEntry, model string) *chatRequest {
	ret := &chatRequest{
		Model:    model,
		Messages: make([]wireMessage, 0, len(history)),
	}
	for _, entry := range history {
		msg := wireMessage{
			Role:       string(entry.Role),
			Content:    entry.Content,
			ToolCallID: entry.ToolCallID,
		}
		for _, tc := range entry.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunction{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		ret.Messages = append(ret.Messages, msg)
	}
	return ret
}
