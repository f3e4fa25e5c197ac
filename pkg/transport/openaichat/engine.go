package openaichat

// Package openaichat runs the research agent loop client-side against any
// endpoint speaking the OpenAI chat completion protocol. Each turn streams
// completions, executes announced tool calls locally and feeds the results
// back until the model stops calling tools or the iteration cap is hit.

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/cricket/pkg/conversation"
	"github.com/go-go-golems/cricket/pkg/events"
	"github.com/go-go-golems/cricket/pkg/tools"
	"github.com/go-go-golems/cricket/pkg/transport"
)

const (
	defaultModel       = "gpt-4o-mini"
	defaultTemperature = 0.6
)

type Transport struct {
	client      *go_openai.Client
	baseURL     string
	model       string
	temperature float32
	registry    tools.Registry
	config      tools.Config
	executor    *tools.Executor
}

type Option func(*Transport)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(baseURL string) Option {
	return func(t *Transport) {
		t.baseURL = baseURL
	}
}

func WithModel(model string) Option {
	return func(t *Transport) {
		t.model = model
	}
}

func WithTemperature(temperature float32) Option {
	return func(t *Transport) {
		t.temperature = temperature
	}
}

// WithTools makes the registry's allowed tools available to the model.
func WithTools(registry tools.Registry, config tools.Config) Option {
	return func(t *Transport) {
		t.registry = registry
		t.config = config
	}
}

func New(apiKey string, options ...Option) *Transport {
	ret := &Transport{
		model:       defaultModel,
		temperature: defaultTemperature,
	}
	for _, option := range options {
		option(ret)
	}
	if ret.registry == nil {
		ret.registry = tools.NewInMemoryRegistry()
	}

	clientConfig := go_openai.DefaultConfig(apiKey)
	if ret.baseURL != "" {
		clientConfig.BaseURL = ret.baseURL
	}
	ret.client = go_openai.NewClientWithConfig(clientConfig)
	ret.executor = tools.NewExecutor(ret.config)
	return ret
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Open(ctx context.Context, req *transport.Request) (<-chan events.Event, error) {
	ch := make(chan events.Event)
	go t.run(ctx, req, ch)
	return ch, nil
}

// run is the agent loop: one iteration per completion call.
func (t *Transport) run(ctx context.Context, req *transport.Request, ch chan<- events.Event) {
	defer close(ch)

	messages := makeMessages(req.History)
	requestTools := t.requestTools()

	if promptTokens, err := conversation.EstimateTokens(req.History, t.model); err == nil {
		log.Debug().
			Str("turn_id", req.TurnID).
			Str("model", t.model).
			Int("prompt_tokens", promptTokens).
			Msg("starting agent loop")
	}

	maxIterations := t.config.MaxIterations
	if maxIterations <= 0 {
		maxIterations = tools.DefaultConfig().MaxIterations
	}

	for iteration := 0; iteration < maxIterations; iteration++ {
		text, calls, err := t.stream(ctx, req, messages, requestTools, ch)
		if err != nil {
			log.Debug().Err(err).Str("turn_id", req.TurnID).Int("iteration", iteration).Msg("completion failed")
			ch <- events.NewErrorEvent(t.metadata(req), err)
			return
		}

		if len(calls) == 0 {
			ch <- events.NewDoneEvent(t.metadata(req))
			return
		}

		messages = append(messages, go_openai.ChatCompletionMessage{
			Role:      go_openai.ChatMessageRoleAssistant,
			Content:   text,
			ToolCalls: calls,
		})

		announced := make([]events.ToolCall, 0, len(calls))
		for _, call := range calls {
			tc := events.ToolCall{
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: argumentsJSON(call.Function.Arguments),
			}
			announced = append(announced, tc)
			ch <- events.NewToolCallEvent(t.metadata(req), tc)
		}

		for _, tc := range announced {
			result := t.executor.Execute(ctx, t.registry, tc)
			ch <- events.NewToolResultEvent(t.metadata(req), events.ToolResult{ID: tc.ID, Result: result})

			messages = append(messages, go_openai.ChatCompletionMessage{
				Role:       go_openai.ChatMessageRoleTool,
				Content:    string(result),
				ToolCallID: tc.ID,
			})
		}
	}

	log.Warn().
		Str("turn_id", req.TurnID).
		Int("max_iterations", maxIterations).
		Msg("tool loop reached iteration cap, settling turn")
	ch <- events.NewDoneEvent(t.metadata(req))
}

// stream performs one completion call, forwarding text deltas onto ch and
// collecting tool-call fragments until the stream completes.
func (t *Transport) stream(
	ctx context.Context,
	req *transport.Request,
	messages []go_openai.ChatCompletionMessage,
	requestTools []go_openai.Tool,
	ch chan<- events.Event,
) (string, []go_openai.ToolCall, error) {
	completionReq := go_openai.ChatCompletionRequest{
		Model:       t.model,
		Messages:    messages,
		Temperature: t.temperature,
		Stream:      true,
	}
	if len(requestTools) > 0 {
		completionReq.Tools = requestTools
		completionReq.ToolChoice = "auto"
	}

	stream, err := t.client.CreateChatCompletionStream(ctx, completionReq)
	if err != nil {
		return "", nil, errors.Wrap(err, "could not open completion stream")
	}
	defer func() {
		_ = stream.Close()
	}()

	message := ""
	merger := NewToolCallMerger()

	for {
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()

		default:
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return message, merger.GetToolCalls(), nil
			}
			if err != nil {
				return "", nil, errors.Wrap(err, "completion stream failed")
			}
			if len(response.Choices) == 0 {
				continue
			}

			choice := response.Choices[0]
			if choice.Delta.Content != "" {
				message += choice.Delta.Content
				ch <- events.NewTextDeltaEvent(t.metadata(req), choice.Delta.Content)
			}
			if len(choice.Delta.ToolCalls) > 0 {
				merger.AddToolCalls(choice.Delta.ToolCalls)
			}
		}
	}
}

func (t *Transport) metadata(req *transport.Request) events.EventMetadata {
	meta := req.EventMetadata()
	meta.Model = t.model
	return meta
}

func (t *Transport) requestTools() []go_openai.Tool {
	if !t.config.Enabled {
		return nil
	}

	var ret []go_openai.Tool
	for _, def := range t.config.FilterTools(t.registry.List()) {
		ret = append(ret, go_openai.Tool{
			Type: go_openai.ToolTypeFunction,
			Function: &go_openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return ret
}

func makeMessages(history []conversation.HistoryEntry) []go_openai.ChatCompletionMessage {
	ret := make([]go_openai.ChatCompletionMessage, 0, len(history))
	for _, entry := range history {
		msg := go_openai.ChatCompletionMessage{
			Role:       string(entry.Role),
			Content:    entry.Content,
			ToolCallID: entry.ToolCallID,
		}
		for _, tc := range entry.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, go_openai.ToolCall{
				ID:   tc.ID,
				Type: go_openai.ToolTypeFunction,
				Function: go_openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		ret = append(ret, msg)
	}
	return ret
}

// argumentsJSON carries streamed argument text as structured JSON. Models
// occasionally emit truncated or invalid argument text; wrapping it as a
// string literal keeps the event well-formed and lets schema validation
// produce the error payload the model gets to see.
func argumentsJSON(s string) json.RawMessage {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	b, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
