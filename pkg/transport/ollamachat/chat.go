package ollamachat

// Package ollamachat streams text turns from a local ollama daemon. The
// chat endpoint speaks no tool protocol, so this transport covers plain
// conversations; tool entries in the history are elided.

import (
	"context"

	"github.com/jmorganca/ollama/api"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/cricket/pkg/conversation"
	"github.com/go-go-golems/cricket/pkg/events"
	"github.com/go-go-golems/cricket/pkg/transport"
)

const defaultModel = "llama2"

type Transport struct {
	client *api.Client
	model  string
}

type Option func(*Transport)

func WithModel(model string) Option {
	return func(t *Transport) {
		t.model = model
	}
}

func WithClient(client *api.Client) Option {
	return func(t *Transport) {
		t.client = client
	}
}

// New builds a transport talking to the daemon OLLAMA_HOST points at.
func New(options ...Option) (*Transport, error) {
	ret := &Transport{model: defaultModel}
	for _, option := range options {
		option(ret)
	}
	if ret.client == nil {
		client, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, errors.Wrap(err, "could not configure ollama client")
		}
		ret.client = client
	}
	return ret, nil
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Open(ctx context.Context, req *transport.Request) (<-chan events.Event, error) {
	ch := make(chan events.Event)
	go t.consume(ctx, req, ch)
	return ch, nil
}

func (t *Transport) consume(ctx context.Context, req *transport.Request, ch chan<- events.Event) {
	defer close(ch)

	stream := true
	chatReq := &api.ChatRequest{
		Model:    t.model,
		Messages: makeMessages(req.History),
		Stream:   &stream,
	}

	done := false
	err := t.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		if done {
			return nil
		}
		if resp.Message.Content != "" {
			ch <- events.NewTextDeltaEvent(t.metadata(req), resp.Message.Content)
		}
		if resp.Done {
			done = true
			ch <- events.NewDoneEvent(t.metadata(req))
		}
		return nil
	})
	if done {
		return
	}

	if err == nil {
		err = transport.ErrStreamClosed
	} else {
		log.Debug().Err(err).Str("turn_id", req.TurnID).Msg("ollama chat failed")
		err = errors.Wrap(err, "ollama chat failed")
	}
	ch <- events.NewErrorEvent(t.metadata(req), err)
}

func (t *Transport) metadata(req *transport.Request) events.EventMetadata {
	meta := req.EventMetadata()
	meta.Model = t.model
	return meta
}

// makeMessages keeps the plain chat portion of the history: tool entries
// and empty assistant shells are dropped.
func makeMessages(history []conversation.HistoryEntry) []api.Message {
	ret := make([]api.Message, 0, len(history))
	for _, entry := range history {
		if entry.Role == conversation.RoleTool || entry.Content == "" {
			continue
		}
		ret = append(ret, api.Message{
			Role:    string(entry.Role),
			Content: entry.Content,
		})
	}
	return ret
}
