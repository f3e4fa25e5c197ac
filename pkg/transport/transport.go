package transport

// Package transport defines the backend collaborator contract: a transport
// turns one stateless request (the full flattened exchange) into a stream
// of canonical events. Each implementation owns its wire framing and maps
// it onto events internally; nothing downstream sees transport frames.

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/cricket/pkg/conversation"
	"github.com/go-go-golems/cricket/pkg/events"
)

// ErrStreamClosed reports a stream that ended without a terminal done or
// error event. A terminal event is part of the transport contract; its
// absence is a transport failure.
var ErrStreamClosed = errors.New("stream closed without terminal event")

// Request is one backend call. Transports are stateless per call: the full
// prior exchange travels with every request.
type Request struct {
	SessionID string
	TurnID    string
	History   []conversation.HistoryEntry
}

// EventMetadata builds fresh metadata for one event of this request.
func (r *Request) EventMetadata() events.EventMetadata {
	return events.EventMetadata{
		ID:        uuid.New(),
		SessionID: r.SessionID,
		TurnID:    r.TurnID,
	}
}

// Transport produces the canonical event stream for one turn.
type Transport interface {
	// Open starts the backend call and returns the turn's event channel.
	// Events arrive in stream order; the channel is closed after a terminal
	// done or error event. Cancelling ctx stops production and releases the
	// call's resources; the channel is still closed.
	Open(ctx context.Context, req *Request) (<-chan events.Event, error)
}
