package events

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventMetadata travels with every canonical event so that subscribers can
// correlate events back to the session and turn that produced them.
type EventMetadata struct {
	ID uuid.UUID `json:"event_id" yaml:"event_id" mapstructure:"event_id"`
	// Correlation identifiers
	SessionID string `json:"session_id,omitempty" yaml:"session_id,omitempty" mapstructure:"session_id"`
	TurnID    string `json:"turn_id,omitempty" yaml:"turn_id,omitempty" mapstructure:"turn_id"`
	// Model that produced the event, when the transport knows it
	Model string `json:"model,omitempty" yaml:"model,omitempty" mapstructure:"model"`
	// Extra carries transport-specific values
	Extra map[string]interface{} `json:"extra,omitempty" yaml:"extra,omitempty" mapstructure:"extra"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("event_id", em.ID.String())
	if em.SessionID != "" {
		e.Str("session_id", em.SessionID)
	}
	if em.TurnID != "" {
		e.Str("turn_id", em.TurnID)
	}
	if em.Model != "" {
		e.Str("model", em.Model)
	}
	if len(em.Extra) > 0 {
		e.Dict("extra", zerolog.Dict().Fields(em.Extra))
	}
}
