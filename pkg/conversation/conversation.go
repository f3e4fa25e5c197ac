package conversation

// Package conversation implements the streaming-turn reconstruction model:
// utterances made of ordered segments (text runs and tool invocations), the
// pure fold that accumulates canonical stream events into the in-flight
// utterance, and the append-only Log that holds the reconstructed
// conversation for rendering.

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleSystem and RoleTool only appear in the flat history re-expression
	// sent to transports, never on utterances.
	RoleSystem Role = "system"
	RoleTool   Role = "tool"
)

// InvocationState tracks a tool invocation through its lifecycle. A result
// is only ever present in the Completed and Cancelled states.
type InvocationState string

const (
	InvocationAnnounced InvocationState = "announced"
	InvocationCompleted InvocationState = "completed"
	InvocationCancelled InvocationState = "cancelled"
)

// CancelledResult is the distinguished result payload attached to
// invocations that were still open when their turn was cancelled. It is
// user-visible and distinct from any normal tool result.
var CancelledResult = json.RawMessage(`{"cancelled":true}`)

// IsCancelledResult reports whether a result payload is the cancellation
// marker rather than a real tool result.
func IsCancelledResult(result json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(result), CancelledResult)
}

// ToolInvocation is one announced tool call within a turn. Exactly one
// invocation exists per correlation id within a turn. Arguments and Result
// are opaque structured values; nothing in this package branches on their
// shape.
type ToolInvocation struct {
	ID        string          `json:"correlationId"`
	Name      string          `json:"toolName"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	State     InvocationState `json:"state"`
	Result    json.RawMessage `json:"result,omitempty"`
}

func (ti ToolInvocation) Clone() ToolInvocation {
	ret := ti
	ret.Arguments = cloneRaw(ti.Arguments)
	ret.Result = cloneRaw(ti.Result)
	return ret
}

// Segment is one ordered piece of an utterance: either a text run or a tool
// invocation. Ordering within an utterance is append-only and significant,
// it reconstructs presentation order including interleavings of prose and
// tool calls within one turn.
type Segment interface {
	isSegment()
	Clone() Segment
}

type TextSegment struct {
	Text string `json:"text"`
}

func (s *TextSegment) isSegment() {}

func (s *TextSegment) Clone() Segment {
	c := *s
	return &c
}

type ToolInvocationSegment struct {
	Invocation ToolInvocation `json:"invocation"`
}

func (s *ToolInvocationSegment) isSegment() {}

func (s *ToolInvocationSegment) Clone() Segment {
	return &ToolInvocationSegment{Invocation: s.Invocation.Clone()}
}

var _ Segment = (*TextSegment)(nil)
var _ Segment = (*ToolInvocationSegment)(nil)

// Utterance is one logical message from one participant. User utterances
// are created final on submission. Assistant utterances are mutated only by
// replacement (see Apply) while their turn is in flight, and become final
// on finalize or cancel.
type Utterance struct {
	ID        uuid.UUID
	Role      Role
	Segments  []Segment
	CreatedAt time.Time

	final bool
}

// NewUserUtterance creates an immutable user utterance with a single text
// segment.
func NewUserUtterance(text string) *Utterance {
	return &Utterance{
		ID:        uuid.New(),
		Role:      RoleUser,
		Segments:  []Segment{&TextSegment{Text: text}},
		CreatedAt: time.Now(),
		final:     true,
	}
}

// NewAssistantUtterance creates the empty in-flight shell for a starting
// turn.
func NewAssistantUtterance() *Utterance {
	return &Utterance{
		ID:        uuid.New(),
		Role:      RoleAssistant,
		CreatedAt: time.Now(),
	}
}

// Final reports whether the utterance is frozen. Final utterances are never
// mutated again, not even by stale residual events from an aborted turn.
func (u *Utterance) Final() bool {
	return u.final
}

// Text concatenates the utterance's text segments in order.
func (u *Utterance) Text() string {
	var b bytes.Buffer
	for _, s := range u.Segments {
		if ts, ok := s.(*TextSegment); ok {
			b.WriteString(ts.Text)
		}
	}
	return b.String()
}

// Invocations returns the tool invocations of the utterance in segment
// order.
func (u *Utterance) Invocations() []ToolInvocation {
	var ret []ToolInvocation
	for _, s := range u.Segments {
		if tis, ok := s.(*ToolInvocationSegment); ok {
			ret = append(ret, tis.Invocation.Clone())
		}
	}
	return ret
}

func (u *Utterance) Clone() *Utterance {
	if u == nil {
		return nil
	}
	ret := &Utterance{
		ID:        u.ID,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
		final:     u.final,
	}
	if u.Segments != nil {
		ret.Segments = make([]Segment, len(u.Segments))
		for i, s := range u.Segments {
			ret.Segments[i] = s.Clone()
		}
	}
	return ret
}

// findInvocation scans the whole utterance for the invocation segment with
// the given correlation id. Lookups scan every segment because tool results
// may arrive after interleaved text.
func (u *Utterance) findInvocation(id string) *ToolInvocationSegment {
	if u == nil {
		return nil
	}
	for _, s := range u.Segments {
		if tis, ok := s.(*ToolInvocationSegment); ok && tis.Invocation.ID == id {
			return tis
		}
	}
	return nil
}

// Conversation is an ordered sequence of utterances; insertion order is
// presentation order.
type Conversation []*Utterance

func (c Conversation) Clone() Conversation {
	if c == nil {
		return nil
	}
	ret := make(Conversation, len(c))
	for i, u := range c {
		ret[i] = u.Clone()
	}
	return ret
}

type segmentEnvelope struct {
	Type       string          `json:"type"`
	Text       *string         `json:"text,omitempty"`
	Invocation *ToolInvocation `json:"invocation,omitempty"`
}

const (
	segmentTypeText           = "text"
	segmentTypeToolInvocation = "tool_invocation"
)

type utteranceJSON struct {
	ID        uuid.UUID         `json:"id"`
	Role      Role              `json:"role"`
	CreatedAt time.Time         `json:"created_at"`
	Final     bool              `json:"final"`
	Segments  []segmentEnvelope `json:"segments"`
}

func (u *Utterance) MarshalJSON() ([]byte, error) {
	out := utteranceJSON{
		ID:        u.ID,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
		Final:     u.final,
		Segments:  make([]segmentEnvelope, 0, len(u.Segments)),
	}
	for _, s := range u.Segments {
		switch seg := s.(type) {
		case *TextSegment:
			text := seg.Text
			out.Segments = append(out.Segments, segmentEnvelope{Type: segmentTypeText, Text: &text})
		case *ToolInvocationSegment:
			inv := seg.Invocation.Clone()
			out.Segments = append(out.Segments, segmentEnvelope{Type: segmentTypeToolInvocation, Invocation: &inv})
		default:
			return nil, errors.Errorf("unknown segment type %T", s)
		}
	}
	return json.Marshal(out)
}

func (u *Utterance) UnmarshalJSON(b []byte) error {
	var in utteranceJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	u.ID = in.ID
	u.Role = in.Role
	u.CreatedAt = in.CreatedAt
	u.final = in.Final
	u.Segments = nil
	for _, env := range in.Segments {
		switch env.Type {
		case segmentTypeText:
			text := ""
			if env.Text != nil {
				text = *env.Text
			}
			u.Segments = append(u.Segments, &TextSegment{Text: text})
		case segmentTypeToolInvocation:
			if env.Invocation == nil {
				return errors.New("tool_invocation segment without invocation")
			}
			u.Segments = append(u.Segments, &ToolInvocationSegment{Invocation: env.Invocation.Clone()})
		default:
			return errors.Errorf("unknown segment type %q", env.Type)
		}
	}
	return nil
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	ret := make(json.RawMessage, len(b))
	copy(ret, b)
	return ret
}
