package events

// EventSink represents a destination for canonical stream events.
// Implementations can publish events to different backends like watermill,
// logging systems, or test recorders.
type EventSink interface {
	// PublishEvent publishes an event to the sink.
	// Returns an error if the event could not be published.
	PublishEvent(event Event) error
}

// NullSink is a no-op EventSink implementation that discards all events.
type NullSink struct{}

// NewNullSink creates a new NullSink instance.
func NewNullSink() *NullSink {
	return &NullSink{}
}

// PublishEvent discards the event and always returns nil.
func (n *NullSink) PublishEvent(event Event) error {
	return nil
}

var _ EventSink = (*NullSink)(nil)
