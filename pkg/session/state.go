package session

// TurnState is the lifecycle state of a turn as seen by the controller.
type TurnState string

const (
	TurnStateIdle               TurnState = "idle"
	TurnStateAwaitingFirstEvent TurnState = "awaiting_first_event"
	TurnStateStreaming          TurnState = "streaming"
	TurnStateFinalizing         TurnState = "finalizing"
	TurnStateCompleted          TurnState = "completed"
	TurnStateCancelled          TurnState = "cancelled"
	TurnStateFailed             TurnState = "failed"
)

// Terminal reports whether a turn in this state is over.
func (s TurnState) Terminal() bool {
	switch s {
	case TurnStateCompleted, TurnStateCancelled, TurnStateFailed:
		return true
	default:
		return false
	}
}
