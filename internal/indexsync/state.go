package indexsync

// State is a step in the life of one lifecycle message
type State string

const (
	StateReceived     State = "received"
	StateParsed       State = "parsed"
	StateApplied      State = "applied"
	StateAcknowledged State = "acknowledged"
	StateRetried      State = "retried"
	StateDeadLettered State = "dead_lettered"
	// StateAbandoned returns the message to the queue for another delivery
	StateAbandoned State = "abandoned"
)

// Final reports whether no further transition follows s for this delivery
func (s State) Final() bool {
	return s == StateAcknowledged || s == StateDeadLettered || s == StateAbandoned
}

// Outcome is how a single delivery was settled
type Outcome struct {
	State    State
	Reason   string
	Attempts int
}
