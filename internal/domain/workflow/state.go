package workflow

// State represents an invoice status in the processing lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateOCR       State = "ocr"
	StateDescribed State = "described"
	StateApproved  State = "approved"
	StateBooked    State = "booked"
	StateRejected  State = "rejected"
)

var validStates = map[State]bool{
	StatePending:   true,
	StateOCR:       true,
	StateDescribed: true,
	StateApproved:  true,
	StateBooked:    true,
	StateRejected:  true,
}

var terminalStates = map[State]bool{
	StateBooked:   true,
	StateRejected: true,
}

// IsTerminal returns true if the state is terminal (no further transitions allowed).
func (s State) IsTerminal() bool {
	return terminalStates[s]
}

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsValid returns true if the state is a valid invoice status.
func (s State) IsValid() bool {
	return validStates[s]
}
