package protocol

// State is the lifecycle position of one transfer engine
type State int

const (
	StateHolding State = iota
	StateTransmitting
	StateReceiving
	StateDone
	StateFailed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateHolding:
		return "Holding"
	case StateTransmitting:
		return "Transmitting"
	case StateReceiving:
		return "Receiving"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transitions can happen
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}
