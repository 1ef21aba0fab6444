package circuitbreaker

// State is the circuit's admission mode
type State int

const (
	// StateClosed admits every call
	StateClosed State = iota

	// StateOpen rejects calls until the cooldown elapses
	StateOpen

	// StateHalfOpen admits a single trial call
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalJSON emits the state name, so breaker metrics read as
// "open"/"closed" in the admin API instead of bare integers
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}
