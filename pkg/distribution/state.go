package distribution

// State is a step of one PollOnce call.
//
//	Idle -> Requesting(1.2) -> [Downgrading -> Requesting(1.1)] -> Accumulating -> Done | Exhausted
//
// Downgrading is entered at most once, and only on a fault classified as
// an unsupported SOAP version.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateDowngrading
	StateAccumulating
	StateDone
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateDowngrading:
		return "downgrading"
	case StateAccumulating:
		return "accumulating"
	case StateDone:
		return "done"
	case StateExhausted:
		return "exhausted"
	}
	return "unknown"
}

// Terminal reports whether s ends a call.
func (s State) Terminal() bool {
	return s == StateDone || s == StateExhausted
}
