package pairing

// Phase is the coordinator's view of one address.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseBonding
	PhaseRetryWait
	PhaseBonded
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseBonding:
		return "BONDING"
	case PhaseRetryWait:
		return "RETRY_WAIT"
	case PhaseBonded:
		return "BONDED"
	}
	return "UNKNOWN"
}

var phaseTransitions = map[Phase][]Phase{
	PhaseIdle:      {PhaseBonding, PhaseBonded},
	PhaseBonding:   {PhaseBonded, PhaseRetryWait, PhaseIdle},
	PhaseRetryWait: {PhaseBonding, PhaseIdle},
	PhaseBonded:    {PhaseIdle},
}

func canTransition(from, to Phase) bool {
	for _, p := range phaseTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}
