package dagsync

import "sync/atomic"

// State captures the lifecycle of the sync orchestrator:
// Idle → Syncing → Validating → (Idle | Error).
type State uint32

const (
	// Idle: no sync pass in flight.
	Idle State = iota
	// Syncing: collecting peer tips and computing the missing set.
	Syncing
	// Validating: sessions are open and responses are being validated.
	Validating
	// Error: the last pass closed with unresolved gaps.
	Error
)

// String implements the Stringer interface.
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Syncing:
		return "Syncing"
	case Validating:
		return "Validating"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// syncState holds the manager's State with atomic access, so the background
// monitor, inbound response handling and sync passes observe it consistently.
type syncState struct {
	state State
}

func (s *syncState) getState() State {
	stateAddr := (*uint32)(&s.state)
	return State(atomic.LoadUint32(stateAddr))
}

func (s *syncState) setState(state State) {
	stateAddr := (*uint32)(&s.state)
	atomic.StoreUint32(stateAddr, uint32(state))
}

// casState transitions from an expected state and reports whether it won.
func (s *syncState) casState(from, to State) bool {
	stateAddr := (*uint32)(&s.state)
	return atomic.CompareAndSwapUint32(stateAddr, uint32(from), uint32(to))
}
