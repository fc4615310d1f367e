package vm

import "fmt"

// State is one lifecycle state of a microVM.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateFailed  State = "failed"
	StateStopped State = "stopped"
)

// legalTransitions is the full transition table. Stopped is terminal.
var legalTransitions = map[State][]State{
	StatePending: {StateRunning, StateFailed, StateStopped},
	StateRunning: {StateFailed, StateStopped},
	StateFailed:  {StateStopped},
	StateStopped: {},
}

// TransitionError reports a lifecycle transition outside the legal table.
type TransitionError struct {
	VMID string
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("vm %s: illegal state transition %s -> %s", e.VMID, e.From, e.To)
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// transition moves the instance to next, rejecting illegal moves. Callers
// must hold the instance via the manager's registry lock.
func (i *Instance) transition(next State) error {
	if !i.State.CanTransition(next) {
		return &TransitionError{VMID: i.ID, From: i.State, To: next}
	}
	i.State = next
	return nil
}
