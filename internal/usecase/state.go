package usecase

import "fmt"

// State is a step of the per-turn dialogue state machine.
type State string

const (
	StateReceiving               State = "RECEIVING"
	StateClassifying             State = "CLASSIFYING"
	StateEscalationCheckPre      State = "ESCALATION_CHECK_PRE"
	StateRetrievingOrDispatching State = "RETRIEVING_OR_DISPATCHING"
	StateGenerating              State = "GENERATING"
	StateEscalationCheckPost     State = "ESCALATION_CHECK_POST"
	StateResponding              State = "RESPONDING"
	StateEscalated               State = "ESCALATED"
	StateClosed                  State = "CLOSED"
)

// transitions lists every legal edge. CLASSIFYING goes straight to
// ESCALATED when a human already owns the session.
var transitions = map[State][]State{
	StateReceiving:               {StateClassifying},
	StateClassifying:             {StateEscalationCheckPre, StateEscalated},
	StateEscalationCheckPre:      {StateEscalated, StateRetrievingOrDispatching},
	StateRetrievingOrDispatching: {StateGenerating},
	StateGenerating:              {StateEscalationCheckPost},
	StateEscalationCheckPost:     {StateEscalated, StateResponding},
	StateResponding:              {StateReceiving, StateClosed},
	StateEscalated:               {StateReceiving, StateClosed},
	StateClosed:                  nil,
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("usecase: illegal transition %s -> %s", from, to)
	}
	return nil
}

// replies reports whether the turn ends in s with a reply to the customer.
func (s State) replies() bool {
	return s == StateResponding || s == StateEscalated
}
