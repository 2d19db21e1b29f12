// Package workflow defines the file lifecycle and the single transition
// table every state change is validated against.
package workflow

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a tracked file.
type State string

const (
	StateDetected         State = "detected"
	StateValidated        State = "validated"
	StateQueued           State = "queued"
	StateTransferring     State = "transferring"
	StateTransferred      State = "transferred"
	StateColoristAssigned State = "colorist_assigned"
	StateInProgress       State = "in_progress"
	StateDeliveredToMAM   State = "delivered_to_mam"
	StateArchived         State = "archived"
	StateRejected         State = "rejected"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateDetected,
	StateValidated,
	StateQueued,
	StateTransferring,
	StateTransferred,
	StateColoristAssigned,
	StateInProgress,
	StateDeliveredToMAM,
	StateArchived,
	StateRejected,
}

// Action is an operator or automation request against a file.
type Action string

const (
	ActionValidate         Action = "validate"
	ActionQueue            Action = "queue"
	ActionStartTransfer    Action = "start-transfer"
	ActionCompleteTransfer Action = "complete-transfer"
	ActionAssign           Action = "assign"
	ActionStartWork        Action = "start"
	ActionDeliver          Action = "deliver"
	ActionArchive          Action = "archive"
	ActionReject           Action = "reject"
)

// ErrInvalidTransition is wrapped by every TransitionError.
var ErrInvalidTransition = errors.New("invalid transition")

// TransitionError reports an action that is not allowed from the current state.
type TransitionError struct {
	Action Action
	From   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("file cannot %s in state %s", e.Action, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

type rule struct {
	from  map[State]bool
	to    State
	label string
}

// transitions is the complete state x action table. Reject is absent on
// purpose: it is allowed from any non-terminal state and handled in Apply.
var transitions = map[Action]rule{
	ActionValidate:         {from: set(StateDetected), to: StateValidated, label: "File validated and locked"},
	ActionQueue:            {from: set(StateValidated), to: StateQueued, label: "File queued for transfer"},
	ActionStartTransfer:    {from: set(StateQueued), to: StateTransferring, label: "Transfer started"},
	ActionCompleteTransfer: {from: set(StateTransferring), to: StateTransferred, label: "Transfer completed"},
	ActionAssign:           {from: set(StateValidated, StateTransferred), to: StateColoristAssigned, label: "Assigned to colorist"},
	ActionStartWork:        {from: set(StateColoristAssigned), to: StateInProgress, label: "Color work started"},
	ActionDeliver:          {from: set(StateInProgress), to: StateDeliveredToMAM, label: "Delivered to MAM"},
	ActionArchive:          {from: set(StateDeliveredToMAM), to: StateArchived, label: "File archived"},
}

func set(states ...State) map[State]bool {
	m := make(map[State]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// Apply returns the state reached by performing action from state, or a
// *TransitionError when the table does not allow it.
func Apply(from State, action Action) (State, error) {
	if action == ActionReject {
		if from.Terminal() || !from.Valid() {
			return from, &TransitionError{Action: action, From: from}
		}
		return StateRejected, nil
	}

	r, ok := transitions[action]
	if !ok || !r.from[from] {
		return from, &TransitionError{Action: action, From: from}
	}
	return r.to, nil
}

// Label is the audit description recorded for a successful action.
func Label(action Action) string {
	if action == ActionReject {
		return "File rejected"
	}
	if r, ok := transitions[action]; ok {
		return r.label
	}
	return string(action)
}

// Locks reports whether reaching the target state sets the locked flag.
func Locks(to State) bool {
	return to == StateValidated
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateArchived || s == StateRejected
}

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// ParseState converts user input into a State.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown state %q", s)
	}
	return st, nil
}

// ParseAction converts a URL verb into an Action.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if a == ActionReject {
		return a, nil
	}
	if _, ok := transitions[a]; !ok {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}
