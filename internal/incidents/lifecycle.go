package incidents

import (
	"fmt"

	"github.com/bissquit/incident-desk/internal/domain"
)

// Action is a caller-level operation on an existing incident.
type Action string

// Lifecycle actions.
const (
	ActionResolve           Action = "resolve"
	ActionDelete            Action = "delete"
	ActionRevert            Action = "revert"
	ActionModifyDescription Action = "modify_description"
	ActionModifyResolution  Action = "modify_resolution"
)

// Transition is a legal state change: Action moves an incident from From to To.
type Transition struct {
	Action Action
	From   domain.State
	To     domain.State
}

// Transitions is the complete lifecycle. Any action/state pair not listed
// here is rejected with ErrInvalidState. Deleted is terminal.
var Transitions = []Transition{
	{Action: ActionResolve, From: domain.StatePending, To: domain.StateResolved},
	{Action: ActionDelete, From: domain.StatePending, To: domain.StateDeleted},
	{Action: ActionRevert, From: domain.StateResolved, To: domain.StatePending},
	{Action: ActionModifyDescription, From: domain.StatePending, To: domain.StatePending},
	{Action: ActionModifyResolution, From: domain.StateResolved, To: domain.StateResolved},
}

// NextState returns the state an incident in state from ends up in after
// action, or ErrInvalidState.
func NextState(action Action, from domain.State) (domain.State, error) {
	for _, t := range Transitions {
		if t.Action == action && t.From == from {
			return t.To, nil
		}
	}
	return "", fmt.Errorf("%w: cannot %s a %s incident", ErrInvalidState, action, from)
}

// Allowed reports whether action is legal for an incident in state from.
func Allowed(action Action, from domain.State) bool {
	_, err := NextState(action, from)
	return err == nil
}
