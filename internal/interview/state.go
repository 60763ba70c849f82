package interview

import "fmt"

type State string

const (
	StateScheduled  State = "scheduled"
	StateInProgress State = "in_progress"
	StatePostponed  State = "postponed"
	StateCancelled  State = "cancelled"
	StateCompleted  State = "completed"
)

func (s State) Valid() bool {
	switch s {
	case StateScheduled, StateInProgress, StatePostponed, StateCancelled, StateCompleted:
		return true
	}
	return false
}

// Terminal reports whether no further lifecycle transition can leave s.
func (s State) Terminal() bool {
	return s == StateCancelled || s == StateCompleted
}

type Event string

const (
	EventStart             Event = "start"
	EventCancel            Event = "cancel"
	EventPostponeImmediate Event = "postpone_immediate"
	EventPostponeAt        Event = "postpone_at"
	EventFinalize          Event = "finalize"
)

// Transition returns the state reached by applying ev in state from.
// Cancelling a cancelled session is legal and leaves it cancelled.
func Transition(from State, ev Event) (State, error) {
	switch from {
	case StateScheduled:
		switch ev {
		case EventStart:
			return StateInProgress, nil
		case EventCancel:
			return StateCancelled, nil
		case EventPostponeImmediate:
			return StateScheduled, nil
		case EventPostponeAt:
			return StatePostponed, nil
		}
	case StateInProgress:
		switch ev {
		case EventStart:
			return from, fmt.Errorf("%w: session is %s", ErrAlreadyStarted, from)
		case EventCancel:
			return StateCancelled, nil
		case EventPostponeImmediate:
			return StateScheduled, nil
		case EventPostponeAt:
			return StatePostponed, nil
		case EventFinalize:
			return StateCompleted, nil
		}
	case StatePostponed:
		switch ev {
		case EventStart:
			return StateInProgress, nil
		case EventPostponeImmediate:
			return StateScheduled, nil
		case EventPostponeAt:
			return StatePostponed, nil
		}
	case StateCancelled:
		if ev == EventCancel {
			return StateCancelled, nil
		}
	case StateCompleted:
		switch ev {
		case EventStart:
			return from, fmt.Errorf("%w: session is %s", ErrAlreadyStarted, from)
		case EventFinalize:
			return from, ErrAlreadyFinalized
		}
	}
	return from, fmt.Errorf("%w: %s from %s", ErrInvalidStateTransition, ev, from)
}
