package service

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition rejects a readiness change the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

// State is the service readiness state.
type State string

const (
	StateStarting     State = "starting"
	StateLoadingModel State = "loading_model"
	StateReady        State = "ready"
	StateDegraded     State = "degraded"
	StateUnavailable  State = "unavailable"
)

// AllStates lists every state, in lifecycle order.
var AllStates = []State{StateStarting, StateLoadingModel, StateReady, StateDegraded, StateUnavailable}

var transitions = map[State][]State{
	StateStarting:     {StateLoadingModel},
	StateLoadingModel: {StateReady, StateUnavailable},
	StateReady:        {StateDegraded, StateUnavailable, StateLoadingModel},
	StateDegraded:     {StateUnavailable, StateLoadingModel},
	StateUnavailable:  {StateLoadingModel},
}

// CanTransition reports whether from -> to is allowed.
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
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Scoring reports whether requests are accepted in s.
func (s State) Scoring() bool { return s == StateReady || s == StateDegraded }
