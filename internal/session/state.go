// ABOUTME: Connection lifecycle states and the transition table that guards them
// ABOUTME: Also computes the capped exponential reconnect delay

package session

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a state change is not in the table.
var ErrInvalidTransition = errors.New("invalid state transition")

// State is a session's connection lifecycle state.
type State string

// Lifecycle states.
const (
	StateUninitialized   State = "uninitialized"
	StateAwaitingPairing State = "awaiting_pairing"
	StateConnected       State = "connected"
	StateClosing         State = "closing"
	StateReconnecting    State = "reconnecting"
	StateLoggedOut       State = "logged_out"
	StateDeleted         State = "deleted"
)

// transitions lists the states reachable from each state. Deleted is terminal.
var transitions = map[State][]State{
	StateUninitialized:   {StateAwaitingPairing, StateReconnecting, StateLoggedOut, StateDeleted},
	StateAwaitingPairing: {StateConnected, StateClosing, StateDeleted},
	StateConnected:       {StateClosing, StateDeleted},
	StateClosing:         {StateReconnecting, StateLoggedOut, StateUninitialized, StateDeleted},
	StateReconnecting:    {StateConnected, StateAwaitingPairing, StateReconnecting, StateClosing, StateLoggedOut, StateDeleted},
	StateLoggedOut:       {StateUninitialized, StateDeleted},
}

// States returns every lifecycle state.
func States() []State {
	return []State{
		StateUninitialized,
		StateAwaitingPairing,
		StateConnected,
		StateClosing,
		StateReconnecting,
		StateLoggedOut,
		StateDeleted,
	}
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

// Live reports whether the session may still hold or be acquiring a connection.
func (s State) Live() bool {
	switch s {
	case StateAwaitingPairing, StateConnected, StateReconnecting:
		return true
	default:
		return false
	}
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ReconnectDelay returns min(base * 2^attempt, ceiling).
func ReconnectDelay(attempt int, base, ceiling time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if ceiling < base {
		ceiling = base
	}
	d := base
	for range attempt {
		if d > ceiling/2 {
			return ceiling
		}
		d *= 2
	}
	return d
}
