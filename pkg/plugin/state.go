// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import "fmt"

// State is a plugin's lifecycle state.
type State uint8

// Lifecycle states.
const (
	StateUnloaded State = iota
	StateLoaded
	StateInitialized
	StateActive
	StateInactive
	StateError
	StateDisabled
)

var stateNames = [...]string{
	StateUnloaded:    "unloaded",
	StateLoaded:      "loaded",
	StateInitialized: "initialized",
	StateActive:      "active",
	StateInactive:    "inactive",
	StateError:       "error",
	StateDisabled:    "disabled",
}

// String returns the lowercase state name. Unrecognized states return "unknown".
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState parses a state name produced by String.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return StateUnloaded, fmt.Errorf("unknown plugin state %q", name)
}

// transitions lists the edges of the lifecycle machine. Error is reachable
// from every state and Disabled is handled by Runtime.SetDisabled.
var transitions = map[State][]State{
	StateUnloaded:    {StateLoaded},
	StateLoaded:      {StateInitialized, StateUnloaded},
	StateInitialized: {StateActive, StateLoaded, StateUnloaded},
	StateActive:      {StateInactive},
	StateInactive:    {StateActive, StateLoaded, StateUnloaded},
	StateError:       {StateLoaded, StateUnloaded},
	StateDisabled:    {StateUnloaded},
}

// CanTransition reports whether the lifecycle machine permits from -> to.
func CanTransition(from, to State) bool {
	if to == StateError {
		return from != StateDisabled
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
