// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package comm

import "fmt"

// State is the lifecycle stage of a Manager. It only moves forward.
type State int32

const (
	StateCreated State = iota
	StateOpened
	StateRunning
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOpened:
		return "opened"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Configurable reports whether Configure is accepted in s.
func (s State) Configurable() bool {
	return s == StateOpened || s == StateRunning
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
