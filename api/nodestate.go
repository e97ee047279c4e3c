// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"fmt"
	"strings"
)

// State is the availability state of a node or disk.
type State uint8

const (
	StateUp State = iota
	StateDown
	StateMaintenance
	StateRetired
	StateInitializing
	StateStopping
)

var stateNames = [...]struct{ short, long string }{
	StateUp:           {"u", "up"},
	StateDown:         {"d", "down"},
	StateMaintenance:  {"m", "maintenance"},
	StateRetired:      {"r", "retired"},
	StateInitializing: {"i", "initializing"},
	StateStopping:     {"s", "stopping"},
}

// ShortName is the single letter used in serialized node states.
func (s State) ShortName() string {
	if int(s) < len(stateNames) {
		return stateNames[s].short
	}
	return "?"
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s].long
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// ParseState accepts both the short and long state names.
func ParseState(name string) (State, error) {
	name = strings.ToLower(name)
	for i, n := range stateNames {
		if n.short == name || n.long == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("invalid state %q", name)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	st, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// DiskState is the state of one disk of a storage node.
type DiskState struct {
	State       State   `json:"state"`
	Capacity    float64 `json:"capacity"`
	Description string  `json:"description,omitempty"`
}

// Node state defaults. Fields equal to their default are omitted from the
// current serialization format.
const (
	DefaultCapacity    = 1.0
	DefaultMinUsedBits = 16
)

// NodeState is the state a node reports to the cluster controller.
type NodeState struct {
	State          State       `json:"state"`
	Description    string      `json:"description,omitempty"`
	Capacity       float64     `json:"capacity"`
	InitProgress   float64     `json:"init_progress,omitempty"`
	MinUsedBits    uint8       `json:"min_used_bits"`
	StartTimestamp uint64      `json:"start_timestamp,omitempty"`
	Disks          []DiskState `json:"disks,omitempty"`
}

// NewNodeState returns a node state with default capacity and used bits.
func NewNodeState(s State) *NodeState {
	return &NodeState{
		State:       s,
		Capacity:    DefaultCapacity,
		MinUsedBits: DefaultMinUsedBits,
	}
}

// Clone returns a deep copy of ns.
func (ns *NodeState) Clone() *NodeState {
	if ns == nil {
		return nil
	}
	cp := *ns
	cp.Disks = append([]DiskState(nil), ns.Disks...)
	return &cp
}
