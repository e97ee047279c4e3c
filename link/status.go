// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/DeepBlueCoffee/vespa/api"
	"github.com/google/uuid"
)

// NodeInfo identifies the node. It is reported to the cluster controller
// alongside the node state.
type NodeInfo struct {
	InstanceID   string    `json:"instance_id"`
	Type         string    `json:"type"`
	Cluster      string    `json:"cluster"`
	Index        int       `json:"index"`
	StartedAt    time.Time `json:"started_at"`
	BucketSpaces []string  `json:"bucket_spaces"`
}

// NodeStatus holds the reported node state and the last cluster state pushed
// to the node.
type NodeStatus struct {
	mu          sync.RWMutex
	info        NodeInfo
	state       *api.NodeState
	systemState string
	onChange    []func(*api.NodeState)
}

// NewNodeStatus creates a status for a node that is initializing.
func NewNodeStatus(nodeType, cluster string, index int, bucketSpaces []string) *NodeStatus {
	state := api.NewNodeState(api.StateInitializing)
	state.StartTimestamp = uint64(time.Now().Unix())
	return &NodeStatus{
		info: NodeInfo{
			InstanceID:   uuid.NewString(),
			Type:         nodeType,
			Cluster:      cluster,
			Index:        index,
			StartedAt:    time.Now(),
			BucketSpaces: bucketSpaces,
		},
		state: state,
	}
}

// Info returns the node identity.
func (s *NodeStatus) Info() NodeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// InfoJSON returns the node identity in the form returned by node state
// queries.
func (s *NodeStatus) InfoJSON() string {
	data, err := json.Marshal(s.Info())
	if err != nil {
		return "{}"
	}
	return string(data)
}

// NodeState returns a copy of the reported state.
func (s *NodeStatus) NodeState() *api.NodeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// SetNodeState replaces the reported state and notifies subscribers.
func (s *NodeStatus) SetNodeState(state *api.NodeState) {
	s.mu.Lock()
	s.state = state.Clone()
	subs := slices.Clone(s.onChange)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(state.Clone())
	}
}

// SetState changes only the availability state.
func (s *NodeStatus) SetState(st api.State) {
	state := s.NodeState()
	state.State = st
	s.SetNodeState(state)
}

// SystemState returns the last cluster state pushed to the node.
func (s *NodeStatus) SystemState() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.systemState
}

// SetSystemState records a cluster state.
func (s *NodeStatus) SetSystemState(state string) {
	s.mu.Lock()
	s.systemState = state
	s.mu.Unlock()
}

// Subscribe registers fn to be called with every new node state.
func (s *NodeStatus) Subscribe(fn func(*api.NodeState)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}
