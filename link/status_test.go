// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"testing"

	"github.com/DeepBlueCoffee/vespa/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeStatusNotifiesSubscribers(t *testing.T) {
	status := NewNodeStatus("storage", "music", 0, []string{"default"})
	assert.Equal(t, api.StateInitializing, status.NodeState().State)

	var first, second []api.State
	status.Subscribe(func(ns *api.NodeState) {
		first = append(first, ns.State)
		if len(first) == 1 {
			// Registered during a notification: sees only later changes.
			status.Subscribe(func(ns *api.NodeState) {
				second = append(second, ns.State)
			})
		}
		ns.State = api.StateDown
	})

	status.SetState(api.StateUp)
	status.SetState(api.StateStopping)

	assert.Equal(t, []api.State{api.StateUp, api.StateStopping}, first)
	assert.Equal(t, []api.State{api.StateStopping}, second)
	require.NotNil(t, status.NodeState())
	assert.Equal(t, api.StateStopping, status.NodeState().State, "subscriber mutated the stored state")
}

func TestNodeStatusSystemState(t *testing.T) {
	status := NewNodeStatus("distributor", "music", 3, []string{"default", "global"})

	assert.Empty(t, status.SystemState())
	status.SetSystemState("version:4 distributor:4")
	assert.Equal(t, "version:4 distributor:4", status.SystemState())
	assert.Contains(t, status.InfoJSON(), `"type":"distributor"`)
}
