// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextIDIsUnique(t *testing.T) {
	a := NextID()
	b := NextID()
	assert.Greater(t, b, a)
}

func TestTypeReplyMapping(t *testing.T) {
	tests := []struct {
		cmd   Type
		reply Type
		name  string
	}{
		{TypePut, TypePutReply, "Put"},
		{TypeGet, TypeGetReply, "Get"},
		{TypeRemove, TypeRemoveReply, "Remove"},
		{TypeGetBucketList, TypeGetBucketListReply, "GetBucketList"},
		{TypeStatBucket, TypeStatBucketReply, "StatBucket"},
		{TypeGetNodeState, TypeGetNodeStateReply, "GetNodeState"},
		{TypeSetSystemState, TypeSetSystemStateReply, "SetSystemState"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, tt.cmd.IsReply())
			assert.True(t, tt.reply.IsReply())
			assert.Equal(t, tt.reply, tt.cmd.ReplyType())
			assert.Equal(t, tt.cmd, tt.reply.CommandType())
			assert.Equal(t, tt.name, tt.cmd.String())
			assert.Equal(t, tt.name+"Reply", tt.reply.String())
		})
	}

	assert.False(t, Type(999).Valid())
	assert.Equal(t, "Unknown(999)", Type(999).String())
}

func TestMakeReplyCarriesSourceAndPriority(t *testing.T) {
	cmd := NewPutCommand(Bucket{Space: BucketSpaceDefault, ID: NewBucketID(16, 7)}, "id:ns:music::1", []byte("{}"), 42)
	cmd.SetPriority(PriorityHigh)

	reply := cmd.MakeReply()
	require.IsType(t, &PutReply{}, reply)

	assert.Equal(t, TypePutReply, reply.Type())
	assert.True(t, reply.IsReply())
	assert.Equal(t, cmd.ID(), reply.SourceID())
	assert.NotEqual(t, cmd.ID(), reply.ID())
	assert.Equal(t, PriorityHigh, reply.Priority())
	assert.True(t, reply.Result().Success())

	put := reply.(*PutReply)
	assert.Equal(t, "id:ns:music::1", put.DocumentID)
	assert.Equal(t, uint64(42), put.Timestamp)
}

func TestErrorReply(t *testing.T) {
	cmd := NewGetCommand(Bucket{Space: BucketSpaceDefault}, "id:ns:music::2", "[all]")
	reply := ErrorReply(cmd, ReturnCodeTimeout, "no answer")

	assert.Equal(t, cmd.ID(), reply.SourceID())
	assert.False(t, reply.Result().Success())
	assert.Equal(t, "TIMEOUT: no answer", reply.Result().String())
}

func TestNewByType(t *testing.T) {
	for typ := range constructors {
		msg, err := New(typ)
		require.NoError(t, err, typ.String())
		assert.Equal(t, typ, msg.Type())
		assert.Equal(t, typ.IsReply(), msg.IsReply())
		if !msg.IsReply() {
			_, ok := msg.(Command)
			assert.True(t, ok, typ.String())
		}
	}

	_, err := New(Type(77))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestNodeStateCommandsUseHighestPriority(t *testing.T) {
	assert.Equal(t, PriorityHighest, NewGetNodeStateCommand(nil).Priority())
	assert.Equal(t, PriorityHighest, NewSetSystemStateCommand("distributor:1 storage:1").Priority())
	assert.Equal(t, DefaultPriority, NewRemoveCommand(Bucket{}, "id:a:b::c", 1).Priority())
}

func TestBucketSpaceFromName(t *testing.T) {
	assert.Equal(t, BucketSpaceDefault, BucketSpaceFromName("default"))
	assert.Equal(t, BucketSpaceGlobal, BucketSpaceFromName("global"))
	assert.Equal(t, BucketSpaceInvalid, BucketSpaceFromName("other"))
	assert.False(t, BucketSpaceInvalid.Valid())
	assert.Equal(t, "INVALID", BucketSpaceInvalid.String())
}

func TestBucketIDUsedBits(t *testing.T) {
	id := NewBucketID(16, 0xffffffff)
	assert.Equal(t, uint8(16), id.UsedBits())
	assert.Equal(t, uint64(0xffff), uint64(id)&(1<<58-1))
}

func TestParseState(t *testing.T) {
	st, err := ParseState("m")
	require.NoError(t, err)
	assert.Equal(t, StateMaintenance, st)

	st, err = ParseState("Retired")
	require.NoError(t, err)
	assert.Equal(t, StateRetired, st)

	_, err = ParseState("bogus")
	assert.Error(t, err)
}
