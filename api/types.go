// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import "fmt"

// Type identifies a storage message type. Reply types have the reply bit set
// and share the low bits with the command they answer.
type Type uint16

const replyBit Type = 0x8000

// Command types.
const (
	TypePut Type = iota + 1
	TypeGet
	TypeRemove
	TypeGetBucketList
	TypeStatBucket
	TypeGetNodeState
	TypeSetSystemState
)

// Reply types.
const (
	TypePutReply            = TypePut | replyBit
	TypeGetReply            = TypeGet | replyBit
	TypeRemoveReply         = TypeRemove | replyBit
	TypeGetBucketListReply  = TypeGetBucketList | replyBit
	TypeStatBucketReply     = TypeStatBucket | replyBit
	TypeGetNodeStateReply   = TypeGetNodeState | replyBit
	TypeSetSystemStateReply = TypeSetSystemState | replyBit
)

var typeNames = map[Type]string{
	TypePut:            "Put",
	TypeGet:            "Get",
	TypeRemove:         "Remove",
	TypeGetBucketList:  "GetBucketList",
	TypeStatBucket:     "StatBucket",
	TypeGetNodeState:   "GetNodeState",
	TypeSetSystemState: "SetSystemState",
}

// IsReply reports whether t is a reply type.
func (t Type) IsReply() bool {
	return t&replyBit != 0
}

// ReplyType returns the reply type answering command type t.
func (t Type) ReplyType() Type {
	return t | replyBit
}

// CommandType returns the command type a reply type answers.
func (t Type) CommandType() Type {
	return t &^ replyBit
}

// Valid reports whether t is a known command or reply type.
func (t Type) Valid() bool {
	_, ok := typeNames[t.CommandType()]
	return ok
}

func (t Type) String() string {
	name, ok := typeNames[t.CommandType()]
	if !ok {
		return fmt.Sprintf("Unknown(%d)", uint16(t))
	}
	if t.IsReply() {
		return name + "Reply"
	}
	return name
}
