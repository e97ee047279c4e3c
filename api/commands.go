// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"errors"
	"fmt"
)

// ErrUnknownType is returned when a message type has no registered constructor.
var ErrUnknownType = errors.New("unknown message type")

// PutCommand stores a document.
type PutCommand struct {
	CommandBase
	Bucket     Bucket `json:"bucket"`
	DocumentID string `json:"document_id"`
	Document   []byte `json:"document,omitempty"`
	Timestamp  uint64 `json:"timestamp"`
}

// NewPutCommand creates a put of doc into bucket.
func NewPutCommand(bucket Bucket, docID string, doc []byte, timestamp uint64) *PutCommand {
	return &PutCommand{
		CommandBase: newCommandBase(TypePut),
		Bucket:      bucket,
		DocumentID:  docID,
		Document:    doc,
		Timestamp:   timestamp,
	}
}

func (c *PutCommand) MakeReply() Reply {
	return &PutReply{
		ReplyBase:  newReplyBase(c),
		Bucket:     c.Bucket,
		DocumentID: c.DocumentID,
		Timestamp:  c.Timestamp,
	}
}

// PutReply answers a PutCommand.
type PutReply struct {
	ReplyBase
	Bucket     Bucket `json:"bucket"`
	DocumentID string `json:"document_id"`
	Timestamp  uint64 `json:"timestamp"`
}

// GetCommand fetches a document.
type GetCommand struct {
	CommandBase
	Bucket     Bucket `json:"bucket"`
	DocumentID string `json:"document_id"`
	FieldSet   string `json:"field_set,omitempty"`
}

// NewGetCommand creates a get of docID from bucket.
func NewGetCommand(bucket Bucket, docID, fieldSet string) *GetCommand {
	return &GetCommand{
		CommandBase: newCommandBase(TypeGet),
		Bucket:      bucket,
		DocumentID:  docID,
		FieldSet:    fieldSet,
	}
}

func (c *GetCommand) MakeReply() Reply {
	return &GetReply{
		ReplyBase:  newReplyBase(c),
		DocumentID: c.DocumentID,
	}
}

// GetReply answers a GetCommand.
type GetReply struct {
	ReplyBase
	DocumentID string `json:"document_id"`
	Document   []byte `json:"document,omitempty"`
	Timestamp  uint64 `json:"timestamp"`
}

// RemoveCommand removes a document.
type RemoveCommand struct {
	CommandBase
	Bucket     Bucket `json:"bucket"`
	DocumentID string `json:"document_id"`
	Timestamp  uint64 `json:"timestamp"`
}

// NewRemoveCommand creates a remove of docID from bucket.
func NewRemoveCommand(bucket Bucket, docID string, timestamp uint64) *RemoveCommand {
	return &RemoveCommand{
		CommandBase: newCommandBase(TypeRemove),
		Bucket:      bucket,
		DocumentID:  docID,
		Timestamp:   timestamp,
	}
}

func (c *RemoveCommand) MakeReply() Reply {
	return &RemoveReply{
		ReplyBase:  newReplyBase(c),
		DocumentID: c.DocumentID,
	}
}

// RemoveReply answers a RemoveCommand. OldTimestamp is zero if the document
// was not found.
type RemoveReply struct {
	ReplyBase
	DocumentID   string `json:"document_id"`
	OldTimestamp uint64 `json:"old_timestamp"`
}

// GetBucketListCommand lists the buckets contained in Bucket.
type GetBucketListCommand struct {
	CommandBase
	Bucket Bucket `json:"bucket"`
}

// NewGetBucketListCommand creates a bucket listing for bucket.
func NewGetBucketListCommand(bucket Bucket) *GetBucketListCommand {
	return &GetBucketListCommand{
		CommandBase: newCommandBase(TypeGetBucketList),
		Bucket:      bucket,
	}
}

func (c *GetBucketListCommand) MakeReply() Reply {
	return &GetBucketListReply{ReplyBase: newReplyBase(c)}
}

// GetBucketListReply answers a GetBucketListCommand.
type GetBucketListReply struct {
	ReplyBase
	Buckets []BucketInfo `json:"buckets,omitempty"`
}

// StatBucketCommand reports the documents of a bucket matching a selection.
type StatBucketCommand struct {
	CommandBase
	Bucket            Bucket `json:"bucket"`
	DocumentSelection string `json:"document_selection,omitempty"`
}

// NewStatBucketCommand creates a stat of bucket.
func NewStatBucketCommand(bucket Bucket, selection string) *StatBucketCommand {
	return &StatBucketCommand{
		CommandBase:       newCommandBase(TypeStatBucket),
		Bucket:            bucket,
		DocumentSelection: selection,
	}
}

func (c *StatBucketCommand) MakeReply() Reply {
	return &StatBucketReply{ReplyBase: newReplyBase(c)}
}

// StatBucketReply answers a StatBucketCommand.
type StatBucketReply struct {
	ReplyBase
	Results string `json:"results,omitempty"`
}

// GetNodeStateCommand asks for the node state. If ExpectedState is set the
// receiver may hold the request until its state differs.
type GetNodeStateCommand struct {
	CommandBase
	ExpectedState *NodeState `json:"expected_state,omitempty"`
}

// NewGetNodeStateCommand creates a node state request.
func NewGetNodeStateCommand(expected *NodeState) *GetNodeStateCommand {
	cmd := &GetNodeStateCommand{
		CommandBase:   newCommandBase(TypeGetNodeState),
		ExpectedState: expected,
	}
	cmd.priority = PriorityHighest
	return cmd
}

func (c *GetNodeStateCommand) MakeReply() Reply {
	return &GetNodeStateReply{ReplyBase: newReplyBase(c)}
}

// GetNodeStateReply answers a GetNodeStateCommand.
type GetNodeStateReply struct {
	ReplyBase
	State    *NodeState `json:"state,omitempty"`
	NodeInfo string     `json:"node_info,omitempty"`
}

// SetSystemStateCommand pushes a cluster state to the node.
type SetSystemStateCommand struct {
	CommandBase
	SystemState string `json:"system_state"`
}

// NewSetSystemStateCommand creates a system state push.
func NewSetSystemStateCommand(state string) *SetSystemStateCommand {
	cmd := &SetSystemStateCommand{
		CommandBase: newCommandBase(TypeSetSystemState),
		SystemState: state,
	}
	cmd.priority = PriorityHighest
	return cmd
}

func (c *SetSystemStateCommand) MakeReply() Reply {
	return &SetSystemStateReply{
		ReplyBase:   newReplyBase(c),
		SystemState: c.SystemState,
	}
}

// SetSystemStateReply answers a SetSystemStateCommand.
type SetSystemStateReply struct {
	ReplyBase
	SystemState string `json:"system_state"`
}

var constructors = map[Type]func() Message{
	TypePut:                 func() Message { return &PutCommand{CommandBase: newCommandBase(TypePut)} },
	TypePutReply:            func() Message { return &PutReply{ReplyBase: ReplyBase{header: newHeader(TypePutReply)}} },
	TypeGet:                 func() Message { return &GetCommand{CommandBase: newCommandBase(TypeGet)} },
	TypeGetReply:            func() Message { return &GetReply{ReplyBase: ReplyBase{header: newHeader(TypeGetReply)}} },
	TypeRemove:              func() Message { return &RemoveCommand{CommandBase: newCommandBase(TypeRemove)} },
	TypeRemoveReply:         func() Message { return &RemoveReply{ReplyBase: ReplyBase{header: newHeader(TypeRemoveReply)}} },
	TypeGetBucketList:       func() Message { return &GetBucketListCommand{CommandBase: newCommandBase(TypeGetBucketList)} },
	TypeGetBucketListReply:  func() Message { return &GetBucketListReply{ReplyBase: ReplyBase{header: newHeader(TypeGetBucketListReply)}} },
	TypeStatBucket:          func() Message { return &StatBucketCommand{CommandBase: newCommandBase(TypeStatBucket)} },
	TypeStatBucketReply:     func() Message { return &StatBucketReply{ReplyBase: ReplyBase{header: newHeader(TypeStatBucketReply)}} },
	TypeGetNodeState:        func() Message { return &GetNodeStateCommand{CommandBase: newCommandBase(TypeGetNodeState)} },
	TypeGetNodeStateReply:   func() Message { return &GetNodeStateReply{ReplyBase: ReplyBase{header: newHeader(TypeGetNodeStateReply)}} },
	TypeSetSystemState:      func() Message { return &SetSystemStateCommand{CommandBase: newCommandBase(TypeSetSystemState)} },
	TypeSetSystemStateReply: func() Message { return &SetSystemStateReply{ReplyBase: ReplyBase{header: newHeader(TypeSetSystemStateReply)}} },
}

// New returns an empty message of type t with a freshly allocated ID, ready
// to be populated by a decoder.
func New(t Type) (Message, error) {
	ctor, ok := constructors[t]
	if !ok {
		return nil, fmt.Errorf("new message of type %s: %w", t, ErrUnknownType)
	}
	return ctor(), nil
}
