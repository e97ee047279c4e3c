// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package api defines the storage messages exchanged between the
// communication manager, the transports and the processing chain.
package api

import (
	"fmt"
	"sync/atomic"
	"time"
)

// MessageID uniquely identifies a message within this process.
type MessageID uint64

var lastID atomic.Uint64

// NextID allocates a new process-wide unique message ID.
func NextID() MessageID {
	return MessageID(lastID.Add(1))
}

// Priority governs dispatch order. 0 is the highest priority.
type Priority uint8

// Well known priorities.
const (
	PriorityHighest   Priority = 0
	PriorityVeryHigh  Priority = 50
	PriorityHigh      Priority = 100
	PriorityNormal    Priority = 120
	PriorityLow       Priority = 180
	PriorityVeryLow   Priority = 220
	PriorityLowest    Priority = 255
	DefaultPriority            = PriorityNormal
)

// DefaultTimeout bounds how long an outbound command waits for its reply.
const DefaultTimeout = 180 * time.Second

// Message is a unit of work flowing through the node.
type Message interface {
	ID() MessageID
	Type() Type
	Priority() Priority
	SetPriority(p Priority)
	IsReply() bool
	fmt.Stringer
}

// Command is a request that expects exactly one Reply.
type Command interface {
	Message
	// Address is the destination of an outbound command. It is empty for
	// commands received from a transport.
	Address() string
	SetAddress(addr string)
	Timeout() time.Duration
	SetTimeout(d time.Duration)
	// MakeReply creates the matching reply with an OK result.
	MakeReply() Reply
}

// Reply answers a Command.
type Reply interface {
	Message
	// SourceID is the ID of the command this reply answers.
	SourceID() MessageID
	SetSourceID(id MessageID)
	Result() Result
	SetResult(r Result)
}

type header struct {
	id       MessageID
	typ      Type
	priority Priority
}

func newHeader(t Type) header {
	return header{
		id:       NextID(),
		typ:      t,
		priority: DefaultPriority,
	}
}

func (h *header) ID() MessageID          { return h.id }
func (h *header) Type() Type             { return h.typ }
func (h *header) Priority() Priority     { return h.priority }
func (h *header) SetPriority(p Priority) { h.priority = p }
func (h *header) IsReply() bool          { return h.typ.IsReply() }

// CommandBase carries the fields common to all commands. Concrete commands
// embed it.
type CommandBase struct {
	header
	address string
	timeout time.Duration
}

func newCommandBase(t Type) CommandBase {
	return CommandBase{
		header:  newHeader(t),
		timeout: DefaultTimeout,
	}
}

func (c *CommandBase) Address() string            { return c.address }
func (c *CommandBase) SetAddress(addr string)     { c.address = addr }
func (c *CommandBase) Timeout() time.Duration     { return c.timeout }
func (c *CommandBase) SetTimeout(d time.Duration) { c.timeout = d }

func (c *CommandBase) String() string {
	return fmt.Sprintf("%s(id=%d, pri=%d)", c.typ, c.id, c.priority)
}

// ReplyBase carries the fields common to all replies. Concrete replies
// embed it.
type ReplyBase struct {
	header
	sourceID MessageID
	result   Result
}

func newReplyBase(cmd Command) ReplyBase {
	h := newHeader(cmd.Type().ReplyType())
	h.priority = cmd.Priority()
	return ReplyBase{
		header:   h,
		sourceID: cmd.ID(),
	}
}

func (r *ReplyBase) SourceID() MessageID      { return r.sourceID }
func (r *ReplyBase) SetSourceID(id MessageID) { r.sourceID = id }
func (r *ReplyBase) Result() Result           { return r.result }
func (r *ReplyBase) SetResult(res Result)     { r.result = res }

func (r *ReplyBase) String() string {
	return fmt.Sprintf("%s(id=%d, source=%d, %s)", r.typ, r.id, r.sourceID, r.result)
}

// ErrorReply creates the reply to cmd carrying the given failure.
func ErrorReply(cmd Command, code ReturnCode, msg string) Reply {
	r := cmd.MakeReply()
	r.SetResult(Result{Code: code, Message: msg})
	return r
}
