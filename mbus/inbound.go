// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mbus

import (
	"context"
	"errors"
	"sync/atomic"
)

var ErrAlreadyReplied = errors.New("frame already replied")

// Handler receives frames arriving on the bus. Implementations must not
// block: both methods are called from connection read loops.
type Handler interface {
	// HandleMessage receives a message frame from a peer.
	HandleMessage(in *Inbound)
	// HandleReply receives a reply to a frame sent through Send.
	HandleReply(in *Inbound)
}

// ReplyFunc writes a reply frame back to the originating connection.
type ReplyFunc func(ctx context.Context, f *Frame) error

// Inbound is a frame received from a peer together with the means to answer
// it on the same connection.
type Inbound struct {
	Frame
	Peer   string
	ConnID string

	reply   ReplyFunc
	replied atomic.Bool
}

// NewInbound wraps f. A nil reply yields an Inbound that cannot be answered,
// which is how replies themselves are delivered.
func NewInbound(f Frame, peer, connID string, reply ReplyFunc) *Inbound {
	return &Inbound{
		Frame:  f,
		Peer:   peer,
		ConnID: connID,
		reply:  reply,
	}
}

// Reply sends f as the answer to this frame. At most one reply is sent.
func (in *Inbound) Reply(ctx context.Context, f *Frame) error {
	if in.reply == nil {
		return ErrNoReplyPath
	}
	if !in.replied.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	f.Kind = KindReply
	f.ReplyTo = in.ID
	return in.reply(ctx, f)
}

// ReplyError answers with an error frame carrying msg as its payload.
func (in *Inbound) ReplyError(ctx context.Context, msg string) error {
	return in.Reply(ctx, &Frame{
		Protocol: in.Protocol,
		Flags:    FlagError,
		Priority: in.Priority,
		Payload:  []byte(msg),
	})
}

// Replied reports whether a reply has been sent.
func (in *Inbound) Replied() bool {
	return in.replied.Load()
}
