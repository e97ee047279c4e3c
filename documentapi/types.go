// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package documentapi defines the document-level messages clients send over
// the message bus and the JSON form they travel in.
package documentapi

import "fmt"

// Type identifies a document message. Reply types are offset by replyTypeOffset.
type Type uint32

const replyTypeOffset Type = 200000

const (
	TypeGetBucketList  Type = 100003
	TypeGetDocument    Type = 100005
	TypeRemoveDocument Type = 100008
	TypeStatBucket     Type = 100011
	TypePutDocument    Type = 100014
)

const (
	TypeGetBucketListReply  = TypeGetBucketList + replyTypeOffset
	TypeGetDocumentReply    = TypeGetDocument + replyTypeOffset
	TypeRemoveDocumentReply = TypeRemoveDocument + replyTypeOffset
	TypeStatBucketReply     = TypeStatBucket + replyTypeOffset
	TypePutDocumentReply    = TypePutDocument + replyTypeOffset
)

var typeNames = map[Type]string{
	TypeGetBucketList:  "GetBucketList",
	TypeGetDocument:    "GetDocument",
	TypeRemoveDocument: "RemoveDocument",
	TypeStatBucket:     "StatBucket",
	TypePutDocument:    "PutDocument",
}

func (t Type) IsReply() bool { return t > replyTypeOffset }

func (t Type) String() string {
	base := t
	if t.IsReply() {
		base -= replyTypeOffset
	}
	name, ok := typeNames[base]
	if !ok {
		return fmt.Sprintf("Unknown(%d)", uint32(t))
	}
	if t.IsReply() {
		return name + "Reply"
	}
	return name
}

// Priority is the document-level priority. It is mapped onto storage
// priorities by the protocol layer.
type Priority uint8

const (
	PriorityHighest Priority = iota
	PriorityVeryHigh
	PriorityHigh1
	PriorityHigh2
	PriorityHigh3
	PriorityNormal1
	PriorityNormal2
	PriorityNormal3
	PriorityNormal4
	PriorityNormal5
	PriorityNormal6
	PriorityLow1
	PriorityLow2
	PriorityLow3
	PriorityVeryLow
	PriorityLowest

	// PriorityCount is the number of document priorities.
	PriorityCount = int(PriorityLowest) + 1

	DefaultPriority = PriorityNormal3
)

// ErrorCode is the code of a reply error.
type ErrorCode uint32

const (
	ErrorNone              ErrorCode = 0
	ErrorNotConnected      ErrorCode = 100001
	ErrorTimeout           ErrorCode = 100002
	ErrorBusy              ErrorCode = 100003
	ErrorAborted           ErrorCode = 100004
	ErrorNotImplemented    ErrorCode = 100005
	ErrorNotFound          ErrorCode = 100006
	ErrorIllegalParameters ErrorCode = 100007
	ErrorNodeNotReady      ErrorCode = 100008
	ErrorInternalFailure   ErrorCode = 100009
	ErrorDecode            ErrorCode = 100010
)

// Error is attached to a failed reply.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}

func (e Error) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}
