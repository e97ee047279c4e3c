// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package documentapi

import (
	"fmt"
	"strings"
	"time"

	"github.com/DeepBlueCoffee/vespa/api"
)

// DefaultBucketSpace is used by bucket messages that name no space.
const DefaultBucketSpace = "default"

// Message is any document message or reply.
type Message interface {
	Type() Type
	Priority() Priority
	SetPriority(p Priority)
}

// Request is a document message that expects a reply.
type Request interface {
	Message
	TimeRemaining() time.Duration
	SetTimeRemaining(d time.Duration)
	CreateReply() Reply
}

// Reply answers a Request.
type Reply interface {
	Message
	Errors() []Error
	AddError(e Error)
	HasErrors() bool
}

type base struct {
	priority Priority
}

func (b *base) Priority() Priority     { return b.priority }
func (b *base) SetPriority(p Priority) { b.priority = p }

type requestBase struct {
	base
	timeRemaining time.Duration
}

func newRequestBase() requestBase {
	return requestBase{base: base{priority: DefaultPriority}}
}

func (r *requestBase) TimeRemaining() time.Duration     { return r.timeRemaining }
func (r *requestBase) SetTimeRemaining(d time.Duration) { r.timeRemaining = d }

type replyBase struct {
	base
	errors []Error
}

func (r *replyBase) Errors() []Error  { return r.errors }
func (r *replyBase) AddError(e Error) { r.errors = append(r.errors, e) }
func (r *replyBase) HasErrors() bool  { return len(r.errors) > 0 }

// GetBucketListMessage lists the buckets below BucketID.
type GetBucketListMessage struct {
	requestBase
	BucketID    api.BucketID `json:"bucket_id"`
	BucketSpace string       `json:"bucket_space"`
}

func NewGetBucketListMessage(id api.BucketID) *GetBucketListMessage {
	return &GetBucketListMessage{
		requestBase: newRequestBase(),
		BucketID:    id,
		BucketSpace: DefaultBucketSpace,
	}
}

func (m *GetBucketListMessage) Type() Type         { return TypeGetBucketList }
func (m *GetBucketListMessage) CreateReply() Reply { return &GetBucketListReply{} }

// BucketInfo is one entry of a bucket listing.
type BucketInfo struct {
	BucketID api.BucketID `json:"bucket_id"`
	Info     string       `json:"info"`
}

type GetBucketListReply struct {
	replyBase
	Buckets []BucketInfo `json:"buckets,omitempty"`
}

func (r *GetBucketListReply) Type() Type { return TypeGetBucketListReply }

// StatBucketMessage reports the documents of a bucket matching a selection.
type StatBucketMessage struct {
	requestBase
	BucketID          api.BucketID `json:"bucket_id"`
	DocumentSelection string       `json:"document_selection,omitempty"`
	BucketSpace       string       `json:"bucket_space"`
}

func NewStatBucketMessage(id api.BucketID, selection string) *StatBucketMessage {
	return &StatBucketMessage{
		requestBase:       newRequestBase(),
		BucketID:          id,
		DocumentSelection: selection,
		BucketSpace:       DefaultBucketSpace,
	}
}

func (m *StatBucketMessage) Type() Type         { return TypeStatBucket }
func (m *StatBucketMessage) CreateReply() Reply { return &StatBucketReply{} }

type StatBucketReply struct {
	replyBase
	Results string `json:"results,omitempty"`
}

func (r *StatBucketReply) Type() Type { return TypeStatBucketReply }

// PutDocumentMessage writes a document.
type PutDocumentMessage struct {
	requestBase
	DocumentID string `json:"document_id"`
	Document   []byte `json:"document,omitempty"`
	Timestamp  uint64 `json:"timestamp,omitempty"`
}

func NewPutDocumentMessage(docID string, doc []byte) *PutDocumentMessage {
	return &PutDocumentMessage{
		requestBase: newRequestBase(),
		DocumentID:  docID,
		Document:    doc,
	}
}

func (m *PutDocumentMessage) Type() Type         { return TypePutDocument }
func (m *PutDocumentMessage) CreateReply() Reply { return &WriteDocumentReply{} }

// WriteDocumentReply answers a put.
type WriteDocumentReply struct {
	replyBase
	HighestModificationTimestamp uint64 `json:"highest_modification_timestamp"`
}

func (r *WriteDocumentReply) Type() Type { return TypePutDocumentReply }

// GetDocumentMessage fetches a document.
type GetDocumentMessage struct {
	requestBase
	DocumentID string `json:"document_id"`
	FieldSet   string `json:"field_set,omitempty"`
}

func NewGetDocumentMessage(docID, fieldSet string) *GetDocumentMessage {
	return &GetDocumentMessage{
		requestBase: newRequestBase(),
		DocumentID:  docID,
		FieldSet:    fieldSet,
	}
}

func (m *GetDocumentMessage) Type() Type         { return TypeGetDocument }
func (m *GetDocumentMessage) CreateReply() Reply { return &GetDocumentReply{} }

type GetDocumentReply struct {
	replyBase
	Document     []byte `json:"document,omitempty"`
	LastModified uint64 `json:"last_modified"`
}

func (r *GetDocumentReply) Type() Type { return TypeGetDocumentReply }

// RemoveDocumentMessage removes a document.
type RemoveDocumentMessage struct {
	requestBase
	DocumentID string `json:"document_id"`
}

func NewRemoveDocumentMessage(docID string) *RemoveDocumentMessage {
	return &RemoveDocumentMessage{
		requestBase: newRequestBase(),
		DocumentID:  docID,
	}
}

func (m *RemoveDocumentMessage) Type() Type         { return TypeRemoveDocument }
func (m *RemoveDocumentMessage) CreateReply() Reply { return &RemoveDocumentReply{} }

type RemoveDocumentReply struct {
	replyBase
	WasFound                     bool   `json:"was_found"`
	HighestModificationTimestamp uint64 `json:"highest_modification_timestamp"`
}

func (r *RemoveDocumentReply) Type() Type { return TypeRemoveDocumentReply }

// DocumentID is a parsed "id:<namespace>:<doctype>:<key/value pairs>:<user specific>"
// identifier.
type DocumentID struct {
	Namespace    string
	DocType      string
	Location     string
	UserSpecific string
}

// ParseDocumentID parses id in the id scheme.
func ParseDocumentID(id string) (DocumentID, error) {
	parts := strings.SplitN(id, ":", 5)
	if len(parts) != 5 || parts[0] != "id" {
		return DocumentID{}, fmt.Errorf("parse document id %q: not in id scheme", id)
	}
	if parts[2] == "" {
		return DocumentID{}, fmt.Errorf("parse document id %q: missing document type", id)
	}
	return DocumentID{
		Namespace:    parts[1],
		DocType:      parts[2],
		Location:     parts[3],
		UserSpecific: parts[4],
	}, nil
}

func (d DocumentID) String() string {
	return "id:" + d.Namespace + ":" + d.DocType + ":" + d.Location + ":" + d.UserSpecific
}
