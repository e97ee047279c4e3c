// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"

	"github.com/DeepBlueCoffee/vespa/api"
	"github.com/DeepBlueCoffee/vespa/documentapi"
)

// DocumentConverter translates document messages into storage commands and
// storage replies back into document replies. It is pure and never blocks.
type DocumentConverter struct {
	resolver   *BucketResolver
	priorities *PriorityConverter
}

// NewDocumentConverter creates a converter.
func NewDocumentConverter(resolver *BucketResolver, priorities *PriorityConverter) *DocumentConverter {
	return &DocumentConverter{resolver: resolver, priorities: priorities}
}

// Resolver returns the bucket resolver of the converter.
func (c *DocumentConverter) Resolver() *BucketResolver {
	return c.resolver
}

// Priorities returns the priority converter of the converter.
func (c *DocumentConverter) Priorities() *PriorityConverter {
	return c.priorities
}

// ToStorage converts a document request into a storage command.
func (c *DocumentConverter) ToStorage(msg documentapi.Request) (api.Command, error) {
	var cmd api.Command

	switch m := msg.(type) {
	case *documentapi.PutDocumentMessage:
		bucket, err := c.resolver.BucketFromID(m.DocumentID)
		if err != nil {
			return nil, err
		}
		cmd = api.NewPutCommand(bucket, m.DocumentID, m.Document, m.Timestamp)
	case *documentapi.GetDocumentMessage:
		bucket, err := c.resolver.BucketFromID(m.DocumentID)
		if err != nil {
			return nil, err
		}
		cmd = api.NewGetCommand(bucket, m.DocumentID, m.FieldSet)
	case *documentapi.RemoveDocumentMessage:
		bucket, err := c.resolver.BucketFromID(m.DocumentID)
		if err != nil {
			return nil, err
		}
		cmd = api.NewRemoveCommand(bucket, m.DocumentID, 0)
	case *documentapi.GetBucketListMessage:
		bucket, err := c.bucket(m.BucketSpace, m.BucketID)
		if err != nil {
			return nil, err
		}
		cmd = api.NewGetBucketListCommand(bucket)
	case *documentapi.StatBucketMessage:
		bucket, err := c.bucket(m.BucketSpace, m.BucketID)
		if err != nil {
			return nil, err
		}
		cmd = api.NewStatBucketCommand(bucket, m.DocumentSelection)
	default:
		return nil, fmt.Errorf("convert %s: %w", msg.Type(), ErrUnknownType)
	}

	cmd.SetPriority(c.priorities.ToStorage(msg.Priority()))
	if d := msg.TimeRemaining(); d > 0 {
		cmd.SetTimeout(d)
	}
	return cmd, nil
}

func (c *DocumentConverter) bucket(spaceName string, id api.BucketID) (api.Bucket, error) {
	if spaceName == "" {
		spaceName = documentapi.DefaultBucketSpace
	}
	space := c.resolver.BucketSpaceFromName(spaceName)
	if !space.Valid() {
		return api.Bucket{}, fmt.Errorf("invalid bucket space %q", spaceName)
	}
	return api.Bucket{Space: space, ID: id}, nil
}

// ToDocumentReply converts a storage reply into the document reply expected
// by the client that sent the original request.
func (c *DocumentConverter) ToDocumentReply(reply api.Reply) (documentapi.Reply, error) {
	var out documentapi.Reply

	switch r := reply.(type) {
	case *api.PutReply:
		out = &documentapi.WriteDocumentReply{HighestModificationTimestamp: r.Timestamp}
	case *api.GetReply:
		out = &documentapi.GetDocumentReply{Document: r.Document, LastModified: r.Timestamp}
	case *api.RemoveReply:
		out = &documentapi.RemoveDocumentReply{
			WasFound:                     r.OldTimestamp != 0,
			HighestModificationTimestamp: r.OldTimestamp,
		}
	case *api.GetBucketListReply:
		list := &documentapi.GetBucketListReply{}
		for _, b := range r.Buckets {
			list.Buckets = append(list.Buckets, documentapi.BucketInfo{
				BucketID: b.Bucket.ID,
				Info:     fmt.Sprintf("crc=0x%x,docs=%d,size=%d", b.Checksum, b.DocCount, b.Size),
			})
		}
		out = list
	case *api.StatBucketReply:
		out = &documentapi.StatBucketReply{Results: r.Results}
	default:
		return nil, fmt.Errorf("convert %s: %w", reply.Type(), ErrUnknownType)
	}

	out.SetPriority(c.priorities.ToDocument(reply.Priority()))
	if res := reply.Result(); !res.Success() {
		out.AddError(documentapi.Error{Code: ErrorCode(res.Code), Message: res.Message})
	}
	return out, nil
}

// ErrorReply builds a document reply for req carrying a single error. It is
// used when a request fails before reaching storage.
func ErrorReply(req documentapi.Request, code api.ReturnCode, msg string) documentapi.Reply {
	reply := req.CreateReply()
	reply.SetPriority(req.Priority())
	reply.AddError(documentapi.Error{Code: ErrorCode(code), Message: msg})
	return reply
}

// ErrorCode maps a storage return code onto a document error code.
func ErrorCode(code api.ReturnCode) documentapi.ErrorCode {
	switch code {
	case api.ReturnCodeOK:
		return documentapi.ErrorNone
	case api.ReturnCodeNotImplemented:
		return documentapi.ErrorNotImplemented
	case api.ReturnCodeNotFound:
		return documentapi.ErrorNotFound
	case api.ReturnCodeBusy:
		return documentapi.ErrorBusy
	case api.ReturnCodeTimeout:
		return documentapi.ErrorTimeout
	case api.ReturnCodeAborted:
		return documentapi.ErrorAborted
	case api.ReturnCodeNotConnected:
		return documentapi.ErrorNotConnected
	case api.ReturnCodeNotReady:
		return documentapi.ErrorNodeNotReady
	case api.ReturnCodeIllegalParameters:
		return documentapi.ErrorIllegalParameters
	default:
		return documentapi.ErrorInternalFailure
	}
}
