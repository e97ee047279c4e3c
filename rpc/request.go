// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package rpc serves the direct RPC surface of a storage node over Connect
// with h2c and provides a matching client.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"connectrpc.com/connect"
	"github.com/DeepBlueCoffee/vespa/api"
)

// ServiceName is the fully qualified name of the direct service.
const ServiceName = "storage.v1.DirectService"

const (
	ProcedureGetNodeState3   = "/" + ServiceName + "/GetNodeState3"
	ProcedureGetNodeState2   = "/" + ServiceName + "/GetNodeState2"
	ProcedureGetNodeState    = "/" + ServiceName + "/GetNodeState"
	ProcedureSetSystemState2 = "/" + ServiceName + "/SetSystemState2"
	ProcedureInvoke          = "/" + ServiceName + "/Invoke"
)

// Method identifies the procedure a Request arrived on. The node state
// variants differ only in how the reply is rendered.
type Method uint8

const (
	MethodGetNodeState3 Method = iota + 1
	MethodGetNodeState2
	MethodGetNodeState
	MethodSetSystemState2
	MethodInvoke
)

func (m Method) String() string {
	switch m {
	case MethodGetNodeState3:
		return "GetNodeState3"
	case MethodGetNodeState2:
		return "GetNodeState2"
	case MethodGetNodeState:
		return "GetNodeState"
	case MethodSetSystemState2:
		return "SetSystemState2"
	case MethodInvoke:
		return "Invoke"
	default:
		return fmt.Sprintf("Method(%d)", uint8(m))
	}
}

// Procedure returns the Connect procedure path of m.
func (m Method) Procedure() string {
	return "/" + ServiceName + "/" + m.String()
}

// Response is the answer to a Request. A non-nil Err is returned to the
// caller as is; use ResultError to build one from a reply result.
type Response struct {
	State    string
	NodeInfo string
	Flags    uint8
	Payload  []byte
	Err      error
}

// Request is a direct RPC call waiting for its Response. Exactly one
// Response is delivered; later ones are dropped.
type Request struct {
	Method      Method
	Peer        string
	SystemState string
	Flags       uint8
	Payload     []byte

	once sync.Once
	done chan Response
}

// NewRequest creates a request for method.
func NewRequest(method Method) *Request {
	return &Request{
		Method: method,
		done:   make(chan Response, 1),
	}
}

// Reply delivers resp. It reports whether resp was the first response.
func (r *Request) Reply(resp Response) bool {
	sent := false
	r.once.Do(func() {
		r.done <- resp
		sent = true
	})
	return sent
}

// Wait blocks until the request is answered or ctx ends.
func (r *Request) Wait(ctx context.Context) (Response, error) {
	select {
	case resp := <-r.done:
		return resp, resp.Err
	case <-ctx.Done():
		return Response{}, connect.NewError(connect.CodeDeadlineExceeded, ctx.Err())
	}
}

// Handler receives direct RPC requests. HandleRequest must not block; the
// request is answered later through Request.Reply.
type Handler interface {
	HandleRequest(req *Request)
}

// ResultError converts a failed reply result into a Connect error. It
// returns nil for successful results.
func ResultError(r api.Result) error {
	if r.Success() {
		return nil
	}
	return connect.NewError(resultCode(r.Code), errors.New(r.String()))
}

func resultCode(c api.ReturnCode) connect.Code {
	switch c {
	case api.ReturnCodeNotImplemented:
		return connect.CodeUnimplemented
	case api.ReturnCodeNotFound:
		return connect.CodeNotFound
	case api.ReturnCodeBusy:
		return connect.CodeResourceExhausted
	case api.ReturnCodeTimeout:
		return connect.CodeDeadlineExceeded
	case api.ReturnCodeAborted:
		return connect.CodeAborted
	case api.ReturnCodeNotConnected, api.ReturnCodeNotReady:
		return connect.CodeUnavailable
	case api.ReturnCodeIllegalParameters:
		return connect.CodeInvalidArgument
	default:
		return connect.CodeInternal
	}
}
