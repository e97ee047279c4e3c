// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package comm

import (
	"fmt"
	"sync"

	"github.com/DeepBlueCoffee/vespa/api"
	"github.com/DeepBlueCoffee/vespa/documentapi"
	"github.com/DeepBlueCoffee/vespa/mbus"
	"github.com/DeepBlueCoffee/vespa/protocol"
	"github.com/DeepBlueCoffee/vespa/rpc"
)

// ContextKind tags the transport an inbound command arrived on.
type ContextKind uint8

const (
	// ContextDocument is a document API message from the message bus.
	ContextDocument ContextKind = iota + 1
	// ContextStorage is a storage protocol message from the message bus.
	ContextStorage
	// ContextDirect is a direct RPC request.
	ContextDirect
)

func (k ContextKind) String() string {
	switch k {
	case ContextDocument:
		return "document"
	case ContextStorage:
		return "storage"
	case ContextDirect:
		return "direct"
	default:
		return fmt.Sprintf("ContextKind(%d)", uint8(k))
	}
}

// TransportContext records where the reply to an inbound command must go.
// Exactly one variant is set; reading another one panics. The context pins
// the protocol generation the command was decoded with until it is released.
type TransportContext struct {
	kind       ContextKind
	inbound    *mbus.Inbound
	docRequest documentapi.Request
	request    *rpc.Request
	generation *protocol.Generation
	command    api.Command
}

func newDocumentContext(cmd api.Command, in *mbus.Inbound, req documentapi.Request, gen *protocol.Generation) *TransportContext {
	return &TransportContext{kind: ContextDocument, command: cmd, inbound: in, docRequest: req, generation: gen}
}

func newStorageContext(cmd api.Command, in *mbus.Inbound, gen *protocol.Generation) *TransportContext {
	return &TransportContext{kind: ContextStorage, command: cmd, inbound: in, generation: gen}
}

func newDirectContext(cmd api.Command, req *rpc.Request, gen *protocol.Generation) *TransportContext {
	return &TransportContext{kind: ContextDirect, command: cmd, request: req, generation: gen}
}

// Kind returns the active variant.
func (c *TransportContext) Kind() ContextKind {
	return c.kind
}

// Inbound returns the message bus frame of a document or storage context.
func (c *TransportContext) Inbound() *mbus.Inbound {
	if c.kind != ContextDocument && c.kind != ContextStorage {
		panic(fmt.Sprintf("comm: Inbound called on %s context", c.kind))
	}
	return c.inbound
}

// DocumentRequest returns the decoded document request of a document
// context.
func (c *TransportContext) DocumentRequest() documentapi.Request {
	if c.kind != ContextDocument {
		panic(fmt.Sprintf("comm: DocumentRequest called on %s context", c.kind))
	}
	return c.docRequest
}

// Request returns the pending call of a direct context.
func (c *TransportContext) Request() *rpc.Request {
	if c.kind != ContextDirect {
		panic(fmt.Sprintf("comm: Request called on %s context", c.kind))
	}
	return c.request
}

// Command returns the inbound command the context belongs to.
func (c *TransportContext) Command() api.Command {
	return c.command
}

// Generation returns the pinned protocol generation, or nil.
func (c *TransportContext) Generation() *protocol.Generation {
	return c.generation
}

// contextTable maps inbound command IDs to their transport contexts.
type contextTable struct {
	mu       sync.Mutex
	contexts map[api.MessageID]*TransportContext
}

func newContextTable() *contextTable {
	return &contextTable{contexts: make(map[api.MessageID]*TransportContext)}
}

func (t *contextTable) put(id api.MessageID, c *TransportContext) {
	t.mu.Lock()
	t.contexts[id] = c
	t.mu.Unlock()
}

// take removes and returns the context stored for id.
func (t *contextTable) take(id api.MessageID) (*TransportContext, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.contexts[id]
	if ok {
		delete(t.contexts, id)
	}
	return c, ok
}

func (t *contextTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.contexts)
}

// drain removes and returns every context.
func (t *contextTable) drain() map[api.MessageID]*TransportContext {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.contexts
	t.contexts = make(map[api.MessageID]*TransportContext)
	return out
}
