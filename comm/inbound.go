// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package comm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/DeepBlueCoffee/vespa/api"
	"github.com/DeepBlueCoffee/vespa/documentapi"
	"github.com/DeepBlueCoffee/vespa/mbus"
	"github.com/DeepBlueCoffee/vespa/protocol"
	"github.com/DeepBlueCoffee/vespa/queue"
	"github.com/DeepBlueCoffee/vespa/rpc"
)

// HandleMessage accepts a message frame from the message bus. The frame is
// decoded with the current protocol generation, converted to a storage
// command and queued. Frames that cannot be converted or queued are answered
// at once on the connection they arrived on.
func (m *Manager) HandleMessage(in *mbus.Inbound) {
	ctx := context.Background()
	if m.closed.Load() {
		m.replyFrameError(ctx, in, "communication manager closed")
		return
	}

	gen := m.gens.Acquire()
	if gen == nil {
		m.replyFrameError(ctx, in, "communication manager not open")
		return
	}

	switch in.Protocol {
	case mbus.ProtocolDocument:
		m.handleDocument(ctx, in, gen)
	case mbus.ProtocolStorage:
		m.handleStorage(ctx, in, gen)
	default:
		m.gens.Release(gen)
		m.metrics.RecordError("unknown_protocol")
		m.replyFrameError(ctx, in, fmt.Sprintf("unsupported protocol %s", in.Protocol))
	}
}

func (m *Manager) handleDocument(ctx context.Context, in *mbus.Inbound, gen *protocol.Generation) {
	msg, err := documentapi.Decode(in.Payload)
	if err != nil {
		m.gens.Release(gen)
		m.metrics.RecordError("decode")
		m.replyFrameError(ctx, in, err.Error())
		return
	}
	req, ok := msg.(documentapi.Request)
	if !ok {
		m.gens.Release(gen)
		m.replyFrameError(ctx, in, fmt.Sprintf("%s is not a request", msg.Type()))
		return
	}
	req.SetPriority(documentapi.Priority(in.Priority))

	cmd, err := gen.Converter.ToStorage(req)
	if err != nil {
		m.gens.Release(gen)
		m.metrics.RecordError("convert")
		m.replyDocument(ctx, in, protocol.ErrorReply(req, api.ReturnCodeIllegalParameters, err.Error()))
		return
	}

	c := newDocumentContext(cmd, in, req, gen)
	if err := m.accept(c, len(in.Payload), "document"); err != nil {
		m.replyDocument(ctx, in, protocol.ErrorReply(req, enqueueFailureCode(err), err.Error()))
		m.gens.Release(gen)
	}
}

func (m *Manager) handleStorage(ctx context.Context, in *mbus.Inbound, gen *protocol.Generation) {
	msg, err := gen.Codec.Decode(in.Payload, protocol.Flags(in.Flags&^mbus.FlagError))
	if err != nil {
		m.gens.Release(gen)
		m.metrics.RecordError("decode")
		m.replyFrameError(ctx, in, err.Error())
		return
	}
	cmd, ok := msg.(api.Command)
	if !ok {
		m.gens.Release(gen)
		m.replyFrameError(ctx, in, fmt.Sprintf("%s is not a command", msg.Type()))
		return
	}
	cmd.SetPriority(api.Priority(in.Priority))

	c := newStorageContext(cmd, in, gen)
	if err := m.accept(c, len(in.Payload), "storage"); err != nil {
		reply := cmd.MakeReply()
		reply.SetResult(api.Result{Code: enqueueFailureCode(err), Message: err.Error()})
		if err := m.routeReply(ctx, c, reply); err != nil {
			m.logger.Debug("failed to reject storage message", slog.String("error", err.Error()))
		}
		m.gens.Release(gen)
	}
}

// HandleRequest accepts a direct RPC call. Node state and system state calls
// become storage commands; Invoke payloads are decoded with the current
// protocol generation.
func (m *Manager) HandleRequest(req *rpc.Request) {
	if m.closed.Load() {
		req.Reply(rpc.Response{Err: rpc.ResultError(api.Result{Code: api.ReturnCodeAborted, Message: "communication manager closed"})})
		return
	}

	var (
		cmd api.Command
		gen *protocol.Generation
	)
	switch req.Method {
	case rpc.MethodGetNodeState3, rpc.MethodGetNodeState2, rpc.MethodGetNodeState:
		cmd = api.NewGetNodeStateCommand(nil)
	case rpc.MethodSetSystemState2:
		cmd = api.NewSetSystemStateCommand(req.SystemState)
	case rpc.MethodInvoke:
		gen = m.gens.Acquire()
		if gen == nil {
			req.Reply(rpc.Response{Err: rpc.ResultError(api.Result{Code: api.ReturnCodeNotReady, Message: "communication manager not open"})})
			return
		}
		msg, err := gen.Codec.Decode(req.Payload, protocol.Flags(req.Flags))
		if err == nil {
			var ok bool
			if cmd, ok = msg.(api.Command); !ok {
				err = fmt.Errorf("%s is not a command", msg.Type())
			}
		}
		if err != nil {
			m.gens.Release(gen)
			m.metrics.RecordError("decode")
			req.Reply(rpc.Response{Err: rpc.ResultError(api.Result{Code: api.ReturnCodeIllegalParameters, Message: err.Error()})})
			return
		}
	default:
		req.Reply(rpc.Response{Err: rpc.ResultError(api.Result{Code: api.ReturnCodeNotImplemented, Message: req.Method.String()})})
		return
	}

	c := newDirectContext(cmd, req, gen)
	if err := m.accept(c, len(req.Payload), "direct"); err != nil {
		req.Reply(rpc.Response{Err: rpc.ResultError(api.Result{Code: enqueueFailureCode(err), Message: err.Error()})})
		m.gens.Release(gen)
	}
}

// accept records c and queues its command. On failure the context is
// removed again and the caller keeps ownership of the generation.
func (m *Manager) accept(c *TransportContext, size int, transport string) error {
	cmd := c.Command()
	m.contexts.put(cmd.ID(), c)
	if err := m.Enqueue(cmd); err != nil {
		if _, ok := m.contexts.take(cmd.ID()); !ok {
			// Close already answered and released it.
			return nil
		}
		return err
	}
	m.stats.received.Add(1)
	m.metrics.RecordReceived(transport, size)
	return nil
}

func enqueueFailureCode(err error) api.ReturnCode {
	if errors.Is(err, queue.ErrFull) {
		return api.ReturnCodeBusy
	}
	return api.ReturnCodeAborted
}

// HandleReply accepts a reply to a command sent through SendCommand. It is
// decoded with the generation that encoded the command and queued upward.
// Replies matching no pending command are counted and dropped.
func (m *Manager) HandleReply(in *mbus.Inbound) {
	e, ok := m.pending.Remove(api.MessageID(in.ReplyTo))
	if !ok {
		m.orphaned("message bus reply", api.MessageID(in.ReplyTo))
		return
	}
	defer m.gens.Release(e.Generation)

	reply, err := m.decodeReply(in, e)
	if err != nil {
		reply = e.Command.MakeReply()
		reply.SetResult(api.Result{Code: api.ReturnCodeInternalFailure, Message: err.Error()})
		m.metrics.RecordError("decode")
	}
	reply.SetSourceID(e.ID)

	if err := m.Enqueue(reply); err != nil {
		m.logger.Debug("dropping reply",
			slog.String("reply", reply.String()),
			slog.String("error", err.Error()))
	}
}

func (m *Manager) decodeReply(in *mbus.Inbound, e *PendingEntry) (api.Reply, error) {
	if in.IsError() {
		return nil, fmt.Errorf("%s rejected %s: %s", e.Destination, e.Command.Type(), in.Payload)
	}
	if in.Protocol != mbus.ProtocolStorage {
		return nil, fmt.Errorf("reply from %s uses %s protocol", e.Destination, in.Protocol)
	}

	msg, err := e.Generation.Codec.Decode(in.Payload, protocol.Flags(in.Flags))
	if err != nil {
		return nil, err
	}
	reply, ok := msg.(api.Reply)
	if !ok {
		return nil, fmt.Errorf("%s is not a reply", msg.Type())
	}
	return reply, nil
}

func (m *Manager) orphaned(what string, id api.MessageID) {
	m.stats.orphanedReplies.Add(1)
	m.metrics.RecordOrphanedReply()
	m.logger.Debug("dropping orphaned reply",
		slog.String("source", what),
		slog.Uint64("id", uint64(id)))
}

func (m *Manager) replyFrameError(ctx context.Context, in *mbus.Inbound, msg string) {
	if err := in.ReplyError(ctx, msg); err != nil {
		m.logger.Debug("failed to send error frame",
			slog.String("peer", in.Peer),
			slog.String("error", err.Error()))
	}
}

func (m *Manager) replyDocument(ctx context.Context, in *mbus.Inbound, reply documentapi.Reply) {
	payload, err := documentapi.Encode(reply)
	if err != nil {
		m.replyFrameError(ctx, in, err.Error())
		return
	}
	if err := in.Reply(ctx, &mbus.Frame{
		Protocol: mbus.ProtocolDocument,
		Priority: uint8(reply.Priority()),
		ID:       uint64(api.NextID()),
		Payload:  payload,
	}); err != nil {
		m.logger.Debug("failed to send document reply",
			slog.String("peer", in.Peer),
			slog.String("error", err.Error()))
	}
}
