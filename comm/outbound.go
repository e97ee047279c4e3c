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
	"github.com/DeepBlueCoffee/vespa/rpc"
)

// SendCommand sends cmd to cmd.Address() over the message bus and records
// it as pending until its reply arrives or it times out. A failed send does
// not return an error: the failure is delivered upward as a BUSY or
// NOT_CONNECTED reply, as any other outcome of the command would be.
func (m *Manager) SendCommand(ctx context.Context, cmd api.Command) error {
	if m.closed.Load() {
		return ErrClosed
	}
	addr := cmd.Address()
	if addr == "" {
		return fmt.Errorf("send %s: %w", cmd, ErrNoAddress)
	}
	if m.bus == nil {
		return fmt.Errorf("send %s: no message bus", cmd)
	}

	gen := m.gens.Acquire()
	if gen == nil {
		return fmt.Errorf("send %s: %w", cmd, ErrNotOpen)
	}

	timeout := cmd.Timeout()
	if timeout <= 0 {
		timeout = api.DefaultTimeout
	}
	now := m.now()
	e := &PendingEntry{
		ID:          cmd.ID(),
		Command:     cmd,
		Destination: addr,
		SentAt:      now,
		Deadline:    now.Add(timeout),
		Generation:  gen,
	}
	if err := m.pending.Add(e); err != nil {
		m.gens.Release(gen)
		return err
	}

	payload, flags, err := gen.Codec.Encode(cmd)
	if err != nil {
		if _, ok := m.pending.Remove(e.ID); ok {
			m.gens.Release(gen)
		}
		return fmt.Errorf("send %s: %w", cmd, err)
	}

	err = m.bus.Send(ctx, addr, &mbus.Frame{
		Protocol: mbus.ProtocolStorage,
		Flags:    uint8(flags),
		Priority: uint8(cmd.Priority()),
		ID:       uint64(cmd.ID()),
		Payload:  payload,
	})
	if err != nil {
		m.failSend(e, err)
		return nil
	}

	m.stats.sent.Add(1)
	m.metrics.RecordCommandSent(len(payload))
	return nil
}

func (m *Manager) failSend(e *PendingEntry, err error) {
	if _, ok := m.pending.Remove(e.ID); !ok {
		// Already answered or expired.
		return
	}
	m.gens.Release(e.Generation)

	code, reason := api.ReturnCodeNotConnected, "not_connected"
	if mbus.IsBusy(err) {
		code, reason = api.ReturnCodeBusy, "busy"
	}
	m.stats.sendFailures.Add(1)
	m.metrics.RecordSendFailure(reason)
	m.logger.Debug("failed to send command",
		slog.String("command", e.Command.String()),
		slog.String("destination", e.Destination),
		slog.String("error", err.Error()))

	reply := e.Command.MakeReply()
	reply.SetResult(api.Result{Code: code, Message: err.Error()})
	if err := m.Enqueue(reply); err != nil {
		m.logger.Debug("dropping send failure reply", slog.String("error", err.Error()))
	}
}

// SendReply routes reply to where its command came from. Replies to inbound
// commands go back on the originating transport. Replies produced locally
// for commands sent through SendCommand complete the pending entry and are
// queued upward. Anything else is counted as orphaned and dropped.
func (m *Manager) SendReply(ctx context.Context, reply api.Reply) error {
	id := reply.SourceID()

	if c, ok := m.contexts.take(id); ok {
		defer m.gens.Release(c.Generation())
		return m.routeReply(ctx, c, reply)
	}

	if e, ok := m.pending.Remove(id); ok {
		m.gens.Release(e.Generation)
		if m.bus != nil {
			m.bus.Forget(uint64(id))
		}
		return m.Enqueue(reply)
	}

	m.orphaned("processing chain reply", id)
	return nil
}

// routeReply encodes reply for the transport recorded in c and sends it.
// The caller keeps ownership of the pinned generation.
func (m *Manager) routeReply(ctx context.Context, c *TransportContext, reply api.Reply) error {
	var err error
	switch c.Kind() {
	case ContextDocument:
		err = m.replyDocumentContext(ctx, c, reply)
	case ContextStorage:
		err = m.replyStorageContext(ctx, c, reply)
	case ContextDirect:
		err = m.replyDirectContext(c, reply)
	default:
		err = fmt.Errorf("unknown context kind %s", c.Kind())
	}
	if err != nil {
		m.metrics.RecordError("reply")
		return fmt.Errorf("reply %s on %s transport: %w", reply, c.Kind(), err)
	}

	m.stats.replies.Add(1)
	m.metrics.RecordReplySent(c.Kind().String())
	return nil
}

func (m *Manager) replyDocumentContext(ctx context.Context, c *TransportContext, reply api.Reply) error {
	gen := c.Generation()
	out, err := gen.Converter.ToDocumentReply(reply)
	if err != nil {
		out = protocol.ErrorReply(c.DocumentRequest(), api.ReturnCodeInternalFailure, err.Error())
	}
	payload, err := documentapi.Encode(out)
	if err != nil {
		return err
	}
	return c.Inbound().Reply(ctx, &mbus.Frame{
		Protocol: mbus.ProtocolDocument,
		Priority: uint8(out.Priority()),
		ID:       uint64(reply.ID()),
		Payload:  payload,
	})
}

func (m *Manager) replyStorageContext(ctx context.Context, c *TransportContext, reply api.Reply) error {
	payload, flags, err := c.Generation().Codec.Encode(reply)
	if err != nil {
		return err
	}
	return c.Inbound().Reply(ctx, &mbus.Frame{
		Protocol: mbus.ProtocolStorage,
		Flags:    uint8(flags),
		Priority: uint8(reply.Priority()),
		ID:       uint64(reply.ID()),
		Payload:  payload,
	})
}

func (m *Manager) replyDirectContext(c *TransportContext, reply api.Reply) error {
	req := c.Request()
	resp, err := directResponse(req.Method, c.Generation(), reply)
	if err != nil {
		resp = rpc.Response{Err: rpc.ResultError(api.Result{Code: api.ReturnCodeInternalFailure, Message: err.Error()})}
	}
	if !req.Reply(resp) {
		return errors.New("direct request already answered")
	}
	return err
}

// directResponse renders reply for the RPC method it answers. Node state
// methods differ in serialization format; Invoke returns the encoded reply
// with its result inside.
func directResponse(method rpc.Method, gen *protocol.Generation, reply api.Reply) (rpc.Response, error) {
	if method == rpc.MethodInvoke {
		payload, flags, err := gen.Codec.Encode(reply)
		if err != nil {
			return rpc.Response{}, err
		}
		return rpc.Response{Flags: uint8(flags), Payload: payload}, nil
	}

	if res := reply.Result(); !res.Success() {
		return rpc.Response{Err: rpc.ResultError(res)}, nil
	}

	switch method {
	case rpc.MethodSetSystemState2:
		return rpc.Response{}, nil
	case rpc.MethodGetNodeState3, rpc.MethodGetNodeState2, rpc.MethodGetNodeState:
		r, ok := reply.(*api.GetNodeStateReply)
		if !ok {
			return rpc.Response{}, fmt.Errorf("%s cannot answer %s", reply.Type(), method)
		}
		if r.State == nil {
			return rpc.Response{}, fmt.Errorf("%s carries no node state", reply.Type())
		}
		return rpc.Response{
			State:    protocol.NodeStateString(r.State, nodeStateFormat(method)),
			NodeInfo: r.NodeInfo,
		}, nil
	default:
		return rpc.Response{}, fmt.Errorf("unsupported method %s", method)
	}
}

func nodeStateFormat(method rpc.Method) protocol.NodeStateFormat {
	switch method {
	case rpc.MethodGetNodeState:
		return protocol.NodeStateFormat{IncludeDescription: true, Legacy: true}
	default:
		return protocol.NodeStateFormat{IncludeDescription: true, IncludeDiskDescription: true}
	}
}
