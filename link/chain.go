// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package link is the processing chain above the communication manager. It
// answers node state and system state commands itself and rejects every
// other command type that has no registered handler.
package link

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/DeepBlueCoffee/vespa/api"
)

// MaxNodeStateWait bounds how long a node state request carrying an
// expected state is held while the state stays equal to it.
const MaxNodeStateWait = 30 * time.Second

// Sender is the downward path of the chain.
type Sender interface {
	SendCommand(ctx context.Context, cmd api.Command) error
	SendReply(ctx context.Context, reply api.Reply) error
}

// HandlerFunc handles one command type. Returning nil means the handler
// took ownership of the command and replies later through the chain.
type HandlerFunc func(ctx context.Context, cmd api.Command) api.Reply

// ReplyFunc receives replies to commands sent through the chain.
type ReplyFunc func(ctx context.Context, reply api.Reply)

// Chain dispatches messages delivered by the communication manager.
type Chain struct {
	logger *slog.Logger
	sender Sender
	status *NodeStatus

	mu       sync.RWMutex
	handlers map[api.Type]HandlerFunc
	onReply  ReplyFunc

	waitMu  sync.Mutex
	waiters map[api.MessageID]*stateWaiter
}

type stateWaiter struct {
	cmd   *api.GetNodeStateCommand
	timer *time.Timer
}

// NewChain creates a chain replying through sender.
func NewChain(sender Sender, status *NodeStatus, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Chain{
		logger:   logger,
		sender:   sender,
		status:   status,
		handlers: make(map[api.Type]HandlerFunc),
		waiters:  make(map[api.MessageID]*stateWaiter),
	}
	c.handlers[api.TypeGetNodeState] = c.getNodeState
	c.handlers[api.TypeSetSystemState] = c.setSystemState
	status.Subscribe(c.stateChanged)
	return c
}

// Handle registers h for commands of type t, replacing any previous one.
func (c *Chain) Handle(t api.Type, h HandlerFunc) {
	c.mu.Lock()
	c.handlers[t] = h
	c.mu.Unlock()
}

// OnReply registers the receiver of replies to outbound commands.
func (c *Chain) OnReply(fn ReplyFunc) {
	c.mu.Lock()
	c.onReply = fn
	c.mu.Unlock()
}

// Send sends cmd downward. Its reply is delivered to the OnReply receiver.
func (c *Chain) Send(ctx context.Context, cmd api.Command) error {
	return c.sender.SendCommand(ctx, cmd)
}

// DeliverUp handles msg. It is called from the dispatch loop and must not
// block.
func (c *Chain) DeliverUp(ctx context.Context, msg api.Message) {
	switch m := msg.(type) {
	case api.Reply:
		c.mu.RLock()
		fn := c.onReply
		c.mu.RUnlock()
		if fn == nil {
			c.logger.Debug("dropping reply", slog.String("reply", m.String()))
			return
		}
		fn(ctx, m)
	case api.Command:
		c.mu.RLock()
		h, ok := c.handlers[m.Type()]
		c.mu.RUnlock()

		var reply api.Reply
		switch {
		case !ok:
			reply = api.ErrorReply(m, api.ReturnCodeNotImplemented, m.Type().String()+" is not implemented")
		default:
			reply = h(ctx, m)
		}
		if reply != nil {
			c.reply(ctx, reply)
		}
	}
}

func (c *Chain) reply(ctx context.Context, reply api.Reply) {
	if err := c.sender.SendReply(ctx, reply); err != nil {
		c.logger.Warn("failed to send reply",
			slog.String("reply", reply.String()),
			slog.String("error", err.Error()))
	}
}

func (c *Chain) getNodeState(_ context.Context, cmd api.Command) api.Reply {
	gs := cmd.(*api.GetNodeStateCommand)
	current := c.status.NodeState()
	if gs.ExpectedState == nil || !reflect.DeepEqual(gs.ExpectedState, current) {
		return c.nodeStateReply(gs, current)
	}

	wait := gs.Timeout()
	if wait <= 0 || wait > MaxNodeStateWait {
		wait = MaxNodeStateWait
	}
	w := &stateWaiter{cmd: gs}
	c.waitMu.Lock()
	c.waiters[gs.ID()] = w
	w.timer = time.AfterFunc(wait, func() { c.release(gs.ID()) })
	c.waitMu.Unlock()
	return nil
}

func (c *Chain) nodeStateReply(cmd *api.GetNodeStateCommand, state *api.NodeState) api.Reply {
	reply := cmd.MakeReply().(*api.GetNodeStateReply)
	reply.State = state
	reply.NodeInfo = c.status.InfoJSON()
	return reply
}

// release answers a held node state request with the current state.
func (c *Chain) release(id api.MessageID) {
	c.waitMu.Lock()
	w, ok := c.waiters[id]
	delete(c.waiters, id)
	c.waitMu.Unlock()
	if !ok {
		return
	}
	w.timer.Stop()
	c.reply(context.Background(), c.nodeStateReply(w.cmd, c.status.NodeState()))
}

func (c *Chain) stateChanged(*api.NodeState) {
	c.waitMu.Lock()
	ids := make([]api.MessageID, 0, len(c.waiters))
	for id := range c.waiters {
		ids = append(ids, id)
	}
	c.waitMu.Unlock()

	for _, id := range ids {
		c.release(id)
	}
}

// Waiting returns the number of held node state requests.
func (c *Chain) Waiting() int {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return len(c.waiters)
}

func (c *Chain) setSystemState(_ context.Context, cmd api.Command) api.Reply {
	ss := cmd.(*api.SetSystemStateCommand)
	c.status.SetSystemState(ss.SystemState)
	c.logger.Info("received cluster state", slog.String("state", ss.SystemState))
	return ss.MakeReply()
}

// Close answers every held node state request.
func (c *Chain) Close() {
	c.stateChanged(nil)
}
