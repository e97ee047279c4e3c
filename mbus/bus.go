// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mbus

import (
	"context"
	"errors"
	"net"
	"sync"
)

// Bus joins a Listener and a SourceSession behind one handler: messages
// from peers and replies to our own sends both reach it.
type Bus struct {
	listener *Listener
	source   *SourceSession

	mu     sync.Mutex
	opened bool
	closed bool
}

// New creates a bus from cfg. Nothing is bound until Open.
func New(cfg Config) *Bus {
	cfg = cfg.withDefaults()
	return &Bus{
		listener: NewListener(cfg),
		source:   NewSourceSession(cfg, nil),
	}
}

// Open binds the listeners and starts routing frames to h.
func (b *Bus) Open(_ context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.opened {
		return errors.New("message bus already open")
	}

	b.source.setHandler(h)
	if err := b.listener.Start(h); err != nil {
		return err
	}
	b.opened = true
	return nil
}

// Send forwards f to addr through the source session.
func (b *Bus) Send(ctx context.Context, addr string, f *Frame) error {
	return b.source.Send(ctx, addr, f)
}

// Forget releases the pending slot of frame id.
func (b *Bus) Forget(id uint64) {
	b.source.Forget(id)
}

// SetLimits replaces the source session pending limits.
func (b *Bus) SetLimits(l Limits) {
	b.source.SetLimits(l)
}

// Pending returns the number and size of sent frames awaiting replies.
func (b *Bus) Pending() (int, int64) {
	return b.source.Pending()
}

// Addr returns the bound TCP address.
func (b *Bus) Addr() net.Addr {
	return b.listener.Addr()
}

// WSAddr returns the bound WebSocket address.
func (b *Bus) WSAddr() net.Addr {
	return b.listener.WSAddr()
}

// Close shuts the listener down and closes every outbound connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	return errors.Join(b.listener.Shutdown(), b.source.Close())
}
