// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
)

// SourceSession sends message frames to destinations and routes the replies
// that come back on the same connections to the Handler. One connection and
// one circuit breaker are kept per destination address.
type SourceSession struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	handler  Handler
	conns    map[string]conn
	breakers map[string]*gobreaker.CircuitBreaker
	dialing  map[string]*sync.Mutex

	// pending holds the wire size of every frame sent and not yet replied
	// to or forgotten.
	pending     map[uint64]int
	pendingSize int64
	limits      Limits

	wg     sync.WaitGroup
	closed bool
}

// NewSourceSession creates a session delivering replies to h.
func NewSourceSession(cfg Config, h Handler) *SourceSession {
	cfg = cfg.withDefaults()
	return &SourceSession{
		cfg:      cfg,
		logger:   cfg.Logger,
		handler:  h,
		conns:    make(map[string]conn),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		dialing:  make(map[string]*sync.Mutex),
		pending:  make(map[uint64]int),
		limits:   cfg.Limits,
	}
}

// SetLimits replaces the pending limits. Frames already pending are not
// affected.
func (s *SourceSession) SetLimits(l Limits) {
	s.mu.Lock()
	s.limits = l
	s.mu.Unlock()
}

// Limits returns the current pending limits.
func (s *SourceSession) Limits() Limits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits
}

// Pending returns the number and total wire size of pending frames.
func (s *SourceSession) Pending() (int, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), s.pendingSize
}

// Send writes f to the destination at addr, dialing it if needed. Addresses
// with a ws:// or wss:// scheme are dialed as WebSocket endpoints, all
// others as TCP. The frame counts as pending until its reply arrives or
// Forget is called with its ID.
func (s *SourceSession) Send(ctx context.Context, addr string, f *Frame) error {
	f.Kind = KindMessage
	if err := s.reserve(f); err != nil {
		return err
	}

	breaker := s.breaker(addr)
	_, err := breaker.Execute(func() (any, error) {
		c, err := s.connection(ctx, addr)
		if err != nil {
			return nil, err
		}
		if err := c.WriteFrame(f); err != nil {
			s.dropConn(addr, c)
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		s.Forget(f.ID)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("send to %s: %w", addr, ErrCircuitOpen)
		}
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	return nil
}

func (s *SourceSession) reserve(f *Frame) error {
	size := f.Size()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, ok := s.pending[f.ID]; ok {
		return fmt.Errorf("frame %d already pending", f.ID)
	}
	if s.limits.MaxPendingCount > 0 && len(s.pending) >= s.limits.MaxPendingCount {
		return ErrThrottled
	}
	// A single frame larger than the size limit still goes out when nothing
	// else is pending.
	if s.limits.MaxPendingSize > 0 && len(s.pending) > 0 && s.pendingSize+int64(size) > s.limits.MaxPendingSize {
		return ErrThrottled
	}

	s.pending[f.ID] = size
	s.pendingSize += int64(size)
	return nil
}

// Forget releases the pending slot held by frame id. Replies arriving for
// it later are still delivered to the Handler.
func (s *SourceSession) Forget(id uint64) {
	s.mu.Lock()
	if size, ok := s.pending[id]; ok {
		delete(s.pending, id)
		s.pendingSize -= int64(size)
	}
	s.mu.Unlock()
}

func (s *SourceSession) breaker(addr string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[addr]; ok {
		return cb
	}
	threshold := s.cfg.BreakerThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        addr,
		MaxRequests: 1,
		Timeout:     s.cfg.BreakerResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			s.logger.Warn("message bus circuit breaker state changed",
				slog.String("destination", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	s.breakers[addr] = cb
	return cb
}

// BreakerState returns the circuit state for addr.
func (s *SourceSession) BreakerState(addr string) gobreaker.State {
	return s.breaker(addr).State()
}

func (s *SourceSession) connection(ctx context.Context, addr string) (conn, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if c, ok := s.conns[addr]; ok {
		s.mu.Unlock()
		return c, nil
	}
	dmu, ok := s.dialing[addr]
	if !ok {
		dmu = &sync.Mutex{}
		s.dialing[addr] = dmu
	}
	s.mu.Unlock()

	// One dial per destination at a time; later callers reuse the result.
	dmu.Lock()
	defer dmu.Unlock()

	s.mu.Lock()
	if c, ok := s.conns[addr]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	c, err := s.dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.Close()
		return nil, ErrClosed
	}
	s.conns[addr] = c
	s.wg.Add(1)
	s.mu.Unlock()

	go s.readReplies(addr, c)
	return c, nil
}

func (s *SourceSession) dial(ctx context.Context, addr string) (conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		dialer := websocket.Dialer{HandshakeTimeout: s.cfg.DialTimeout}
		ws, _, err := dialer.DialContext(ctx, addr, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return newWSConn(ws, addr, s.cfg.connOptions()), nil
	}

	d := net.Dialer{KeepAlive: s.cfg.TCPKeepAlive}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if tc, ok := c.(*net.TCPConn); ok && !s.cfg.DisableNoDelay {
		tc.SetNoDelay(true)
	}
	return newTCPConn(c, s.cfg.connOptions()), nil
}

func (s *SourceSession) readReplies(addr string, c conn) {
	defer s.wg.Done()
	defer s.dropConn(addr, c)

	for {
		f, err := c.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.logger.Debug("destination connection read failed",
					slog.String("destination", addr),
					slog.String("error", err.Error()))
			}
			return
		}

		if f.Kind != KindReply {
			s.logger.Warn("unexpected frame on outbound connection",
				slog.String("destination", addr),
				slog.String("kind", f.Kind.String()))
			continue
		}

		s.Forget(f.ReplyTo)
		if h := s.currentHandler(); h != nil {
			h.HandleReply(NewInbound(*f, addr, c.ID(), nil))
		}
	}
}

func (s *SourceSession) currentHandler() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

func (s *SourceSession) setHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *SourceSession) dropConn(addr string, c conn) {
	s.mu.Lock()
	if cur, ok := s.conns[addr]; ok && cur == c {
		delete(s.conns, addr)
	}
	s.mu.Unlock()
	c.Close()
}

// Close closes every destination connection and waits for their read loops.
func (s *SourceSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	clear(s.conns)
	clear(s.pending)
	s.pendingSize = 0
	s.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	return errors.Join(errs...)
}
