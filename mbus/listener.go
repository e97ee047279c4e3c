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
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Listener is the destination side of the bus. It accepts TCP and WebSocket
// connections and hands every message frame to the Handler together with a
// reply path bound to the connection it arrived on.
type Listener struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	cfg      Config
	handler  Handler
	tcp      net.Listener
	ws       net.Listener
	http     *http.Server
	upgrader websocket.Upgrader
	connSem  chan struct{}
	conns    map[string]conn

	acceptDone chan struct{}
	started    bool
	closed     bool
}

// NewListener creates a listener. Nothing is bound until Start.
func NewListener(cfg Config) *Listener {
	cfg = cfg.withDefaults()

	var connSem chan struct{}
	if cfg.MaxConnections > 0 {
		connSem = make(chan struct{}, cfg.MaxConnections)
	}

	return &Listener{
		cfg:     cfg,
		connSem: connSem,
		conns:   make(map[string]conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Start binds the configured addresses and begins accepting connections.
func (l *Listener) Start(h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.started {
		return errors.New("listener already started")
	}
	l.handler = h

	if l.cfg.TCPAddr != "" {
		ln, err := net.Listen("tcp", l.cfg.TCPAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", l.cfg.TCPAddr, err)
		}
		l.tcp = ln
		l.acceptDone = make(chan struct{})
		go l.runAcceptLoop(ln)
		l.cfg.Logger.Info("message bus TCP listener started", slog.String("address", ln.Addr().String()))
	}

	if l.cfg.WSAddr != "" {
		ln, err := net.Listen("tcp", l.cfg.WSAddr)
		if err != nil {
			if l.tcp != nil {
				l.tcp.Close()
				<-l.acceptDone
			}
			return fmt.Errorf("failed to listen on %s: %w", l.cfg.WSAddr, err)
		}

		mux := http.NewServeMux()
		mux.HandleFunc(l.cfg.WSPath, l.handleWebSocket)
		l.ws = ln
		l.http = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := l.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				l.cfg.Logger.Error("message bus websocket server failed", slog.String("error", err.Error()))
			}
		}()
		l.cfg.Logger.Info("message bus websocket listener started",
			slog.String("address", ln.Addr().String()),
			slog.String("path", l.cfg.WSPath))
	}

	l.started = true
	return nil
}

// Addr returns the bound TCP address, or nil.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tcp == nil {
		return nil
	}
	return l.tcp.Addr()
}

// WSAddr returns the bound WebSocket address, or nil.
func (l *Listener) WSAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ws == nil {
		return nil
	}
	return l.ws.Addr()
}

func (l *Listener) runAcceptLoop(ln net.Listener) {
	defer close(l.acceptDone)
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.cfg.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
			continue
		}

		if !l.admit(c.RemoteAddr()) {
			c.Close()
			continue
		}

		if tc, ok := c.(*net.TCPConn); ok {
			if err := l.configureTCPConn(tc); err != nil {
				l.cfg.Logger.Error("failed to configure TCP connection", slog.String("error", err.Error()))
				l.releaseConnectionSlot()
				c.Close()
				continue
			}
		}

		if !l.serve(newTCPConn(c, l.cfg.connOptions())) {
			l.releaseConnectionSlot()
		}
	}
}

func (l *Listener) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !l.admit(wsAddr(r.RemoteAddr)) {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.releaseConnectionSlot()
		l.cfg.Logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	if !l.serve(newWSConn(ws, r.RemoteAddr, l.cfg.connOptions())) {
		l.releaseConnectionSlot()
	}
}

// admit applies the per-peer rate limit and takes a connection slot.
func (l *Listener) admit(addr net.Addr) bool {
	if l.cfg.Limiter != nil && !l.cfg.Limiter.Allow(addr) {
		l.cfg.Logger.Warn("connection rate limit exceeded, rejecting connection",
			slog.String("remote", addr.String()))
		return false
	}

	if l.connSem == nil {
		return true
	}
	select {
	case l.connSem <- struct{}{}:
		return true
	default:
		l.cfg.Logger.Warn("connection limit reached, rejecting connection",
			slog.String("remote", addr.String()))
		return false
	}
}

func (l *Listener) releaseConnectionSlot() {
	if l.connSem != nil {
		<-l.connSem
	}
}

// serve registers c and starts its read loop. It returns false when the
// listener is shutting down, in which case c has been closed.
func (l *Listener) serve(c conn) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		c.Close()
		return false
	}
	l.conns[c.ID()] = c
	l.wg.Add(1)
	l.mu.Unlock()

	go l.handleConnection(c)
	return true
}

func (l *Listener) handleConnection(c conn) {
	defer l.wg.Done()
	defer l.releaseConnectionSlot()
	defer func() {
		l.mu.Lock()
		delete(l.conns, c.ID())
		l.mu.Unlock()
		c.Close()
	}()

	peer := c.RemoteAddr().String()
	l.cfg.Logger.Debug("connection established",
		slog.String("remote", peer),
		slog.String("conn_id", c.ID()))

	reply := func(_ context.Context, f *Frame) error {
		return c.WriteFrame(f)
	}

	for {
		f, err := c.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				l.cfg.Logger.Debug("connection read failed",
					slog.String("remote", peer),
					slog.String("error", err.Error()))
			}
			break
		}

		switch f.Kind {
		case KindMessage:
			l.handler.HandleMessage(NewInbound(*f, peer, c.ID(), reply))
		default:
			l.cfg.Logger.Warn("unexpected frame on inbound connection",
				slog.String("remote", peer),
				slog.String("kind", f.Kind.String()))
		}
	}

	l.cfg.Logger.Debug("connection closed", slog.String("remote", peer))
}

func (l *Listener) configureTCPConn(c *net.TCPConn) error {
	if l.cfg.TCPKeepAlive > 0 {
		if err := c.SetKeepAlive(true); err != nil {
			return fmt.Errorf("failed to enable keepalive: %w", err)
		}
		if err := c.SetKeepAlivePeriod(l.cfg.TCPKeepAlive); err != nil {
			return fmt.Errorf("failed to set keepalive period: %w", err)
		}
	}

	if !l.cfg.DisableNoDelay {
		if err := c.SetNoDelay(true); err != nil {
			return fmt.Errorf("failed to set TCP_NODELAY: %w", err)
		}
	}

	return nil
}

// Shutdown stops accepting connections and waits up to ShutdownTimeout for
// open connections to end before closing them.
func (l *Listener) Shutdown() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	tcp, ws, srv, acceptDone := l.tcp, l.ws, l.http, l.acceptDone
	l.mu.Unlock()

	var errs []error
	if tcp != nil {
		if err := tcp.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		<-acceptDone
	}
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ShutdownTimeout)
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("websocket server shutdown: %w", err))
		}
		cancel()
	} else if ws != nil {
		ws.Close()
	}

	l.closeConns()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.cfg.Logger.Info("message bus listener stopped")
	case <-time.After(l.cfg.ShutdownTimeout):
		l.cfg.Logger.Warn("shutdown timeout exceeded, abandoning connections")
		errs = append(errs, ErrShutdownTimeout)
	}
	return errors.Join(errs...)
}

func (l *Listener) closeConns() {
	l.mu.Lock()
	conns := make([]conn, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
