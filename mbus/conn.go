// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mbus

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/DeepBlueCoffee/vespa/internal/bufpool"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var errNotBinary = errors.New("expected binary message")

// conn is a bidirectional frame stream over TCP or WebSocket.
type conn interface {
	ID() string
	RemoteAddr() net.Addr
	ReadFrame() (*Frame, error)
	WriteFrame(f *Frame) error
	Close() error
}

type connOptions struct {
	maxFrameSize int
	readTimeout  time.Duration
	writeTimeout time.Duration
}

type tcpConn struct {
	id   string
	conn net.Conn
	r    *bufio.Reader
	opts connOptions

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newTCPConn(c net.Conn, opts connOptions) *tcpConn {
	return &tcpConn{
		id:   uuid.NewString(),
		conn: c,
		r:    bufio.NewReaderSize(c, 8192),
		opts: opts,
	}
}

func (c *tcpConn) ID() string           { return c.id }
func (c *tcpConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *tcpConn) ReadFrame() (*Frame, error) {
	if c.opts.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.readTimeout)); err != nil {
			return nil, err
		}
	}
	return ReadFrame(c.r, c.opts.maxFrameSize)
}

func (c *tcpConn) WriteFrame(f *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout)); err != nil {
			return err
		}
	}
	return WriteFrame(c.conn, f)
}

func (c *tcpConn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.conn.Close() })
	return c.closeErr
}

// wsConn carries exactly one frame per binary WebSocket message.
type wsConn struct {
	id         string
	ws         *websocket.Conn
	remoteAddr string
	opts       connOptions

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSConn(ws *websocket.Conn, remoteAddr string, opts connOptions) *wsConn {
	if opts.maxFrameSize > 0 {
		ws.SetReadLimit(int64(opts.maxFrameSize))
	}
	return &wsConn{
		id:         uuid.NewString(),
		ws:         ws,
		remoteAddr: remoteAddr,
		opts:       opts,
	}
}

func (c *wsConn) ID() string           { return c.id }
func (c *wsConn) RemoteAddr() net.Addr { return wsAddr(c.remoteAddr) }

func (c *wsConn) ReadFrame() (*Frame, error) {
	if c.opts.readTimeout > 0 {
		if err := c.ws.SetReadDeadline(time.Now().Add(c.opts.readTimeout)); err != nil {
			return nil, err
		}
	}

	messageType, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.BinaryMessage {
		return nil, errNotBinary
	}
	return UnmarshalFrame(data, c.opts.maxFrameSize)
}

func (c *wsConn) WriteFrame(f *Frame) error {
	buf := bufpool.Get(f.Size())
	defer bufpool.Put(buf)
	*buf = f.appendTo(*buf)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout)); err != nil {
			return err
		}
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, *buf)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.ws.Close() })
	return c.closeErr
}

type wsAddr string

func (a wsAddr) Network() string { return "websocket" }
func (a wsAddr) String() string  { return string(a) }
