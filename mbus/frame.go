// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mbus implements the message bus transport: a framed protocol over
// TCP and WebSocket, a destination session accepting messages and a source
// session sending them.
package mbus

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/DeepBlueCoffee/vespa/internal/bufpool"
)

var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrInvalidFrame  = errors.New("invalid frame")
)

// Kind tells messages from replies.
type Kind uint8

const (
	KindMessage Kind = 1
	KindReply   Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindReply:
		return "reply"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Protocol identifies the payload encoding.
type Protocol uint8

const (
	ProtocolStorage  Protocol = 1
	ProtocolDocument Protocol = 2
)

func (p Protocol) String() string {
	switch p {
	case ProtocolStorage:
		return "storage"
	case ProtocolDocument:
		return "document"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

// FlagError marks a reply whose payload is a plain error text rather than an
// encoded message. The low bits are owned by the payload codec.
const FlagError uint8 = 0x80

// headerSize is the size of a frame after its length prefix, excluding
// the payload: kind, protocol, flags, priority, id, replyTo.
const headerSize = 1 + 1 + 1 + 1 + 8 + 8

// Frame is one message bus unit. On the wire it is a big endian uint32
// length of everything that follows, then the header fields in order, then
// the payload.
type Frame struct {
	Kind     Kind
	Protocol Protocol
	Flags    uint8
	Priority uint8
	ID       uint64
	ReplyTo  uint64
	Payload  []byte
}

// Size is the number of bytes the frame occupies on the wire.
func (f *Frame) Size() int {
	return 4 + headerSize + len(f.Payload)
}

// IsError reports whether the frame carries an error text.
func (f *Frame) IsError() bool {
	return f.Flags&FlagError != 0
}

func (f *Frame) appendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(headerSize+len(f.Payload)))
	b = append(b, byte(f.Kind), byte(f.Protocol), f.Flags, f.Priority)
	b = binary.BigEndian.AppendUint64(b, f.ID)
	b = binary.BigEndian.AppendUint64(b, f.ReplyTo)
	return append(b, f.Payload...)
}

// MarshalBinary encodes the frame including its length prefix.
func (f *Frame) MarshalBinary() ([]byte, error) {
	return f.appendTo(make([]byte, 0, f.Size())), nil
}

// WriteFrame writes f to w in a single Write call.
func WriteFrame(w io.Writer, f *Frame) error {
	buf := bufpool.Get(f.Size())
	defer bufpool.Put(buf)

	*buf = f.appendTo(*buf)
	if _, err := w.Write(*buf); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Kind, err)
	}
	return nil
}

// ReadFrame reads one frame from r. Frames longer than maxSize bytes are
// rejected with ErrFrameTooLarge; maxSize of zero disables the check.
func ReadFrame(r *bufio.Reader, maxSize int) (*Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	n := int(binary.BigEndian.Uint32(lenBuf[:]))
	if n < headerSize {
		return nil, fmt.Errorf("frame length %d: %w", n, ErrInvalidFrame)
	}
	if maxSize > 0 && n+4 > maxSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d: %w", n+4, maxSize, ErrFrameTooLarge)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return decodeBody(data)
}

// UnmarshalFrame decodes a complete frame held in data, as carried by one
// WebSocket message.
func UnmarshalFrame(data []byte, maxSize int) (*Frame, error) {
	if len(data) < 4+headerSize {
		return nil, fmt.Errorf("frame of %d bytes: %w", len(data), ErrInvalidFrame)
	}
	if maxSize > 0 && len(data) > maxSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d: %w", len(data), maxSize, ErrFrameTooLarge)
	}

	n := int(binary.BigEndian.Uint32(data))
	if n != len(data)-4 {
		return nil, fmt.Errorf("frame length %d does not match message length %d: %w", n, len(data)-4, ErrInvalidFrame)
	}
	return decodeBody(data[4:])
}

func decodeBody(data []byte) (*Frame, error) {
	f := &Frame{
		Kind:     Kind(data[0]),
		Protocol: Protocol(data[1]),
		Flags:    data[2],
		Priority: data[3],
		ID:       binary.BigEndian.Uint64(data[4:12]),
		ReplyTo:  binary.BigEndian.Uint64(data[12:20]),
	}
	if f.Kind != KindMessage && f.Kind != KindReply {
		return nil, fmt.Errorf("%s: %w", f.Kind, ErrInvalidFrame)
	}
	if payload := data[headerSize:]; len(payload) > 0 {
		f.Payload = payload
	}
	return f, nil
}
