// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mbus

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	messages chan *Inbound
	replies  chan *Inbound
	echo     bool
}

func newRecordingHandler(echo bool) *recordingHandler {
	return &recordingHandler{
		messages: make(chan *Inbound, 64),
		replies:  make(chan *Inbound, 64),
		echo:     echo,
	}
}

func (h *recordingHandler) HandleMessage(in *Inbound) {
	if h.echo {
		_ = in.Reply(context.Background(), &Frame{
			Protocol: in.Protocol,
			Priority: in.Priority,
			Payload:  append([]byte("echo:"), in.Payload...),
		})
	}
	h.messages <- in
}

func (h *recordingHandler) HandleReply(in *Inbound) {
	h.replies <- in
}

func testConfig() Config {
	return Config{
		TCPAddr:         "127.0.0.1:0",
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		ShutdownTimeout: 2 * time.Second,
		DialTimeout:     time.Second,
	}
}

func openBus(t *testing.T, cfg Config, h Handler) *Bus {
	t.Helper()
	b := New(cfg)
	require.NoError(t, b.Open(context.Background(), h))
	t.Cleanup(func() { b.Close() })
	return b
}

func waitInbound(t *testing.T, ch <-chan *Inbound) *Inbound {
	t.Helper()
	select {
	case in := <-ch:
		return in
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestBusMessageAndReplyOverTCP(t *testing.T) {
	dst := newRecordingHandler(true)
	server := openBus(t, testConfig(), dst)

	src := newRecordingHandler(false)
	client := openBus(t, testConfig(), src)

	err := client.Send(context.Background(), server.Addr().String(), &Frame{
		Protocol: ProtocolStorage,
		Priority: 50,
		ID:       100,
		Payload:  []byte("hello"),
	})
	require.NoError(t, err)

	msg := waitInbound(t, dst.messages)
	assert.Equal(t, KindMessage, msg.Kind)
	assert.Equal(t, uint64(100), msg.ID)
	assert.Equal(t, uint8(50), msg.Priority)
	assert.NotEmpty(t, msg.ConnID)

	reply := waitInbound(t, src.replies)
	assert.Equal(t, KindReply, reply.Kind)
	assert.Equal(t, uint64(100), reply.ReplyTo)
	assert.Equal(t, "echo:hello", string(reply.Payload))

	count, size := client.Pending()
	assert.Equal(t, 0, count)
	assert.Equal(t, int64(0), size)
}

func TestBusMessageOverWebSocket(t *testing.T) {
	cfg := testConfig()
	cfg.TCPAddr = ""
	cfg.WSAddr = "127.0.0.1:0"
	dst := newRecordingHandler(true)
	server := openBus(t, cfg, dst)
	require.Nil(t, server.Addr())

	src := newRecordingHandler(false)
	client := openBus(t, testConfig(), src)

	addr := "ws://" + server.WSAddr().String() + "/mbus"
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, client.Send(context.Background(), addr, &Frame{
			Protocol: ProtocolDocument,
			ID:       i,
			Payload:  []byte{byte(i)},
		}))
	}

	seen := map[uint64]bool{}
	for range 3 {
		reply := waitInbound(t, src.replies)
		assert.Equal(t, ProtocolDocument, reply.Protocol)
		seen[reply.ReplyTo] = true
	}
	assert.Len(t, seen, 3)
}

func TestSendThrottledByPendingCount(t *testing.T) {
	dst := newRecordingHandler(false)
	server := openBus(t, testConfig(), dst)

	cfg := testConfig()
	cfg.Limits = Limits{MaxPendingCount: 1}
	client := openBus(t, cfg, newRecordingHandler(false))
	addr := server.Addr().String()

	require.NoError(t, client.Send(context.Background(), addr, &Frame{ID: 1}))
	err := client.Send(context.Background(), addr, &Frame{ID: 2})
	assert.ErrorIs(t, err, ErrThrottled)
	assert.True(t, IsBusy(err))

	client.Forget(1)
	assert.NoError(t, client.Send(context.Background(), addr, &Frame{ID: 3}))
}

func TestSendThrottledByPendingSize(t *testing.T) {
	server := openBus(t, testConfig(), newRecordingHandler(false))

	client := openBus(t, testConfig(), newRecordingHandler(false))
	addr := server.Addr().String()
	client.SetLimits(Limits{MaxPendingSize: 100})

	// The first frame exceeds the limit on its own and still goes out.
	require.NoError(t, client.Send(context.Background(), addr, &Frame{ID: 1, Payload: make([]byte, 200)}))
	assert.ErrorIs(t, client.Send(context.Background(), addr, &Frame{ID: 2}), ErrThrottled)

	client.SetLimits(Limits{})
	assert.NoError(t, client.Send(context.Background(), addr, &Frame{ID: 2}))
}

func TestSendDuplicatePendingID(t *testing.T) {
	server := openBus(t, testConfig(), newRecordingHandler(false))
	client := openBus(t, testConfig(), newRecordingHandler(false))
	addr := server.Addr().String()

	require.NoError(t, client.Send(context.Background(), addr, &Frame{ID: 5}))
	assert.Error(t, client.Send(context.Background(), addr, &Frame{ID: 5}))
}

func TestCircuitOpensAfterFailures(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	cfg := testConfig()
	cfg.BreakerThreshold = 2
	cfg.BreakerResetTimeout = time.Minute
	s := NewSourceSession(cfg, newRecordingHandler(false))
	defer s.Close()

	for i := uint64(1); i <= 2; i++ {
		err := s.Send(context.Background(), addr, &Frame{ID: i})
		require.Error(t, err)
		assert.False(t, IsBusy(err))
	}

	assert.Equal(t, gobreaker.StateOpen, s.BreakerState(addr))
	err = s.Send(context.Background(), addr, &Frame{ID: 3})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, IsBusy(err))

	count, _ := s.Pending()
	assert.Equal(t, 0, count)
}

func TestSendAfterClose(t *testing.T) {
	b := New(testConfig())
	require.NoError(t, b.Open(context.Background(), newRecordingHandler(false)))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	err := b.Send(context.Background(), "127.0.0.1:1", &Frame{ID: 1})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Open(context.Background(), newRecordingHandler(false)), ErrClosed)
}

func TestListenerConnectionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	server := openBus(t, cfg, newRecordingHandler(true))

	first, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer first.Close()
	require.NoError(t, WriteFrame(first, &Frame{Kind: KindMessage, ID: 1}))

	// The first connection holds the only slot once its frame is answered.
	_ = first.SetReadDeadline(time.Now().Add(5 * time.Second))
	var one [1]byte
	_, err = first.Read(one[:])
	require.NoError(t, err)

	second, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer second.Close()

	_ = second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = second.Read(one[:])
	assert.Error(t, err, "second connection should be closed by the listener")
}
