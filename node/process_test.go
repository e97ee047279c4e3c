// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/DeepBlueCoffee/vespa/api"
	"github.com/DeepBlueCoffee/vespa/comm"
	"github.com/DeepBlueCoffee/vespa/config"
	"github.com/DeepBlueCoffee/vespa/link"
	"github.com/DeepBlueCoffee/vespa/mbus"
	"github.com/DeepBlueCoffee/vespa/protocol"
	"github.com/DeepBlueCoffee/vespa/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MessageBus.TCPAddr = "127.0.0.1:0"
	cfg.MessageBus.ShutdownTimeout = time.Second
	cfg.RPC.Addr = "127.0.0.1:0"
	cfg.RPC.ShutdownTimeout = time.Second
	cfg.Health.Enabled = false
	cfg.Communication.PollInterval = 10 * time.Millisecond
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startProcess runs a node through its startup sequence and returns a
// cancel function that stops it and waits for Run to return.
func startProcess(t *testing.T, cfg *config.Config) (*Process, func()) {
	t.Helper()
	p := New(testLogger(), nil, nil)
	require.NoError(t, p.SetupConfig(cfg))
	require.NoError(t, p.CreateNode())
	require.NoError(t, p.Open(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	require.Eventually(t, func() bool {
		return p.Manager().State() == comm.StateRunning
	}, time.Second, time.Millisecond)

	stop := func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("process did not stop")
		}
	}
	return p, stop
}

func TestLifecycleOrder(t *testing.T) {
	p := New(testLogger(), nil, nil)

	assert.ErrorIs(t, p.CreateNode(), ErrNotSetUp)
	assert.ErrorIs(t, p.Open(context.Background()), ErrNotCreated)
	assert.ErrorIs(t, p.Run(context.Background()), ErrNotCreated)
	assert.ErrorIs(t, p.UpdateConfig(), ErrNoPendingConf)

	bad := testConfig()
	bad.Node.Type = "searcher"
	assert.ErrorIs(t, p.SetupConfig(bad), config.ErrInvalid)

	require.NoError(t, p.Shutdown())
	require.NoError(t, p.Shutdown())
}

func TestDirectRPC(t *testing.T) {
	p, stop := startProcess(t, testConfig())
	defer stop()

	client := rpc.NewClient(rpc.NewH2CClient(), "http://"+p.RPCAddr())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state, info, err := client.GetNodeState3(ctx)
	require.NoError(t, err)
	assert.NotContains(t, state, "s:")
	assert.Contains(t, state, "t:")

	var nodeInfo link.NodeInfo
	require.NoError(t, json.Unmarshal([]byte(info), &nodeInfo))
	assert.Equal(t, config.NodeTypeStorage, nodeInfo.Type)
	assert.Equal(t, []string{"default"}, nodeInfo.BucketSpaces)

	legacy, err := client.GetNodeState(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(legacy, "d:0"), "legacy state %q lists disks", legacy)

	require.NoError(t, client.SetSystemState2(ctx, "version:7 storage:4"))
	assert.Equal(t, "version:7 storage:4", p.Status().SystemState())
}

func TestMessageBus(t *testing.T) {
	p, stop := startProcess(t, testConfig())
	defer stop()

	codec, err := protocol.NewStorageCodec(protocol.CodecConfig{})
	require.NoError(t, err)
	defer codec.Close()

	conn, err := net.Dial("tcp", p.BusAddr())
	require.NoError(t, err)
	defer conn.Close()

	cmd := api.NewGetNodeStateCommand(nil)
	payload, flags, err := codec.Encode(cmd)
	require.NoError(t, err)
	require.NoError(t, mbus.WriteFrame(conn, &mbus.Frame{
		Kind:     mbus.KindMessage,
		Protocol: mbus.ProtocolStorage,
		Flags:    uint8(flags),
		Priority: uint8(cmd.Priority()),
		ID:       99,
		Payload:  payload,
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	f, err := mbus.ReadFrame(bufio.NewReader(conn), 1<<20)
	require.NoError(t, err)
	assert.Equal(t, mbus.KindReply, f.Kind)
	assert.Equal(t, uint64(99), f.ReplyTo)
	require.False(t, f.IsError(), "error frame: %s", f.Payload)

	msg, err := codec.Decode(f.Payload, protocol.Flags(f.Flags))
	require.NoError(t, err)
	reply, ok := msg.(*api.GetNodeStateReply)
	require.True(t, ok)
	require.NotNil(t, reply.State)
	assert.Equal(t, api.StateUp, reply.State.State)
}

func TestUpdateConfig(t *testing.T) {
	p, stop := startProcess(t, testConfig())
	defer stop()

	bad := testConfig()
	bad.Communication.MaxQueueSize = -1
	assert.ErrorIs(t, p.ConfigUpdated(bad), config.ErrInvalid)

	next := testConfig()
	next.Communication.MaxQueueSize = 64
	next.Communication.Protocol.Compression = "s2"
	require.NoError(t, p.ConfigUpdated(next))
	require.NoError(t, p.UpdateConfig())

	assert.Equal(t, 64, p.Manager().Config().MaxQueueSize)
	assert.Equal(t, 64, p.Config().Communication.MaxQueueSize)
	assert.Equal(t, 2, p.Manager().UpdateMetrics().Generations)

	assert.ErrorIs(t, p.UpdateConfig(), ErrNoPendingConf)
}

func TestShutdownMarksStopping(t *testing.T) {
	p, stop := startProcess(t, testConfig())
	stop()

	assert.Equal(t, comm.StateClosed, p.Manager().State())
	assert.Equal(t, api.StateStopping, p.Status().NodeState().State)
}

func TestDistributorServesGlobalSpace(t *testing.T) {
	cfg := testConfig()
	cfg.Node.Type = config.NodeTypeDistributor

	p := New(testLogger(), nil, nil)
	require.NoError(t, p.SetupConfig(cfg))
	require.NoError(t, p.CreateNode())
	defer p.Shutdown()

	assert.Equal(t, []string{"default", "global"}, p.Status().Info().BucketSpaces)
}

func TestStorageNodeGlobalMapping(t *testing.T) {
	cfg := testConfig()
	cfg.Communication.Protocol.BucketSpaces = map[string]string{"settings": "global"}

	assert.Equal(t, []string{"default", "global"}, bucketSpaces(cfg))
	assert.Equal(t, []string{"default"}, bucketSpaces(testConfig()))
}
