// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"golang.org/x/net/http2"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls the direct service of a storage node.
type Client struct {
	getNodeState3   *connect.Client[emptypb.Empty, structpb.Struct]
	getNodeState2   *connect.Client[emptypb.Empty, wrapperspb.StringValue]
	getNodeState    *connect.Client[emptypb.Empty, wrapperspb.StringValue]
	setSystemState2 *connect.Client[wrapperspb.StringValue, emptypb.Empty]
	invoke          *connect.Client[wrapperspb.BytesValue, wrapperspb.BytesValue]
}

// NewH2CClient returns an HTTP client speaking HTTP/2 over cleartext TCP.
func NewH2CClient() *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}

// NewClient creates a client for the node at baseURL, for example
// http://localhost:19101.
func NewClient(httpClient connect.HTTPClient, baseURL string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	opts := clientCompression()
	return &Client{
		getNodeState3:   connect.NewClient[emptypb.Empty, structpb.Struct](httpClient, baseURL+ProcedureGetNodeState3, opts...),
		getNodeState2:   connect.NewClient[emptypb.Empty, wrapperspb.StringValue](httpClient, baseURL+ProcedureGetNodeState2, opts...),
		getNodeState:    connect.NewClient[emptypb.Empty, wrapperspb.StringValue](httpClient, baseURL+ProcedureGetNodeState, opts...),
		setSystemState2: connect.NewClient[wrapperspb.StringValue, emptypb.Empty](httpClient, baseURL+ProcedureSetSystemState2, opts...),
		invoke:          connect.NewClient[wrapperspb.BytesValue, wrapperspb.BytesValue](httpClient, baseURL+ProcedureInvoke, opts...),
	}
}

// GetNodeState3 returns the serialized node state and the node info.
func (c *Client) GetNodeState3(ctx context.Context) (state, nodeInfo string, err error) {
	resp, err := c.getNodeState3.CallUnary(ctx, connect.NewRequest(&emptypb.Empty{}))
	if err != nil {
		return "", "", err
	}
	fields := resp.Msg.GetFields()
	return fields["state"].GetStringValue(), fields["node_info"].GetStringValue(), nil
}

// GetNodeState2 returns the node state with descriptions.
func (c *Client) GetNodeState2(ctx context.Context) (string, error) {
	resp, err := c.getNodeState2.CallUnary(ctx, connect.NewRequest(&emptypb.Empty{}))
	if err != nil {
		return "", err
	}
	return resp.Msg.GetValue(), nil
}

// GetNodeState returns the node state in the legacy format.
func (c *Client) GetNodeState(ctx context.Context) (string, error) {
	resp, err := c.getNodeState.CallUnary(ctx, connect.NewRequest(&emptypb.Empty{}))
	if err != nil {
		return "", err
	}
	return resp.Msg.GetValue(), nil
}

// SetSystemState2 pushes a serialized cluster state.
func (c *Client) SetSystemState2(ctx context.Context, state string) error {
	_, err := c.setSystemState2.CallUnary(ctx, connect.NewRequest(wrapperspb.String(state)))
	return err
}

// Invoke sends an encoded storage message and returns the encoded reply.
func (c *Client) Invoke(ctx context.Context, flags uint8, payload []byte) (uint8, []byte, error) {
	data := make([]byte, 0, 1+len(payload))
	data = append(data, flags)
	data = append(data, payload...)

	resp, err := c.invoke.CallUnary(ctx, connect.NewRequest(wrapperspb.Bytes(data)))
	if err != nil {
		return 0, nil, err
	}
	out := resp.Msg.GetValue()
	if len(out) == 0 {
		return 0, nil, errors.New("empty invoke reply")
	}
	return out[0], out[1:], nil
}
