// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var ErrClosed = errors.New("rpc server closed")

// Config holds the direct RPC server configuration.
type Config struct {
	Address         string
	Logger          *slog.Logger
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Server exposes the direct service over Connect. Every call becomes a
// Request handed to the Handler and the HTTP response waits for its reply.
type Server struct {
	config Config
	logger *slog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	closed     bool
}

// New creates a direct RPC server.
func New(config Config) *Server {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	return &Server{
		config: config,
		logger: config.Logger,
	}
}

// Handler returns the HTTP handler serving the direct service routed to h.
// It is what Open serves and is exposed for embedding in tests.
func (s *Server) Handler(h Handler) http.Handler {
	opts := []connect.HandlerOption{handlerCompression()}
	mux := http.NewServeMux()

	mux.Handle(ProcedureGetNodeState3, connect.NewUnaryHandler(ProcedureGetNodeState3,
		func(ctx context.Context, req *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
			resp, err := s.call(ctx, h, NewRequest(MethodGetNodeState3), req.Peer().Addr)
			if err != nil {
				return nil, err
			}
			out, err := structpb.NewStruct(map[string]any{
				"state":     resp.State,
				"node_info": resp.NodeInfo,
			})
			if err != nil {
				return nil, connect.NewError(connect.CodeInternal, err)
			}
			return connect.NewResponse(out), nil
		}, opts...))

	for _, method := range []Method{MethodGetNodeState2, MethodGetNodeState} {
		mux.Handle(method.Procedure(), connect.NewUnaryHandler(method.Procedure(),
			func(ctx context.Context, req *connect.Request[emptypb.Empty]) (*connect.Response[wrapperspb.StringValue], error) {
				resp, err := s.call(ctx, h, NewRequest(method), req.Peer().Addr)
				if err != nil {
					return nil, err
				}
				return connect.NewResponse(wrapperspb.String(resp.State)), nil
			}, opts...))
	}

	mux.Handle(ProcedureSetSystemState2, connect.NewUnaryHandler(ProcedureSetSystemState2,
		func(ctx context.Context, req *connect.Request[wrapperspb.StringValue]) (*connect.Response[emptypb.Empty], error) {
			r := NewRequest(MethodSetSystemState2)
			r.SystemState = req.Msg.GetValue()
			if _, err := s.call(ctx, h, r, req.Peer().Addr); err != nil {
				return nil, err
			}
			return connect.NewResponse(&emptypb.Empty{}), nil
		}, opts...))

	mux.Handle(ProcedureInvoke, connect.NewUnaryHandler(ProcedureInvoke,
		func(ctx context.Context, req *connect.Request[wrapperspb.BytesValue]) (*connect.Response[wrapperspb.BytesValue], error) {
			data := req.Msg.GetValue()
			if len(data) == 0 {
				return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("empty invoke payload"))
			}
			r := NewRequest(MethodInvoke)
			r.Flags = data[0]
			r.Payload = data[1:]
			resp, err := s.call(ctx, h, r, req.Peer().Addr)
			if err != nil {
				return nil, err
			}
			out := make([]byte, 0, 1+len(resp.Payload))
			out = append(out, resp.Flags)
			out = append(out, resp.Payload...)
			return connect.NewResponse(wrapperspb.Bytes(out)), nil
		}, opts...))

	return mux
}

func (s *Server) call(ctx context.Context, h Handler, req *Request, peer string) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	req.Peer = peer
	h.HandleRequest(req)

	resp, err := req.Wait(ctx)
	if err != nil {
		s.logger.Debug("direct rpc failed",
			slog.String("method", req.Method.String()),
			slog.String("peer", peer),
			slog.String("error", err.Error()))
	}
	return resp, err
}

// Open binds the configured address and serves h in the background.
func (s *Server) Open(_ context.Context, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.httpServer != nil {
		return errors.New("rpc server already open")
	}

	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	h2s := &http2.Server{}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           h2c.NewHandler(s.Handler(h), h2s),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.config.RequestTimeout + 5*time.Second,
		WriteTimeout:      s.config.RequestTimeout + 5*time.Second,
	}

	srv := s.httpServer
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("direct rpc server failed", slog.String("error", err.Error()))
		}
	}()

	s.logger.Info("direct rpc server started (h2c)", slog.String("address", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil before Open.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops the server, waiting up to ShutdownTimeout for calls in flight.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.httpServer
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	s.logger.Info("shutting down direct rpc server")
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
