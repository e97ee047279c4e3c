// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package node assembles a storage or distributor node from its
// configuration and drives its lifecycle.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/DeepBlueCoffee/vespa/api"
	"github.com/DeepBlueCoffee/vespa/comm"
	"github.com/DeepBlueCoffee/vespa/config"
	"github.com/DeepBlueCoffee/vespa/link"
	"github.com/DeepBlueCoffee/vespa/mbus"
	"github.com/DeepBlueCoffee/vespa/ratelimit"
	"github.com/DeepBlueCoffee/vespa/rpc"
	"github.com/DeepBlueCoffee/vespa/server/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotSetUp      = errors.New("node config not set up")
	ErrNotCreated    = errors.New("node not created")
	ErrNoPendingConf = errors.New("no pending config")
)

// Process is a node process. Its methods are called in the order
// SetupConfig, CreateNode, Open, Run; ConfigUpdated and UpdateConfig may
// be called any number of times once open; Shutdown ends it.
type Process struct {
	logger  *slog.Logger
	metrics *otel.Metrics // nil if metrics disabled
	tracer  trace.Tracer  // nil if tracing disabled

	mu      sync.Mutex
	cfg     *config.Config
	pending *config.Config

	limiter *ratelimit.PeerLimiter
	bus     *mbus.Bus
	direct  *rpc.Server
	manager *comm.Manager
	status  *link.NodeStatus
	chain   *link.Chain
	reg     metric.Registration

	done         chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a process.
func New(logger *slog.Logger, metrics *otel.Metrics, tracer trace.Tracer) *Process {
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		done:    make(chan struct{}),
	}
}

// SetupConfig validates and records the initial configuration.
func (p *Process) SetupConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	return nil
}

// CreateNode builds the transports, the communication manager and the
// processing chain from the recorded configuration.
func (p *Process) CreateNode() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg == nil {
		return ErrNotSetUp
	}
	cfg := p.cfg

	mb := cfg.MessageBus
	if mb.RateLimit.Enabled {
		p.limiter = ratelimit.NewPeerLimiter(mb.RateLimit.Rate, mb.RateLimit.Burst, mb.RateLimit.CleanupInterval)
	}
	p.bus = mbus.New(mbus.Config{
		TCPAddr:             mb.TCPAddr,
		WSAddr:              mb.WSAddr,
		WSPath:              mb.WSPath,
		Logger:              p.logger.With(slog.String("component", "mbus")),
		Limiter:             p.limiter,
		ShutdownTimeout:     mb.ShutdownTimeout,
		ReadTimeout:         mb.ReadTimeout,
		WriteTimeout:        mb.WriteTimeout,
		DialTimeout:         mb.DialTimeout,
		MaxConnections:      mb.MaxConnections,
		MaxFrameSize:        mb.MaxFrameSize,
		BreakerThreshold:    mb.CircuitBreaker.FailureThreshold,
		BreakerResetTimeout: mb.CircuitBreaker.ResetTimeout,
	})

	p.direct = rpc.New(rpc.Config{
		Address:         cfg.RPC.Addr,
		Logger:          p.logger.With(slog.String("component", "rpc")),
		RequestTimeout:  cfg.RPC.RequestTimeout,
		ShutdownTimeout: cfg.RPC.ShutdownTimeout,
	})

	manager, err := comm.New(cfg.Communication, p.bus, p.direct,
		p.logger.With(slog.String("component", "comm")), p.metrics, p.tracer)
	if err != nil {
		return fmt.Errorf("create communication manager: %w", err)
	}
	p.manager = manager

	p.status = link.NewNodeStatus(cfg.Node.Type, cfg.Node.Cluster, cfg.Node.Index, bucketSpaces(cfg))
	p.chain = link.NewChain(manager, p.status, p.logger.With(slog.String("component", "link")))
	manager.SetUpward(p.chain)

	p.logger.Info("node created",
		slog.String("type", cfg.Node.Type),
		slog.String("cluster", cfg.Node.Cluster),
		slog.Int("index", cfg.Node.Index))
	return nil
}

// bucketSpaces lists the bucket spaces the node serves. Distributors always
// serve the global space; storage nodes only when a document type maps to
// it.
func bucketSpaces(cfg *config.Config) []string {
	spaces := []string{api.BucketSpaceDefault.String()}
	global := cfg.Node.Type == config.NodeTypeDistributor
	for _, space := range cfg.Communication.Protocol.BucketSpaces {
		if space == api.BucketSpaceGlobal.String() {
			global = true
		}
	}
	if global {
		spaces = append(spaces, api.BucketSpaceGlobal.String())
	}
	return spaces
}

// Open starts the communication manager and marks the node up.
func (p *Process) Open(ctx context.Context) error {
	if p.manager == nil {
		return ErrNotCreated
	}
	if err := p.manager.Open(ctx); err != nil {
		return err
	}

	if p.metrics != nil {
		reg, err := p.manager.RegisterMetrics(p.metrics.Meter())
		if err != nil {
			return fmt.Errorf("register communication metrics: %w", err)
		}
		p.reg = reg
	}

	p.status.SetState(api.StateUp)
	return nil
}

// Run runs the dispatch loop until ctx is cancelled or the process is shut
// down. Cancelling ctx shuts the process down.
func (p *Process) Run(ctx context.Context) error {
	if p.manager == nil {
		return ErrNotCreated
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.manager.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return p.Shutdown()
		case <-p.done:
			return nil
		}
	})
	return g.Wait()
}

// ConfigUpdated records cfg as the next configuration to apply. Invalid
// configs wrap config.ErrInvalid.
func (p *Process) ConfigUpdated(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	p.pending = cfg
	p.mu.Unlock()
	return nil
}

// UpdateConfig applies the configuration recorded by ConfigUpdated. Only
// the communication section is applied live; changes elsewhere take effect
// on restart.
func (p *Process) UpdateConfig() error {
	p.mu.Lock()
	next := p.pending
	p.pending = nil
	cur := p.cfg
	p.mu.Unlock()

	if next == nil {
		return ErrNoPendingConf
	}
	if p.manager == nil {
		return ErrNotCreated
	}

	if err := p.manager.Configure(next.Communication); err != nil {
		return err
	}

	restart := !reflect.DeepEqual(cur.Node, next.Node) ||
		!reflect.DeepEqual(cur.MessageBus, next.MessageBus) ||
		!reflect.DeepEqual(cur.RPC, next.RPC)
	if restart {
		p.logger.Warn("node, messagebus and rpc config changes require a restart")
	}

	p.mu.Lock()
	p.cfg.Communication = next.Communication
	p.mu.Unlock()
	return nil
}

// Shutdown marks the node stopping, answers held requests and closes the
// communication manager. It is safe to call more than once.
func (p *Process) Shutdown() error {
	p.shutdownOnce.Do(func() {
		defer close(p.done)

		var errs []error
		if p.status != nil {
			p.status.SetState(api.StateStopping)
		}
		if p.chain != nil {
			p.chain.Close()
		}
		if p.reg != nil {
			if err := p.reg.Unregister(); err != nil {
				errs = append(errs, fmt.Errorf("unregister metrics: %w", err))
			}
		}
		if p.manager != nil {
			if err := p.manager.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if p.limiter != nil {
			p.limiter.Stop()
		}
		p.shutdownErr = errors.Join(errs...)
		p.logger.Info("node stopped")
	})
	return p.shutdownErr
}

// Config returns the configuration in effect.
func (p *Process) Config() *config.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Manager returns the communication manager, or nil before CreateNode.
func (p *Process) Manager() *comm.Manager {
	return p.manager
}

// Status returns the node status, or nil before CreateNode.
func (p *Process) Status() *link.NodeStatus {
	return p.status
}

// Chain returns the processing chain, or nil before CreateNode.
func (p *Process) Chain() *link.Chain {
	return p.chain
}

// BusAddr returns the bound message bus TCP address, or "" before Open.
func (p *Process) BusAddr() string {
	if p.bus == nil || p.bus.Addr() == nil {
		return ""
	}
	return p.bus.Addr().String()
}

// RPCAddr returns the bound direct RPC address, or "" before Open.
func (p *Process) RPCAddr() string {
	if p.direct == nil || p.direct.Addr() == nil {
		return ""
	}
	return p.direct.Addr().String()
}
