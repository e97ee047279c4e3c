// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package comm implements the communication manager of a storage node. It
// accepts messages from the message bus and direct RPC transports, orders
// them in a priority queue, delivers them to the processing chain from a
// single dispatch loop and routes replies and outbound commands back out.
package comm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DeepBlueCoffee/vespa/api"
	"github.com/DeepBlueCoffee/vespa/config"
	"github.com/DeepBlueCoffee/vespa/mbus"
	"github.com/DeepBlueCoffee/vespa/protocol"
	"github.com/DeepBlueCoffee/vespa/queue"
	"github.com/DeepBlueCoffee/vespa/rpc"
	"github.com/DeepBlueCoffee/vespa/server/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MessageBus is the message bus transport used by the manager.
type MessageBus interface {
	Open(ctx context.Context, h mbus.Handler) error
	Send(ctx context.Context, addr string, f *mbus.Frame) error
	Forget(id uint64)
	SetLimits(l mbus.Limits)
	Close() error
}

// DirectRPC is the direct RPC transport used by the manager.
type DirectRPC interface {
	Open(ctx context.Context, h rpc.Handler) error
	Close() error
}

// Upward is the processing chain messages are delivered to.
type Upward interface {
	DeliverUp(ctx context.Context, msg api.Message)
}

var (
	_ mbus.Handler = (*Manager)(nil)
	_ rpc.Handler  = (*Manager)(nil)
)

// Manager is the communication manager. It implements mbus.Handler and
// rpc.Handler for the transports, and SendCommand/SendReply for the
// processing chain.
type Manager struct {
	logger  *slog.Logger
	tracer  trace.Tracer  // nil if tracing disabled
	metrics *otel.Metrics // nil if metrics disabled

	bus    MessageBus
	direct DirectRPC
	upward atomic.Pointer[upwardRef]

	queue    *queue.PriorityQueue
	gens     *protocol.Generations
	pending  *PendingTable
	contexts *contextTable

	cfgMu        sync.Mutex
	cfg          config.CommunicationConfig
	pollInterval atomic.Int64

	state     atomic.Int32
	closed    atomic.Bool
	runDone   chan struct{}
	closeOnce sync.Once
	closeErr  error

	metricsMu sync.Mutex
	stats     counters
	now       func() time.Time
}

type upwardRef struct{ up Upward }

type counters struct {
	received        atomic.Uint64
	sent            atomic.Uint64
	replies         atomic.Uint64
	orphanedReplies atomic.Uint64
	sendFailures    atomic.Uint64
	timeouts        atomic.Uint64
	rejected        atomic.Uint64
	dispatched      atomic.Uint64
}

// New creates a manager. Either transport may be nil, in which case that
// transport is not served. The config is validated here; Open installs the
// first protocol generation from it.
func New(cfg config.CommunicationConfig, bus MessageBus, direct DirectRPC, logger *slog.Logger, metrics *otel.Metrics, tracer trace.Tracer) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		logger:   logger,
		tracer:   tracer,
		metrics:  metrics,
		bus:      bus,
		direct:   direct,
		queue:    queue.New(cfg.MaxQueueSize),
		gens:     protocol.NewGenerations(cfg.GenerationRetention),
		pending:  NewPendingTable(),
		contexts: newContextTable(),
		cfg:      cfg,
		runDone:  make(chan struct{}),
		now:      time.Now,
	}
	m.pollInterval.Store(int64(cfg.PollInterval))
	return m, nil
}

// SetUpward registers the processing chain. It must be called before Run.
func (m *Manager) SetUpward(up Upward) {
	m.upward.Store(&upwardRef{up: up})
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Open installs the initial protocol generation and starts the transports.
func (m *Manager) Open(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(StateCreated), int32(StateOpened)) {
		st := m.State()
		if st >= StateClosing {
			return ErrClosed
		}
		return fmt.Errorf("open in state %s: already open", st)
	}

	m.cfgMu.Lock()
	cfg := m.cfg
	gen, err := newGeneration(m.gens, cfg.Protocol)
	m.cfgMu.Unlock()
	if err != nil {
		m.state.Store(int32(StateClosed))
		return err
	}

	if m.bus != nil {
		m.bus.SetLimits(busLimits(cfg))
		if err := m.bus.Open(ctx, m); err != nil {
			m.state.Store(int32(StateClosed))
			m.closeGenerations()
			return fmt.Errorf("open message bus: %w", err)
		}
	}
	if m.direct != nil {
		if err := m.direct.Open(ctx, m); err != nil {
			m.state.Store(int32(StateClosed))
			if m.bus != nil {
				m.bus.Close()
			}
			m.closeGenerations()
			return fmt.Errorf("open direct rpc: %w", err)
		}
	}

	m.logger.Info("communication manager opened", slog.Uint64("generation", gen.Epoch))
	return nil
}

// Enqueue adds msg to the dispatch queue.
func (m *Manager) Enqueue(msg api.Message) error {
	if m.closed.Load() {
		m.stats.rejected.Add(1)
		return ErrClosed
	}
	if err := m.queue.Enqueue(msg); err != nil {
		m.stats.rejected.Add(1)
		if errors.Is(err, queue.ErrClosed) {
			return fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return err
	}
	return nil
}

// Run is the dispatch loop. It delivers every dequeued message upward in
// dequeue order and performs housekeeping between messages. It returns when
// the manager is closed.
func (m *Manager) Run(ctx context.Context) error {
	ref := m.upward.Load()
	if ref == nil {
		return ErrNoUpward
	}
	if !m.state.CompareAndSwap(int32(StateOpened), int32(StateRunning)) {
		st := m.State()
		if st >= StateClosing {
			return ErrClosed
		}
		return fmt.Errorf("run in state %s: %w", st, ErrNotOpen)
	}
	defer close(m.runDone)

	m.logger.Info("dispatch loop started")
	lastHousekeeping := m.now()
	for {
		poll := time.Duration(m.pollInterval.Load())
		msg, ok := m.queue.GetNext(poll)
		if m.closed.Load() {
			if ok {
				m.discard(msg)
			}
			m.logger.Info("dispatch loop stopped")
			return nil
		}

		if ok {
			m.dispatch(ctx, ref.up, msg)
		}
		if !ok || m.now().Sub(lastHousekeeping) >= poll {
			m.housekeeping()
			lastHousekeeping = m.now()
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, up Upward, msg api.Message) {
	start := m.now()
	if m.tracer != nil {
		var span trace.Span
		ctx, span = m.tracer.Start(ctx, "comm.dispatch", trace.WithAttributes(
			attribute.String("message.type", msg.Type().String()),
			attribute.Int64("message.id", int64(msg.ID())),
			attribute.Int("message.priority", int(msg.Priority())),
		))
		defer span.End()
	}

	up.DeliverUp(ctx, msg)
	m.stats.dispatched.Add(1)
	m.metrics.RecordDispatchDuration(msg.Type().String(), float64(m.now().Sub(start).Microseconds())/1000)
}

// housekeeping answers expired pending commands with timeout replies and
// prunes unreferenced protocol generations.
func (m *Manager) housekeeping() {
	for _, e := range m.pending.Expired(m.now()) {
		m.stats.timeouts.Add(1)
		m.metrics.RecordTimeout()
		if m.bus != nil {
			m.bus.Forget(uint64(e.ID))
		}
		m.gens.Release(e.Generation)

		reply := e.Command.MakeReply()
		reply.SetResult(api.Result{
			Code:    api.ReturnCodeTimeout,
			Message: fmt.Sprintf("no reply from %s within %s", e.Destination, e.Deadline.Sub(e.SentAt)),
		})
		if err := m.Enqueue(reply); err != nil {
			m.logger.Debug("dropping timeout reply", slog.String("error", err.Error()))
		}
	}

	if n := m.gens.Prune(); n > 0 {
		m.logger.Debug("pruned protocol generations", slog.Int("count", n))
	}
}

// Close stops the dispatch loop and the transports. Queued messages are
// discarded; pending direct RPC calls are answered with ABORTED.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closeErr = m.close()
	})
	return m.closeErr
}

func (m *Manager) close() error {
	prev := State(m.state.Swap(int32(StateClosing)))
	m.closed.Store(true)
	m.queue.Close()

	if prev == StateRunning {
		<-m.runDone
	}

	for _, msg := range m.queue.Drain() {
		m.discard(msg)
	}

	for _, c := range m.contexts.drain() {
		m.abort(c)
	}

	for _, e := range m.pending.Clear() {
		if m.bus != nil {
			m.bus.Forget(uint64(e.ID))
		}
		m.gens.Release(e.Generation)
	}

	var errs []error
	if prev == StateOpened || prev == StateRunning {
		if m.bus != nil {
			if err := m.bus.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close message bus: %w", err))
			}
		}
		if m.direct != nil {
			if err := m.direct.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close direct rpc: %w", err))
			}
		}
	}

	m.closeGenerations()

	m.state.Store(int32(StateClosed))
	m.logger.Info("communication manager closed")
	return errors.Join(errs...)
}

// closeGenerations empties the generation table. Holding cfgMu keeps a
// concurrent Configure from installing into the emptied table.
func (m *Manager) closeGenerations() {
	m.cfgMu.Lock()
	m.gens.Close()
	m.cfgMu.Unlock()
}

// discard drops a message that will never be dispatched. Inbound commands
// are answered with ABORTED so their senders are not left waiting.
func (m *Manager) discard(msg api.Message) {
	cmd, ok := msg.(api.Command)
	if !ok {
		return
	}
	if c, ok := m.contexts.take(cmd.ID()); ok {
		m.abort(c)
	}
}

func (m *Manager) abort(c *TransportContext) {
	reply := c.command.MakeReply()
	reply.SetResult(api.Result{Code: api.ReturnCodeAborted, Message: "communication manager closed"})
	if err := m.routeReply(context.Background(), c, reply); err != nil {
		m.logger.Debug("failed to abort discarded command",
			slog.String("command", c.command.String()),
			slog.String("error", err.Error()))
	}
	m.gens.Release(c.Generation())
}
