// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package comm

import (
	"context"
	"fmt"

	"github.com/DeepBlueCoffee/vespa/protocol"
	"github.com/DeepBlueCoffee/vespa/queue"
	"go.opentelemetry.io/otel/metric"
)

// Snapshot is a point-in-time view of the manager.
type Snapshot struct {
	State       State
	QueueDepth  int
	Pending     int
	Contexts    int
	Generations int

	Queue             queue.Stats
	GenerationDetails []protocol.GenerationInfo

	Received        uint64
	Sent            uint64
	Replies         uint64
	OrphanedReplies uint64
	SendFailures    uint64
	Timeouts        uint64
	Rejected        uint64
	Dispatched      uint64
}

// UpdateMetrics takes a snapshot. It never waits on the dispatch loop: the
// queue is only touched through Size and its lock-free counters.
func (m *Manager) UpdateMetrics() Snapshot {
	m.metricsMu.Lock()
	defer m.metricsMu.Unlock()

	return Snapshot{
		State:             m.State(),
		QueueDepth:        m.queue.Size(),
		Pending:           m.pending.Count(),
		Contexts:          m.contexts.len(),
		Generations:       m.gens.Len(),
		Queue:             m.queue.Stats(),
		GenerationDetails: m.gens.Snapshot(),
		Received:          m.stats.received.Load(),
		Sent:              m.stats.sent.Load(),
		Replies:           m.stats.replies.Load(),
		OrphanedReplies:   m.stats.orphanedReplies.Load(),
		SendFailures:      m.stats.sendFailures.Load(),
		Timeouts:          m.stats.timeouts.Load(),
		Rejected:          m.stats.rejected.Load(),
		Dispatched:        m.stats.dispatched.Load(),
	}
}

// RegisterMetrics registers observable gauges on meter that are fed from
// UpdateMetrics on every collection.
func (m *Manager) RegisterMetrics(meter metric.Meter) (metric.Registration, error) {
	queueDepth, err := meter.Int64ObservableGauge("storage.comm.queue.depth",
		metric.WithDescription("Messages waiting for dispatch"))
	if err != nil {
		return nil, fmt.Errorf("failed to create queue depth gauge: %w", err)
	}
	pending, err := meter.Int64ObservableGauge("storage.comm.pending.current",
		metric.WithDescription("Sent commands waiting for a reply"))
	if err != nil {
		return nil, fmt.Errorf("failed to create pending gauge: %w", err)
	}
	contexts, err := meter.Int64ObservableGauge("storage.comm.contexts.current",
		metric.WithDescription("Inbound commands waiting for a reply"))
	if err != nil {
		return nil, fmt.Errorf("failed to create contexts gauge: %w", err)
	}
	generations, err := meter.Int64ObservableGauge("storage.comm.generations.current",
		metric.WithDescription("Live protocol generations"))
	if err != nil {
		return nil, fmt.Errorf("failed to create generations gauge: %w", err)
	}
	dispatched, err := meter.Int64ObservableCounter("storage.comm.dispatched.total",
		metric.WithDescription("Messages delivered to the processing chain"))
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatched counter: %w", err)
	}
	rejected, err := meter.Int64ObservableCounter("storage.comm.rejected.total",
		metric.WithDescription("Messages rejected by the dispatch queue"))
	if err != nil {
		return nil, fmt.Errorf("failed to create rejected counter: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := m.UpdateMetrics()
		o.ObserveInt64(queueDepth, int64(s.QueueDepth))
		o.ObserveInt64(pending, int64(s.Pending))
		o.ObserveInt64(contexts, int64(s.Contexts))
		o.ObserveInt64(generations, int64(s.Generations))
		o.ObserveInt64(dispatched, int64(s.Dispatched))
		o.ObserveInt64(rejected, int64(s.Rejected))
		return nil
	}, queueDepth, pending, contexts, generations, dispatched, rejected)
}
