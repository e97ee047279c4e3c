// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of the storage node metrics.
const MeterName = "vespa-storage"

// Metrics holds the event instruments of the communication manager. Gauges
// derived from manager state are registered by the manager itself on Meter.
// A nil *Metrics records nothing.
type Metrics struct {
	meter metric.Meter

	messagesReceived metric.Int64Counter
	commandsSent     metric.Int64Counter
	repliesSent      metric.Int64Counter
	sendFailures     metric.Int64Counter
	timeouts         metric.Int64Counter
	orphanedReplies  metric.Int64Counter
	errorsTotal      metric.Int64Counter

	frameSize        metric.Int64Histogram
	dispatchDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(MeterName))
}

// NewMetricsWithMeter creates the instruments on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}

	var err error

	m.messagesReceived, err = meter.Int64Counter(
		"storage.comm.messages.received.total",
		metric.WithDescription("Inbound messages accepted, by transport"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesReceived counter: %w", err)
	}

	m.commandsSent, err = meter.Int64Counter(
		"storage.comm.commands.sent.total",
		metric.WithDescription("Outbound commands handed to a transport"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create commandsSent counter: %w", err)
	}

	m.repliesSent, err = meter.Int64Counter(
		"storage.comm.replies.sent.total",
		metric.WithDescription("Replies routed back to their transport, by transport"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create repliesSent counter: %w", err)
	}

	m.sendFailures, err = meter.Int64Counter(
		"storage.comm.send.failures.total",
		metric.WithDescription("Outbound commands that could not be sent, by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sendFailures counter: %w", err)
	}

	m.timeouts, err = meter.Int64Counter(
		"storage.comm.timeouts.total",
		metric.WithDescription("Outbound commands answered with a synthesized timeout"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create timeouts counter: %w", err)
	}

	m.orphanedReplies, err = meter.Int64Counter(
		"storage.comm.replies.orphaned.total",
		metric.WithDescription("Replies with no matching context or pending command"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create orphanedReplies counter: %w", err)
	}

	m.errorsTotal, err = meter.Int64Counter(
		"storage.comm.errors.total",
		metric.WithDescription("Errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.frameSize, err = meter.Int64Histogram(
		"storage.comm.frame.size.bytes",
		metric.WithDescription("Encoded payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create frameSize histogram: %w", err)
	}

	m.dispatchDuration, err = meter.Float64Histogram(
		"storage.comm.dispatch.duration.ms",
		metric.WithDescription("Upward delivery duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatchDuration histogram: %w", err)
	}

	return m, nil
}

// Meter returns the meter the instruments were created on.
func (m *Metrics) Meter() metric.Meter {
	if m == nil {
		return nil
	}
	return m.meter
}

// RecordReceived records an inbound message accepted from transport.
func (m *Metrics) RecordReceived(transport string, sizeBytes int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("transport", transport))
	m.messagesReceived.Add(ctx, 1, attrs)
	m.frameSize.Record(ctx, int64(sizeBytes), attrs)
}

// RecordCommandSent records an outbound command handed to the message bus.
func (m *Metrics) RecordCommandSent(sizeBytes int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.commandsSent.Add(ctx, 1)
	m.frameSize.Record(ctx, int64(sizeBytes), metric.WithAttributes(attribute.String("transport", "mbus")))
}

// RecordReplySent records a reply routed back on transport.
func (m *Metrics) RecordReplySent(transport string) {
	if m == nil {
		return
	}
	m.repliesSent.Add(context.Background(), 1, metric.WithAttributes(attribute.String("transport", transport)))
}

// RecordSendFailure records a failed outbound send.
func (m *Metrics) RecordSendFailure(reason string) {
	if m == nil {
		return
	}
	m.sendFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTimeout records a pending command that expired.
func (m *Metrics) RecordTimeout() {
	if m == nil {
		return
	}
	m.timeouts.Add(context.Background(), 1)
}

// RecordOrphanedReply records a dropped reply.
func (m *Metrics) RecordOrphanedReply() {
	if m == nil {
		return
	}
	m.orphanedReplies.Add(context.Background(), 1)
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", errorType)))
}

// RecordDispatchDuration records the duration of one upward delivery.
func (m *Metrics) RecordDispatchDuration(msgType string, durationMs float64) {
	if m == nil {
		return
	}
	m.dispatchDuration.Record(context.Background(), durationMs, metric.WithAttributes(attribute.String("type", msgType)))
}
