// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package comm

import (
	"fmt"
	"log/slog"
	"reflect"

	"github.com/DeepBlueCoffee/vespa/config"
	"github.com/DeepBlueCoffee/vespa/mbus"
	"github.com/DeepBlueCoffee/vespa/protocol"
)

// Configure applies a new communication config. It is accepted only while
// the manager is opened or running; applying an equal config is a no-op.
// A change to the protocol settings installs a new generation and retires
// the previous one, which keeps decoding replies to commands it encoded.
// Invalid configs are rejected with an error wrapping config.ErrInvalid.
func (m *Manager) Configure(cfg config.CommunicationConfig) error {
	if st := m.State(); !st.Configurable() {
		return fmt.Errorf("configure in state %s: %w", st, ErrNotOpen)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configure: %w", err)
	}

	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()

	// Close retires the generation table under cfgMu.
	if st := m.State(); !st.Configurable() {
		return fmt.Errorf("configure in state %s: %w", st, ErrNotOpen)
	}
	if reflect.DeepEqual(m.cfg, cfg) {
		return nil
	}

	if !reflect.DeepEqual(m.cfg.Protocol, cfg.Protocol) {
		gen, err := newGeneration(m.gens, cfg.Protocol)
		if err != nil {
			return fmt.Errorf("configure: %w", err)
		}
		m.logger.Info("installed protocol generation",
			slog.Uint64("epoch", gen.Epoch),
			slog.String("compression", cfg.Protocol.Compression))
	}

	m.gens.SetRetention(cfg.GenerationRetention)
	m.queue.SetMaxSize(cfg.MaxQueueSize)
	m.pollInterval.Store(int64(cfg.PollInterval))
	if m.bus != nil {
		m.bus.SetLimits(busLimits(cfg))
	}
	m.cfg = cfg
	return nil
}

// Config returns the config currently applied.
func (m *Manager) Config() config.CommunicationConfig {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	return m.cfg
}

// newGeneration builds the codec and converter for p and installs them as
// the current generation of gens.
func newGeneration(gens *protocol.Generations, p config.ProtocolConfig) (*protocol.Generation, error) {
	codec, err := protocol.NewStorageCodec(protocol.CodecConfig{
		Compression: protocol.CompressionType(p.Compression),
		Level:       p.CompressionLevel,
		Threshold:   p.CompressionThreshold,
		MaxDecoded:  p.MaxDecodedSize,
	})
	if err != nil {
		return nil, fmt.Errorf("build codec: %w", err)
	}

	resolver, err := protocol.NewBucketResolver(p.BucketSpaces)
	if err != nil {
		codec.Close()
		return nil, fmt.Errorf("build bucket resolver: %w", err)
	}
	priorities, err := protocol.NewPriorityConverter(p.PriorityMapping)
	if err != nil {
		codec.Close()
		return nil, fmt.Errorf("build priority converter: %w", err)
	}

	return gens.Install(codec, protocol.NewDocumentConverter(resolver, priorities)), nil
}

func busLimits(cfg config.CommunicationConfig) mbus.Limits {
	return mbus.Limits{
		MaxPendingCount: cfg.MbusMaxPendingCount,
		MaxPendingSize:  cfg.MbusMaxPendingSize,
	}
}
