// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mbus

import (
	"log/slog"
	"time"

	"github.com/DeepBlueCoffee/vespa/ratelimit"
)

// Config holds the listener and source session settings.
type Config struct {
	TCPAddr         string
	WSAddr          string
	WSPath          string
	Logger          *slog.Logger
	Limiter         *ratelimit.PeerLimiter
	ShutdownTimeout time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	DialTimeout     time.Duration
	TCPKeepAlive    time.Duration
	MaxConnections  int
	MaxFrameSize    int
	DisableNoDelay  bool

	// BreakerThreshold is the number of consecutive send failures that open
	// the circuit to a destination.
	BreakerThreshold    uint32
	BreakerResetTimeout time.Duration

	Limits Limits
}

// Limits bounds the frames sent and not yet replied to. Zero values
// disable the corresponding bound.
type Limits struct {
	MaxPendingCount int
	MaxPendingSize  int64
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.WSPath == "" {
		c.WSPath = "/mbus"
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.TCPKeepAlive == 0 {
		c.TCPKeepAlive = 15 * time.Second
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = 16 * 1024 * 1024
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerResetTimeout == 0 {
		c.BreakerResetTimeout = 30 * time.Second
	}
	return c
}

func (c Config) connOptions() connOptions {
	return connOptions{
		maxFrameSize: c.MaxFrameSize,
		readTimeout:  c.ReadTimeout,
		writeTimeout: c.WriteTimeout,
	}
}
