// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeerLimiterBurst(t *testing.T) {
	l := NewPeerLimiter(0.001, 2, time.Minute)
	defer l.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 4000}
	assert.True(t, l.Allow(addr))
	assert.True(t, l.Allow(addr))
	assert.False(t, l.Allow(addr))

	other := &net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 4000}
	assert.True(t, l.Allow(other))
	assert.Equal(t, 2, l.Len())
}

func TestPeerLimiterSharesBucketAcrossPorts(t *testing.T) {
	l := NewPeerLimiter(0.001, 1, time.Minute)
	defer l.Stop()

	assert.True(t, l.Allow(&net.TCPAddr{IP: net.ParseIP("10.0.0.3"), Port: 1}))
	assert.False(t, l.Allow(&net.TCPAddr{IP: net.ParseIP("10.0.0.3"), Port: 2}))
}

func TestPeerLimiterUnknownAddress(t *testing.T) {
	l := NewPeerLimiter(0.001, 1, time.Minute)
	defer l.Stop()

	assert.True(t, l.Allow(nil))
	assert.True(t, l.Allow(&net.UnixAddr{Name: "/tmp/sock", Net: "unix"}))
	assert.Equal(t, 0, l.Len())
}

func TestPeerLimiterRemoveStale(t *testing.T) {
	l := NewPeerLimiter(10, 1, time.Minute)
	defer l.Stop()

	l.Allow(&net.TCPAddr{IP: net.ParseIP("10.0.0.4"), Port: 1})
	assert.Equal(t, 1, l.Len())

	l.removeStale(time.Now().Add(time.Minute))
	assert.Equal(t, 1, l.Len())

	l.removeStale(time.Now().Add(3 * time.Minute))
	assert.Equal(t, 0, l.Len())
}

func TestPeerLimiterStopIdempotent(t *testing.T) {
	l := NewPeerLimiter(1, 1, time.Minute)
	l.Stop()
	l.Stop()
}
