// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits how often a single peer may open message bus
// connections.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PeerLimiter keeps one token bucket per peer IP. Buckets idle for two
// cleanup intervals are dropped.
type PeerLimiter struct {
	mu       sync.Mutex
	peers    map[string]*peerEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type peerEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewPeerLimiter creates a limiter allowing r connections per second per
// peer with the given burst.
func NewPeerLimiter(r float64, burst int, cleanupInterval time.Duration) *PeerLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	l := &PeerLimiter{
		peers:   make(map[string]*peerEntry),
		rate:    rate.Limit(r),
		burst:   burst,
		cleanup: cleanupInterval,
		stopCh:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a new connection from addr may proceed. Addresses
// without an IP are always allowed.
func (l *PeerLimiter) Allow(addr net.Addr) bool {
	ip := peerIP(addr)
	if ip == "" {
		return true
	}

	now := time.Now()
	l.mu.Lock()
	entry, ok := l.peers[ip]
	if !ok {
		entry = &peerEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.peers[ip] = entry
	}
	entry.lastSeen = now
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// Len returns the number of tracked peers.
func (l *PeerLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

func (l *PeerLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			l.removeStale(now)
		case <-l.stopCh:
			return
		}
	}
}

func (l *PeerLimiter) removeStale(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := now.Add(-2 * l.cleanup)
	for ip, entry := range l.peers {
		if entry.lastSeen.Before(threshold) {
			delete(l.peers, ip)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *PeerLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func peerIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return ""
		}
		return host
	}
}
