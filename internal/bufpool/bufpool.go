// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool pools byte slices used to assemble outgoing frames.
package bufpool

import "sync"

const (
	minCap       = 512
	maxPooledCap = 64 * 1024
)

var pool = sync.Pool{New: func() any {
	b := make([]byte, 0, minCap)
	return &b
}}

// Get returns an empty slice with capacity of at least size.
func Get(size int) *[]byte {
	b := pool.Get().(*[]byte)
	if cap(*b) < size {
		*b = make([]byte, 0, size)
	}
	*b = (*b)[:0]
	return b
}

// Put returns b to the pool. Slices grown past 64KiB are dropped so one
// large frame does not pin memory.
func Put(b *[]byte) {
	if b == nil || cap(*b) > maxPooledCap {
		return
	}
	pool.Put(b)
}
