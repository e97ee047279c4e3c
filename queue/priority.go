// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package queue provides the ordered buffer between the transports and the
// dispatch loop.
package queue

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DeepBlueCoffee/vespa/api"
	"golang.org/x/sys/cpu"
)

// ReplyPriority is the effective priority of every reply. Replies drain
// ahead of all commands except those at api.PriorityHighest.
const ReplyPriority api.Priority = 1

var (
	ErrClosed = errors.New("queue closed")
	ErrFull   = errors.New("queue full")
)

type entry struct {
	priority api.Priority
	seq      uint64
	msg      api.Message
}

type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old) - 1
	e := old[n]
	old[n] = entry{}
	*h = old[:n]
	return e
}

// Stats holds lifetime counters of a queue.
type Stats struct {
	Enqueued uint64
	Dequeued uint64
	Rejected uint64
}

// PriorityQueue orders messages by (priority, seq). The sequence number is
// assigned under the lock, so the pop order of a single consumer is total
// across any number of concurrent producers.
type PriorityQueue struct {
	mu      sync.Mutex
	entries entryHeap
	seq     uint64
	signals uint64
	closed  bool

	// maxSize is set without holding mu.
	maxSize atomic.Int64

	// wake is closed and replaced to broadcast to blocked consumers.
	wake chan struct{}

	_ cpu.CacheLinePad

	enqueued atomic.Uint64
	_        cpu.CacheLinePad
	dequeued atomic.Uint64
	_        cpu.CacheLinePad
	rejected atomic.Uint64
}

// New creates a priority queue. A maxSize of zero or less leaves the queue
// unbounded.
func New(maxSize int) *PriorityQueue {
	q := &PriorityQueue{
		entries: make(entryHeap, 0, 64),
		wake:    make(chan struct{}),
	}
	q.maxSize.Store(int64(maxSize))
	return q
}

// Enqueue inserts msg. Replies always take ReplyPriority and are admitted
// even when the queue is at capacity; commands beyond capacity get ErrFull.
func (q *PriorityQueue) Enqueue(msg api.Message) error {
	priority := msg.Priority()
	reply := msg.IsReply()
	if reply {
		priority = ReplyPriority
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.rejected.Add(1)
		return fmt.Errorf("enqueue %s: %w", msg, ErrClosed)
	}
	if limit := int(q.maxSize.Load()); !reply && limit > 0 && len(q.entries) >= limit {
		size := len(q.entries)
		q.mu.Unlock()
		q.rejected.Add(1)
		return fmt.Errorf("enqueue %s (current: %d, max: %d): %w", msg, size, limit, ErrFull)
	}

	q.seq++
	heap.Push(&q.entries, entry{priority: priority, seq: q.seq, msg: msg})
	q.broadcast()
	q.mu.Unlock()

	q.enqueued.Add(1)
	return nil
}

// GetNext pops the entry with the smallest (priority, seq). A zero timeout
// polls, a negative timeout blocks until an entry arrives or Signal is
// called, a positive timeout bounds the wait.
func (q *PriorityQueue) GetNext(timeout time.Duration) (api.Message, bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	q.mu.Lock()
	signals := q.signals
	for {
		if len(q.entries) > 0 {
			e := heap.Pop(&q.entries).(entry)
			q.mu.Unlock()
			q.dequeued.Add(1)
			return e.msg, true
		}
		if timeout == 0 || q.closed || q.signals != signals {
			q.mu.Unlock()
			return nil, false
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-expired:
			return nil, false
		}
		q.mu.Lock()
	}
}

// Signal wakes every blocked consumer. Consumers that find the queue empty
// return without a message.
func (q *PriorityQueue) Signal() {
	q.mu.Lock()
	q.signals++
	q.broadcast()
	q.mu.Unlock()
}

// Close rejects further enqueues and wakes blocked consumers. Entries already
// queued stay poppable.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.signals++
		q.broadcast()
	}
	q.mu.Unlock()
}

// Drain removes and returns all queued messages in dispatch order.
func (q *PriorityQueue) Drain() []api.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := make([]api.Message, 0, len(q.entries))
	for len(q.entries) > 0 {
		e := heap.Pop(&q.entries).(entry)
		msgs = append(msgs, e.msg)
	}
	q.dequeued.Add(uint64(len(msgs)))
	return msgs
}

// SetMaxSize changes the command capacity. Entries already queued are kept
// even when they exceed the new bound. It does not take the queue lock.
func (q *PriorityQueue) SetMaxSize(n int) {
	q.maxSize.Store(int64(n))
}

// Size returns the number of queued messages.
func (q *PriorityQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Stats returns lifetime counters.
func (q *PriorityQueue) Stats() Stats {
	return Stats{
		Enqueued: q.enqueued.Load(),
		Dequeued: q.dequeued.Load(),
		Rejected: q.rejected.Load(),
	}
}

// broadcast must be called with mu held.
func (q *PriorityQueue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}
