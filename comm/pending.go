// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package comm

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DeepBlueCoffee/vespa/api"
	"github.com/DeepBlueCoffee/vespa/protocol"
)

// PendingEntry is an outbound command waiting for its reply.
type PendingEntry struct {
	ID          api.MessageID
	Command     api.Command
	Destination string
	SentAt      time.Time
	Deadline    time.Time
	// Generation encoded the command and decodes its reply.
	Generation *protocol.Generation
}

// PendingTable owns the entries of sent commands until their reply is
// matched, they time out or they are discarded at shutdown.
type PendingTable struct {
	mu      sync.RWMutex
	entries map[api.MessageID]*PendingEntry
}

// NewPendingTable creates an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[api.MessageID]*PendingEntry)}
}

// Add inserts e. IDs are unique among pending entries.
func (t *PendingTable) Add(e *PendingEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[e.ID]; ok {
		return fmt.Errorf("add pending %d: %w", e.ID, ErrDuplicateID)
	}
	t.entries[e.ID] = e
	return nil
}

// Remove removes and returns the entry for id. Ownership passes to the
// caller.
func (t *PendingTable) Remove(id api.MessageID) (*PendingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return e, ok
}

// Expired removes and returns the entries whose deadline is not after now,
// earliest deadline first.
func (t *PendingTable) Expired(now time.Time) []*PendingEntry {
	t.mu.Lock()
	var expired []*PendingEntry
	for id, e := range t.entries {
		if !e.Deadline.After(now) {
			expired = append(expired, e)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].Deadline.Before(expired[j].Deadline)
	})
	return expired
}

// Count returns the number of pending entries.
func (t *PendingTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Clear removes and returns every entry.
func (t *PendingTable) Clear() []*PendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*PendingEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	clear(t.entries)
	return out
}
