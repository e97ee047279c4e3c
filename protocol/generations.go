// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Generation is one installed protocol configuration. A generation stays
// usable while any in-flight message holds a reference to it.
type Generation struct {
	Epoch       uint64
	InstalledAt time.Time
	Codec       *StorageCodec
	Converter   *DocumentConverter

	retiredAt time.Time
	refs      int
}

// GenerationInfo is a point-in-time view of a generation.
type GenerationInfo struct {
	Epoch       uint64
	InstalledAt time.Time
	RetiredAt   time.Time
	Refs        int
	Current     bool
}

// Generations is an epoch-versioned, reference counted table of protocol
// generations. A retired generation is reclaimed only when no reference is
// held and it has been retired longer than the retention threshold.
type Generations struct {
	mu        sync.Mutex
	gens      map[uint64]*Generation
	current   *Generation
	lastEpoch uint64
	retention time.Duration
	now       func() time.Time
}

// NewGenerations creates an empty table.
func NewGenerations(retention time.Duration) *Generations {
	return &Generations{
		gens:      make(map[uint64]*Generation),
		retention: retention,
		now:       time.Now,
	}
}

// SetRetention changes the retention threshold used by Prune.
func (g *Generations) SetRetention(d time.Duration) {
	g.mu.Lock()
	g.retention = d
	g.mu.Unlock()
}

// Install makes a new generation current and retires the previous one.
func (g *Generations) Install(codec *StorageCodec, conv *DocumentConverter) *Generation {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if g.current != nil {
		g.current.retiredAt = now
	}

	g.lastEpoch++
	gen := &Generation{
		Epoch:       g.lastEpoch,
		InstalledAt: now,
		Codec:       codec,
		Converter:   conv,
	}
	g.gens[gen.Epoch] = gen
	g.current = gen
	return gen
}

// Current returns the current generation without taking a reference.
func (g *Generations) Current() *Generation {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Acquire takes a reference on the current generation. It returns nil if
// nothing has been installed.
func (g *Generations) Acquire() *Generation {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current == nil {
		return nil
	}
	g.current.refs++
	return g.current
}

// Release drops a reference taken by Acquire.
func (g *Generations) Release(gen *Generation) {
	if gen == nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if gen.refs <= 0 {
		panic(fmt.Sprintf("protocol: release of unreferenced generation %d", gen.Epoch))
	}
	gen.refs--
}

// Prune reclaims retired generations that are unreferenced and past the
// retention threshold. It returns the number of generations removed.
func (g *Generations) Prune() int {
	g.mu.Lock()
	now := g.now()
	var reclaimed []*Generation
	for epoch, gen := range g.gens {
		if gen == g.current || gen.retiredAt.IsZero() || gen.refs > 0 {
			continue
		}
		if now.Sub(gen.retiredAt) < g.retention {
			continue
		}
		delete(g.gens, epoch)
		reclaimed = append(reclaimed, gen)
	}
	g.mu.Unlock()

	for _, gen := range reclaimed {
		if gen.Codec != nil {
			gen.Codec.Close()
		}
	}
	return len(reclaimed)
}

// Len returns the number of live generations, the current one included.
func (g *Generations) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.gens)
}

// Snapshot describes all live generations ordered by epoch.
func (g *Generations) Snapshot() []GenerationInfo {
	g.mu.Lock()
	defer g.mu.Unlock()

	infos := make([]GenerationInfo, 0, len(g.gens))
	for _, gen := range g.gens {
		infos = append(infos, GenerationInfo{
			Epoch:       gen.Epoch,
			InstalledAt: gen.InstalledAt,
			RetiredAt:   gen.retiredAt,
			Refs:        gen.refs,
			Current:     gen == g.current,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Epoch < infos[j].Epoch })
	return infos
}

// Close releases every generation regardless of references.
func (g *Generations) Close() {
	g.mu.Lock()
	gens := g.gens
	g.gens = make(map[uint64]*Generation)
	g.current = nil
	g.mu.Unlock()

	for _, gen := range gens {
		if gen.Codec != nil {
			gen.Codec.Close()
		}
	}
}
