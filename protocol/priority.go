// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"

	"github.com/DeepBlueCoffee/vespa/api"
	"github.com/DeepBlueCoffee/vespa/documentapi"
)

// DefaultPriorityMapping maps each document priority onto a storage
// priority.
var DefaultPriorityMapping = [documentapi.PriorityCount]uint8{
	50, 60, 70, 80, 90, 100, 110, 120, 130, 140, 150, 160, 170, 180, 190, 200,
}

// PriorityConverter translates between document and storage priorities.
type PriorityConverter struct {
	toStorage [documentapi.PriorityCount]api.Priority
}

// NewPriorityConverter builds a converter from a mapping. An empty mapping
// selects DefaultPriorityMapping. The mapping must be non-decreasing.
func NewPriorityConverter(mapping []uint8) (*PriorityConverter, error) {
	if len(mapping) == 0 {
		mapping = DefaultPriorityMapping[:]
	}
	if len(mapping) != documentapi.PriorityCount {
		return nil, fmt.Errorf("priority mapping has %d entries, want %d", len(mapping), documentapi.PriorityCount)
	}

	c := &PriorityConverter{}
	for i, p := range mapping {
		if i > 0 && p < mapping[i-1] {
			return nil, fmt.Errorf("priority mapping decreases at index %d", i)
		}
		c.toStorage[i] = api.Priority(p)
	}
	return c, nil
}

// ToStorage maps a document priority onto a storage priority.
func (c *PriorityConverter) ToStorage(p documentapi.Priority) api.Priority {
	if int(p) >= documentapi.PriorityCount {
		p = documentapi.PriorityLowest
	}
	return c.toStorage[p]
}

// ToDocument maps a storage priority onto the most urgent document priority
// whose storage priority is not more urgent than p.
func (c *PriorityConverter) ToDocument(p api.Priority) documentapi.Priority {
	for i, sp := range c.toStorage {
		if sp >= p {
			return documentapi.Priority(i)
		}
	}
	return documentapi.PriorityLowest
}
