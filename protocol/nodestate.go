// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"io"
	"strconv"
	"strings"

	"github.com/DeepBlueCoffee/vespa/api"
)

// NodeStateFormat selects how SerializeNodeState renders a state.
type NodeStateFormat struct {
	IncludeDescription     bool
	IncludeDiskDescription bool
	// Legacy always lists every disk and its state.
	Legacy bool
}

var valueEscaper = strings.NewReplacer(
	`\`, `\\`,
	" ", `\x20`,
	"\n", `\n`,
	"\t", `\t`,
)

// SerializeNodeState writes state as space separated key:value tokens.
// Fields holding their default value are omitted.
func SerializeNodeState(w io.Writer, state *api.NodeState, format NodeStateFormat) error {
	if state == nil {
		state = api.NewNodeState(api.StateUp)
	}

	var tokens []string
	add := func(key, value string) {
		tokens = append(tokens, key+":"+value)
	}

	if state.State != api.StateUp {
		add("s", state.State.ShortName())
	}
	if state.Capacity != api.DefaultCapacity {
		add("c", formatFloat(state.Capacity))
	}
	if state.State == api.StateInitializing && state.InitProgress != 0 {
		add("i", formatFloat(state.InitProgress))
	}
	if state.StartTimestamp != 0 {
		add("t", strconv.FormatUint(state.StartTimestamp, 10))
	}
	if state.MinUsedBits != api.DefaultMinUsedBits {
		add("b", strconv.FormatUint(uint64(state.MinUsedBits), 10))
	}

	listDisks := format.Legacy
	for _, d := range state.Disks {
		if d.State != api.StateUp || d.Capacity != api.DefaultCapacity ||
			(format.IncludeDiskDescription && d.Description != "") {
			listDisks = true
			break
		}
	}
	if listDisks {
		add("d", strconv.Itoa(len(state.Disks)))
		for i, d := range state.Disks {
			prefix := "d." + strconv.Itoa(i) + "."
			if format.Legacy || d.State != api.StateUp {
				add(prefix+"s", d.State.ShortName())
			}
			if d.Capacity != api.DefaultCapacity {
				add(prefix+"c", formatFloat(d.Capacity))
			}
			if format.IncludeDiskDescription && d.Description != "" {
				add(prefix+"m", valueEscaper.Replace(d.Description))
			}
		}
	}

	if format.IncludeDescription && state.Description != "" {
		add("m", valueEscaper.Replace(state.Description))
	}

	_, err := io.WriteString(w, strings.Join(tokens, " "))
	return err
}

// NodeStateString is SerializeNodeState into a string.
func NodeStateString(state *api.NodeState, format NodeStateFormat) string {
	var sb strings.Builder
	_ = SerializeNodeState(&sb, state, format)
	return sb.String()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
