// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mbus

import "errors"

var (
	ErrClosed          = errors.New("message bus closed")
	ErrNoReplyPath     = errors.New("frame has no reply path")
	ErrThrottled       = errors.New("send throttled: too many pending frames")
	ErrCircuitOpen     = errors.New("destination circuit open")
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// IsBusy reports whether err means the destination should be retried later
// rather than treated as unreachable.
func IsBusy(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrCircuitOpen)
}
