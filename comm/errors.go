// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package comm

import "errors"

var (
	ErrClosed      = errors.New("communication manager closed")
	ErrNotOpen     = errors.New("communication manager not open")
	ErrDuplicateID = errors.New("message id already pending")
	ErrNoAddress   = errors.New("command has no destination address")
	ErrNoUpward    = errors.New("no upward chain registered")
)
