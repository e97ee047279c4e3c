// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import "fmt"

// ReturnCode is the outcome carried by every reply.
type ReturnCode uint32

const (
	ReturnCodeOK ReturnCode = iota
	ReturnCodeNotImplemented
	ReturnCodeNotFound
	ReturnCodeBusy
	ReturnCodeTimeout
	ReturnCodeAborted
	ReturnCodeNotConnected
	ReturnCodeNotReady
	ReturnCodeIllegalParameters
	ReturnCodeInternalFailure
)

var returnCodeNames = [...]string{
	ReturnCodeOK:                "OK",
	ReturnCodeNotImplemented:    "NOT_IMPLEMENTED",
	ReturnCodeNotFound:          "NOT_FOUND",
	ReturnCodeBusy:              "BUSY",
	ReturnCodeTimeout:           "TIMEOUT",
	ReturnCodeAborted:           "ABORTED",
	ReturnCodeNotConnected:      "NOT_CONNECTED",
	ReturnCodeNotReady:          "NOT_READY",
	ReturnCodeIllegalParameters: "ILLEGAL_PARAMETERS",
	ReturnCodeInternalFailure:   "INTERNAL_FAILURE",
}

func (c ReturnCode) String() string {
	if int(c) < len(returnCodeNames) {
		return returnCodeNames[c]
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint32(c))
}

// Result is the return code and optional message of a reply.
type Result struct {
	Code    ReturnCode `json:"code"`
	Message string     `json:"message,omitempty"`
}

// Success reports whether the result is OK.
func (r Result) Success() bool {
	return r.Code == ReturnCodeOK
}

func (r Result) String() string {
	if r.Message == "" {
		return r.Code.String()
	}
	return r.Code.String() + ": " + r.Message
}
