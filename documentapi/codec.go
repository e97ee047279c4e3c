// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package documentapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownType is returned when decoding a message of an unregistered type.
var ErrUnknownType = errors.New("unknown document message type")

type envelope struct {
	Type          Type            `json:"type"`
	TimeRemaining int64           `json:"time_remaining_ms,omitempty"`
	Errors        []Error         `json:"errors,omitempty"`
	Body          json.RawMessage `json:"body"`
}

var constructors = map[Type]func() Message{
	TypeGetBucketList:       func() Message { return &GetBucketListMessage{requestBase: newRequestBase()} },
	TypeGetBucketListReply:  func() Message { return &GetBucketListReply{} },
	TypeStatBucket:          func() Message { return &StatBucketMessage{requestBase: newRequestBase()} },
	TypeStatBucketReply:     func() Message { return &StatBucketReply{} },
	TypePutDocument:         func() Message { return &PutDocumentMessage{requestBase: newRequestBase()} },
	TypePutDocumentReply:    func() Message { return &WriteDocumentReply{} },
	TypeGetDocument:         func() Message { return &GetDocumentMessage{requestBase: newRequestBase()} },
	TypeGetDocumentReply:    func() Message { return &GetDocumentReply{} },
	TypeRemoveDocument:      func() Message { return &RemoveDocumentMessage{requestBase: newRequestBase()} },
	TypeRemoveDocumentReply: func() Message { return &RemoveDocumentReply{} },
}

// Encode renders msg in its JSON wire form. The priority travels in the
// transport frame, not in the payload.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", msg.Type(), err)
	}

	env := envelope{Type: msg.Type(), Body: body}
	switch m := msg.(type) {
	case Request:
		env.TimeRemaining = m.TimeRemaining().Milliseconds()
	case Reply:
		env.Errors = m.Errors()
	}
	return json.Marshal(env)
}

// Decode parses a payload produced by Encode.
func Decode(payload []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode document envelope: %w", err)
	}

	ctor, ok := constructors[env.Type]
	if !ok {
		return nil, fmt.Errorf("decode type %d: %w", env.Type, ErrUnknownType)
	}
	msg := ctor()
	if len(env.Body) > 0 {
		if err := json.Unmarshal(env.Body, msg); err != nil {
			return nil, fmt.Errorf("decode %s body: %w", env.Type, err)
		}
	}

	switch m := msg.(type) {
	case Request:
		m.SetTimeRemaining(time.Duration(env.TimeRemaining) * time.Millisecond)
	case Reply:
		for _, e := range env.Errors {
			m.AddError(e)
		}
	}
	return msg, nil
}
