// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package protocol converts between the internal storage messages and their
// wire forms, and keeps codec generations alive across reconfiguration.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/DeepBlueCoffee/vespa/api"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

var (
	ErrUnknownType     = errors.New("unknown message type")
	ErrPayloadTooLarge = errors.New("decoded payload too large")
)

// DefaultMaxDecoded bounds decompressed payloads when CodecConfig leaves
// MaxDecoded unset.
const DefaultMaxDecoded = 64 * 1024 * 1024

// Flags describe how a payload is encoded. They travel in the frame header.
type Flags uint8

const (
	FlagZstd Flags = 1 << iota
	FlagS2
)

// Compressed reports whether any compression flag is set.
func (f Flags) Compressed() bool {
	return f&(FlagZstd|FlagS2) != 0
}

// CompressionType selects the payload compression of a codec.
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionZstd CompressionType = "zstd"
	CompressionS2   CompressionType = "s2"
)

// CodecConfig holds the settings a codec is built from. Two codecs built
// from equal configs are interchangeable.
type CodecConfig struct {
	Compression CompressionType
	// Level is the zstd encoder level, 1 (fastest) to 4 (best).
	Level int
	// Threshold is the smallest payload that is compressed.
	Threshold int
	// MaxDecoded bounds the decompressed size of a payload.
	MaxDecoded int
}

// Codec encodes and decodes storage messages.
type Codec interface {
	Encode(msg api.Message) ([]byte, Flags, error)
	Decode(payload []byte, flags Flags) (api.Message, error)
}

type envelope struct {
	Type    api.Type        `json:"type"`
	Result  *api.Result     `json:"result,omitempty"`
	Timeout int64           `json:"timeout_ms,omitempty"`
	Body    json.RawMessage `json:"body"`
}

// StorageCodec is the storage protocol codec: a JSON envelope, optionally
// compressed. It is immutable once built and safe for concurrent use.
type StorageCodec struct {
	cfg     CodecConfig
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

var _ Codec = (*StorageCodec)(nil)

// NewStorageCodec builds a codec from cfg.
func NewStorageCodec(cfg CodecConfig) (*StorageCodec, error) {
	if cfg.Compression == "" {
		cfg.Compression = CompressionNone
	}
	if cfg.MaxDecoded <= 0 {
		cfg.MaxDecoded = DefaultMaxDecoded
	}

	c := &StorageCodec{cfg: cfg}

	level := zstd.SpeedDefault
	if cfg.Level > 0 {
		level = zstd.EncoderLevel(cfg.Level)
	}
	var err error
	c.encoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(level),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	c.decoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(uint64(cfg.MaxDecoded)),
	)
	if err != nil {
		c.encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	switch cfg.Compression {
	case CompressionNone, CompressionZstd, CompressionS2:
	default:
		c.Close()
		return nil, fmt.Errorf("unsupported compression %q", cfg.Compression)
	}
	return c, nil
}

// Config returns the settings the codec was built from.
func (c *StorageCodec) Config() CodecConfig {
	return c.cfg
}

// Encode renders msg. Payloads of at least Threshold bytes are compressed
// when the codec has compression enabled.
func (c *StorageCodec) Encode(msg api.Message) ([]byte, Flags, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, 0, fmt.Errorf("encode %s body: %w", msg.Type(), err)
	}

	env := envelope{Type: msg.Type(), Body: body}
	switch m := msg.(type) {
	case api.Reply:
		res := m.Result()
		env.Result = &res
	case api.Command:
		env.Timeout = m.Timeout().Milliseconds()
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, 0, fmt.Errorf("encode %s envelope: %w", msg.Type(), err)
	}

	if len(data) < c.cfg.Threshold {
		return data, 0, nil
	}
	switch c.cfg.Compression {
	case CompressionZstd:
		return c.encoder.EncodeAll(data, nil), FlagZstd, nil
	case CompressionS2:
		return s2.Encode(nil, data), FlagS2, nil
	default:
		return data, 0, nil
	}
}

// Decode parses a payload. Compression is taken from flags rather than the
// codec config, so any generation can decode any payload it understands.
func (c *StorageCodec) Decode(payload []byte, flags Flags) (api.Message, error) {
	data, err := c.decompress(payload, flags)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	msg, err := api.New(env.Type)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", ErrUnknownType)
	}
	if len(env.Body) > 0 {
		if err := json.Unmarshal(env.Body, msg); err != nil {
			return nil, fmt.Errorf("decode %s body: %w", env.Type, err)
		}
	}

	switch m := msg.(type) {
	case api.Reply:
		if env.Result != nil {
			m.SetResult(*env.Result)
		}
	case api.Command:
		if env.Timeout > 0 {
			m.SetTimeout(time.Duration(env.Timeout) * time.Millisecond)
		}
	}
	return msg, nil
}

// decompress inflates payload, refusing to produce more than MaxDecoded
// bytes.
func (c *StorageCodec) decompress(payload []byte, flags Flags) ([]byte, error) {
	switch {
	case flags&FlagZstd != 0:
		data, err := c.decoder.DecodeAll(payload, nil)
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
			return nil, fmt.Errorf("decompress payload (max: %d): %w", c.cfg.MaxDecoded, ErrPayloadTooLarge)
		}
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		return data, nil
	case flags&FlagS2 != 0:
		n, err := s2.DecodedLen(payload)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		if n > c.cfg.MaxDecoded {
			return nil, fmt.Errorf("decompress payload (size: %d, max: %d): %w", n, c.cfg.MaxDecoded, ErrPayloadTooLarge)
		}
		data, err := s2.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		return data, nil
	default:
		return payload, nil
	}
}

// Close releases the compression state.
func (c *StorageCodec) Close() {
	c.encoder.Close()
	c.decoder.Close()
}
