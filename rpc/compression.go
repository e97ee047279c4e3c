// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"connectrpc.com/connect"
	"github.com/klauspost/compress/gzip"
)

const compressionGzip = "gzip"

func newGzipDecompressor() connect.Decompressor {
	return &gzip.Reader{}
}

func newGzipCompressor() connect.Compressor {
	return gzip.NewWriter(nil)
}

// handlerCompression replaces the default gzip codec with the faster one.
func handlerCompression() connect.HandlerOption {
	return connect.WithCompression(compressionGzip, newGzipDecompressor, newGzipCompressor)
}

func clientCompression() []connect.ClientOption {
	return []connect.ClientOption{
		connect.WithAcceptCompression(compressionGzip, newGzipDecompressor, newGzipCompressor),
		connect.WithSendCompression(compressionGzip),
	}
}
