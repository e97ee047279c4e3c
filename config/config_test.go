// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Node.Type != NodeTypeStorage {
		t.Errorf("expected default node type storage, got %s", cfg.Node.Type)
	}
	if cfg.MessageBus.TCPAddr != ":19100" {
		t.Errorf("expected default message bus addr :19100, got %s", cfg.MessageBus.TCPAddr)
	}
	if cfg.Communication.PollInterval != 100*time.Millisecond {
		t.Errorf("expected poll interval 100ms, got %v", cfg.Communication.PollInterval)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must be valid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "distributor node",
			modify:  func(c *Config) { c.Node.Type = NodeTypeDistributor },
			wantErr: false,
		},
		{
			name:    "unknown node type",
			modify:  func(c *Config) { c.Node.Type = "searcher" },
			wantErr: true,
		},
		{
			name: "no message bus listeners",
			modify: func(c *Config) {
				c.MessageBus.TCPAddr = ""
				c.MessageBus.WSAddr = ""
			},
			wantErr: true,
		},
		{
			name: "websocket only",
			modify: func(c *Config) {
				c.MessageBus.TCPAddr = ""
				c.MessageBus.WSAddr = ":19103"
			},
			wantErr: false,
		},
		{
			name:    "tiny frame size",
			modify:  func(c *Config) { c.MessageBus.MaxFrameSize = 10 },
			wantErr: true,
		},
		{
			name:    "pretty log format",
			modify:  func(c *Config) { c.Log.Format = "pretty" },
			wantErr: false,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "trace" },
			wantErr: true,
		},
		{
			name:    "zero poll interval",
			modify:  func(c *Config) { c.Communication.PollInterval = 0 },
			wantErr: true,
		},
		{
			name:    "unknown compression",
			modify:  func(c *Config) { c.Communication.Protocol.Compression = "lz4" },
			wantErr: true,
		},
		{
			name:    "invalid bucket space",
			modify:  func(c *Config) { c.Communication.Protocol.BucketSpaces = map[string]string{"music": "other"} },
			wantErr: true,
		},
		{
			name:    "tiny max decoded size",
			modify:  func(c *Config) { c.Communication.Protocol.MaxDecodedSize = 1024 },
			wantErr: true,
		},
		{
			name:    "short priority mapping",
			modify:  func(c *Config) { c.Communication.Protocol.PriorityMapping = []uint8{1, 2} },
			wantErr: true,
		},
		{
			name: "invalid sample rate",
			modify: func(c *Config) {
				c.Otel.MetricsEnabled = true
				c.Otel.TraceSampleRate = 2
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")

	data := []byte(`
node:
  type: distributor
  index: 3
communication:
  max_queue_size: 10
  protocol:
    compression: zstd
    bucket_spaces:
      music: global
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.Type != NodeTypeDistributor || cfg.Node.Index != 3 {
		t.Errorf("unexpected node config %+v", cfg.Node)
	}
	if cfg.Communication.MaxQueueSize != 10 {
		t.Errorf("expected max queue size 10, got %d", cfg.Communication.MaxQueueSize)
	}
	if cfg.Communication.Protocol.BucketSpaces["music"] != "global" {
		t.Errorf("expected music in global space, got %v", cfg.Communication.Protocol.BucketSpaces)
	}
	if cfg.Communication.PollInterval != 100*time.Millisecond {
		t.Errorf("defaults must survive partial files, got poll interval %v", cfg.Communication.PollInterval)
	}
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.Type != NodeTypeStorage {
		t.Errorf("expected default config")
	}
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.yaml")

	cfg := Default()
	cfg.Node.Index = 7
	cfg.Communication.Protocol.Compression = "s2"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Node.Index != 7 || loaded.Communication.Protocol.Compression != "s2" {
		t.Errorf("round trip lost values: %+v", loaded)
	}
}
