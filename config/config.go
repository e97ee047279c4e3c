// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks a configuration that fails validation. It is fatal to
// the component receiving it.
var ErrInvalid = errors.New("invalid configuration")

// Node types.
const (
	NodeTypeStorage     = "storage"
	NodeTypeDistributor = "distributor"
)

// Config holds all configuration for a storage node.
type Config struct {
	Node          NodeConfig          `yaml:"node"`
	Log           LogConfig           `yaml:"log"`
	MessageBus    MessageBusConfig    `yaml:"messagebus"`
	RPC           RPCConfig           `yaml:"rpc"`
	Communication CommunicationConfig `yaml:"communication"`
	Health        HealthConfig        `yaml:"health"`
	Otel          OtelConfig          `yaml:"otel"`
}

// NodeConfig identifies the node within its cluster.
type NodeConfig struct {
	Type    string `yaml:"type"` // storage, distributor
	Cluster string `yaml:"cluster"`
	Index   int    `yaml:"index"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json, pretty
}

// MessageBusConfig holds the message bus listeners and outbound session
// settings.
type MessageBusConfig struct {
	TCPAddr         string          `yaml:"tcp_addr"`
	WSAddr          string          `yaml:"ws_addr"` // empty disables the WebSocket listener
	WSPath          string          `yaml:"ws_path"`
	MaxConnections  int             `yaml:"max_connections"`
	MaxFrameSize    int             `yaml:"max_frame_size"`
	ReadTimeout     time.Duration   `yaml:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	DialTimeout     time.Duration   `yaml:"dial_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	CircuitBreaker  BreakerConfig   `yaml:"circuit_breaker"`
}

// RateLimitConfig limits the rate of new connections per peer IP.
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"` // connections per second
	Burst           int           `yaml:"burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// BreakerConfig holds circuit breaker settings for outbound destinations.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// RPCConfig holds the direct RPC server settings.
type RPCConfig struct {
	Addr            string        `yaml:"addr"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CommunicationConfig is the live-reconfigurable part of the communication
// manager.
type CommunicationConfig struct {
	MaxQueueSize        int            `yaml:"max_queue_size"` // 0 is unbounded
	PollInterval        time.Duration  `yaml:"poll_interval"`
	GenerationRetention time.Duration  `yaml:"generation_retention"`
	MbusMaxPendingCount int            `yaml:"mbus_max_pending_count"` // 0 is unlimited
	MbusMaxPendingSize  int64          `yaml:"mbus_max_pending_size"`  // 0 is unlimited
	Protocol            ProtocolConfig `yaml:"protocol"`
}

// ProtocolConfig holds every setting a codec generation is built from.
type ProtocolConfig struct {
	Compression          string            `yaml:"compression"` // none, zstd, s2
	CompressionLevel     int               `yaml:"compression_level"`
	CompressionThreshold int               `yaml:"compression_threshold"`
	MaxDecodedSize       int               `yaml:"max_decoded_size"` // 0 selects the codec default
	BucketSpaces         map[string]string `yaml:"bucket_spaces"`    // document type -> bucket space
	PriorityMapping      []uint8           `yaml:"priority_mapping"` // empty selects the default
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// OtelConfig holds OpenTelemetry settings.
type OtelConfig struct {
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	TracesEnabled   bool          `yaml:"traces_enabled"`
	Endpoint        string        `yaml:"endpoint"`
	ServiceName     string        `yaml:"service_name"`
	ServiceVersion  string        `yaml:"service_version"`
	TraceSampleRate float64       `yaml:"trace_sample_rate"` // 0.0 to 1.0
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Type:    NodeTypeStorage,
			Cluster: "storage",
			Index:   0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		MessageBus: MessageBusConfig{
			TCPAddr:         ":19100",
			WSAddr:          "",
			WSPath:          "/mbus",
			MaxConnections:  10000,
			MaxFrameSize:    16 * 1024 * 1024,
			ReadTimeout:     5 * time.Minute,
			WriteTimeout:    30 * time.Second,
			DialTimeout:     5 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled:         false,
				Rate:            100,
				Burst:           200,
				CleanupInterval: time.Minute,
			},
			CircuitBreaker: BreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		RPC: RPCConfig{
			Addr:            ":19101",
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Communication: DefaultCommunication(),
		Health: HealthConfig{
			Enabled: true,
			Addr:    ":19102",
		},
		Otel: OtelConfig{
			MetricsEnabled:  false,
			TracesEnabled:   false,
			Endpoint:        "localhost:4317",
			ServiceName:     "storagenode",
			ServiceVersion:  "1.0.0",
			TraceSampleRate: 0.1,
			MetricsInterval: 30 * time.Second,
		},
	}
}

// DefaultCommunication returns the default communication manager settings.
func DefaultCommunication() CommunicationConfig {
	return CommunicationConfig{
		MaxQueueSize:        100000,
		PollInterval:        100 * time.Millisecond,
		GenerationRetention: 5 * time.Minute,
		MbusMaxPendingCount: 4096,
		MbusMaxPendingSize:  256 * 1024 * 1024,
		Protocol: ProtocolConfig{
			Compression:          "none",
			CompressionThreshold: 4096,
			MaxDecodedSize:       64 * 1024 * 1024,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Node.Type != NodeTypeStorage && c.Node.Type != NodeTypeDistributor {
		return invalid("node.type must be one of: storage, distributor")
	}
	if c.Node.Index < 0 {
		return invalid("node.index cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return invalid("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true, "pretty": true}
	if !validFormats[c.Log.Format] {
		return invalid("log.format must be one of: text, json, pretty")
	}

	if c.MessageBus.TCPAddr == "" && c.MessageBus.WSAddr == "" {
		return invalid("messagebus requires tcp_addr or ws_addr")
	}
	if c.MessageBus.MaxConnections < 0 {
		return invalid("messagebus.max_connections cannot be negative")
	}
	if c.MessageBus.MaxFrameSize < 1024 {
		return invalid("messagebus.max_frame_size must be at least 1KB")
	}
	if c.MessageBus.WSAddr != "" && c.MessageBus.WSPath == "" {
		return invalid("messagebus.ws_path required when ws_addr is set")
	}
	if c.MessageBus.RateLimit.Enabled {
		if c.MessageBus.RateLimit.Rate <= 0 {
			return invalid("messagebus.rate_limit.rate must be positive")
		}
		if c.MessageBus.RateLimit.Burst < 1 {
			return invalid("messagebus.rate_limit.burst must be at least 1")
		}
	}
	if c.MessageBus.CircuitBreaker.FailureThreshold < 1 {
		return invalid("messagebus.circuit_breaker.failure_threshold must be at least 1")
	}

	if c.RPC.Addr == "" {
		return invalid("rpc.addr cannot be empty")
	}
	if c.RPC.RequestTimeout < time.Millisecond {
		return invalid("rpc.request_timeout must be at least 1ms")
	}

	if err := c.Communication.Validate(); err != nil {
		return err
	}

	if c.Health.Enabled && c.Health.Addr == "" {
		return invalid("health.addr required when health is enabled")
	}

	if c.Otel.MetricsEnabled || c.Otel.TracesEnabled {
		if c.Otel.ServiceName == "" {
			return invalid("otel.service_name cannot be empty when telemetry is enabled")
		}
		if c.Otel.TraceSampleRate < 0.0 || c.Otel.TraceSampleRate > 1.0 {
			return invalid("otel.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Validate checks the communication settings.
func (c CommunicationConfig) Validate() error {
	if c.MaxQueueSize < 0 {
		return invalid("communication.max_queue_size cannot be negative")
	}
	if c.PollInterval < time.Millisecond {
		return invalid("communication.poll_interval must be at least 1ms")
	}
	if c.GenerationRetention < 0 {
		return invalid("communication.generation_retention cannot be negative")
	}
	if c.MbusMaxPendingCount < 0 || c.MbusMaxPendingSize < 0 {
		return invalid("communication.mbus_max_pending_* cannot be negative")
	}

	p := c.Protocol
	switch p.Compression {
	case "none", "zstd", "s2":
	default:
		return invalid("communication.protocol.compression must be one of: none, zstd, s2")
	}
	if p.CompressionLevel < 0 || p.CompressionLevel > 4 {
		return invalid("communication.protocol.compression_level must be between 0 and 4")
	}
	if p.CompressionThreshold < 0 {
		return invalid("communication.protocol.compression_threshold cannot be negative")
	}
	if p.MaxDecodedSize != 0 && p.MaxDecodedSize < 64*1024 {
		return invalid("communication.protocol.max_decoded_size must be at least 64KB")
	}
	for docType, space := range p.BucketSpaces {
		if space != "default" && space != "global" {
			return invalid("communication.protocol.bucket_spaces[%s] must be default or global", docType)
		}
	}
	if n := len(p.PriorityMapping); n != 0 && n != 16 {
		return invalid("communication.protocol.priority_mapping must have 16 entries")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
