package transport

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/agentfabric/codec"
	"github.com/vinayprograms/agentfabric/envelope"
	"github.com/vinayprograms/agentfabric/logging"
)

// Common errors.
var (
	ErrClosed          = errors.New("link closed")
	ErrMessageTooLarge = errors.New("message too large")
)

// Link carries envelopes between two endpoints. Envelopes sent on one link
// arrive in order; nothing is promised across links.
type Link interface {
	// ID identifies the link within its owner.
	ID() string

	// Recv returns channel for incoming envelopes.
	// Channel is closed when the link shuts down.
	Recv() <-chan envelope.Envelope

	// Send queues an envelope for delivery.
	// Returns ErrClosed if the link is closed.
	Send(env envelope.Envelope) error

	// Run starts the link, blocks until ctx is cancelled or the link ends.
	// Returns nil when the peer closed the link, ctx's error otherwise.
	Run(ctx context.Context) error

	// Done is closed once the link has shut down.
	Done() <-chan struct{}

	// Close initiates graceful shutdown.
	// Drains pending sends before returning.
	Close() error
}

// Config holds common link configuration.
type Config struct {
	// ID names the link. A random id is used when empty.
	ID string

	// Codec serializes envelopes on byte-oriented links.
	// Default: JSON
	Codec codec.Codec

	// RecvBufferSize is the size of the receive channel buffer.
	// Default: 100
	RecvBufferSize int

	// SendBufferSize is the size of the internal send buffer.
	// Default: 100
	SendBufferSize int

	// WriteTimeout for write operations.
	WriteTimeout time.Duration

	// MaxMessageSize limits incoming message size.
	MaxMessageSize int64

	// Logger receives decode failures and link errors.
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Codec:          codec.JSON{},
		RecvBufferSize: 100,
		SendBufferSize: 100,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 1024 * 1024, // 1MB
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Codec == nil {
		c.Codec = def.Codec
	}
	if c.RecvBufferSize <= 0 {
		c.RecvBufferSize = def.RecvBufferSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = def.SendBufferSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.Logger == nil {
		c.Logger = logging.New().WithComponent("transport")
	}
	return c
}
