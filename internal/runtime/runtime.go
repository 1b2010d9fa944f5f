package runtime

import (
	"time"

	"github.com/agentry-dev/agentry/agent"
	"github.com/agentry-dev/agentry/pkg/codec"
)

// RuntimeConfig contains configuration options shared by the local runtime
// and the cluster worker runtime.
type RuntimeConfig struct {
	// QueueSize sets the buffer of the central FIFO accept queue.
	// Default: 1024
	QueueSize int

	// MailboxSize sets the buffer of each per-agent mailbox.
	// Default: 128
	MailboxSize int

	// EnqueueTimeout bounds how long an accept blocks when the queue is full
	// before the call fails.
	// Default: 5s
	EnqueueTimeout time.Duration

	// EnableMetrics enables prometheus counters for accepted messages,
	// handler errors and queue depth.
	// Default: true
	EnableMetrics bool

	// Intervention, when set, observes every send and publish before the
	// runtime accepts it and may rewrite or drop the message.
	Intervention agent.InterventionHandler

	// Codecs is the serializer registry the worker runtime uses for wire
	// payloads. Ignored by the local runtime.
	// Default: codec.Default()
	Codecs *codec.Registry

	// DialTimeout bounds the worker's initial connection to the host and
	// each control round trip (register, subscribe) over the channel.
	// Default: 10s
	DialTimeout time.Duration

	// StopPollInterval is the poll period used by StopWhen and StopWhenIdle.
	// Default: 10ms
	StopPollInterval time.Duration
}

// DefaultConfig returns a RuntimeConfig with sensible defaults.
func DefaultConfig() *RuntimeConfig {
	return &RuntimeConfig{
		QueueSize:        1024,
		MailboxSize:      128,
		EnqueueTimeout:   5 * time.Second,
		EnableMetrics:    true,
		Codecs:           codec.Default(),
		DialTimeout:      10 * time.Second,
		StopPollInterval: 10 * time.Millisecond,
	}
}

// Option is a functional option for configuring a runtime.
type Option func(*RuntimeConfig)

// WithQueueSize sets the central accept queue buffer.
func WithQueueSize(size int) Option {
	return func(cfg *RuntimeConfig) {
		cfg.QueueSize = size
	}
}

// WithMailboxSize sets the per-agent mailbox buffer.
func WithMailboxSize(size int) Option {
	return func(cfg *RuntimeConfig) {
		cfg.MailboxSize = size
	}
}

// WithEnqueueTimeout bounds accepts against a full queue.
func WithEnqueueTimeout(d time.Duration) Option {
	return func(cfg *RuntimeConfig) {
		cfg.EnqueueTimeout = d
	}
}

// WithMetrics enables or disables metrics collection.
func WithMetrics(enabled bool) Option {
	return func(cfg *RuntimeConfig) {
		cfg.EnableMetrics = enabled
	}
}

// WithIntervention installs a message intervention handler.
func WithIntervention(h agent.InterventionHandler) Option {
	return func(cfg *RuntimeConfig) {
		cfg.Intervention = h
	}
}

// WithCodecRegistry sets the serializer registry used for wire payloads.
func WithCodecRegistry(r *codec.Registry) Option {
	return func(cfg *RuntimeConfig) {
		cfg.Codecs = r
	}
}

// WithDialTimeout bounds the worker's connection attempt to the host.
func WithDialTimeout(d time.Duration) Option {
	return func(cfg *RuntimeConfig) {
		cfg.DialTimeout = d
	}
}
