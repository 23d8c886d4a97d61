package presence

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/opd-ai/lanchat/limits"
)

// Default protocol parameters.
const (
	DefaultGroup             = "230.0.0.0:6666"
	DefaultPublishInterval   = time.Second
	DefaultHeartbeatTimeout  = 2 * time.Second
	DefaultFragmentTimeout   = time.Second
	DefaultMaxPendingBatches = 256
)

// Opener creates the datagram endpoint the service talks through.
type Opener func() (Conn, error)

// Config holds the presence service settings.
type Config struct {
	// Group is the multicast group address and port.
	Group string
	// Interface optionally names the network interface to join the group on.
	// All multicast capable interfaces are joined when empty.
	Interface string

	PublishInterval  time.Duration
	HeartbeatTimeout time.Duration
	FragmentPayload  int
	FragmentTimeout  time.Duration
	// MaxPendingBatches bounds how many incomplete batches are buffered.
	MaxPendingBatches int

	Clock clock.Clock
	// Open overrides the multicast endpoint, mainly for tests.
	Open Opener
}

// DefaultConfig returns the standard LAN settings.
func DefaultConfig() Config {
	return Config{
		Group:             DefaultGroup,
		PublishInterval:   DefaultPublishInterval,
		HeartbeatTimeout:  DefaultHeartbeatTimeout,
		FragmentPayload:   limits.MaxFragmentPayload,
		FragmentTimeout:   DefaultFragmentTimeout,
		MaxPendingBatches: DefaultMaxPendingBatches,
	}
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Group == "" {
		c.Group = def.Group
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = def.PublishInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.FragmentPayload <= 0 || c.FragmentPayload > limits.MaxFragmentPayload {
		c.FragmentPayload = def.FragmentPayload
	}
	if c.FragmentTimeout <= 0 {
		c.FragmentTimeout = def.FragmentTimeout
	}
	if c.MaxPendingBatches <= 0 {
		c.MaxPendingBatches = def.MaxPendingBatches
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Open == nil {
		group, iface := c.Group, c.Interface
		c.Open = func() (Conn, error) {
			return ListenMulticast(group, iface)
		}
	}
	return c
}
