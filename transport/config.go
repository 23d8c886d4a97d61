package transport

import (
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/net/proxy"
)

// Defaults.
const (
	DefaultListenAddr       = ":0"
	DefaultDialTimeout      = 5 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPollInterval     = 500 * time.Millisecond
)

// Config holds the transport settings.
type Config struct {
	// ListenAddr is the chat listener address.
	ListenAddr string
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration
	// HandshakeTimeout bounds how long either side waits for handshake lines.
	HandshakeTimeout time.Duration
	// PollInterval bounds how long a send loop waits for new messages before
	// re-checking shutdown and session liveness.
	PollInterval time.Duration

	Dialer proxy.ContextDialer
	Clock  clock.Clock
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       DefaultListenAddr,
		DialTimeout:      DefaultDialTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		PollInterval:     DefaultPollInterval,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.Dialer == nil {
		c.Dialer = proxy.Direct
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}
