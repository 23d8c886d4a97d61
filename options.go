package lanchat

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/opd-ai/lanchat/file"
	"github.com/opd-ai/lanchat/presence"
	"github.com/opd-ai/lanchat/session"
	"github.com/opd-ai/lanchat/transport"
)

// Options contains the configuration of a Node.
type Options struct {
	Presence  presence.Config
	Transport transport.Config
	File      file.Config

	// IdleTimeout closes file sessions without traffic for that long.
	IdleTimeout time.Duration
	// Proxy routes outbound connections through a SOCKS5 or HTTP proxy.
	// It replaces Transport.Dialer when set.
	Proxy *transport.ProxyConfig
	// AutoDownload starts a download for every received file reference.
	AutoDownload bool

	// Clock is shared by every component that has no clock of its own.
	Clock clock.Clock
}

// NewOptions returns Options populated with the LAN defaults.
func NewOptions() *Options {
	return &Options{
		Presence:     presence.DefaultConfig(),
		Transport:    transport.DefaultConfig(),
		File:         file.DefaultConfig(),
		IdleTimeout:  session.DefaultIdleTimeout,
		AutoDownload: true,
	}
}

func (o *Options) withDefaults() *Options {
	c := *o
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Presence.Clock == nil {
		c.Presence.Clock = c.Clock
	}
	if c.Transport.Clock == nil {
		c.Transport.Clock = c.Clock
	}
	if c.File.Clock == nil {
		c.File.Clock = c.Clock
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = session.DefaultIdleTimeout
	}
	return &c
}
