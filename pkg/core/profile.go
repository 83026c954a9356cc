package core

import "time"

// Profile captures the environment specific knobs of a connection: keepalive timing and the
// transport fallback order. It is resolved once when a manager is built so the state machine
// never branches on the platform.
type Profile struct {
	Name           string
	PingInterval   time.Duration
	PongTimeout    time.Duration
	ConnectTimeout time.Duration
	Transports     []TransportKind
}

// DefaultProfile prefers the multiplexed socket and falls back through every transport.
var DefaultProfile = Profile{
	Name:           "default",
	PingInterval:   30 * time.Second,
	PongTimeout:    10 * time.Second,
	ConnectTimeout: 10 * time.Second,
	Transports:     DefaultTransportOrder,
}

// ConstrainedProfile targets networks where long lived websockets are cut by proxies.
// It probes more often and starts with the HTTP based transports.
var ConstrainedProfile = Profile{
	Name:           "constrained",
	PingInterval:   15 * time.Second,
	PongTimeout:    5 * time.Second,
	ConnectTimeout: 15 * time.Second,
	Transports:     []TransportKind{TransportSSE, TransportPolling, TransportRawSocket},
}

// LegacyProfile targets servers without the multiplexed protocol or an event stream.
var LegacyProfile = Profile{
	Name:           "legacy",
	PingInterval:   25 * time.Second,
	PongTimeout:    10 * time.Second,
	ConnectTimeout: 20 * time.Second,
	Transports:     []TransportKind{TransportRawSocket, TransportPolling},
}

// ProfileByName returns the built-in profile with the given name.
func ProfileByName(name string) (Profile, bool) {
	for _, p := range []Profile{DefaultProfile, ConstrainedProfile, LegacyProfile} {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}

// WithProfile applies the non-zero fields of p and returns the config for chaining.
func (c *Config) WithProfile(p Profile) *Config {
	if p.PingInterval > 0 {
		c.PingInterval = p.PingInterval
	}
	if p.PongTimeout > 0 {
		c.PongTimeout = p.PongTimeout
	}
	if p.ConnectTimeout > 0 {
		c.ConnectTimeout = p.ConnectTimeout
	}
	if len(p.Transports) > 0 {
		c.Transports = append([]TransportKind(nil), p.Transports...)
	}
	return c
}
