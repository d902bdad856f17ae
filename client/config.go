package client

import (
	"log/slog"
	"time"
)

type Config struct {
	URL string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	PingInterval         time.Duration
	LatencyWindow        int
	LatencyWarnThreshold time.Duration

	// MaxReconnectAttempts bounds redials after a lost link. Zero means
	// the default; a negative value disables reconnecting.
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration

	// Dial opens the link. Defaults to DialWebsocket.
	Dial   Dialer
	Logger *slog.Logger
	Now    func() time.Time
}

func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         10 * time.Second,
		PingInterval:         2 * time.Second,
		LatencyWindow:        10,
		LatencyWarnThreshold: 3 * time.Second,
		MaxReconnectAttempts: 5,
		ReconnectDelay:       time.Second,
		MaxReconnectDelay:    30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.URL)
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.LatencyWindow <= 0 {
		c.LatencyWindow = d.LatencyWindow
	}
	if c.LatencyWarnThreshold <= 0 {
		c.LatencyWarnThreshold = d.LatencyWarnThreshold
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = max(d.MaxReconnectDelay, c.ReconnectDelay)
	}
	if c.Dial == nil {
		c.Dial = DialWebsocket
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
