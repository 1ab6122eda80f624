package session

import (
	"time"

	"github.com/danmuck/camlink/internal/logging"
	"github.com/danmuck/camlink/internal/protocol/frame"
	"github.com/rs/zerolog"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines connection and channel defaults.
//
// IOTimeout bounds every individual send or receive on the channel. A timeout
// is a hard failure; the channel never retries it.
type Config struct {
	ConnectTimeout time.Duration
	IOTimeout      time.Duration
	Limits         frame.Limits
	Backoff        BackoffConfig
	// Debug lowers the dial and channel loggers to debug level.
	Debug bool
}

func (c Config) logger(component string) zerolog.Logger {
	l := logging.Component(component)
	if c.Debug {
		return logging.Verbose(l)
	}
	return l
}

// DefaultConfig mirrors the device firmware defaults (10s socket timeouts).
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		IOTimeout:      10 * time.Second,
		Limits:         frame.DefaultLimits(),
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = def.IOTimeout
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = def.Limits
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = def.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier <= 0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	return c
}
