package authstream

import (
	"fmt"
	"time"
)

// Default values for StreamConfig.
const (
	DefaultBaseDelay            = 1 * time.Second
	DefaultMaxDelay             = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
)

// StreamConfig configures reconnection behavior of a StreamManager.
type StreamConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// MaxReconnectAttempts is the number of consecutive failures after which
	// the manager gives up. Zero selects the default; negative means unlimited.
	MaxReconnectAttempts int

	// IdleTimeout tears down a connection that delivered no frame for this
	// long. Zero disables the watchdog.
	IdleTimeout time.Duration
}

// DefaultStreamConfig returns sensible defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		BaseDelay:            DefaultBaseDelay,
		MaxDelay:             DefaultMaxDelay,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
	}
}

func (c *StreamConfig) defaults() {
	if c.BaseDelay == 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
}

// Validate checks that durations are usable.
func (c *StreamConfig) Validate() error {
	if c.BaseDelay < 0 {
		return fmt.Errorf("base delay must be >= 0, got %s", c.BaseDelay)
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("max delay must be >= 0, got %s", c.MaxDelay)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout must be >= 0, got %s", c.IdleTimeout)
	}
	return nil
}
