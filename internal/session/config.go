package session

import (
	"fmt"
	"time"
)

// Config defines per-process session timeouts and dispatch caps.
type Config struct {
	MessageTimeout     time.Duration
	HeartbeatTimeout   time.Duration
	TerminationTimeout time.Duration
	SessionThreads     int
	GlobalThreads      int
}

func DefaultConfig() Config {
	return Config{
		MessageTimeout:     30 * time.Second,
		HeartbeatTimeout:   5 * time.Second,
		TerminationTimeout: 10 * time.Second,
		SessionThreads:     4,
		GlobalThreads:      64,
	}
}

func (c Config) Validate() error {
	switch {
	case c.MessageTimeout <= 0:
		return fmt.Errorf("%w: message timeout must be positive", ErrInvalidConfig)
	case c.HeartbeatTimeout <= 0:
		return fmt.Errorf("%w: heartbeat timeout must be positive", ErrInvalidConfig)
	case c.TerminationTimeout <= 0:
		return fmt.Errorf("%w: termination timeout must be positive", ErrInvalidConfig)
	case c.SessionThreads <= 0:
		return fmt.Errorf("%w: session threads must be positive", ErrInvalidConfig)
	case c.GlobalThreads <= 0:
		return fmt.Errorf("%w: global threads must be positive", ErrInvalidConfig)
	}
	return nil
}
