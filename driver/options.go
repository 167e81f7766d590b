package driver

import (
	"log/slog"
	"time"
)

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithLogger sets the structured logger (defaults to the global one).
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithTxTimeout bounds the wait for hardware transmit queue space.
func WithTxTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.txTimeout = d
		}
	}
}

// WithQueueCapacity sets the software receive queue capacity.
func WithQueueCapacity(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.queueCap = n
		}
	}
}

// WithRxPollInterval sets the receive pump's bounded hardware wait.
func WithRxPollInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.rxPoll = d
		}
	}
}

// WithAlertPollInterval sets the alert pump's bounded hardware wait.
func WithAlertPollInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.alertPoll = d
		}
	}
}
