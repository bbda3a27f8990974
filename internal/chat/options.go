package chat

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultMaxClients   = 10
	DefaultSendQueue    = 16
	DefaultWriteTimeout = 10 * time.Second
)

type config struct {
	maxClients   int
	sendQueue    int
	idleTimeout  time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
	clock        clockwork.Clock
}

func defaultConfig() config {
	return config{
		maxClients:   DefaultMaxClients,
		sendQueue:    DefaultSendQueue,
		writeTimeout: DefaultWriteTimeout,
	}
}

// Option to pass to `NewDispatcher`.
type Option func(*config) error

// WithMaxClients bounds the registry. Connections beyond it are rejected.
func WithMaxClients(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("max clients must be positive, got %d", n)
		}
		c.maxClients = n
		return nil
	}
}

// WithSendQueue sets how many envelopes may wait for a slow client before
// the dispatcher drops it.
func WithSendQueue(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("send queue must be positive, got %d", n)
		}
		c.sendQueue = n
		return nil
	}
}

// WithIdleTimeout disconnects clients that stay silent for d. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d < 0 {
			return fmt.Errorf("negative idle timeout %v", d)
		}
		c.idleTimeout = d
		return nil
	}
}

// WithWriteTimeout bounds every socket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return fmt.Errorf("write timeout must be positive, got %v", d)
		}
		c.writeTimeout = d
		return nil
	}
}

// WithLogger specifies which `slog.Logger` to use.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) error {
		c.logger = logger
		return nil
	}
}

// WithMetrics specifies where dispatcher and reaper metrics are emitted.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) error {
		c.metrics = m
		return nil
	}
}

// WithClock replaces the clock used for timestamps and lifetimes.
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) error {
		c.clock = clock
		return nil
	}
}
