package relay

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

const (
	DefaultMaxFrameSize = 4096
	DefaultBacklog      = 64
	defaultReadSize     = 4096
)

type config struct {
	codec    Codec
	maxFrame int
	backlog  int
	readSize int
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func defaultConfig() config {
	return config{
		codec:    LineCodec{},
		maxFrame: DefaultMaxFrameSize,
		backlog:  DefaultBacklog,
		readSize: defaultReadSize,
	}
}

// Option to pass to `New` or `Open`.
type Option func(*config) error

// WithCodec selects the framing used on the pipe.
func WithCodec(codec Codec) Option {
	return func(c *config) error {
		if codec == nil {
			return errors.New("nil codec")
		}
		c.codec = codec
		return nil
	}
}

// WithMaxFrameSize bounds the encoded size of a single frame. Larger frames
// are refused by Send and dropped by the reader.
func WithMaxFrameSize(size int) Option {
	return func(c *config) error {
		if size < 16 {
			return fmt.Errorf("max frame size %d is too small", size)
		}
		c.maxFrame = size
		return nil
	}
}

// WithBacklog sets how many decoded frames may wait for the dispatcher.
func WithBacklog(n int) Option {
	return func(c *config) error {
		if n < 0 {
			return fmt.Errorf("negative backlog %d", n)
		}
		c.backlog = n
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

// WithMetrics specifies where frame counters are emitted.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) error {
		c.metrics = m
		return nil
	}
}
