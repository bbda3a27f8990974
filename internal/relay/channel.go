package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"

	"github.com/hashicorp/go-metrics"

	"relaychat/internal/telemetry"
)

// Channel is the relay between connection isolates and the dispatcher.
// Send may be called from any number of goroutines; Frames has one consumer.
type Channel struct {
	codec    Codec
	maxFrame int
	readSize int
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// wlk is held for the duration of one frame write, never longer.
	wlk     sync.Mutex
	w       io.WriteCloser
	scratch []byte
	closed  bool

	r       io.ReadCloser
	frames  chan Frame
	closeCh chan struct{}
	drained chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Open creates a Channel over a fresh OS pipe.
func Open(opts ...Option) (*Channel, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("relay: create pipe: %w", err)
	}
	ch, err := New(r, w, opts...)
	if err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	return ch, nil
}

// New creates a Channel reading frames from r and writing them to w. The
// caller hands ownership of both ends to the Channel.
func New(r io.ReadCloser, w io.WriteCloser, opts ...Option) (*Channel, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidOption, err)
		}
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.metrics == nil {
		cfg.metrics = telemetry.Discard()
	}

	ch := &Channel{
		codec:    cfg.codec,
		maxFrame: cfg.maxFrame,
		readSize: cfg.readSize,
		logger:   cfg.logger.With("codec", cfg.codec.Name()),
		metrics:  cfg.metrics,
		w:        w,
		r:        r,
		frames:   make(chan Frame, cfg.backlog),
		closeCh:  make(chan struct{}),
		drained:  make(chan struct{}),
	}
	go ch.drain()
	return ch, nil
}

// Send writes f as one frame. Concurrent senders are serialised so frames
// never interleave.
func (ch *Channel) Send(f Frame) error {
	ch.wlk.Lock()
	defer ch.wlk.Unlock()
	if ch.closed {
		return ErrChannelClosed
	}

	buf, err := ch.codec.AppendFrame(ch.scratch[:0], f)
	if err != nil {
		return err
	}
	ch.scratch = buf
	if len(buf) > ch.maxFrame {
		return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(buf), ch.maxFrame)
	}

	if _, err := ch.w.Write(buf); err != nil {
		if errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, syscall.EPIPE) {
			return fmt.Errorf("%w: %w", ErrChannelClosed, err)
		}
		return fmt.Errorf("relay: write frame: %w", err)
	}

	labels := []metrics.Label{telemetry.LabelKind.M(f.Kind.String())}
	ch.metrics.IncrCounterWithLabels(telemetry.MetricRelayFrameOutCount, 1, labels)
	ch.metrics.IncrCounterWithLabels(telemetry.MetricRelayFrameOutBytes, float32(len(buf)), labels)
	return nil
}

// Frames delivers decoded frames in channel order. It is closed once the
// read end reaches end of stream or the Channel is closed.
func (ch *Channel) Frames() <-chan Frame {
	return ch.frames
}

// Close shuts both ends down and waits for the reader to exit. Pending
// Sends fail with ErrChannelClosed.
func (ch *Channel) Close() error {
	ch.closeOnce.Do(func() {
		// Release the reader first so a writer blocked on a full pipe can finish.
		close(ch.closeCh)

		ch.wlk.Lock()
		ch.closed = true
		werr := ch.w.Close()
		ch.wlk.Unlock()

		rerr := ch.r.Close()
		ch.closeErr = errors.Join(werr, rerr)
	})
	<-ch.drained
	return ch.closeErr
}

func (ch *Channel) drain() {
	defer close(ch.drained)
	defer close(ch.frames)

	dec := ch.codec.NewDecoder(ch.maxFrame)
	emit := func(f Frame) {
		labels := []metrics.Label{telemetry.LabelKind.M(f.Kind.String())}
		ch.metrics.IncrCounterWithLabels(telemetry.MetricRelayFrameInCount, 1, labels)
		select {
		case ch.frames <- f:
		case <-ch.closeCh:
		}
	}
	fail := func(err error) {
		ch.metrics.IncrCounter(telemetry.MetricRelayMalformedCount, 1)
		ch.logger.Warn("dropping relay frame", telemetry.LabelError.L(err))
	}

	buf := make([]byte, ch.readSize)
	for {
		n, err := ch.r.Read(buf)
		if n > 0 {
			ch.metrics.IncrCounter(telemetry.MetricRelayFrameInBytes, float32(n))
			dec.Feed(buf[:n], emit, fail)
		}
		if err == nil {
			continue
		}

		if pending := dec.Pending(); pending > 0 {
			ch.logger.Warn("relay closed with an incomplete frame", "pending_bytes", pending)
		}
		select {
		case <-ch.closeCh:
		default:
			if !errors.Is(err, io.EOF) {
				ch.logger.Error("relay read failed", telemetry.LabelError.L(err))
			}
		}
		return
	}
}
