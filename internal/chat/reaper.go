package chat

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
	"github.com/jonboulle/clockwork"

	"relaychat/internal/telemetry"
)

// reaper joins finished isolates off the event loop. Every isolate posts
// its client to exits when it returns; the reaper releases what the isolate
// held and accounts for it.
type reaper struct {
	exits   chan *client
	quit    chan struct{}
	stopped chan struct{}
	live    sync.WaitGroup
	reaped  atomic.Uint64

	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   clockwork.Clock
}

func newReaper(logger *slog.Logger, m *metrics.Metrics, clock clockwork.Clock) *reaper {
	return &reaper{
		exits:   make(chan *client, 16),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logger,
		metrics: m,
		clock:   clock,
	}
}

// spawn starts isolate for c. It must not be called after stop.
func (r *reaper) spawn(c *client, isolate func()) {
	r.live.Add(1)
	r.metrics.IncrCounterWithLabels(telemetry.MetricIsolateSpawnedCount, 1,
		[]metrics.Label{telemetry.LabelTransport.M(c.conn.Transport())})
	go func() {
		isolate()
		r.exits <- c
	}()
}

func (r *reaper) run() {
	defer close(r.stopped)
	for {
		select {
		case c := <-r.exits:
			r.reap(c)
			r.reapPending()
		case <-r.quit:
			joined := make(chan struct{})
			go func() {
				r.live.Wait()
				close(joined)
			}()
			for {
				select {
				case c := <-r.exits:
					r.reap(c)
				case <-joined:
					return
				}
			}
		}
	}
}

// reapPending collects every other isolate that has already finished.
func (r *reaper) reapPending() {
	for {
		select {
		case c := <-r.exits:
			r.reap(c)
		default:
			return
		}
	}
}

func (r *reaper) reap(c *client) {
	defer r.live.Done()
	c.conn.Close()
	lifetime := r.clock.Since(c.started)
	r.metrics.IncrCounter(telemetry.MetricIsolateReapedCount, 1)
	r.metrics.AddSample(telemetry.MetricIsolateLifetimeMs, float32(lifetime.Milliseconds()))
	r.reaped.Add(1)
	r.logger.Debug("isolate reaped",
		telemetry.LabelHandle.L(c.handle),
		telemetry.LabelSession.L(c.id),
		"lifetime", lifetime,
	)
}

// stop waits until every spawned isolate has been reaped. Callers close the
// client connections first, or stop blocks for as long as an isolate does.
func (r *reaper) stop() {
	close(r.quit)
	<-r.stopped
}
