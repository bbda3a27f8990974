// Package chat is the relay core: the dispatcher owns the client registry and
// fans relay traffic out, each client's isolate feeds the relay, and the
// reaper joins isolates once they finish.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/jonboulle/clockwork"

	"relaychat/internal/relay"
	"relaychat/internal/telemetry"
	"relaychat/internal/transport"
)

const (
	promptText   = "Enter your username: "
	rejectedText = "Server is full, try again later"

	maxAcceptDelay = time.Second
)

// Relay is the dispatcher's view of the relay channel.
type Relay interface {
	Send(relay.Frame) error
	Frames() <-chan relay.Frame
	Close() error
}

// ClientInfo describes one registry entry.
type ClientInfo struct {
	Slot        int       `json:"slot"`
	Handle      uint64    `json:"handle"`
	Session     string    `json:"session"`
	Name        string    `json:"name,omitempty"`
	Transport   string    `json:"transport"`
	Remote      string    `json:"remote,omitempty"`
	Joined      bool      `json:"joined"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Dispatcher is the single event loop of the relay. It accepts connections
// from every listener, assigns registry slots, spawns an isolate per client
// and broadcasts what the isolates send over the relay.
type Dispatcher struct {
	relay     Relay
	listeners []transport.Listener
	cfg       config

	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   clockwork.Clock

	// owned by the event loop
	registry   *registry
	nextHandle uint64

	reaper    *reaper
	running   atomic.Bool
	accepted  chan transport.Conn
	snapshots chan chan []ClientInfo
	quit      chan struct{}
	acceptors sync.WaitGroup
	pumps     sync.WaitGroup
}

// NewDispatcher builds a dispatcher reading rl and accepting from listeners.
// The dispatcher takes ownership of both and closes them when Run returns.
func NewDispatcher(rl Relay, listeners []transport.Listener, opts ...Option) (*Dispatcher, error) {
	if len(listeners) == 0 {
		return nil, ErrNoListeners
	}
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
	if cfg.clock == nil {
		cfg.clock = clockwork.NewRealClock()
	}

	return &Dispatcher{
		relay:     rl,
		listeners: listeners,
		cfg:       cfg,
		logger:    cfg.logger,
		metrics:   cfg.metrics,
		clock:     cfg.clock,
		registry:  newRegistry(cfg.maxClients),
		reaper:    newReaper(cfg.logger, cfg.metrics, cfg.clock),
		accepted:  make(chan transport.Conn),
		snapshots: make(chan chan []ClientInfo),
		quit:      make(chan struct{}),
	}, nil
}

// Run serves until ctx is cancelled or the relay closes underneath it, then
// shuts everything down. A dispatcher runs at most once.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	go d.reaper.run()
	for _, l := range d.listeners {
		d.acceptors.Add(1)
		go d.acceptLoop(l)
	}
	d.logger.Info("dispatcher started",
		"listeners", len(d.listeners),
		"max_clients", d.registry.cap(),
	)

	err := d.loop(ctx)
	close(d.quit)
	d.shutdown()
	return err
}

func (d *Dispatcher) loop(ctx context.Context) error {
	frames := d.relay.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil
		case conn := <-d.accepted:
			d.handleAccept(conn)
		case f, ok := <-frames:
			if !ok {
				d.logger.Error("relay closed, stopping dispatcher")
				return ErrRelayClosed
			}
			d.handleFrame(f)
		case reply := <-d.snapshots:
			reply <- d.snapshot()
		}
	}
}

func (d *Dispatcher) acceptLoop(l transport.Listener) {
	defer d.acceptors.Done()

	var delay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, transport.ErrListenerClosed) {
				return
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			d.metrics.IncrCounter(telemetry.MetricConnAcceptErrorCount, 1)
			d.logger.Error("accept failed", telemetry.LabelError.L(err), "retry_in", delay)
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-d.quit:
				t.Stop()
				return
			}
			continue
		}
		delay = 0

		select {
		case d.accepted <- conn:
		case <-d.quit:
			conn.Close()
			return
		}
	}
}

func (d *Dispatcher) handleAccept(conn transport.Conn) {
	d.nextHandle++
	c := &client{
		id:      uuid.NewString(),
		handle:  d.nextHandle,
		conn:    conn,
		started: d.clock.Now(),
	}
	kind := conn.Transport()
	logger := d.logger.With(
		telemetry.LabelHandle.L(c.handle),
		telemetry.LabelSession.L(c.id),
		telemetry.LabelTransport.L(kind),
		telemetry.LabelRemote.L(remoteAddr(conn)),
	)

	slot, err := d.registry.claim(c)
	if err != nil {
		d.metrics.IncrCounterWithLabels(telemetry.MetricConnRejectedCount, 1,
			[]metrics.Label{telemetry.LabelTransport.M(kind)})
		logger.Warn("rejecting connection", telemetry.LabelError.L(err))
		d.reject(conn)
		return
	}
	c.logger = logger.With(telemetry.LabelSlot.L(slot))
	c.send = make(chan transport.Envelope, d.cfg.sendQueue)

	d.metrics.IncrCounterWithLabels(telemetry.MetricConnAcceptedCount, 1,
		[]metrics.Label{telemetry.LabelTransport.M(kind)})
	d.metrics.SetGauge(telemetry.MetricClientsActive, float32(d.registry.len()))
	c.logger.Info("client connected")

	d.deliver(c, d.notice(transport.KindPrompt, promptText))
	d.pumps.Add(1)
	go c.write(d.cfg.writeTimeout, d.pumps.Done)
	d.reaper.spawn(c, func() {
		c.read(d.relay, d.cfg.idleTimeout)
	})
}

// reject tells conn the server is full and closes it, off the event loop.
func (d *Dispatcher) reject(conn transport.Conn) {
	env := d.notice(transport.KindNotice, rejectedText)
	d.pumps.Add(1)
	go func() {
		defer d.pumps.Done()
		// socket deadlines follow the wall clock, as in the writer pump
		_ = conn.SetWriteDeadline(time.Now().Add(d.cfg.writeTimeout))
		_ = conn.Send(env)
		conn.Close()
	}()
}

func (d *Dispatcher) handleFrame(f relay.Frame) {
	c, ok := d.registry.lookup(f.Handle)
	if !ok {
		d.metrics.IncrCounterWithLabels(telemetry.MetricRelayUnknownSenderCount, 1,
			[]metrics.Label{telemetry.LabelKind.M(f.Kind.String())})
		d.logger.Warn("dropping frame from unknown handle",
			telemetry.LabelHandle.L(f.Handle),
			telemetry.LabelKind.L(f.Kind.String()),
		)
		return
	}

	switch f.Kind {
	case relay.KindJoin:
		d.handleJoin(c, string(f.Payload))
	case relay.KindMessage:
		d.handleMessage(c, f.Payload)
	case relay.KindPart:
		d.handlePart(c, string(f.Payload))
	default:
		c.logger.Warn("dropping frame of unknown kind", telemetry.LabelKind.L(f.Kind.String()))
	}
}

func (d *Dispatcher) handleJoin(c *client, name string) {
	if c.joined {
		c.logger.Warn("duplicate join ignored", telemetry.LabelName.L(name))
		return
	}
	c.name = name
	c.joined = true
	c.logger.Info("client joined", telemetry.LabelName.L(name))

	d.deliver(c, d.notice(transport.KindNotice, "Welcome to the chat, "+name))
	d.broadcast(c.handle, d.notice(transport.KindNotice, name+" has joined the chat"))
}

func (d *Dispatcher) handleMessage(c *client, payload []byte) {
	env := transport.Envelope{
		Kind:   transport.KindChat,
		Handle: c.handle,
		Sender: c.displayName(),
		Text:   string(payload),
		Time:   d.clock.Now(),
	}
	n := d.broadcast(c.handle, env)
	d.metrics.IncrCounter(telemetry.MetricBroadcastCount, 1)
	d.metrics.AddSample(telemetry.MetricBroadcastRecipients, float32(n))
}

// handlePart is the only place a slot is freed.
func (d *Dispatcher) handlePart(c *client, reason string) {
	d.registry.release(c.slot)
	if !c.evicted {
		close(c.send)
	}
	d.metrics.SetGauge(telemetry.MetricClientsActive, float32(d.registry.len()))
	c.logger.Info("client left", telemetry.LabelReason.L(reason))

	if !c.joined {
		return
	}
	switch reason {
	case reasonShutdown:
	case reasonTimeout:
		d.broadcast(c.handle, d.notice(transport.KindNotice, c.name+" timed out"))
	default:
		d.broadcast(c.handle, d.notice(transport.KindNotice, c.name+" has left the chat"))
	}
}

// broadcast queues env for every registered client except the one holding
// handle except, and reports how many accepted it. A full queue evicts that
// client without holding up the others.
func (d *Dispatcher) broadcast(except uint64, env transport.Envelope) int {
	n := 0
	d.registry.each(func(c *client) {
		if c.handle == except {
			return
		}
		if d.deliver(c, env) {
			n++
		}
	})
	return n
}

func (d *Dispatcher) deliver(c *client, env transport.Envelope) bool {
	if c.evicted {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		d.evict(c)
		return false
	}
}

// evict drops a client that can't keep up. Its slot stays occupied until the
// isolate notices the closed socket and sends its part frame.
func (d *Dispatcher) evict(c *client) {
	c.evicted = true
	close(c.send)
	d.hangUp(c.conn)
	d.metrics.IncrCounter(telemetry.MetricClientEvictedCount, 1)
	c.logger.Warn("send queue full, dropping client", "queue", cap(c.send))
}

// hangUp closes conn off the event loop. Closing a WebSocket waits on a
// writer stuck in the socket for up to its close grace.
func (d *Dispatcher) hangUp(conn transport.Conn) {
	d.pumps.Add(1)
	go func() {
		defer d.pumps.Done()
		conn.Close()
	}()
}

func (d *Dispatcher) notice(kind transport.Kind, text string) transport.Envelope {
	return transport.Envelope{Kind: kind, Text: text, Time: d.clock.Now()}
}

func (d *Dispatcher) snapshot() []ClientInfo {
	infos := make([]ClientInfo, 0, d.registry.len())
	d.registry.each(func(c *client) {
		infos = append(infos, ClientInfo{
			Slot:        c.slot,
			Handle:      c.handle,
			Session:     c.id,
			Name:        c.name,
			Transport:   c.conn.Transport(),
			Remote:      remoteAddr(c.conn),
			Joined:      c.joined,
			ConnectedAt: c.started,
		})
	})
	return infos
}

// Clients returns the registry as seen by the event loop, in slot order.
func (d *Dispatcher) Clients(ctx context.Context) ([]ClientInfo, error) {
	if !d.running.Load() {
		return nil, ErrNotRunning
	}
	reply := make(chan []ClientInfo, 1)
	select {
	case d.snapshots <- reply:
	case <-d.quit:
		return nil, ErrNotRunning
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return <-reply, nil
}

// shutdown runs after the event loop has returned. Nothing touches the
// registry concurrently any more.
func (d *Dispatcher) shutdown() {
	for _, l := range d.listeners {
		if err := l.Close(); err != nil {
			d.logger.Warn("closing listener", telemetry.LabelError.L(err))
		}
	}
	d.acceptors.Wait()

	if err := d.relay.Close(); err != nil {
		d.logger.Warn("closing relay", telemetry.LabelError.L(err))
	}

	d.registry.each(func(c *client) {
		d.registry.release(c.slot)
		if !c.evicted {
			close(c.send)
		}
		d.hangUp(c.conn)
	})
	d.metrics.SetGauge(telemetry.MetricClientsActive, 0)

	d.reaper.stop()
	d.pumps.Wait()
	d.logger.Info("dispatcher stopped", "reaped", d.reaper.reaped.Load())
}

func remoteAddr(conn transport.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
