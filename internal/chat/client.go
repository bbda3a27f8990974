// The read side of a client is its connection isolate: it owns inbound
// traffic on the socket and reports to the dispatcher only through the relay.
// The write side drains the client's send queue back to the socket.
// Separating read/write keeps a slow client from stalling the dispatcher.

package chat

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"relaychat/internal/relay"
	"relaychat/internal/telemetry"
	"relaychat/internal/transport"
)

const (
	// MaxNameLength bounds display names, in bytes.
	MaxNameLength = 49

	reasonLeft     = "left"
	reasonTimeout  = "timed out"
	reasonDropped  = "dropped"
	reasonError    = "error"
	reasonShutdown = "shutdown"
)

type frameSender interface {
	Send(relay.Frame) error
}

// client is one accepted connection. Fields above the marker are fixed
// before the isolate is spawned; the rest belong to the dispatcher.
type client struct {
	id      string
	handle  uint64
	conn    transport.Conn
	send    chan transport.Envelope
	started time.Time
	logger  *slog.Logger

	// dispatcher only
	slot    int
	name    string
	joined  bool
	evicted bool
}

func (c *client) displayName() string {
	if c.name != "" {
		return c.name
	}
	return guestName(c.handle)
}

// read runs the isolate until the socket fails, then reports the part.
// This is the only path by which the dispatcher learns of a departure.
func (c *client) read(rl frameSender, idleTimeout time.Duration) {
	reason := c.relayInbound(rl, idleTimeout)
	if err := rl.Send(relay.Part(c.handle, reason)); err != nil {
		c.logger.Debug("part frame not delivered", telemetry.LabelError.L(err))
	}
}

func (c *client) relayInbound(rl frameSender, idleTimeout time.Duration) string {
	logger := c.logger
	handshake := true
	for {
		if idleTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		}
		p, err := c.conn.Receive()
		if err != nil {
			reason := readFailure(err)
			switch reason {
			case reasonLeft, reasonDropped:
				logger.Info("client disconnected", telemetry.LabelReason.L(reason))
			case reasonTimeout:
				logger.Info("client idle, disconnecting", telemetry.LabelReason.L(reason))
			default:
				logger.Error("client read failed", telemetry.LabelError.L(err))
			}
			return reason
		}

		lines := splitLines(p)
		if handshake {
			handshake = false
			var name string
			name, lines = takeName(lines, c.handle)
			if err := rl.Send(relay.Join(c.handle, name)); err != nil {
				logger.Warn("join frame not delivered", telemetry.LabelError.L(err))
				return reasonShutdown
			}
			logger = logger.With(telemetry.LabelName.L(name))
		}

		for _, line := range lines {
			logger.Debug("message from client", "bytes", len(line))
			err := rl.Send(relay.Message(c.handle, line))
			if errors.Is(err, relay.ErrChannelClosed) {
				return reasonShutdown
			}
			if err != nil {
				logger.Warn("message not relayed", telemetry.LabelError.L(err))
			}
		}
	}
}

// write is the writer pump. It exits when the dispatcher closes the send
// queue; on a socket error it closes the connection so the isolate reports
// the part, and keeps draining until then.
func (c *client) write(writeTimeout time.Duration, done func()) {
	defer done()
	defer c.conn.Close()

	for env := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.Send(env); err != nil {
			if !transport.Closed(err) {
				c.logger.Warn("client write failed", telemetry.LabelError.L(err))
			}
			c.conn.Close()
			for range c.send {
			}
			return
		}
	}
}

func readFailure(err error) string {
	switch {
	case transport.Closed(err):
		return reasonDropped
	case transport.Disconnected(err):
		return reasonLeft
	case transport.Timeout(err):
		return reasonTimeout
	default:
		return reasonError
	}
}

// splitLines breaks one received unit into payloads: one per line, CR
// trimmed, blank lines dropped. The result aliases p.
func splitLines(p []byte) [][]byte {
	var lines [][]byte
	for len(p) > 0 {
		line := p
		if i := bytes.IndexByte(p, '\n'); i >= 0 {
			line, p = p[:i], p[i+1:]
		} else {
			p = nil
		}
		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// takeName consumes the display name from the first unit of a client.
func takeName(lines [][]byte, handle uint64) (string, [][]byte) {
	if len(lines) == 0 {
		return guestName(handle), nil
	}
	name := bytes.TrimSpace(lines[0])
	if len(name) > MaxNameLength {
		// back up to the start of a rune cut by the limit
		cut := MaxNameLength
		for cut > MaxNameLength-(utf8.UTFMax-1) && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}
	if len(name) == 0 {
		return guestName(handle), lines[1:]
	}
	return string(name), lines[1:]
}

func guestName(handle uint64) string {
	return fmt.Sprintf("guest-%d", handle)
}
