// Package transport adapts client-facing sockets to the unit-oriented
// interface the dispatcher works with. A stream socket yields whatever one
// read returns; a WebSocket yields one message per unit.
package transport

import (
	"fmt"
	"net"
	"time"
)

// Kind classifies outbound envelopes.
type Kind uint8

const (
	// KindChat is a message relayed from another client.
	KindChat Kind = iota
	// KindNotice is a server-generated line (joins, parts, rejections).
	KindNotice
	// KindPrompt asks the client for input and is not line terminated.
	KindPrompt
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindNotice:
		return "notice"
	case KindPrompt:
		return "prompt"
	default:
		return "unknown"
	}
}

// Envelope is one outbound unit, rendered by each transport in its own way.
type Envelope struct {
	Kind   Kind
	Handle uint64
	Sender string
	Text   string
	Time   time.Time
}

// Conn is a single client connection.
//
// Receive and Send may be used concurrently with each other, but neither
// may be called concurrently with itself. Close may be called at any time,
// more than once.
type Conn interface {
	// Receive blocks for the next unit. The slice is only valid until the
	// next call.
	Receive() ([]byte, error)
	Send(env Envelope) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
	// Transport names the kind of socket, for logs and metric labels.
	Transport() string
	Close() error
}

// Listener hands out accepted connections.
type Listener interface {
	Accept() (Conn, error)
	Addr() net.Addr
	Close() error
}

// FormatText renders env for line-oriented stream clients.
func FormatText(env Envelope) string {
	switch env.Kind {
	case KindPrompt:
		return env.Text
	case KindNotice:
		return fmt.Sprintf("[%s] %s\n", env.Time.Format(time.TimeOnly), env.Text)
	default:
		return fmt.Sprintf("[%s] [%s]: %s\n", env.Time.Format(time.TimeOnly), env.Sender, env.Text)
	}
}
