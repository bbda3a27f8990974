package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

const DefaultBufferSize = 1024

// StreamConn serves clients over a stream socket. One successful read is
// treated as one unit; the socket itself carries no message boundaries.
type StreamConn struct {
	net.Conn
	buf []byte

	closeOnce sync.Once
	closeErr  error
}

// NewStreamConn wraps c; every Receive reads at most bufSize bytes.
func NewStreamConn(c net.Conn, bufSize int) *StreamConn {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &StreamConn{Conn: c, buf: make([]byte, bufSize)}
}

func (c *StreamConn) Receive() ([]byte, error) {
	for {
		n, err := c.Conn.Read(c.buf)
		if n > 0 {
			// a trailing error resurfaces on the next read
			return c.buf[:n], nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (c *StreamConn) Send(env Envelope) error {
	_, err := io.WriteString(c.Conn, FormatText(env))
	return err
}

func (c *StreamConn) Transport() string {
	return "tcp"
}

func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}

// StreamListener accepts stream sockets from a net.Listener.
type StreamListener struct {
	ln      net.Listener
	bufSize int
}

// ListenTCP binds addr.
func ListenTCP(addr string, bufSize int) (*StreamListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen tcp %s: %w", addr, err)
	}
	return NewStreamListener(ln, bufSize), nil
}

func NewStreamListener(ln net.Listener, bufSize int) *StreamListener {
	return &StreamListener{ln: ln, bufSize: bufSize}
}

func (l *StreamListener) Accept() (Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	return NewStreamConn(c, l.bufSize), nil
}

func (l *StreamListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *StreamListener) Close() error {
	return l.ln.Close()
}
