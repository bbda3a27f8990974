package transport

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeGrace = time.Second

// Message is the JSON payload exchanged with browser clients.
type Message struct {
	Kind    string    `json:"kind"`
	Sender  string    `json:"sender,omitempty"`
	Content string    `json:"content,omitempty"`
	Time    time.Time `json:"time"`
}

// WebSocketConn serves a client over a WebSocket; each text or binary
// message is one unit.
type WebSocketConn struct {
	ws *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketConn wraps ws, refusing inbound messages above bufSize bytes.
func NewWebSocketConn(ws *websocket.Conn, bufSize int) *WebSocketConn {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	ws.SetReadLimit(int64(bufSize))
	return &WebSocketConn{ws: ws}
}

func (c *WebSocketConn) Receive() ([]byte, error) {
	_, p, err := c.ws.ReadMessage()
	return p, err
}

func (c *WebSocketConn) Send(env Envelope) error {
	return c.ws.WriteJSON(&Message{
		Kind:    env.Kind.String(),
		Sender:  env.Sender,
		Content: env.Text,
		Time:    env.Time,
	})
}

func (c *WebSocketConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *WebSocketConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

func (c *WebSocketConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *WebSocketConn) Transport() string {
	return "websocket"
}

// Close sends a best-effort close frame, then drops the connection.
func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace),
		)
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// WebSocketListener upgrades HTTP requests and queues the resulting
// connections for Accept. It can be mounted on any mux, or serve its own
// address through ListenWebSocket.
type WebSocketListener struct {
	upgrader websocket.Upgrader
	bufSize  int
	conns    chan Conn

	closed    chan struct{}
	closeOnce sync.Once

	ln  net.Listener
	srv *http.Server
}

// NewWebSocketListener returns an unbound listener. An empty origins list
// accepts every origin.
func NewWebSocketListener(bufSize int, origins []string) *WebSocketListener {
	l := &WebSocketListener{
		bufSize: bufSize,
		conns:   make(chan Conn),
		closed:  make(chan struct{}),
	}
	l.upgrader = websocket.Upgrader{
		ReadBufferSize:  bufSize,
		WriteBufferSize: bufSize,
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 {
				return true
			}
			return slices.Contains(origins, r.Header.Get("Origin"))
		},
	}
	return l
}

// ListenWebSocket binds addr and serves upgrades on path.
func ListenWebSocket(addr, path string, bufSize int, origins []string) (*WebSocketListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen websocket %s: %w", addr, err)
	}
	l := NewWebSocketListener(bufSize, origins)
	mux := http.NewServeMux()
	mux.Handle(path, l)
	l.ln = ln
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = l.srv.Serve(ln)
	}()
	return l, nil
}

func (l *WebSocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.closed:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied
		return
	}
	conn := NewWebSocketConn(ws, l.bufSize)
	select {
	case l.conns <- conn:
	case <-l.closed:
		conn.Close()
	}
}

func (l *WebSocketListener) Accept() (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	}
}

// Addr is nil when the listener is mounted on an external server.
func (l *WebSocketListener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *WebSocketListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		if l.srv != nil {
			err = l.srv.Close()
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
		}
	})
	return err
}
