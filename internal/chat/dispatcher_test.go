package chat

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaychat/internal/relay"
	"relaychat/internal/transport"
)

var noon = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeConn records envelopes and blocks in Receive until closed. With block
// set, Send also blocks until closed, like a peer that stopped reading.
type fakeConn struct {
	out    chan transport.Envelope
	block  bool
	closed chan struct{}
	once   sync.Once
}

func newFakeConn(block bool) *fakeConn {
	return &fakeConn{
		out:    make(chan transport.Envelope, 64),
		block:  block,
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Receive() ([]byte, error) {
	<-c.closed
	return nil, net.ErrClosed
}

func (c *fakeConn) Send(env transport.Envelope) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	if c.block {
		<-c.closed
		return net.ErrClosed
	}
	select {
	case c.out <- env:
		return nil
	case <-c.closed:
		return net.ErrClosed
	}
}

func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) RemoteAddr() net.Addr             { return nil }
func (c *fakeConn) Transport() string                { return "fake" }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) next(t *testing.T) transport.Envelope {
	t.Helper()
	select {
	case env := <-c.out:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an envelope")
		return transport.Envelope{}
	}
}

// connListener hands out whatever connections the test pushes into it.
type connListener struct {
	conns     chan transport.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func newConnListener() *connListener {
	return &connListener{
		conns:  make(chan transport.Conn),
		closed: make(chan struct{}),
	}
}

func (l *connListener) Accept() (transport.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, transport.ErrListenerClosed
	}
}

func (l *connListener) Addr() net.Addr { return nil }

func (l *connListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *connListener) push(t *testing.T, c transport.Conn) {
	t.Helper()
	select {
	case l.conns <- c:
	case <-time.After(2 * time.Second):
		t.Fatal("connection not accepted")
	}
}

// testClient is the far end of a stream connection.
type testClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func (c *testClient) write(t *testing.T, s string) {
	t.Helper()
	require.NoError(t, c.conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err := c.conn.Write([]byte(s))
	require.NoError(t, err)
}

func (c *testClient) expectPrompt(t *testing.T) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, len(promptText))
	_, err := io.ReadFull(c.r, buf)
	require.NoError(t, err)
	require.Equal(t, promptText, string(buf))
}

func (c *testClient) readLine(t *testing.T) string {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := c.r.ReadString('\n')
	require.NoError(t, err)
	return line
}

func (c *testClient) expectLine(t *testing.T, expected string) {
	t.Helper()
	require.Equal(t, expected+"\n", c.readLine(t))
}

// expectClosed waits for the server to hang up. net.Pipe refuses deadlines
// once the far end is closed, which already answers the question.
func (c *testClient) expectClosed(t *testing.T) {
	t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		require.ErrorIs(t, err, io.ErrClosedPipe)
		return
	}
	_, err := c.r.ReadByte()
	require.ErrorIs(t, err, io.EOF)
}

type harness struct {
	d *Dispatcher
	l *connListener
}

func startDispatcher(t *testing.T, opts ...Option) *harness {
	t.Helper()
	rl, err := relay.Open(relay.WithLogger(quietLogger()))
	require.NoError(t, err)
	return startWithRelay(t, rl, opts...)
}

func startWithRelay(t *testing.T, rl Relay, opts ...Option) *harness {
	t.Helper()
	l := newConnListener()
	opts = append([]Option{
		WithLogger(quietLogger()),
		WithClock(clockwork.NewFakeClockAt(noon)),
	}, opts...)
	d, err := NewDispatcher(rl, []transport.Listener{l}, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("dispatcher did not shut down")
		}
	})
	return &harness{d: d, l: l}
}

func (h *harness) connect(t *testing.T) *testClient {
	t.Helper()
	peer, server := net.Pipe()
	t.Cleanup(func() { peer.Close() })
	h.l.push(t, transport.NewStreamConn(server, transport.DefaultBufferSize))
	return &testClient{conn: peer, r: bufio.NewReader(peer)}
}

// join runs the handshake for name and consumes the join notice on others.
func (h *harness) join(t *testing.T, name string, others ...*testClient) *testClient {
	t.Helper()
	c := h.connect(t)
	c.expectPrompt(t)
	c.write(t, name+"\n")
	c.expectLine(t, "[12:00:00] Welcome to the chat, "+name)
	for _, o := range others {
		o.expectLine(t, "[12:00:00] "+name+" has joined the chat")
	}
	return c
}

func (h *harness) clients(t *testing.T) []ClientInfo {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	infos, err := h.d.Clients(ctx)
	require.NoError(t, err)
	return infos
}

// count is safe to poll from require.Eventually.
func (h *harness) count() int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	infos, err := h.d.Clients(ctx)
	if err != nil {
		return -1
	}
	return len(infos)
}

func TestDispatcher_FanOutWithoutSelfEcho(t *testing.T) {
	h := startDispatcher(t)
	alice := h.join(t, "alice")
	bob := h.join(t, "bob", alice)
	carol := h.join(t, "carol", alice, bob)

	alice.write(t, "hello\n")
	bob.expectLine(t, "[12:00:00] [alice]: hello")
	carol.expectLine(t, "[12:00:00] [alice]: hello")

	// bob only speaks after alice's message went out, so anything echoed
	// back to alice would be queued ahead of this
	bob.write(t, "done")
	alice.expectLine(t, "[12:00:00] [bob]: done")
	carol.expectLine(t, "[12:00:00] [bob]: done")
}

func TestDispatcher_PerSenderOrder(t *testing.T) {
	h := startDispatcher(t, WithSendQueue(256))
	alice := h.join(t, "alice")
	bob := h.join(t, "bob", alice)

	const n = 50
	go func() {
		for i := 0; i < n; i++ {
			alice.conn.Write([]byte(fmt.Sprintf("msg-%02d\n", i)))
		}
		alice.conn.Write([]byte("x\ny\nz\n"))
	}()

	for i := 0; i < n; i++ {
		bob.expectLine(t, fmt.Sprintf("[12:00:00] [alice]: msg-%02d", i))
	}
	bob.expectLine(t, "[12:00:00] [alice]: x")
	bob.expectLine(t, "[12:00:00] [alice]: y")
	bob.expectLine(t, "[12:00:00] [alice]: z")
}

func TestDispatcher_HandshakeExtraLinesAreMessages(t *testing.T) {
	h := startDispatcher(t)
	alice := h.join(t, "alice")

	bob := h.connect(t)
	bob.expectPrompt(t)
	bob.write(t, "bob\nfirst words\n")
	bob.expectLine(t, "[12:00:00] Welcome to the chat, bob")
	alice.expectLine(t, "[12:00:00] bob has joined the chat")
	alice.expectLine(t, "[12:00:00] [bob]: first words")

	guest := h.connect(t)
	guest.expectPrompt(t)
	guest.write(t, "\n")
	guest.expectLine(t, "[12:00:00] Welcome to the chat, guest-3")
}

func TestDispatcher_RejectsWhenFull(t *testing.T) {
	h := startDispatcher(t, WithMaxClients(2))
	alice := h.join(t, "alice")
	bob := h.join(t, "bob", alice)

	extra := h.connect(t)
	extra.expectLine(t, "[12:00:00] Server is full, try again later")
	extra.expectClosed(t)

	infos := h.clients(t)
	require.Len(t, infos, 2)
	require.Equal(t, "alice", infos[0].Name)
	require.Equal(t, "bob", infos[1].Name)

	alice.write(t, "still here")
	bob.expectLine(t, "[12:00:00] [alice]: still here")
}

func TestDispatcher_SlotReuseAfterDeparture(t *testing.T) {
	h := startDispatcher(t, WithMaxClients(2))
	alice := h.join(t, "alice")
	bob := h.join(t, "bob", alice)

	infos := h.clients(t)
	require.Len(t, infos, 2)
	aliceSlot, aliceHandle := infos[0].Slot, infos[0].Handle

	require.NoError(t, alice.conn.Close())
	bob.expectLine(t, "[12:00:00] alice has left the chat")

	infos = h.clients(t)
	require.Len(t, infos, 1)
	require.Equal(t, "bob", infos[0].Name)

	dave := h.join(t, "dave", bob)
	infos = h.clients(t)
	require.Len(t, infos, 2)
	require.Equal(t, "dave", infos[0].Name)
	require.Equal(t, aliceSlot, infos[0].Slot, "lowest free slot is reused")
	require.NotEqual(t, aliceHandle, infos[0].Handle, "handles are never reused")

	bob.write(t, "hi dave")
	dave.expectLine(t, "[12:00:00] [bob]: hi dave")
}

func TestDispatcher_FrameFromHandleSeven(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	rl, err := relay.New(r, w, relay.WithLogger(quietLogger()))
	require.NoError(t, err)
	h := startWithRelay(t, rl)

	conns := make([]*fakeConn, 8)
	for i := range conns {
		conns[i] = newFakeConn(false)
		h.l.push(t, conns[i])
	}
	require.Eventually(t, func() bool { return h.count() == 8 }, 2*time.Second, 10*time.Millisecond)
	for _, c := range conns {
		require.Equal(t, transport.KindPrompt, c.next(t).Kind)
	}

	// the isolates never speak; frames are written straight onto the pipe
	_, err = w.Write([]byte("7+seven\n7:hello\n"))
	require.NoError(t, err)

	seven := conns[6]
	welcome := seven.next(t)
	require.Equal(t, "Welcome to the chat, seven", welcome.Text)

	for i, c := range conns {
		if i == 6 {
			continue
		}
		require.Equal(t, "seven has joined the chat", c.next(t).Text)
		env := c.next(t)
		require.Equal(t, transport.KindChat, env.Kind)
		require.EqualValues(t, 7, env.Handle)
		require.Equal(t, "seven", env.Sender)
		require.Equal(t, "hello", env.Text)
	}
	require.Empty(t, seven.out, "the sender never receives its own message")
}

func TestDispatcher_MalformedFramesAreNotBroadcast(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	rl, err := relay.New(r, w, relay.WithLogger(quietLogger()))
	require.NoError(t, err)
	h := startWithRelay(t, rl)

	alice := h.join(t, "alice")
	bob := h.join(t, "bob", alice)

	_, err = w.Write([]byte("hello\n:nohandle\nx7:bad\n999:ghost\n1"))
	require.NoError(t, err)
	_, err = w.Write([]byte(":split across writes\n"))
	require.NoError(t, err)

	bob.expectLine(t, "[12:00:00] [alice]: split across writes")

	alice.write(t, "after")
	bob.expectLine(t, "[12:00:00] [alice]: after")
	require.Len(t, h.clients(t), 2)
}

func TestDispatcher_IdleTimeout(t *testing.T) {
	h := startDispatcher(t, WithIdleTimeout(100*time.Millisecond))

	watcher := newFakeConn(false)
	h.l.push(t, watcher)
	require.Equal(t, transport.KindPrompt, watcher.next(t).Kind)

	alice := h.connect(t)
	alice.expectPrompt(t)
	alice.write(t, "alice\n")
	alice.expectLine(t, "[12:00:00] Welcome to the chat, alice")
	require.Equal(t, "alice has joined the chat", watcher.next(t).Text)

	env := watcher.next(t)
	require.Equal(t, transport.KindNotice, env.Kind)
	require.Equal(t, "alice timed out", env.Text)
	alice.expectClosed(t)
}

func TestDispatcher_SlowClientIsEvicted(t *testing.T) {
	h := startDispatcher(t, WithSendQueue(2))
	alice := h.join(t, "alice")
	bob := h.join(t, "bob", alice)

	stuck := newFakeConn(true)
	h.l.push(t, stuck)
	require.Eventually(t, func() bool { return h.count() == 3 }, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 4; i++ {
		line := fmt.Sprintf("line %d", i)
		alice.write(t, line+"\n")
		bob.expectLine(t, "[12:00:00] [alice]: "+line)
	}

	require.Eventually(t, stuck.isClosed, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.count() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestDispatcher_WebSocketAndStreamClients(t *testing.T) {
	rl, err := relay.Open(relay.WithLogger(quietLogger()))
	require.NoError(t, err)

	wsl := transport.NewWebSocketListener(transport.DefaultBufferSize, nil)
	srv := httptest.NewServer(wsl)
	defer srv.Close()

	stream := newConnListener()
	d, err := NewDispatcher(rl, []transport.Listener{stream, wsl},
		WithLogger(quietLogger()),
		WithClock(clockwork.NewFakeClockAt(noon)),
	)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()
	readJSON := func() transport.Message {
		t.Helper()
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg transport.Message
		require.NoError(t, ws.ReadJSON(&msg))
		return msg
	}

	require.Equal(t, "prompt", readJSON().Kind)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("wendy")))
	welcome := readJSON()
	require.Equal(t, "notice", welcome.Kind)
	require.Equal(t, "Welcome to the chat, wendy", welcome.Content)

	h := &harness{d: d, l: stream}
	alice := h.connect(t)
	alice.expectPrompt(t)
	alice.write(t, "alice\n")
	alice.expectLine(t, "[12:00:00] Welcome to the chat, alice")
	require.Equal(t, "alice has joined the chat", readJSON().Content)

	alice.write(t, "hi wendy\n")
	msg := readJSON()
	require.Equal(t, "chat", msg.Kind)
	require.Equal(t, "alice", msg.Sender)
	require.Equal(t, "hi wendy", msg.Content)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("hello from the browser")))
	alice.expectLine(t, "[12:00:00] [wendy]: hello from the browser")

	infos := h.clients(t)
	require.Len(t, infos, 2)
	raw, err := json.Marshal(infos[0])
	require.NoError(t, err)
	require.Contains(t, string(raw), `"transport":"websocket"`)
}

func TestDispatcher_StopsWhenRelayCloses(t *testing.T) {
	rl, err := relay.Open(relay.WithLogger(quietLogger()))
	require.NoError(t, err)
	l := newConnListener()
	d, err := NewDispatcher(rl, []transport.Listener{l}, WithLogger(quietLogger()))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	conn := newFakeConn(false)
	l.push(t, conn)
	require.Equal(t, transport.KindPrompt, conn.next(t).Kind)

	require.NoError(t, rl.Close())
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrRelayClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher kept running without a relay")
	}
	require.True(t, conn.isClosed())

	_, err = d.Clients(context.Background())
	require.ErrorIs(t, err, ErrNotRunning)
	require.ErrorIs(t, d.Run(context.Background()), ErrAlreadyRunning)
}

func TestNewDispatcher_Validation(t *testing.T) {
	rl, err := relay.Open(relay.WithLogger(quietLogger()))
	require.NoError(t, err)
	defer rl.Close()

	_, err = NewDispatcher(rl, nil)
	require.ErrorIs(t, err, ErrNoListeners)

	l := newConnListener()
	_, err = NewDispatcher(rl, []transport.Listener{l}, WithMaxClients(0))
	require.ErrorIs(t, err, ErrInvalidOption)
	_, err = NewDispatcher(rl, []transport.Listener{l}, WithIdleTimeout(-time.Second))
	require.ErrorIs(t, err, ErrInvalidOption)

	d, err := NewDispatcher(rl, []transport.Listener{l})
	require.NoError(t, err)
	_, err = d.Clients(context.Background())
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestDispatcher_EvictingStuckWebSocketDoesNotStallFanOut(t *testing.T) {
	rl, err := relay.Open(relay.WithLogger(quietLogger()))
	require.NoError(t, err)

	wsl := transport.NewWebSocketListener(transport.DefaultBufferSize, nil)
	srv := httptest.NewServer(wsl)
	defer srv.Close()

	stream := newConnListener()
	d, err := NewDispatcher(rl, []transport.Listener{stream, wsl},
		WithLogger(quietLogger()),
		WithClock(clockwork.NewFakeClockAt(noon)),
		WithSendQueue(64),
	)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()
	h := &harness{d: d, l: stream}

	// joins, then never reads again
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("slow")))
	require.Eventually(t, func() bool {
		infos, err := d.Clients(context.Background())
		return err == nil && len(infos) == 1 && infos[0].Joined
	}, 2*time.Second, 10*time.Millisecond)

	alice := h.join(t, "alice")
	bob := h.join(t, "bob", alice)

	payload := strings.Repeat("x", 1000)
	var slowest time.Duration
	evicted := false
	for i := 0; i < 20000 && !evicted; i++ {
		start := time.Now()
		alice.write(t, payload+"\n")
		bob.expectLine(t, "[12:00:00] [alice]: "+payload)
		slowest = max(slowest, time.Since(start))
		if i%100 == 99 {
			evicted = h.count() == 2
		}
	}
	require.True(t, evicted, "the stuck client was never dropped")
	require.Less(t, slowest, 500*time.Millisecond, "fan-out waited on the stuck client")
}
