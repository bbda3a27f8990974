package transport

import (
	"errors"
	"io"
	"net"

	"github.com/gorilla/websocket"
)

var ErrListenerClosed = errors.New("transport: listener closed")

// Disconnected reports whether err from Receive means the peer went away
// rather than the connection failing.
func Disconnected(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	)
}

// Timeout reports whether err is a deadline expiry.
func Timeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Closed reports whether err comes from using a connection closed locally.
func Closed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
