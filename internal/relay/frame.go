// Package relay implements the many-writer, single-reader byte channel that
// connection isolates use to hand client traffic to the dispatcher.
//
// Writers serialise on a mutex held for exactly one encoded frame, so frames
// from different isolates never interleave. The reader side decodes frames on
// its own goroutine and keeps any trailing partial frame until the rest of it
// arrives, so a frame that straddles two pipe reads is never lost.
package relay

import "strconv"

// Kind tells the dispatcher what a frame means.
type Kind uint8

const (
	// KindMessage carries a chat payload from the sender.
	KindMessage Kind = iota
	// KindJoin carries the display name chosen during the handshake.
	KindJoin
	// KindPart is the last frame an isolate sends; the payload is the reason.
	KindPart
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindJoin:
		return "join"
	case KindPart:
		return "part"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Frame is one discrete unit on the channel.
type Frame struct {
	Kind    Kind
	Handle  uint64
	Payload []byte
}

// Message builds a KindMessage frame.
func Message(handle uint64, payload []byte) Frame {
	return Frame{Kind: KindMessage, Handle: handle, Payload: payload}
}

// Join builds a KindJoin frame.
func Join(handle uint64, name string) Frame {
	return Frame{Kind: KindJoin, Handle: handle, Payload: []byte(name)}
}

// Part builds a KindPart frame.
func Part(handle uint64, reason string) Frame {
	return Frame{Kind: KindPart, Handle: handle, Payload: []byte(reason)}
}
