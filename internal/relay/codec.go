package relay

import (
	"bytes"
	"fmt"
	"strconv"
)

// Delimiter terminates every frame of the line codec.
const Delimiter = '\n'

// Codec turns frames into bytes on the channel and back.
type Codec interface {
	Name() string
	// AppendFrame appends the encoded frame to dst.
	AppendFrame(dst []byte, f Frame) ([]byte, error)
	// NewDecoder returns a stateful decoder rejecting frames above maxFrame bytes.
	NewDecoder(maxFrame int) Decoder
}

// Decoder reassembles frames from arbitrary chunks of the byte stream.
type Decoder interface {
	// Feed consumes p. Every complete frame is passed to emit and every
	// dropped frame to fail; bytes of an incomplete trailing frame are kept
	// for the next call. Payloads handed to emit are never reused.
	Feed(p []byte, emit func(Frame), fail func(error))
	// Pending reports how many bytes of an incomplete frame are buffered.
	Pending() int
}

// CodecByName resolves the codec selected in configuration.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", LineCodec{}.Name():
		return LineCodec{}, nil
	case VarintCodec{}.Name():
		return VarintCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// LineCodec encodes frames as "<handle><sep><payload>\n" where sep is ':'
// for messages, '+' for joins and '-' for parts. Payloads must not contain
// the delimiter.
type LineCodec struct{}

const (
	sepMessage = ':'
	sepJoin    = '+'
	sepPart    = '-'
)

func (LineCodec) Name() string {
	return "line"
}

func (LineCodec) AppendFrame(dst []byte, f Frame) ([]byte, error) {
	var sep byte
	switch f.Kind {
	case KindMessage:
		sep = sepMessage
	case KindJoin:
		sep = sepJoin
	case KindPart:
		sep = sepPart
	default:
		return dst, fmt.Errorf("%w: unknown kind %s", ErrMalformedFrame, f.Kind)
	}
	if bytes.IndexByte(f.Payload, Delimiter) >= 0 {
		return dst, ErrDelimiterInPayload
	}
	dst = strconv.AppendUint(dst, f.Handle, 10)
	dst = append(dst, sep)
	dst = append(dst, f.Payload...)
	return append(dst, Delimiter), nil
}

func (LineCodec) NewDecoder(maxFrame int) Decoder {
	return &lineDecoder{max: maxFrame}
}

type lineDecoder struct {
	max int
	buf []byte
	// discarding is set while skipping the tail of an oversized frame.
	discarding bool
}

func (d *lineDecoder) Pending() int {
	return len(d.buf)
}

func (d *lineDecoder) Feed(p []byte, emit func(Frame), fail func(error)) {
	d.buf = append(d.buf, p...)

	start := 0
	for {
		i := bytes.IndexByte(d.buf[start:], Delimiter)
		if i < 0 {
			break
		}
		line := d.buf[start : start+i]
		start += i + 1

		if d.discarding {
			d.discarding = false
			continue
		}
		if len(line)+1 > d.max {
			fail(fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(line)+1))
			continue
		}
		f, err := parseLine(line)
		if err != nil {
			fail(err)
			continue
		}
		f.Payload = bytes.Clone(f.Payload)
		emit(f)
	}

	rest := d.buf[start:]
	if len(rest) >= d.max {
		if !d.discarding {
			fail(fmt.Errorf("%w: no delimiter within %d bytes", ErrFrameTooLarge, d.max))
		}
		d.discarding = true
		rest = rest[:0]
	}
	d.buf = append(d.buf[:0], rest...)
}

func parseLine(line []byte) (Frame, error) {
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i == 0 {
		return Frame{}, fmt.Errorf("%w: missing sender handle in %q", ErrMalformedFrame, truncate(line))
	}
	if i == len(line) {
		return Frame{}, fmt.Errorf("%w: missing separator in %q", ErrMalformedFrame, truncate(line))
	}
	handle, err := strconv.ParseUint(string(line[:i]), 10, 64)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	f := Frame{Handle: handle, Payload: line[i+1:]}
	switch line[i] {
	case sepMessage:
		f.Kind = KindMessage
	case sepJoin:
		f.Kind = KindJoin
	case sepPart:
		f.Kind = KindPart
	default:
		return Frame{}, fmt.Errorf("%w: unknown separator %q", ErrMalformedFrame, line[i])
	}
	return f, nil
}

func truncate(b []byte) []byte {
	if len(b) > 32 {
		return b[:32]
	}
	return b
}
