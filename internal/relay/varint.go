package relay

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// corruptFrameSize bounds the length prefixes the varint decoder will try to
// skip over; anything larger means the stream itself is garbage.
const corruptFrameSize = 1 << 30

// VarintCodec length-prefixes every frame with a protobuf varint:
//
//	varint(len(body)) | varint(handle) | kind | payload
//
// Payloads may contain any byte, including the line delimiter.
type VarintCodec struct{}

func (VarintCodec) Name() string {
	return "varint"
}

func (VarintCodec) AppendFrame(dst []byte, f Frame) ([]byte, error) {
	if f.Kind > KindPart {
		return dst, fmt.Errorf("%w: unknown kind %s", ErrMalformedFrame, f.Kind)
	}
	size := protowire.SizeVarint(f.Handle) + 1 + len(f.Payload)
	dst = protowire.AppendVarint(dst, uint64(size))
	dst = protowire.AppendVarint(dst, f.Handle)
	dst = append(dst, byte(f.Kind))
	return append(dst, f.Payload...), nil
}

func (VarintCodec) NewDecoder(maxFrame int) Decoder {
	return &varintDecoder{max: maxFrame}
}

type varintDecoder struct {
	max int
	buf []byte
	// skip counts body bytes of an oversized frame still to be thrown away.
	skip int
}

func (d *varintDecoder) Pending() int {
	return len(d.buf)
}

func (d *varintDecoder) Feed(p []byte, emit func(Frame), fail func(error)) {
	if d.skip > 0 {
		n := min(d.skip, len(p))
		p = p[n:]
		d.skip -= n
	}
	d.buf = append(d.buf, p...)

	start := 0
	for start < len(d.buf) {
		data := d.buf[start:]
		size, n := protowire.ConsumeVarint(data)
		if n < 0 {
			if len(data) < binary.MaxVarintLen64 {
				// prefix not complete yet
				break
			}
			fail(fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n)))
			start = len(d.buf)
			break
		}

		if size >= corruptFrameSize {
			fail(fmt.Errorf("%w: length prefix %d", ErrMalformedFrame, size))
			start = len(d.buf)
			break
		}
		if n+int(size) > d.max {
			fail(fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n+int(size)))
			available := len(data) - n
			if available >= int(size) {
				start += n + int(size)
				continue
			}
			d.skip = int(size) - available
			start = len(d.buf)
			break
		}
		if len(data)-n < int(size) {
			break
		}

		body := data[n : n+int(size)]
		start += n + int(size)
		f, err := parseVarintBody(body)
		if err != nil {
			fail(err)
			continue
		}
		emit(f)
	}

	d.buf = append(d.buf[:0], d.buf[start:]...)
}

func parseVarintBody(body []byte) (Frame, error) {
	handle, n := protowire.ConsumeVarint(body)
	if n < 0 {
		return Frame{}, fmt.Errorf("%w: handle: %w", ErrMalformedFrame, protowire.ParseError(n))
	}
	if n >= len(body) {
		return Frame{}, fmt.Errorf("%w: missing kind", ErrMalformedFrame)
	}
	kind := Kind(body[n])
	if kind > KindPart {
		return Frame{}, fmt.Errorf("%w: unknown kind %s", ErrMalformedFrame, kind)
	}
	return Frame{
		Kind:    kind,
		Handle:  handle,
		Payload: bytes.Clone(body[n+1:]),
	}, nil
}
