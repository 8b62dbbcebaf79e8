package protocol

import "bytes"

// Body layout ahead of the payload, fixed by the firmware: a zero placeholder,
// a length byte covering everything after itself except the checksum, then
// sequence, source and destination IDs. Derived from captured traffic; both
// reference query frames (FD 00 05 02 01 00 72 01 7B F8 and the axis-2
// variant) verify against it.
const (
	lengthPlaceholder = 0x00
	sequenceID        = 0x02
	sourceID          = 0x01
	destinationID     = 0x00

	// placeholder, length, seq, src, dst, type
	bodyPrefixLen = 6
	// prefix + checksum, i.e. the smallest possible unescaped body
	minBodyLen = bodyPrefixLen + 1
)

func checksum(body []byte) byte {
	var sum byte
	for _, b := range body {
		sum += b
	}
	return sum
}

func mustEscape(b byte) bool {
	return b == FrameHeader || b == FrameTrailer || b == escapeByte
}

// Encode builds a complete on-wire frame for the given type and payload. For
// axis-addressed frame types the axis byte is written ahead of the payload.
// Encode is pure and total: every input produces a well-formed frame.
func Encode(t FrameType, axis Axis, payload []byte) []byte {
	body := make([]byte, 0, bodyPrefixLen+len(payload)+2)
	inner := payload
	if axisAddressed(t) {
		inner = make([]byte, 0, len(payload)+1)
		inner = append(inner, byte(axis))
		inner = append(inner, payload...)
	}
	body = append(body, lengthPlaceholder, byte(4+len(inner)), sequenceID, sourceID, destinationID, byte(t))
	body = append(body, inner...)
	body = append(body, checksum(body))

	out := make([]byte, 0, len(body)+2)
	out = append(out, FrameHeader)
	for _, b := range body {
		if mustEscape(b) {
			out = append(out, escapeByte, (b&0x0F)+0x70)
		} else {
			out = append(out, b)
		}
	}
	return append(out, FrameTrailer)
}

// unescape restores a raw body taken from between the sentinels. It fails on
// a dangling escape byte at the end of the body.
func unescape(raw []byte) ([]byte, bool) {
	body := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		if raw[i] != escapeByte {
			body = append(body, raw[i])
			continue
		}
		if i+1 >= len(raw) {
			return nil, false
		}
		body = append(body, raw[i+1]+0x80)
		i++
	}
	return body, true
}

// Decoder incrementally parses an unbounded byte stream into frames. It is
// restartable: feeding a stream chunk by chunk yields the same frames as
// feeding it whole.
type Decoder struct {
	buf    []byte
	errors uint64
}

// NewDecoder returns a decoder with an empty buffer.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Errors returns the number of resynchronisation events so far: candidate
// frames discarded for a bad checksum, malformed boundary, or broken escape.
func (d *Decoder) Errors() uint64 {
	return d.errors
}

// Feed appends chunk to the internal buffer and returns every frame that can
// be validated from it, in stream order. Bytes ahead of the first header
// sentinel are discarded; a candidate that fails validation costs exactly one
// buffered byte (the header) so a later valid frame is still recovered.
func (d *Decoder) Feed(chunk []byte) []*Frame {
	d.buf = append(d.buf, chunk...)

	var frames []*Frame
	for {
		start := bytes.IndexByte(d.buf, FrameHeader)
		if start < 0 {
			// No possible anchor anywhere in the buffer.
			d.buf = d.buf[:0]
			return frames
		}
		if start > 0 {
			d.buf = d.buf[start:]
		}

		end := bytes.IndexByte(d.buf[1:], FrameTrailer)
		if end < 0 {
			// Frame still in flight; keep the buffer and wait for more input.
			return frames
		}

		f, ok := parseBody(d.buf[1 : 1+end])
		if !ok {
			d.errors++
			d.buf = d.buf[1:]
			continue
		}
		frames = append(frames, f)
		d.buf = d.buf[end+2:]
	}
}

// parseBody validates the unescaped body of a candidate frame and constructs
// the Frame. The declared length must cover the body exactly and the trailing
// checksum must match the sum of everything before it.
func parseBody(raw []byte) (*Frame, bool) {
	body, ok := unescape(raw)
	if !ok || len(body) < minBodyLen {
		return nil, false
	}
	if body[0] != lengthPlaceholder {
		return nil, false
	}
	if int(body[1]) != len(body)-3 {
		return nil, false
	}
	if body[len(body)-1] != checksum(body[:len(body)-1]) {
		return nil, false
	}

	t := FrameType(body[bodyPrefixLen-1])
	axis, data := axisFor(t, body[bodyPrefixLen:len(body)-1])
	payload := make([]byte, len(data))
	copy(payload, data)
	return &Frame{Type: t, Axis: axis, Payload: payload}, true
}
