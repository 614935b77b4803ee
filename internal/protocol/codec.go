package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MaxFrameSize bounds the decode buffer. A peer that streams this many bytes
// without a newline is not speaking the protocol.
const MaxFrameSize = 64 * 1024

// Encode serializes a frame as one CRLF-terminated JSON line, the framing
// CozyLife firmware expects.
func Encode(f *Frame) ([]byte, error) {
	f.Msg.denormalize()
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return append(data, '\r', '\n'), nil
}

// Decoder reassembles frames from a TCP byte stream. Reads do not align with
// message boundaries: a chunk may hold zero, one, or several complete frames
// plus a trailing partial one, which stays buffered for the next Feed.
type Decoder struct {
	buf bytes.Buffer
}

// Feed appends a chunk and returns every complete frame now available.
// It fails with ErrMalformedFrame when a complete line is not a valid frame,
// or when the buffer would grow past MaxFrameSize without a line break.
func (d *Decoder) Feed(chunk []byte) ([]*Frame, error) {
	d.buf.Write(chunk)

	var frames []*Frame
	for {
		raw := d.buf.Bytes()
		i := bytes.IndexByte(raw, '\n')
		if i < 0 {
			if n := d.buf.Len(); n > MaxFrameSize {
				d.buf.Reset()
				return frames, fmt.Errorf("%w: %d buffered bytes without line break", ErrMalformedFrame, n)
			}
			return frames, nil
		}

		line := make([]byte, i+1)
		d.buf.Read(line)
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		f, err := decodeLine(line)
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
}

// Buffered returns the number of bytes held back as a partial frame.
func (d *Decoder) Buffered() int { return d.buf.Len() }

func decodeLine(line []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, fmt.Errorf("%w: %s (%.64s)", ErrMalformedFrame, err, line)
	}
	f.Msg.normalize()
	return &f, nil
}
