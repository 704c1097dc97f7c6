package frame

import (
	"errors"
	"fmt"
	"io"
)

// Decoder reassembles frames from arbitrarily chunked transport reads.
type Decoder struct {
	buf []byte
	err error
}

// Feed appends bytes received from the transport.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes held that have not been decoded yet.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next returns the next complete frame, or ErrIncomplete if more bytes are needed.
// Once a malformed frame is seen, every later call returns the same error.
func (d *Decoder) Next() (Frame, error) {
	if d.err != nil {
		return Frame{}, d.err
	}
	f, rest, err := Decode(d.buf)
	if errors.Is(err, ErrIncomplete) {
		return Frame{}, err
	}
	if err != nil {
		d.err = err
		d.buf = nil
		return Frame{}, err
	}
	// compact once everything buffered is consumed so the backing array gets reused
	if len(rest) == 0 {
		d.buf = d.buf[:0]
	} else {
		d.buf = rest
	}
	return f, nil
}

// ReadFrame reads exactly one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	hb := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hb); err != nil {
		return Frame{}, err
	}
	var h Header
	if err := h.UnmarshalBinary(hb); err != nil {
		return Frame{}, err
	}
	f := Frame{ChannelID: h.ChannelID, Tag: h.Tag}
	if h.PayloadLen > 0 {
		f.Payload = make([]byte, h.PayloadLen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, fmt.Errorf("reading %s payload: %w", h.Tag, err)
		}
	}
	return f, nil
}

// WriteFrame writes f to w.
func WriteFrame(w io.Writer, f Frame) error {
	_, err := w.Write(Encode(f))
	return err
}
