package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Header layout (9 bytes, big-endian):
//
//	0..3  ChannelID  u32
//	4     Tag        u8
//	5..8  PayloadLen u32
const HeaderSize = 9

// MaxPayload bounds the payload of a single frame. Larger lengths are treated as a protocol violation.
const MaxPayload = 1 << 20

// MaxDataChunk is the largest payload writers put into a single data frame.
const MaxDataChunk = 32768

// StdinWindow is the number of stdin bytes a client may have in flight per channel before the server grants
// more with a stdin-window frame. The server buffers at most this much stdin per channel.
const StdinWindow = 1 << 18

var (
	// ErrMalformed is wrapped by every decoding error that desynchronizes the stream.
	ErrMalformed     = errors.New("malformed frame")
	ErrUnknownTag    = fmt.Errorf("%w: unknown tag", ErrMalformed)
	ErrFrameTooLarge = fmt.Errorf("%w: payload too large", ErrMalformed)

	// ErrIncomplete is returned when the buffer does not yet hold a whole frame.
	ErrIncomplete = errors.New("incomplete frame")
)

type Tag uint8

const (
	TagSpawn Tag = iota + 1
	TagStdin
	TagStdinClose
	TagStdout
	TagStderr
	TagKill
	TagExit
	// TagSpawned is sent by the server once the process is running, carrying its pid.
	TagSpawned
	// TagStdinWindow is sent by the server after it wrote stdin bytes to the process, returning them as credit.
	TagStdinWindow
)

var tagNames = map[Tag]string{
	TagSpawn:       "spawn-request",
	TagStdin:       "stdin-data",
	TagStdinClose:  "stdin-close",
	TagStdout:      "stdout-data",
	TagStderr:      "stderr-data",
	TagKill:        "kill-request",
	TagExit:        "exit-result",
	TagSpawned:     "spawned",
	TagStdinWindow: "stdin-window",
}

func (t Tag) Valid() bool {
	_, ok := tagNames[t]
	return ok
}

func (t Tag) String() string {
	if s, ok := tagNames[t]; ok {
		return s
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

// IsData is true for tags whose payload is raw stream bytes.
func (t Tag) IsData() bool {
	return t == TagStdin || t == TagStdout || t == TagStderr
}

type Header struct {
	ChannelID  uint32
	Tag        Tag
	PayloadLen uint32
}

func (h *Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	h.put(buf)
	return buf, nil
}

func (h *Header) put(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.ChannelID)
	buf[4] = byte(h.Tag)
	binary.BigEndian.PutUint32(buf[5:9], h.PayloadLen)
}

// UnmarshalBinary decodes and validates a header.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrIncomplete
	}
	h.ChannelID = binary.BigEndian.Uint32(buf[0:4])
	h.Tag = Tag(buf[4])
	h.PayloadLen = binary.BigEndian.Uint32(buf[5:9])
	if !h.Tag.Valid() {
		return fmt.Errorf("%w %d on channel %d", ErrUnknownTag, buf[4], h.ChannelID)
	}
	if h.PayloadLen > MaxPayload {
		return fmt.Errorf("%w: %d bytes on channel %d", ErrFrameTooLarge, h.PayloadLen, h.ChannelID)
	}
	return nil
}

// Frame is the unit exchanged on the transport.
type Frame struct {
	ChannelID uint32
	Tag       Tag
	Payload   []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("%s channel=%d len=%d", f.Tag, f.ChannelID, len(f.Payload))
}

// Encode returns header+payload as a single byte slice.
func Encode(f Frame) []byte {
	out := make([]byte, HeaderSize+len(f.Payload))
	h := Header{ChannelID: f.ChannelID, Tag: f.Tag, PayloadLen: uint32(len(f.Payload))}
	h.put(out)
	copy(out[HeaderSize:], f.Payload)
	return out
}

// Decode parses the first frame in buf and returns the bytes following it.
// If buf holds only part of a frame, ErrIncomplete is returned and buf is left untouched.
// The returned payload does not alias buf.
func Decode(buf []byte) (Frame, []byte, error) {
	var h Header
	if err := h.UnmarshalBinary(buf); err != nil {
		return Frame{}, buf, err
	}
	end := HeaderSize + int(h.PayloadLen)
	if len(buf) < end {
		return Frame{}, buf, ErrIncomplete
	}
	f := Frame{ChannelID: h.ChannelID, Tag: h.Tag}
	if h.PayloadLen > 0 {
		f.Payload = append([]byte(nil), buf[HeaderSize:end]...)
	}
	return f, buf[end:], nil
}
