package frame

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	allBytes := make([]byte, 256)
	for i := range allBytes {
		allBytes[i] = byte(i)
	}

	cases := []struct {
		name  string
		frame Frame
	}{
		{
			name:  "stdout data",
			frame: Frame{ChannelID: 1, Tag: TagStdout, Payload: []byte("hello")},
		},
		{
			name:  "every byte value",
			frame: Frame{ChannelID: 7, Tag: TagStdin, Payload: allBytes},
		},
		{
			name:  "newlines and NULs",
			frame: Frame{ChannelID: 3, Tag: TagStderr, Payload: []byte("a\nb\r\n\x00\x00c")},
		},
		{
			name:  "empty payload",
			frame: Frame{ChannelID: 2, Tag: TagStdinClose},
		},
		{
			name:  "max channel id",
			frame: Frame{ChannelID: ^uint32(0), Tag: TagKill},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b := Encode(c.frame)
			require.Len(t, b, HeaderSize+len(c.frame.Payload))

			f, rest, err := Decode(b)
			require.NoError(t, err)
			assert.Empty(t, rest)
			assert.Equal(t, c.frame.ChannelID, f.ChannelID)
			assert.Equal(t, c.frame.Tag, f.Tag)
			assert.True(t, bytes.Equal(c.frame.Payload, f.Payload))
		})
	}
}

func TestDecodeIncomplete(t *testing.T) {
	b := Encode(Frame{ChannelID: 5, Tag: TagStdout, Payload: []byte("partial")})
	for i := 0; i < len(b); i++ {
		_, rest, err := Decode(b[:i])
		require.ErrorIs(t, err, ErrIncomplete, "prefix of %d bytes", i)
		assert.Len(t, rest, i)
	}
}

func TestDecodeLeavesRemainder(t *testing.T) {
	a := Encode(Frame{ChannelID: 1, Tag: TagStdout, Payload: []byte("one")})
	b := Encode(Frame{ChannelID: 2, Tag: TagStderr, Payload: []byte("two")})
	buf := append(append([]byte{}, a...), b[:4]...)

	f, rest, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, "one", string(f.Payload))
	assert.Equal(t, b[:4], rest)
}

func TestDecodeMalformed(t *testing.T) {
	unknownTag := Encode(Frame{ChannelID: 1, Tag: TagStdout})
	unknownTag[4] = 0xee

	tooLarge := Encode(Frame{ChannelID: 1, Tag: TagStdout})
	tooLarge[5], tooLarge[6], tooLarge[7], tooLarge[8] = 0xff, 0xff, 0xff, 0xff

	zeroTag := Encode(Frame{ChannelID: 1, Tag: TagStdout})
	zeroTag[4] = 0

	cases := []struct {
		name   string
		b      []byte
		expErr error
	}{
		{name: "unknown tag", b: unknownTag, expErr: ErrUnknownTag},
		{name: "zero tag", b: zeroTag, expErr: ErrUnknownTag},
		{name: "payload too large", b: tooLarge, expErr: ErrFrameTooLarge},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, _, err := Decode(c.b)
			require.ErrorIs(t, err, c.expErr)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecoderArbitraryChunks(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	var frames []Frame
	var stream []byte
	for i := 0; i < 200; i++ {
		payload := make([]byte, rng.Intn(3*MaxDataChunk/2))
		rng.Read(payload)
		f := Frame{ChannelID: uint32(rng.Intn(4) + 1), Tag: TagStdout, Payload: payload}
		if i%7 == 0 {
			f.Tag = TagStdinClose
			f.Payload = nil
		}
		frames = append(frames, f)
		stream = append(stream, Encode(f)...)
	}

	var dec Decoder
	var got []Frame
	for len(stream) > 0 {
		n := rng.Intn(4096) + 1
		if n > len(stream) {
			n = len(stream)
		}
		dec.Feed(stream[:n])
		stream = stream[n:]
		for {
			f, err := dec.Next()
			if errors.Is(err, ErrIncomplete) {
				break
			}
			require.NoError(t, err)
			got = append(got, f)
		}
	}

	require.Len(t, got, len(frames))
	for i := range frames {
		assert.Equal(t, frames[i].ChannelID, got[i].ChannelID)
		assert.Equal(t, frames[i].Tag, got[i].Tag)
		assert.True(t, bytes.Equal(frames[i].Payload, got[i].Payload), "frame %d payload mismatch", i)
	}
	assert.Zero(t, dec.Buffered())
}

func TestDecoderStickyError(t *testing.T) {
	bad := Encode(Frame{ChannelID: 1, Tag: TagStdout})
	bad[4] = 0x7f

	var dec Decoder
	dec.Feed(bad)
	_, err := dec.Next()
	require.ErrorIs(t, err, ErrMalformed)

	dec.Feed(Encode(Frame{ChannelID: 1, Tag: TagStdout, Payload: []byte("ok")}))
	_, err = dec.Next()
	require.ErrorIs(t, err, ErrMalformed)
}

func TestReadWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{ChannelID: 9, Tag: TagStdin, Payload: []byte("abc")}))
	require.NoError(t, WriteFrame(&buf, Frame{ChannelID: 9, Tag: TagStdinClose}))

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(f.Payload))

	f, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, TagStdinClose, f.Tag)
	assert.Nil(t, f.Payload)
}
