package frame

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnRequestPayload(t *testing.T) {
	req := SpawnRequest{
		Command: "sh",
		Args:    []string{"-c", "printf foo"},
		Env:     []string{"A=b"},
		Dir:     "/tmp",
		Stdio:   [3]StdioMode{Ignore, Pipe, Ignore},
	}
	f, err := Control(4, TagSpawn, req)
	require.NoError(t, err)

	f, _, err = Decode(Encode(f))
	require.NoError(t, err)
	assert.Equal(t, TagSpawn, f.Tag)

	var got SpawnRequest
	require.NoError(t, Unmarshal(f, &got))
	assert.Equal(t, req, got)
}

func TestExitResultPayload(t *testing.T) {
	cases := []struct {
		name       string
		res        ExitResult
		expUnknown bool
		expString  string
	}{
		{name: "code zero", res: ExitCode(0), expString: "exit code 0"},
		{name: "code 42", res: ExitCode(42), expString: "exit code 42"},
		{name: "signal", res: ExitSignal("SIGTERM"), expString: "signal SIGTERM"},
		{name: "unknown", res: Unknown(nil), expUnknown: true, expString: "unknown outcome"},
		{name: "unknown with reason", res: Unknown(errors.New("boom")), expUnknown: true, expString: "unknown outcome: boom"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f, err := Control(1, TagExit, c.res)
			require.NoError(t, err)

			var got ExitResult
			require.NoError(t, Unmarshal(f, &got))
			assert.Equal(t, c.res, got)
			assert.Equal(t, c.expUnknown, got.IsUnknown())
			assert.Equal(t, c.expString, got.String())
		})
	}
}

func TestZeroCodeIsNotAbsent(t *testing.T) {
	f, err := Control(1, TagExit, ExitCode(0))
	require.NoError(t, err)
	var got ExitResult
	require.NoError(t, Unmarshal(f, &got))
	require.NotNil(t, got.Code)
	assert.Equal(t, 0, *got.Code)
	assert.True(t, got.Success())
}

func TestStdinWindowPayload(t *testing.T) {
	f, err := Control(7, TagStdinWindow, StdinWindowUpdate{Bytes: MaxDataChunk})
	require.NoError(t, err)
	assert.True(t, f.Tag.Valid())
	assert.Equal(t, "stdin-window", f.Tag.String())

	f, _, err = Decode(Encode(f))
	require.NoError(t, err)
	var got StdinWindowUpdate
	require.NoError(t, Unmarshal(f, &got))
	assert.Equal(t, MaxDataChunk, got.Bytes)
}

func TestUnmarshalGarbage(t *testing.T) {
	err := Unmarshal(Frame{ChannelID: 1, Tag: TagKill, Payload: []byte{0xff, 0x00, 0x13}}, &KillRequest{})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEmptyKillPayload(t *testing.T) {
	var req KillRequest
	require.NoError(t, Unmarshal(Frame{ChannelID: 1, Tag: TagKill}, &req))
	assert.Equal(t, "", req.Signal)
}

func TestParseStdioMode(t *testing.T) {
	m, err := ParseStdioMode("ignore")
	require.NoError(t, err)
	assert.Equal(t, Ignore, m)

	m, err = ParseStdioMode("PIPE")
	require.NoError(t, err)
	assert.Equal(t, Pipe, m)

	_, err = ParseStdioMode("inherit")
	assert.Error(t, err)
}
