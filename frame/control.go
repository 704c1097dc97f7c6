package frame

import (
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// StdioMode selects whether a process stream is forwarded. The zero value pipes the stream.
type StdioMode uint8

const (
	Pipe StdioMode = iota
	Ignore
)

func (m StdioMode) String() string {
	switch m {
	case Pipe:
		return "pipe"
	case Ignore:
		return "ignore"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// ParseStdioMode parses "pipe" or "ignore".
func ParseStdioMode(s string) (StdioMode, error) {
	switch strings.ToLower(s) {
	case "pipe", "":
		return Pipe, nil
	case "ignore":
		return Ignore, nil
	}
	return 0, fmt.Errorf("unknown stdio mode %q", s)
}

// SpawnRequest is the payload of a spawn-request frame.
type SpawnRequest struct {
	Command string   `cbor:"cmd"`
	Args    []string `cbor:"args,omitempty"`
	Env     []string `cbor:"env,omitempty"`
	Dir     string   `cbor:"dir,omitempty"`
	// Stdio holds the modes of stdin, stdout and stderr, in that order.
	Stdio [3]StdioMode `cbor:"stdio"`
}

// KillRequest is the payload of a kill-request frame. An empty Signal means SIGTERM.
type KillRequest struct {
	Signal string `cbor:"sig,omitempty"`
}

// Spawned is the payload of a spawned frame.
type Spawned struct {
	Pid int `cbor:"pid"`
}

// StdinWindowUpdate is the payload of a stdin-window frame.
type StdinWindowUpdate struct {
	Bytes int `cbor:"n"`
}

// ExitResult is the terminal outcome of a channel.
// A clean exit sets Code, a signaled exit sets Signal, and an unknown outcome sets neither.
// Error optionally describes why the outcome is unknown.
type ExitResult struct {
	Code   *int   `cbor:"code,omitempty"`
	Signal string `cbor:"sig,omitempty"`
	Error  string `cbor:"err,omitempty"`
}

func ExitCode(code int) ExitResult { return ExitResult{Code: &code} }

func ExitSignal(sig string) ExitResult { return ExitResult{Signal: sig} }

// Unknown returns an ExitResult with neither code nor signal.
func Unknown(reason error) ExitResult {
	if reason == nil {
		return ExitResult{}
	}
	return ExitResult{Error: reason.Error()}
}

// IsUnknown is true when the real outcome of the process was never observed.
func (r ExitResult) IsUnknown() bool { return r.Code == nil && r.Signal == "" }

// Success is true for a clean exit with code 0.
func (r ExitResult) Success() bool { return r.Code != nil && *r.Code == 0 }

func (r ExitResult) String() string {
	switch {
	case r.Code != nil:
		return fmt.Sprintf("exit code %d", *r.Code)
	case r.Signal != "":
		return "signal " + r.Signal
	case r.Error != "":
		return "unknown outcome: " + r.Error
	}
	return "unknown outcome"
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("building CBOR enc mode: %s", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("building CBOR dec mode: %s", err))
	}
}

// Control builds a control frame with v encoded as its payload.
func Control(channelID uint32, tag Tag, v any) (Frame, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s payload: %w", tag, err)
	}
	return Frame{ChannelID: channelID, Tag: tag, Payload: b}, nil
}

// Unmarshal decodes the control payload of f into v.
// Undecodable payloads are reported as malformed frames.
func Unmarshal(f Frame, v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	if err := decMode.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: decoding %s payload on channel %d: %s", ErrMalformed, f.Tag, f.ChannelID, err)
	}
	return nil
}
