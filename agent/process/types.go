package process

import (
	"context"
	"fmt"
	"io"

	"github.com/guseggert/procmux/frame"
)

type StdioMode = frame.StdioMode

const (
	Pipe   = frame.Pipe
	Ignore = frame.Ignore
)

// ExitResult is the outcome of a remote process. See frame.ExitResult.
type ExitResult = frame.ExitResult

// SpawnOptions configures a remote process. The zero value pipes stdin, stdout and stderr.
type SpawnOptions struct {
	Env []string
	Dir string
	// Stdio holds the modes of stdin, stdout and stderr, in that order.
	Stdio [3]StdioMode
}

// State is the lifecycle state of a channel.
type State int

const (
	// Pending means the spawn request was sent but nothing came back yet.
	Pending State = iota
	// Streaming means the server acknowledged the process or sent output.
	Streaming
	// Resolved is terminal, the exit result is known.
	Resolved
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Streaming:
		return "streaming"
	case Resolved:
		return "resolved"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Process is a handle to a process spawned on the other end of a connection.
type Process interface {
	// Pid identifies the process within its connection. It is assigned when the process is spawned.
	Pid() int
	// RemotePid waits until the server reports the OS pid of the process.
	RemotePid(ctx context.Context) (int, error)

	// Stdin returns nil if stdin is ignored. Closing it ends the remote process's input.
	Stdin() io.WriteCloser
	// Stdout returns nil if stdout is ignored.
	Stdout() *Stream
	// Stderr returns nil if stderr is ignored.
	Stderr() *Stream

	// Kill sends SIGTERM. It is a no-op once the process has exited.
	Kill(ctx context.Context) error
	// Signal sends the named signal, e.g. "SIGINT". It is a no-op once the process has exited.
	Signal(ctx context.Context, sig string) error

	// Wait blocks until the exit result is known. The error is only ever a context error.
	Wait(ctx context.Context) (ExitResult, error)
	// Done is closed once the exit result is known.
	Done() <-chan struct{}
	// OnExit registers f to be called once with the exit result.
	// If the result is already known, f is called immediately.
	OnExit(f func(ExitResult))
	State() State
}
