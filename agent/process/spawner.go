package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/guseggert/procmux/frame"
)

// Spawner starts OS processes for the server.
type Spawner interface {
	// Spawn starts the process described by req. Stdout and stderr are nil for ignored streams.
	// Implementations must not return from Proc.Wait until everything written to stdout and stderr was
	// handed to the writers.
	Spawn(req frame.SpawnRequest, stdout, stderr io.Writer) (Proc, error)
}

// Proc is a started OS process.
type Proc interface {
	Pid() int
	// Stdin is nil if stdin is ignored.
	Stdin() io.WriteCloser
	Signal(sig syscall.Signal) error
	Kill() error
	// Wait blocks until the process exits and returns its outcome.
	Wait() ExitResult
}

// LocalSpawner runs processes on the local host with os/exec.
// These processes are not sandboxed, they run with the privileges of the server.
type LocalSpawner struct{}

func (LocalSpawner) Spawn(req frame.SpawnRequest, stdout, stderr io.Writer) (Proc, error) {
	if req.Command == "" {
		return nil, errors.New("empty command")
	}
	cmd := exec.Command(req.Command, req.Args...)
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	cmd.Dir = req.Dir

	// exec routes nil writers to the null device
	if req.Stdio[1] == frame.Pipe && stdout != nil {
		cmd.Stdout = stdout
	}
	if req.Stdio[2] == frame.Pipe && stderr != nil {
		cmd.Stderr = stderr
	}

	// StdinPipe rather than an io.Reader so Wait doesn't block on a stdin that is never closed
	var stdin io.WriteCloser
	if req.Stdio[0] == frame.Pipe {
		var err error
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("creating stdin pipe: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %q: %w", req.Command, err)
	}
	return &localProc{cmd: cmd, stdin: stdin}, nil
}

type localProc struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func (p *localProc) Pid() int { return p.cmd.Process.Pid }

func (p *localProc) Stdin() io.WriteCloser { return p.stdin }

func (p *localProc) Signal(sig syscall.Signal) error { return p.cmd.Process.Signal(sig) }

func (p *localProc) Kill() error { return p.cmd.Process.Kill() }

func (p *localProc) Wait() ExitResult {
	err := p.cmd.Wait()
	state := p.cmd.ProcessState
	if state == nil {
		return frame.Unknown(err)
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return frame.ExitSignal(SignalName(ws.Signal()))
	}
	return frame.ExitCode(state.ExitCode())
}
