package main

import (
	"errors"
	"testing"

	"github.com/guseggert/procmux/frame"
	"github.com/stretchr/testify/assert"
)

func TestExitStatus(t *testing.T) {
	cases := []struct {
		name string
		res  frame.ExitResult
		exp  int
	}{
		{name: "success", res: frame.ExitCode(0), exp: 0},
		{name: "code", res: frame.ExitCode(42), exp: 42},
		{name: "sigterm", res: frame.ExitSignal("SIGTERM"), exp: 143},
		{name: "sigkill", res: frame.ExitSignal("SIGKILL"), exp: 137},
		{name: "unknown signal", res: frame.ExitSignal("SIGWHAT"), exp: 255},
		{name: "unknown", res: frame.Unknown(errors.New("connection lost")), exp: 255},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.exp, exitStatus(c.res))
		})
	}
}
