package process

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSignal(t *testing.T) {
	cases := []struct {
		name   string
		exp    syscall.Signal
		expErr bool
	}{
		{name: "", exp: syscall.SIGTERM},
		{name: "SIGKILL", exp: syscall.SIGKILL},
		{name: "int", exp: syscall.SIGINT},
		{name: "sighup", exp: syscall.SIGHUP},
		{name: "SIGNOPE", expErr: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			sig, err := ParseSignal(c.name)
			if c.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.exp, sig)
		})
	}
}

func TestSignalName(t *testing.T) {
	assert.Equal(t, "SIGTERM", SignalName(syscall.SIGTERM))
	assert.Equal(t, "SIGKILL", SignalName(syscall.SIGKILL))
	assert.Equal(t, "SIG200", SignalName(syscall.Signal(200)))
}
