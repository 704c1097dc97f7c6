package process

import (
	"fmt"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// DefaultSignal is sent by Kill and by kill requests that name no signal.
const DefaultSignal = "SIGTERM"

// ParseSignal resolves a signal name such as "SIGTERM" or "term". An empty name means DefaultSignal.
func ParseSignal(name string) (syscall.Signal, error) {
	if name == "" {
		name = DefaultSignal
	}
	name = strings.ToUpper(name)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	return sig, nil
}

// SignalName returns the conventional name of sig, e.g. "SIGKILL".
func SignalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return fmt.Sprintf("SIG%d", int(sig))
}
