// Package net has network helpers for tests.
package net

import (
	"fmt"
	"net"
)

// GetEphemeralTCPPort returns a loopback TCP port that was free a moment ago.
func GetEphemeralTCPPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// EphemeralAddr returns a loopback host:port for a listener to bind.
func EphemeralAddr() (string, error) {
	port, err := GetEphemeralTCPPort()
	if err != nil {
		return "", err
	}
	return net.JoinHostPort("127.0.0.1", fmt.Sprint(port)), nil
}
