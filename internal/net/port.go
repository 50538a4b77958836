// Package net has networking helpers for tests and local agents.
package net

import (
	"fmt"
	"net"
)

// EphemeralTCPPort asks the kernel for a free localhost port.
// The port is released before returning, so it can in rare cases be taken by someone else before it is used.
func EphemeralTCPPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
