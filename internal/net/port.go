package net

import (
	"fmt"
	"net"
)

// ListenLoopback listens on an ephemeral TCP port of the loopback interface.
// The listener's address is ready to be handed to a client.
func ListenLoopback() (*net.TCPListener, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("resolving 127.0.0.1:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on loopback: %w", err)
	}
	return listener, nil
}
