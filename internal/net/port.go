package net

import (
	"fmt"
	"net"
)

// FreeTCPAddr returns a loopback address whose port had no listener at the time of the call.
func FreeTCPAddr() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().String(), nil
}
