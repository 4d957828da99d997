// Package net has the listen address helpers shared by the driver and the agent.
package net

import (
	"fmt"
	"net"
)

// EphemeralLoopbackAddr returns a 127.0.0.1 address whose port was free when checked.
func EphemeralLoopbackAddr() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().String(), nil
}

// ContainerListenAddr widens a loopback listen address to all interfaces so containers can
// reach it through the host gateway. Other addresses are returned unchanged.
func ContainerListenAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(host); host == "" || host == "localhost" || (ip != nil && ip.IsLoopback()) {
		return net.JoinHostPort("0.0.0.0", port)
	}
	return addr
}
