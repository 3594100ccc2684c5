package connection

import (
	"fmt"
	"net"
)

// FreePort asks the kernel for a free TCP port on host (127.0.0.1 when empty)
// by listening on port 0 and closing the listener again.
func FreePort(host string) (uint32, error) {
	if host == "" || host == "localhost" {
		host = "127.0.0.1"
	}
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("failed to resolve tcp address: %w", err)
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to listen on tcp port 0: %w", err)
	}
	defer l.Close()

	port := l.Addr().(*net.TCPAddr).Port
	if port == 0 {
		return 0, fmt.Errorf("kernel assigned port 0 unexpectedly")
	}
	return uint32(port), nil
}
