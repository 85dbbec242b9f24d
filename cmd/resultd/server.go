package main

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

const httpServerShutdownTimeout = 5 * time.Second

// listen binds host:port; port 0 asks the kernel for a free port, which is
// reported back.
func listen(host string, port int) (net.Listener, int, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, 0, fmt.Errorf("listen on %s:%d: %w", host, port, err)
	}
	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		_ = listener.Close()
		return nil, 0, fmt.Errorf("unexpected listener address: %T", listener.Addr())
	}
	return listener, addr.Port, nil
}
