// Package netutil picks the address the HTTP server listens on.
package netutil

import (
	"fmt"
	"net"
	"strconv"
)

// SelectBindAddr returns preferred when it can be listened on, otherwise the
// first free port among the next extraPorts ports on the same host.
func SelectBindAddr(preferred string, extraPorts int) (string, error) {
	candidates, err := candidateAddrs(preferred, extraPorts)
	if err != nil {
		return "", err
	}
	for _, addr := range candidates {
		ok, err := IsAddrAvailable(addr)
		if err != nil {
			return "", err
		}
		if ok {
			return addr, nil
		}
	}
	return "", fmt.Errorf("no available bind address from %s (+%d ports)", preferred, extraPorts)
}

func candidateAddrs(preferred string, extraPorts int) ([]string, error) {
	host, portStr, err := net.SplitHostPort(preferred)
	if err != nil {
		return nil, fmt.Errorf("invalid bind address %q: %w", preferred, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid bind port %q", portStr)
	}
	out := []string{preferred}
	if port == 0 {
		return out, nil
	}
	for i := 1; i <= extraPorts && port+i <= 65535; i++ {
		out = append(out, net.JoinHostPort(host, strconv.Itoa(port+i)))
	}
	return out, nil
}

// IsAddrAvailable returns true when an address can be listened on.
func IsAddrAvailable(addr string) (bool, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false, nil
	}
	if closeErr := ln.Close(); closeErr != nil {
		return false, closeErr
	}
	return true, nil
}
