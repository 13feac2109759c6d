package server

import (
	"net"
	"strings"
)

// splitAddress turns a listen address into a host and port the relay
// client can dial. Wildcard hosts become the loopback address.
func splitAddress(address string) (string, string) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		host, port = "", strings.TrimPrefix(address, ":")
	}
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "127.0.0.1"
	}
	return host, port
}
