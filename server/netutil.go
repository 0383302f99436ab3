package server

import (
	"net"
	"strconv"
)

// GetHostPortFromAddr splits a net.Addr into its host and numeric port,
// the small piece of shared plumbing the login front-end's loopback
// classification (netaddr.IsLoopback) and PROXY-header trust check both
// need before they can reason about an address at all. A nil addr or one
// without a parseable port degrades to a best-effort host with port 0
// rather than an error, since callers only ever use the result for
// classification, never to dial anything.
func GetHostPortFromAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}
