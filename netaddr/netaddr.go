// Package netaddr classifies a peer address for the login front-end's
// "secured" invariant (spec.md §3): a session is secured if its transport
// is encrypted or its peer is loopback. It builds on
// server.GetHostPortFromAddr's host/port split the same way the rest of
// the stack's protocol servers do, specialized to the loopback boundary.
package netaddr

import (
	"net"

	"github.com/veymail/imap-login/server"
)

// IsLoopback reports whether addr's host falls in IPv4 127.0.0.0/8 or is
// the IPv6 ::1, using net.IP.IsLoopback so the boundary matches the
// standard library's own definition rather than a hand-rolled CIDR check.
func IsLoopback(addr net.Addr) bool {
	host, _ := server.GetHostPortFromAddr(addr)
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

// Secured reports whether a connection over addr satisfies spec.md §3's
// invariant: secured iff tls is true or the peer is loopback.
func Secured(addr net.Addr, tls bool) bool {
	return tls || IsLoopback(addr)
}
