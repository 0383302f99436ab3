package netaddr

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsLoopbackRecognizesIPv4AndIPv6(t *testing.T) {
	require.True(t, IsLoopback(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 143}))
	require.True(t, IsLoopback(&net.TCPAddr{IP: net.ParseIP("::1"), Port: 143}))
	require.False(t, IsLoopback(&net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 143}))
}

func TestSecuredIsTrueForTLSOrLoopback(t *testing.T) {
	remote := &net.TCPAddr{IP: net.ParseIP("203.0.113.7"), Port: 143}
	loopback := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 143}

	require.True(t, Secured(remote, true))
	require.False(t, Secured(remote, false))
	require.True(t, Secured(loopback, false))
}
