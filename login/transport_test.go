package login

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veymail/imap-login/consts"
)

func pipeTransport(t *testing.T) (*Transport, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return NewTransport(server), client
}

func TestTransportWritesDirectlyWhenUncorked(t *testing.T) {
	tr, client := pipeTransport(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := tr.Write([]byte("* OK ready\r\n"))
		require.NoError(t, err)
	}()

	buf := make([]byte, 64)
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "* OK ready\r\n", string(buf[:n]))
	<-done
}

func TestTransportCorkBuffersUntilUncork(t *testing.T) {
	tr, client := pipeTransport(t)
	tr.Cork()

	_, err := tr.Write([]byte("a1 OK Capability completed.\r\n"))
	require.NoError(t, err)

	flushed := make(chan struct{})
	readDone := make(chan struct{})
	var got []byte
	go func() {
		defer close(readDone)
		buf := make([]byte, 64)
		n, err := client.Read(buf)
		require.NoError(t, err)
		got = buf[:n]
	}()

	go func() {
		defer close(flushed)
		require.NoError(t, tr.Uncork())
	}()

	<-readDone
	<-flushed
	require.Equal(t, "a1 OK Capability completed.\r\n", string(got))
}

func TestTransportOnFlushFiresAfterUncork(t *testing.T) {
	tr, client := pipeTransport(t)
	tr.Cork()
	_, err := tr.Write([]byte("a1 OK Begin TLS negotiation.\r\n"))
	require.NoError(t, err)

	fired := make(chan struct{})
	tr.OnFlush(func() error {
		close(fired)
		return nil
	})

	go func() {
		buf := make([]byte, 64)
		client.Read(buf)
	}()

	require.NoError(t, tr.Uncork())
	<-fired
}

func TestTransportCorkRejectsOverflow(t *testing.T) {
	tr, _ := pipeTransport(t)
	tr.Cork()

	big := make([]byte, consts.MaxOutBufSize+1)
	_, err := tr.Write(big)
	require.ErrorIs(t, err, consts.ErrBufferFull)
}

func TestTransportSetConnClearsCorkState(t *testing.T) {
	tr, _ := pipeTransport(t)
	tr.Cork()
	_, err := tr.Write([]byte("pending"))
	require.NoError(t, err)

	client2, server2 := net.Pipe()
	defer client2.Close()
	defer server2.Close()

	tr.SetConn(server2)
	require.NoError(t, tr.Uncork())
}
