package login

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func selfSignedTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

func TestTLSUpgraderHandshakeSucceeds(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	upgrader := NewTLSUpgrader(selfSignedTLSConfig(t))

	clientDone := make(chan error, 1)
	go func() {
		tlsClient := tls.Client(clientConn, &tls.Config{InsecureSkipVerify: true})
		clientDone <- tlsClient.Handshake()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	upgraded, err := upgrader.Upgrade(ctx, serverConn)
	require.NoError(t, err)
	require.NotNil(t, upgraded)
	require.NoError(t, <-clientDone)
}

func TestTLSUpgraderDiscardsParserStateOnSwap(t *testing.T) {
	p := NewParser(8192)
	p.Feed([]byte("pipelined bytes that arrived before the handshake"))
	require.Positive(t, p.Pending())

	p.Reset()
	require.Zero(t, p.Pending())
}
