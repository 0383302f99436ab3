package login

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// TLSUpgrader performs the mid-stream STARTTLS handshake. It is grounded
// on the same shape ManageSieve's STARTTLS handler uses: wrap the raw
// connection with tls.Server and run the handshake to completion before
// the caller rebuilds its reader/writer on top of the returned conn.
type TLSUpgrader struct {
	config *tls.Config
}

// NewTLSUpgrader builds an upgrader from a TLS server configuration. cfg
// must not be nil; the caller checks STARTTLS availability before
// constructing a Session that needs one.
func NewTLSUpgrader(cfg *tls.Config) *TLSUpgrader {
	return &TLSUpgrader{config: cfg.Clone()}
}

// NewTLSUpgraderFromFiles loads a certificate/key pair and builds a
// TLSUpgrader from it, the same construction imapproxy's Start() does for
// its per-server TLS scenario: NoClientCert (this gatekeeper never asks
// for client certificates, since the client hasn't authenticated yet),
// TLS 1.2 as the floor unless minVersion requests 1.3, and the "imap"
// ALPN protocol advertised to clients that probe it.
func NewTLSUpgraderFromFiles(certFile, keyFile, minVersion string) (*TLSUpgrader, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS certificate: %w", err)
	}

	version := uint16(tls.VersionTLS12)
	if minVersion == "1.3" {
		version = tls.VersionTLS13
	}

	return NewTLSUpgrader(&tls.Config{
		Certificates:  []tls.Certificate{cert},
		ClientAuth:    tls.NoClientCert,
		MinVersion:    version,
		NextProtos:    []string{"imap"},
		Renegotiation: tls.RenegotiateNever,
	}), nil
}

// Upgrade wraps conn in a TLS server connection and performs the
// handshake, honoring ctx for cancellation/deadline. On success the
// returned net.Conn is the *tls.Conn; the caller is responsible for
// discarding any state (buffered bytes, a parser) tied to the old conn,
// since anything pipelined ahead of the handshake on the cleartext wire
// must never be reinterpreted as a post-TLS command.
func (u *TLSUpgrader) Upgrade(ctx context.Context, conn net.Conn) (net.Conn, error) {
	tlsConn := tls.Server(conn, u.config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tlsConn, nil
}
