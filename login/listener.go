package login

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/veymail/imap-login/config"
	"github.com/veymail/imap-login/logger"
	"github.com/veymail/imap-login/netaddr"
	"github.com/veymail/imap-login/pkg/metrics"
	"github.com/veymail/imap-login/server"
)

// Listener admits new connections, applies connection-limit and PROXY
// protocol policy ahead of the IMAP greeting, and constructs a Session
// for each one — the Go rendering of spec.md §4.7, grounded on
// imapproxy.Server's Start()/acceptConnections() pair: three TLS
// construction scenarios (implicit TLS via cert files, implicit TLS via
// a shared config, or plaintext-with-optional-STARTTLS), panic recovery
// around each accepted connection's goroutine, and per-connection
// dispatch.
type Listener struct {
	cfg         config.IMAPLoginConfig
	registry    *Registry
	authSvc     AuthService
	backend     BackendMaster
	tlsUpgrader *TLSUpgrader
	limiter     *server.ConnectionLimiter
	proxyReader *server.ProxyProtocolReader
	authDelay   *server.AuthDelayLimiter

	implicitTLS bool
	ln          net.Listener

	ctx    context.Context
	cancel context.CancelFunc
}

// NewListener builds a Listener from cfg. implicitTLS selects whether the
// raw socket itself is wrapped in TLS on accept (a 993-style listener) as
// opposed to a 143-style listener where TLS is only reached via
// STARTTLS; tlsUpgrader may be nil if TLS is not configured at all, in
// which case STARTTLS advertises as unavailable and an implicitTLS
// listener cannot be constructed.
//
// main.go wires implicitTLS to cfg.TLS.Enabled, so the same cert/key pair
// configured under [tls] plays one of two mutually exclusive roles per
// process: with cfg.TLS.Enabled=true the single listener comes up already
// wrapped in TLS and handleAccepted nils the upgrader (STARTTLS on an
// already-encrypted transport is meaningless, so it is never advertised);
// with cfg.TLS.Enabled=false the listener is plaintext and that same
// cert/key material is instead handed to Sessions as their STARTTLS
// upgrader. A deployment wanting both an implicit-TLS port and a
// STARTTLS-capable plaintext port needs two processes (two configs, two
// Addrs), since cfg.TLS.Enabled is a single process-wide switch.
func NewListener(cfg config.IMAPLoginConfig, registry *Registry, authSvc AuthService, backend BackendMaster, tlsUpgrader *TLSUpgrader, implicitTLS bool) *Listener {
	ctx, cancel := context.WithCancel(context.Background())

	var proxyReader *server.ProxyProtocolReader
	if cfg.ProxyProtocol.Enabled {
		proxyReader = server.NewProxyProtocolReader(cfg.ProxyProtocol)
	}

	authDelay := server.NewAuthDelayLimiter(200*time.Millisecond, 10*time.Second)

	return &Listener{
		cfg:         cfg,
		registry:    registry,
		authSvc:     authSvc,
		backend:     backend,
		tlsUpgrader: tlsUpgrader,
		limiter:     server.NewConnectionLimiterWithTrustedNets("imap-login", cfg.MaxConnections, cfg.MaxConnectionsPerIP, cfg.TrustedNetworks),
		proxyReader: proxyReader,
		authDelay:   authDelay,
		implicitTLS: implicitTLS,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start binds the listening socket (wrapping it in TLS immediately if
// this is an implicit-TLS listener) and begins accepting connections in
// the background. Callers should call Stop to shut down.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.cfg.Addr, err)
	}

	if l.implicitTLS {
		if l.tlsUpgrader == nil {
			ln.Close()
			return fmt.Errorf("implicit TLS listener requested but no TLS material configured")
		}
		ln = tls.NewListener(ln, l.tlsUpgrader.config)
	}

	l.ln = ln
	logger.Info("imap-login: listening", "addr", l.cfg.Addr, "implicit_tls", l.implicitTLS)

	go l.acceptLoop()
	return nil
}

// Stop closes the listening socket and cancels every connection this
// Listener has handed to a Session.
func (l *Listener) Stop() {
	l.cancel()
	if l.ln != nil {
		l.ln.Close()
	}
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.ctx.Done():
				return
			default:
				logger.Warn("imap-login: accept error", "error", err)
				continue
			}
		}

		go l.handleAccepted(conn)
	}
}

// handleAccepted runs the admission pipeline for one freshly accepted
// connection: connection-limit check, optional PROXY protocol header
// read, Session construction, greeting, and registry insertion. Panics
// from a single connection's Session.Run never take down the listener,
// mirroring the teacher's per-connection recover().
func (l *Listener) handleAccepted(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("imap-login: recovered from panic handling connection", "panic", r, "remote", conn.RemoteAddr())
			conn.Close()
		}
	}()

	release, err := l.limiter.Accept(conn.RemoteAddr())
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("limit").Inc()
		logger.Debug("imap-login: connection rejected by limiter", "remote", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}
	defer release()

	if l.proxyReader != nil {
		info, wrapped, perr := l.proxyReader.ReadProxyHeader(conn)
		if perr != nil && !l.proxyReader.IsOptionalMode() {
			metrics.ConnectionsRejected.WithLabelValues("proxy protocol").Inc()
			if server.IsConnectionError(perr) {
				logger.Debug("imap-login: PROXY protocol header rejected", "remote", conn.RemoteAddr(), "error", perr)
			} else {
				logger.Warn("imap-login: PROXY protocol header rejected", "remote", conn.RemoteAddr(), "error", perr)
			}
			conn.Close()
			return
		}
		conn = wrapped
		if info != nil && info.SrcIP != "" {
			conn = &realAddrConn{Conn: conn, remote: &net.TCPAddr{IP: net.ParseIP(info.SrcIP), Port: info.SrcPort}}
		}
	}

	tlsCfg := SessionConfig{
		Greeting:         l.cfg.Greeting,
		DisablePlaintext: l.cfg.DisablePlaintext,
		MaxBadCommands:   l.cfg.MaxBadCommands,
		MaxLineLength:    l.cfg.MaxLineLength,
		ServerName:       l.cfg.Addr,
		AuthDelay:        l.authDelay,
	}

	secured := netaddr.Secured(conn.RemoteAddr(), l.implicitTLS)
	tlsUpgrader := l.tlsUpgrader
	if l.implicitTLS {
		// STARTTLS is meaningless once the transport is already TLS.
		tlsUpgrader = nil
	}

	sess := NewSession(conn, tlsCfg, l.registry, l.authSvc, l.backend, tlsUpgrader, secured)
	sess.Run()
}

// realAddrConn overrides RemoteAddr with the real client address recovered
// from a PROXY protocol header, so netaddr.Secured and the auth delay
// limiter key on the client's IP rather than the proxy's.
type realAddrConn struct {
	net.Conn
	remote net.Addr
}

func (c *realAddrConn) RemoteAddr() net.Addr { return c.remote }
