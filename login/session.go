package login

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/veymail/imap-login/consts"
	"github.com/veymail/imap-login/logger"
	"github.com/veymail/imap-login/pkg/metrics"
	"github.com/veymail/imap-login/server"
)

// SessionConfig holds the per-connection policy a Listener hands every
// Session it creates.
type SessionConfig struct {
	Greeting         string
	DisablePlaintext bool
	MaxBadCommands   int
	MaxLineLength    int
	ServerName       string

	// AuthDelay is the process-wide progressive auth-failure delay
	// limiter (nil disables it).
	AuthDelay *server.AuthDelayLimiter
}

// Session drives one client connection's pre-authentication IMAP
// exchange: greeting, command dispatch, optional STARTTLS, authentication
// against an AuthService, and on success a handoff to a BackendMaster.
// It is the Go rendering of the single-threaded cooperative event loop:
// one goroutine, blocking reads, context cancellation standing in for
// cooperative suspension, exactly as imapproxy's Session does for its own
// connection.
type Session struct {
	id        uuid.UUID
	transport *Transport
	parser    *Parser
	cfg       SessionConfig
	remote    net.Addr

	registry    *Registry
	authSvc     AuthService
	backend     BackendMaster
	tlsUpgrader *TLSUpgrader

	ctx    context.Context
	cancel context.CancelFunc

	created time.Time

	mu          sync.Mutex
	secured     bool
	badCommands int
	username    string

	destroyed   atomic.Bool
	destroyOnce sync.Once

	blocked  atomic.Bool
	resumeCh chan struct{}
}

// NewSession wraps conn in a Session ready to Run. tlsUpgrader may be nil
// if STARTTLS is not configured; secured indicates the connection is
// already protected (e.g. implicit TLS on port 993).
func NewSession(conn net.Conn, cfg SessionConfig, registry *Registry, authSvc AuthService, backend BackendMaster, tlsUpgrader *TLSUpgrader, secured bool) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:          uuid.New(),
		transport:   NewTransport(conn),
		parser:      NewParser(cfg.MaxLineLength),
		cfg:         cfg,
		remote:      conn.RemoteAddr(),
		registry:    registry,
		authSvc:     authSvc,
		backend:     backend,
		tlsUpgrader: tlsUpgrader,
		secured:     secured,
		ctx:         ctx,
		cancel:      cancel,
		created:     time.Now(),
		resumeCh:    make(chan struct{}, 1),
	}
	return s
}

// ID returns the session's registry key.
func (s *Session) ID() uuid.UUID { return s.id }

// Created returns the time the session was admitted, used by the
// registry's oldest-N eviction (spec §3's "creation timestamp").
func (s *Session) Created() time.Time { return s.created }

func (s *Session) capabilities() []string {
	caps := []string{"IMAP4rev1"}
	s.mu.Lock()
	secured := s.secured
	s.mu.Unlock()

	if s.tlsUpgrader != nil && !secured {
		caps = append(caps, "STARTTLS")
	}
	if s.cfg.DisablePlaintext && !secured {
		caps = append(caps, "LOGINDISABLED")
	} else {
		caps = append(caps, "AUTH=PLAIN", "AUTH=LOGIN")
	}
	return caps
}

func (s *Session) writeLine(format string, args ...interface{}) error {
	if s.destroyed.Load() {
		return consts.ErrSessionDestroyed
	}
	line := fmt.Sprintf(format, args...)
	_, err := s.transport.Write([]byte(line + "\r\n"))
	return err
}

// Run drives the session to completion: greeting, then command dispatch
// until LOGOUT, a fatal error, a successful backend handoff, or an
// external destroy (idle sweep, registry eviction, shutdown).
func (s *Session) Run() {
	defer s.registry.Remove(s.id)
	metrics.ConnectionsTotal.Inc()

	if err := s.sendGreeting(); err != nil {
		s.destroy("Disconnected")
		return
	}
	s.registry.Add(s)

	for {
		if s.destroyed.Load() {
			return
		}

		chunk, err := s.transport.Read()
		if err != nil {
			if !server.IsConnectionError(err) {
				logger.Warn("session: transport read error", "session", s.id, "error", err)
			}
			s.destroy("Disconnected")
			return
		}
		s.registry.Touch(s.id)
		s.parser.Feed(chunk)

		for {
			cmd, err := s.parser.Next()
			if err == consts.ErrNeedMoreData {
				break
			}
			if err == consts.ErrLineTooLong {
				s.writeLine("* BYE Input buffer full, aborting")
				s.destroy("line too long")
				return
			}
			if err != nil {
				tag := "*"
				if cmd != nil && cmd.Tag != "" {
					tag = cmd.Tag
				}
				s.writeLine("%s BAD Error in IMAP command received by server.", tag)
				if s.countBadCommand() {
					return
				}
				continue
			}

			stop := s.dispatch(cmd)
			if stop || s.destroyed.Load() {
				return
			}
		}
	}
}

func (s *Session) sendGreeting() error {
	caps := strings.Join(s.capabilities(), " ")
	return s.writeLine("* OK [CAPABILITY %s] %s", caps, s.cfg.Greeting)
}

// countBadCommand records one non-fatal protocol error and disconnects
// once the bad-command ceiling is reached. Returns true if the session
// was destroyed.
func (s *Session) countBadCommand() bool {
	metrics.BadCommandsTotal.Inc()
	s.mu.Lock()
	s.badCommands++
	n := s.badCommands
	s.mu.Unlock()

	if n >= s.cfg.MaxBadCommands {
		s.writeLine("* BYE Too many invalid IMAP commands.")
		s.destroy("too many bad commands")
		return true
	}
	return false
}

// dispatch handles one fully-parsed command and reports whether the
// session loop should stop (LOGOUT, handoff, or a fatal error already
// handled by the callee).
func (s *Session) dispatch(cmd *Command) bool {
	switch cmd.Name {
	case "CAPABILITY":
		s.writeLine("* CAPABILITY %s", strings.Join(s.capabilities(), " "))
		s.writeLine("%s OK Capability completed.", cmd.Tag)
		return false

	case "NOOP":
		s.writeLine("%s OK NOOP completed.", cmd.Tag)
		return false

	case "LOGOUT":
		s.writeLine("* BYE Logging out")
		s.writeLine("%s OK Logout completed.", cmd.Tag)
		s.destroy("logout")
		return true

	case "STARTTLS":
		s.handleStartTLS(cmd)
		return s.destroyed.Load()

	case "ID":
		s.writeLine("* ID NIL")
		s.writeLine("%s OK ID completed.", cmd.Tag)
		return false

	case "LOGIN":
		return s.handleLogin(cmd)

	case "AUTHENTICATE":
		return s.handleAuthenticate(cmd)

	default:
		s.writeLine("%s BAD Error in IMAP command received by server.", cmd.Tag)
		return s.countBadCommand()
	}
}

func (s *Session) isSecured() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secured
}

func (s *Session) handleStartTLS(cmd *Command) {
	if err := s.checkStartTLSAllowed(); err != nil {
		switch err {
		case consts.ErrTLSNotEnabled:
			s.writeLine("%s BAD TLS support isn't enabled.", cmd.Tag)
		case consts.ErrTLSAlreadyActive:
			s.writeLine("%s BAD TLS is already active.", cmd.Tag)
		}
		return
	}

	s.transport.Cork()
	s.writeLine("%s OK Begin TLS negotiation now.", cmd.Tag)
	s.transport.OnFlush(func() error {
		return s.performTLSHandshake()
	})
	if err := s.transport.Uncork(); err != nil {
		metrics.TLSUpgradesTotal.WithLabelValues("error").Inc()
		s.writeLine("* BYE TLS initialization failed.")
		s.destroy("tls init failed")
	}
}

// checkStartTLSAllowed reports whether STARTTLS may proceed right now,
// via the same consts sentinels the wire BAD replies are derived from.
func (s *Session) checkStartTLSAllowed() error {
	if s.tlsUpgrader == nil {
		return consts.ErrTLSNotEnabled
	}
	if s.isSecured() {
		return consts.ErrTLSAlreadyActive
	}
	return nil
}

func (s *Session) performTLSHandshake() error {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	upgraded, err := s.tlsUpgrader.Upgrade(ctx, s.transport.Conn())
	if err != nil {
		metrics.TLSUpgradesTotal.WithLabelValues("error").Inc()
		s.writeLine("* BYE TLS initialization failed.")
		s.destroy("tls init failed")
		return err
	}

	s.transport.SetConn(upgraded)
	s.parser.Reset()
	s.mu.Lock()
	s.secured = true
	s.mu.Unlock()
	metrics.TLSUpgradesTotal.WithLabelValues("ok").Inc()
	return nil
}

// plaintextAllowed reports whether a LOGIN/AUTHENTICATE PLAIN/LOGIN
// attempt may proceed on this connection right now.
func (s *Session) plaintextAllowed() bool {
	return !s.cfg.DisablePlaintext || s.isSecured()
}

func (s *Session) handleLogin(cmd *Command) bool {
	if !s.plaintextAllowed() {
		return s.rejectPlaintext(cmd.Tag)
	}
	if len(cmd.Args) != 2 {
		s.writeLine("%s BAD Error in IMAP command received by server.", cmd.Tag)
		return s.countBadCommand()
	}

	username := server.UnquoteString(cmd.Args[0])
	password := server.UnquoteString(cmd.Args[1])
	return s.authenticate(cmd.Tag, "LOGIN", username, password)
}

// rejectPlaintext answers a LOGIN/AUTHENTICATE attempt that plaintext
// policy forbids on this connection.
func (s *Session) rejectPlaintext(tag string) bool {
	logger.Debug("session: plaintext authentication rejected", "session", s.id, "error", consts.ErrPlaintextDisabled)
	s.writeLine("%s NO Plaintext authentication disabled.", tag)
	return false
}

func (s *Session) handleAuthenticate(cmd *Command) bool {
	if len(cmd.Args) < 1 {
		s.writeLine("%s BAD Error in IMAP command received by server.", cmd.Tag)
		return s.countBadCommand()
	}
	mechanism := strings.ToUpper(cmd.Args[0])

	if !s.plaintextAllowed() {
		return s.rejectPlaintext(cmd.Tag)
	}

	switch mechanism {
	case "PLAIN":
		return s.authenticatePlain(cmd)
	case "LOGIN":
		return s.authenticateLoginMechanism(cmd)
	default:
		s.writeLine("%s NO Unsupported authentication mechanism.", cmd.Tag)
		return false
	}
}

// authenticatePlain implements SASL PLAIN, reading the optional initial
// response from the AUTHENTICATE command itself or, if absent, issuing a
// "+" continuation and reading one more line.
func (s *Session) authenticatePlain(cmd *Command) bool {
	var username, password string

	plain := NewPlainMechanism(func(_, user, pass string) error {
		username, password = user, pass
		return nil
	})

	var initial []byte
	if len(cmd.Args) >= 2 {
		decoded, err := base64.StdEncoding.DecodeString(cmd.Args[1])
		if err != nil {
			s.writeLine("%s BAD Invalid base64 response.", cmd.Tag)
			return s.countBadCommand()
		}
		initial = decoded
	} else {
		resp, ok := s.readContinuation()
		if !ok {
			return s.destroyed.Load()
		}
		initial = resp
	}

	_, _, authErr := plain.Next(initial)
	if authErr != nil {
		s.writeLine("%s NO Authentication failed.", cmd.Tag)
		return false
	}

	return s.authenticate(cmd.Tag, "PLAIN", username, password)
}

func (s *Session) authenticateLoginMechanism(cmd *Command) bool {
	var username, password string
	mech := NewLoginMechanism(func(user, pass string) error {
		username, password = user, pass
		return nil
	})

	challenge, _, _ := mech.Next(nil)
	userResp, ok := s.readChallenge(challenge)
	if !ok {
		return s.destroyed.Load()
	}
	challenge, _, _ = mech.Next(userResp)
	passResp, ok := s.readChallenge(challenge)
	if !ok {
		return s.destroyed.Load()
	}
	if _, _, err := mech.Next(passResp); err != nil {
		s.writeLine("%s NO Authentication failed.", cmd.Tag)
		return false
	}

	return s.authenticate(cmd.Tag, "LOGIN", username, password)
}

// readChallenge sends a base64-encoded "+" continuation and reads the
// client's base64-encoded response.
func (s *Session) readChallenge(challenge []byte) ([]byte, bool) {
	s.writeLine("+ %s", base64.StdEncoding.EncodeToString(challenge))
	resp, ok := s.readContinuation()
	if !ok {
		return nil, false
	}
	decoded, err := base64.StdEncoding.DecodeString(string(resp))
	if err != nil {
		return nil, false
	}
	return decoded, true
}

// readContinuation blocks for one more line of raw (non-tagged) input,
// used for SASL continuations.
func (s *Session) readContinuation() ([]byte, bool) {
	for {
		line, err := s.parser.NextRaw()
		if err == nil {
			return []byte(line), true
		}
		if err == consts.ErrLineTooLong {
			s.writeLine("* BYE Input buffer full, aborting")
			s.destroy("line too long")
			return nil, false
		}
		if err != consts.ErrNeedMoreData {
			return nil, false
		}
		chunk, rerr := s.transport.Read()
		if rerr != nil {
			if !server.IsConnectionError(rerr) {
				logger.Warn("session: transport read error", "session", s.id, "error", rerr)
			}
			s.destroy("Disconnected")
			return nil, false
		}
		s.registry.Touch(s.id)
		s.parser.Feed(chunk)
	}
}

// authenticate runs credentials through the auth broker, blocking with
// the "waiting for authentication process" protocol if the broker is
// currently unreachable, and on success starts the backend handoff.
func (s *Session) authenticate(tag, mechanism, username, password string) bool {
	if !s.authSvc.IsConnected() {
		s.writeLine("* OK Waiting for authentication process to respond..")
		s.blocked.Store(true)
		s.waitForBroker()
		s.blocked.Store(false)

		if !s.authSvc.IsConnected() {
			logger.Warn("session: auth broker still unavailable after wait", "session", s.id, "error", consts.ErrAuthUnavailable)
			s.writeLine("* BYE Internal login failure. Refer to server log for more information.")
			s.destroy("auth internal error")
			return true
		}
	}

	ctx, cancel := context.WithTimeout(s.ctx, consts.AuthRequestTimeout)
	defer cancel()

	server.ApplyAuthenticationDelay(ctx, s.cfg.AuthDelay, s.remote, "IMAP")

	ok, err := s.authSvc.Authenticate(ctx, username, password)
	if err != nil {
		metrics.AuthenticationAttempts.WithLabelValues(mechanism, "error").Inc()
		s.writeLine("* BYE Internal login failure. Refer to server log for more information.")
		s.destroy("auth internal error")
		return true
	}
	if !ok {
		if s.cfg.AuthDelay != nil {
			s.cfg.AuthDelay.RecordFailure(server.GetIPString(s.remote))
		}
		metrics.AuthenticationAttempts.WithLabelValues(mechanism, "invalid").Inc()
		s.writeLine("%s NO Authentication failed.", tag)
		return false
	}
	if s.cfg.AuthDelay != nil {
		s.cfg.AuthDelay.RecordSuccess(server.GetIPString(s.remote))
	}

	metrics.AuthenticationAttempts.WithLabelValues(mechanism, "ok").Inc()
	s.mu.Lock()
	s.username = username
	s.mu.Unlock()

	s.writeLine("%s OK Logged in.", tag)
	return s.handoff(tag, mechanism)
}

// waitForBroker blocks until resumeIfBlocked wakes it or the auth
// request timeout elapses.
func (s *Session) waitForBroker() {
	timeout := time.NewTimer(consts.AuthRequestTimeout)
	defer timeout.Stop()
	select {
	case <-s.resumeCh:
	case <-timeout.C:
	case <-s.ctx.Done():
	}
}

// resumeIfBlocked wakes a session parked in waitForBroker. Called by the
// registry when the auth broker reconnects.
func (s *Session) resumeIfBlocked() {
	if s.blocked.Load() {
		select {
		case s.resumeCh <- struct{}{}:
		default:
		}
	}
}

func (s *Session) handoff(tag, mechanism string) bool {
	conn := s.transport.Conn()
	s.mu.Lock()
	username := s.username
	s.mu.Unlock()

	req := HandoffRequest{
		ClientConn: conn,
		Username:   username,
		Mechanism:  mechanism,
		ClientTag:  tag,
	}

	if err := s.backend.Handoff(s.ctx, req); err != nil {
		metrics.BackendHandoffsTotal.WithLabelValues("error").Inc()
		logger.Warn("session: backend handoff failed", "session", s.id, "error", err)
		s.writeLine("* BYE Internal login failure. Refer to server log for more information.")
		s.destroy("handoff failed")
		return true
	}

	metrics.BackendHandoffsTotal.WithLabelValues("ok").Inc()
	s.destroyed.Store(true)
	s.cancel()
	return true
}

// destroy tears the session down exactly once: it cancels the session
// context so any in-flight blocking operation unwinds, closes the
// transport, and marks the session destroyed so any callback arriving
// afterward (a delayed auth response, a registry sweep racing a LOGOUT)
// is a silent no-op.
func (s *Session) destroy(reason string) {
	s.destroyOnce.Do(func() {
		if reason == "Disconnected: Inactivity" {
			s.writeLine("* BYE Disconnected for inactivity.")
		}
		s.destroyed.Store(true)
		s.cancel()
		s.transport.Close()
		metrics.SessionsDestroyed.WithLabelValues(reason).Inc()
		logger.Debug("session destroyed", "session", s.id, "reason", reason, "remote", s.remote)
	})
}
