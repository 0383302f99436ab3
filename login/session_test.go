package login

import (
	"bufio"
	"context"
	"encoding/base64"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeBackend records the last HandoffRequest it received and never
// actually relays bytes, so session tests can assert on what a session
// decided to hand off without standing up a real backend process.
type fakeBackend struct {
	lastReq HandoffRequest
	err     error
}

func (f *fakeBackend) Handoff(_ context.Context, req HandoffRequest) error {
	f.lastReq = req
	return f.err
}

func (f *fakeBackend) Abort(string) {}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		Greeting:       "imap-login test ready",
		MaxBadCommands: 3,
		MaxLineLength:  8192,
		ServerName:     "imap-login-test",
	}
}

func newTestSession(t *testing.T, cfg SessionConfig, authSvc AuthService, backend BackendMaster) (*Session, *bufio.Reader, net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })

	registry := NewRegistry(0)
	sess := NewSession(serverConn, cfg, registry, authSvc, backend, nil, false)
	go sess.Run()

	return sess, bufio.NewReader(clientConn), clientConn
}

func writeLine(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	_, err := conn.Write([]byte(line + "\r\n"))
	require.NoError(t, err)
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimRight(line, "\r\n")
}

func TestSessionGreetingAdvertisesCapabilities(t *testing.T) {
	authSvc := NewStaticAuthService(nil)
	_, r, _ := newTestSession(t, testSessionConfig(), authSvc, &fakeBackend{})

	greeting := readLine(t, r)
	require.Contains(t, greeting, "* OK [CAPABILITY")
	require.Contains(t, greeting, "IMAP4rev1")
	require.Contains(t, greeting, "AUTH=PLAIN")
}

func TestSessionCapabilityNoopLogout(t *testing.T) {
	authSvc := NewStaticAuthService(nil)
	_, r, conn := newTestSession(t, testSessionConfig(), authSvc, &fakeBackend{})
	readLine(t, r) // greeting

	writeLine(t, conn, "a1 CAPABILITY")
	require.Contains(t, readLine(t, r), "* CAPABILITY")
	require.Contains(t, readLine(t, r), "a1 OK")

	writeLine(t, conn, "a2 NOOP")
	require.Contains(t, readLine(t, r), "a2 OK NOOP completed.")

	writeLine(t, conn, "a3 LOGOUT")
	require.Contains(t, readLine(t, r), "* BYE")
	require.Contains(t, readLine(t, r), "a3 OK Logout completed.")
}

func TestSessionUnknownCommandIsBad(t *testing.T) {
	authSvc := NewStaticAuthService(nil)
	_, r, conn := newTestSession(t, testSessionConfig(), authSvc, &fakeBackend{})
	readLine(t, r) // greeting

	writeLine(t, conn, "a1 BOGUS")
	require.Equal(t, "a1 BAD Error in IMAP command received by server.", readLine(t, r))
}

func TestSessionMalformedLineGetsTaggedBadReply(t *testing.T) {
	authSvc := NewStaticAuthService(nil)
	_, r, conn := newTestSession(t, testSessionConfig(), authSvc, &fakeBackend{})
	readLine(t, r) // greeting

	writeLine(t, conn, `a1 LOGIN "unterminated`)
	require.Equal(t, "a1 BAD Error in IMAP command received by server.", readLine(t, r))
}

func TestSessionTooManyBadCommandsDisconnects(t *testing.T) {
	cfg := testSessionConfig()
	cfg.MaxBadCommands = 2
	authSvc := NewStaticAuthService(nil)
	_, r, conn := newTestSession(t, cfg, authSvc, &fakeBackend{})
	readLine(t, r) // greeting

	writeLine(t, conn, "a1 BOGUS")
	require.Equal(t, "a1 BAD Error in IMAP command received by server.", readLine(t, r))
	writeLine(t, conn, "a2 BOGUS")
	require.Equal(t, "a2 BAD Error in IMAP command received by server.", readLine(t, r))
	require.Contains(t, readLine(t, r), "* BYE Too many invalid IMAP commands.")
}

func TestSessionLoginSuccessHandsOffToBackend(t *testing.T) {
	authSvc := NewStaticAuthService(map[string]string{"alice": "secret"})
	backend := &fakeBackend{}
	_, r, conn := newTestSession(t, testSessionConfig(), authSvc, backend)
	readLine(t, r) // greeting

	writeLine(t, conn, `a1 LOGIN alice secret`)
	require.Equal(t, "a1 OK Logged in.", readLine(t, r))

	require.Eventually(t, func() bool {
		return backend.lastReq.Username == "alice"
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, "LOGIN", backend.lastReq.Mechanism)
	require.Equal(t, "a1", backend.lastReq.ClientTag)
}

func TestSessionLoginRejectsWrongPassword(t *testing.T) {
	authSvc := NewStaticAuthService(map[string]string{"alice": "secret"})
	_, r, conn := newTestSession(t, testSessionConfig(), authSvc, &fakeBackend{})
	readLine(t, r) // greeting

	writeLine(t, conn, `a1 LOGIN alice wrong`)
	require.Equal(t, "a1 NO Authentication failed.", readLine(t, r))
}

func TestSessionAuthenticatePlainWithInitialResponse(t *testing.T) {
	authSvc := NewStaticAuthService(map[string]string{"bob": "hunter2"})
	backend := &fakeBackend{}
	_, r, conn := newTestSession(t, testSessionConfig(), authSvc, backend)
	readLine(t, r) // greeting

	initial := base64.StdEncoding.EncodeToString([]byte("\x00bob\x00hunter2"))
	writeLine(t, conn, "a1 AUTHENTICATE PLAIN "+initial)
	require.Equal(t, "a1 OK Logged in.", readLine(t, r))

	require.Eventually(t, func() bool {
		return backend.lastReq.Username == "bob"
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, "PLAIN", backend.lastReq.Mechanism)
}

func TestSessionAuthenticateLoginMechanismChallengeResponse(t *testing.T) {
	authSvc := NewStaticAuthService(map[string]string{"carol": "swordfish"})
	backend := &fakeBackend{}
	_, r, conn := newTestSession(t, testSessionConfig(), authSvc, backend)
	readLine(t, r) // greeting

	writeLine(t, conn, "a1 AUTHENTICATE LOGIN")
	require.Contains(t, readLine(t, r), "+ ")

	writeLine(t, conn, base64.StdEncoding.EncodeToString([]byte("carol")))
	require.Contains(t, readLine(t, r), "+ ")

	writeLine(t, conn, base64.StdEncoding.EncodeToString([]byte("swordfish")))
	require.Equal(t, "a1 OK Logged in.", readLine(t, r))

	require.Eventually(t, func() bool {
		return backend.lastReq.Username == "carol"
	}, time.Second, 10*time.Millisecond)
}

func TestSessionDisablePlaintextRejectsLogin(t *testing.T) {
	cfg := testSessionConfig()
	cfg.DisablePlaintext = true
	authSvc := NewStaticAuthService(map[string]string{"alice": "secret"})
	_, r, conn := newTestSession(t, cfg, authSvc, &fakeBackend{})
	readLine(t, r) // greeting

	writeLine(t, conn, "a1 LOGIN alice secret")
	require.Equal(t, "a1 NO Plaintext authentication disabled.", readLine(t, r))
}

func TestSessionBlockedOnBrokerOutageResumesOnReconnect(t *testing.T) {
	authSvc := NewStaticAuthService(map[string]string{"alice": "secret"})
	authSvc.SetConnected(false)
	backend := &fakeBackend{}

	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })
	registry := NewRegistry(0)
	sess := NewSession(serverConn, testSessionConfig(), registry, authSvc, backend, nil, false)
	go sess.Run()

	r := bufio.NewReader(clientConn)
	readLine(t, r) // greeting

	writeLine(t, clientConn, "a1 LOGIN alice secret")
	require.Contains(t, readLine(t, r), "* OK Waiting for authentication process to respond..")

	time.Sleep(20 * time.Millisecond)
	authSvc.SetConnected(true)
	registry.ResumeBlocked()

	require.Equal(t, "a1 OK Logged in.", readLine(t, r))
	require.Eventually(t, func() bool {
		return backend.lastReq.Username == "alice"
	}, time.Second, 10*time.Millisecond)
}
