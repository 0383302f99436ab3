package login

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/veymail/imap-login/logger"
	"github.com/veymail/imap-login/pkg/metrics"
)

// HandoffRequest carries everything a BackendMaster needs to transfer an
// authenticated client connection to the mail-access backend: the live
// client conn, the identity that was just verified, the mechanism it was
// verified under, and the tag the client used on its LOGIN/AUTHENTICATE
// command (some backends echo it back in diagnostics).
type HandoffRequest struct {
	ClientConn net.Conn
	Username   string
	Mechanism  string
	ClientTag  string
}

// BackendMaster is the session's collaborator for the post-authentication
// handoff described in spec.md §6: given a successful auth outcome,
// transfer the client connection and identity to a backend mail-access
// process. Abort cancels an in-flight handoff keyed by a ticket; a
// BackendMaster that performs the whole handoff synchronously under the
// caller's context (as TCPBackendMaster does) can treat Abort as a no-op
// and rely on context cancellation instead.
type BackendMaster interface {
	Handoff(ctx context.Context, req HandoffRequest) error
	Abort(ticket string)
}

// TCPBackendMaster dials a single, fixed backend IMAP process and
// performs the master-SASL handshake the way imapproxy's
// connectToBackend/authenticateToBackend pair does, simplified to one
// address (no prelookup/consistent-hash routing — that is a different,
// explicitly out-of-scope component per SPEC_FULL.md). Once the backend
// accepts the master credentials, the client and backend connections are
// spliced together with io.Copy in both directions, exactly as
// imapproxy's startProxy does, and Handoff returns without waiting for
// that relay to finish: the gatekeeper's job ends at a successful
// handoff, matching spec.md §1's "after successful login the connection
// is transferred away."
type TCPBackendMaster struct {
	Addr           string
	MasterUsername string
	MasterPassword string
	ConnectTimeout time.Duration
}

// NewTCPBackendMaster builds a TCPBackendMaster dialing addr with master
// credentials masterUser/masterPass and the given connect timeout.
func NewTCPBackendMaster(addr, masterUser, masterPass string, connectTimeout time.Duration) *TCPBackendMaster {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &TCPBackendMaster{
		Addr:           addr,
		MasterUsername: masterUser,
		MasterPassword: masterPass,
		ConnectTimeout: connectTimeout,
	}
}

// Handoff dials the backend, authenticates with the master SASL PLAIN
// credentials on behalf of req.Username, and on success starts relaying
// bytes between req.ClientConn and the backend connection.
func (b *TCPBackendMaster) Handoff(ctx context.Context, req HandoffRequest) error {
	dialer := net.Dialer{Timeout: b.ConnectTimeout}
	backendConn, err := dialer.DialContext(ctx, "tcp", b.Addr)
	if err != nil {
		return fmt.Errorf("backend dial %s: %w", b.Addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		backendConn.SetDeadline(deadline)
	} else {
		backendConn.SetDeadline(time.Now().Add(b.ConnectTimeout))
	}

	reader := bufio.NewReader(backendConn)
	writer := bufio.NewWriter(backendConn)

	if _, err := reader.ReadString('\n'); err != nil {
		backendConn.Close()
		return fmt.Errorf("backend greeting: %w", err)
	}

	if err := b.authenticate(reader, writer, req.Username); err != nil {
		backendConn.Close()
		return err
	}

	backendConn.SetDeadline(time.Time{})

	logger.Info("backend handoff established", "user", req.Username, "mechanism", req.Mechanism, "backend", b.Addr)
	go relay(req.ClientConn, backendConn, req.Username)
	return nil
}

// authenticate performs the single-round AUTHENTICATE PLAIN master
// exchange: authzid is the real user, authcid/password are the master
// credentials, mirroring imapproxy's authenticateToBackend.
func (b *TCPBackendMaster) authenticate(reader *bufio.Reader, writer *bufio.Writer, username string) error {
	authString := fmt.Sprintf("%s\x00%s\x00%s", username, b.MasterUsername, b.MasterPassword)
	encoded := base64.StdEncoding.EncodeToString([]byte(authString))

	tag := "mx001"
	if _, err := fmt.Fprintf(writer, "%s AUTHENTICATE PLAIN %s\r\n", tag, encoded); err != nil {
		return fmt.Errorf("send master AUTHENTICATE: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush master AUTHENTICATE: %w", err)
	}

	response, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read master auth response: %w", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(response), tag+" OK") {
		return fmt.Errorf("backend rejected master credentials: %s", strings.TrimSpace(response))
	}
	return nil
}

// Abort is a no-op: TCPBackendMaster's Handoff runs synchronously under
// the caller's context, so cancelling that context is what actually
// aborts an in-flight handoff. The method exists to satisfy
// BackendMaster for backends that do need an explicit cancellation
// ticket (e.g. an async dial pool).
func (b *TCPBackendMaster) Abort(string) {}

// relay splices client and backend connections together bidirectionally
// until either side closes, the way imapproxy's startProxy does with two
// io.Copy goroutines racing against each other's completion.
func relay(client, backend net.Conn, username string) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		n, err := copyBuf(backend, client)
		metrics.BackendBytesRelayed.WithLabelValues("in").Add(float64(n))
		if err != nil {
			logger.Debug("handoff relay: client->backend ended", "user", username, "error", err)
		}
	}()
	go func() {
		defer func() { done <- struct{}{} }()
		n, err := copyBuf(client, backend)
		metrics.BackendBytesRelayed.WithLabelValues("out").Add(float64(n))
		if err != nil {
			logger.Debug("handoff relay: backend->client ended", "user", username, "error", err)
		}
	}()

	<-done
	client.Close()
	backend.Close()
	<-done
}

func copyBuf(dst net.Conn, src net.Conn) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			written, werr := dst.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total, werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
	}
}
