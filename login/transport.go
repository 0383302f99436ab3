package login

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veymail/imap-login/consts"
)

// Transport wraps a net.Conn the way server.SoraConn does in the wider
// stack: tracking last read/write activity (LastActivity; the registry's
// idle sweep uses its own per-session timestamp instead), while
// additionally owning the bounded, cork/uncork output
// buffering this gatekeeper needs so a response can be queued before a
// mid-stream TLS handshake without ever growing without bound.
//
// The underlying net.Conn can be swapped out (SetConn) after a STARTTLS
// handshake; callers must not hold a read or write in flight across a
// swap.
type Transport struct {
	mu   sync.Mutex
	conn net.Conn

	corked   bool
	outbuf   []byte
	onFlush  func() error
	inChunk  []byte
	lastSeen atomic.Int64 // unix nanos
}

// NewTransport wraps conn for cork-aware writes and idle tracking.
func NewTransport(conn net.Conn) *Transport {
	t := &Transport{
		conn:    conn,
		inChunk: make([]byte, consts.MaxInBufSize),
	}
	t.touch()
	return t
}

func (t *Transport) touch() {
	t.lastSeen.Store(time.Now().UnixNano())
}

// LastActivity reports when the transport last observed a successful read
// or write.
func (t *Transport) LastActivity() time.Time {
	return time.Unix(0, t.lastSeen.Load())
}

// Conn returns the current underlying connection.
func (t *Transport) Conn() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// SetConn replaces the underlying connection, as happens when STARTTLS
// wraps the raw socket in a *tls.Conn. Any corked, unflushed output is
// discarded rather than silently retargeted at the new connection — a
// cork spanning a transport swap is a caller bug, not a condition to
// paper over.
func (t *Transport) SetConn(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn = conn
	t.corked = false
	t.outbuf = t.outbuf[:0]
	t.onFlush = nil
}

// Read performs one bounded read from the connection, at most
// consts.MaxInBufSize bytes, and returns the slice read. The returned
// slice is only valid until the next call to Read.
func (t *Transport) Read() ([]byte, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	n, err := conn.Read(t.inChunk)
	if n > 0 {
		t.touch()
	}
	if err != nil {
		return t.inChunk[:n], err
	}
	return t.inChunk[:n], nil
}

// Cork begins buffering writes in memory instead of sending them to the
// socket immediately. Used to hold the "OK Begin TLS negotiation" line (or
// any other response) until the caller is ready to flush it, e.g. right
// before starting a TLS handshake.
func (t *Transport) Cork() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.corked = true
}

// Write queues or sends p depending on cork state. While corked, p is
// appended to the bounded output buffer; a write that would exceed
// consts.MaxOutBufSize queues nothing and returns consts.ErrBufferFull.
// The Transport does not close the connection in that case.
func (t *Transport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.corked {
		n, err := t.conn.Write(p)
		if n > 0 {
			t.touch()
		}
		return n, err
	}

	if len(t.outbuf)+len(p) > consts.MaxOutBufSize {
		return 0, consts.ErrBufferFull
	}
	t.outbuf = append(t.outbuf, p...)
	return len(p), nil
}

// OnFlush registers a one-shot callback invoked after Uncork has
// successfully written every corked byte to the socket. Only one callback
// may be pending at a time.
func (t *Transport) OnFlush(cb func() error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFlush = cb
}

// Uncork flushes any buffered output to the socket and, on success, runs
// the registered flush callback exactly once. If the write fails, the
// callback is never invoked — the caller (normally Session.destroy) is
// responsible for tearing down on error instead.
func (t *Transport) Uncork() error {
	t.mu.Lock()
	conn := t.conn
	buf := t.outbuf
	t.outbuf = nil
	t.corked = false
	cb := t.onFlush
	t.onFlush = nil
	t.mu.Unlock()

	if len(buf) > 0 {
		if _, err := conn.Write(buf); err != nil {
			return err
		}
		t.touch()
	}

	if cb != nil {
		return cb()
	}
	return nil
}

// Close closes the underlying connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	return conn.Close()
}
