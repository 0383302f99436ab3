// Package consts holds the protocol-level constants and sentinel errors
// shared across the login front-end's packages.
package consts

import (
	"errors"
	"time"
)

const (
	// MaxIMAPLine bounds a single command line, tag included. A line that
	// grows past this without a terminating CRLF is a fatal protocol error.
	MaxIMAPLine = 8192

	// IdleTimeout is how long a session may go without client activity
	// before the registry's idle sweep disconnects it.
	IdleTimeout = 60 * time.Second

	// IdleSweepInterval is the granularity of the registry's idle sweep.
	IdleSweepInterval = 1 * time.Second

	// MaxBadCommands is the number of non-fatal protocol errors a session
	// may accumulate before it is disconnected.
	MaxBadCommands = 10

	// DestroyOldestCount is how many of the oldest sessions are evicted in
	// one batch when the registry is at capacity and a new connection
	// arrives.
	DestroyOldestCount = 16

	// MaxInBufSize bounds a single transport read; MaxOutBufSize bounds the
	// transport's corked output buffer.
	MaxInBufSize  = 4096
	MaxOutBufSize = 4096

	// AuthRequestTimeout is how long a session will wait on the auth
	// broker for a submit/continue response before giving up. It must
	// exceed IdleTimeout so that a slow-but-alive auth service is never
	// preempted by the idle sweep.
	AuthRequestTimeout = 90 * time.Second
)

var (
	ErrLineTooLong       = errors.New("imap-login: line exceeds maximum length")
	ErrNeedMoreData      = errors.New("imap-login: incomplete input, more data required")
	ErrTLSAlreadyActive  = errors.New("imap-login: TLS is already active")
	ErrTLSNotEnabled     = errors.New("imap-login: TLS support isn't enabled")
	ErrSessionDestroyed  = errors.New("imap-login: session is already destroyed")
	ErrBufferFull        = errors.New("imap-login: output buffer full")
	ErrAuthUnavailable   = errors.New("imap-login: authentication service unavailable")
	ErrPlaintextDisabled = errors.New("imap-login: plaintext authentication disabled")
)
