package login

import (
	"context"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/veymail/imap-login/pkg/circuitbreaker"
	"github.com/veymail/imap-login/pkg/metrics"
	"github.com/veymail/imap-login/pkg/retry"
)

// CredentialStore looks up a user's stored password hash. It is the one
// seam between the login front-end and wherever credentials actually
// live; the wire protocol to reach that store is out of scope for this
// gatekeeper.
type CredentialStore interface {
	Lookup(ctx context.Context, username string) (hashedPassword string, found bool, err error)
}

// StaticCredentialStore is an in-memory CredentialStore used in tests and
// as a reference implementation, analogous to the teacher's test doubles.
type StaticCredentialStore map[string]string

func (s StaticCredentialStore) Lookup(_ context.Context, username string) (string, bool, error) {
	hash, ok := s[username]
	return hash, ok, nil
}

// HashPassword is a convenience for building a StaticCredentialStore
// entry; the broker never hashes anything itself during authentication,
// only verifies.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

// StaticAuthService is a minimal AuthService backed by an in-memory
// username/password map with no retry, circuit-breaking, or bcrypt
// verification — a reference double for session-level tests, the way
// the wider stack keeps hand-written test doubles alongside its
// resilient production implementations rather than exercising the real
// thing in every unit test.
type StaticAuthService struct {
	mu          sync.Mutex
	Credentials map[string]string
	Connected   bool
	onReconnect []func()
}

// NewStaticAuthService builds a StaticAuthService that starts connected.
func NewStaticAuthService(creds map[string]string) *StaticAuthService {
	return &StaticAuthService{Credentials: creds, Connected: true}
}

func (s *StaticAuthService) Authenticate(_ context.Context, username, password string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want, ok := s.Credentials[username]
	return ok && want == password, nil
}

func (s *StaticAuthService) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Connected
}

func (s *StaticAuthService) OnReconnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReconnect = append(s.onReconnect, fn)
}

// SetConnected flips the broker's liveness, firing OnReconnect callbacks
// on a false->true transition, for tests that simulate an outage.
func (s *StaticAuthService) SetConnected(connected bool) {
	s.mu.Lock()
	wasDown := !s.Connected
	s.Connected = connected
	fns := append([]func(){}, s.onReconnect...)
	s.mu.Unlock()

	if connected && wasDown {
		for _, fn := range fns {
			fn()
		}
	}
}

// AuthService is the session state machine's collaborator for credential
// verification: submit a set of credentials, learn whether the broker
// itself is reachable right now, and be notified when it becomes
// reachable again after an outage so blocked sessions can be woken.
type AuthService interface {
	// Authenticate verifies username/password and reports whether they
	// are valid. An error means the broker could not be reached or timed
	// out — distinct from a valid-but-wrong-password result, which is
	// (false, nil).
	Authenticate(ctx context.Context, username, password string) (bool, error)

	// IsConnected reports the broker's last-known liveness without
	// performing a new authentication attempt.
	IsConnected() bool

	// OnReconnect registers fn to run every time the broker transitions
	// from unavailable back to available.
	OnReconnect(fn func())
}

// ResilientAuthService is the default AuthService: it verifies
// credentials against a CredentialStore with bcrypt, wrapped in retry and
// circuit-breaker policies so IsConnected reflects real upstream health
// the way the wider stack's resilient database wrapper does for its own
// dependencies.
type ResilientAuthService struct {
	store    CredentialStore
	breaker  *circuitbreaker.CircuitBreaker
	retryCfg retry.BackoffConfig

	mu          sync.Mutex
	onReconnect []func()
}

// NewResilientAuthService builds a ResilientAuthService backed by store,
// tripping its circuit breaker after consecutiveFailures consecutive
// failures and holding it open for openTimeout before probing again. A
// consecutiveFailures of 0 falls back to circuitbreaker.DefaultSettings'
// request-ratio trip condition.
func NewResilientAuthService(store CredentialStore, consecutiveFailures uint32, openTimeout time.Duration) *ResilientAuthService {
	svc := &ResilientAuthService{
		store: store,
		retryCfg: retry.BackoffConfig{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     2 * time.Second,
			Multiplier:      2.0,
			Jitter:          true,
			MaxRetries:      2,
		},
	}

	settings := circuitbreaker.DefaultSettings("auth-broker")
	if consecutiveFailures > 0 {
		settings.ReadyToTrip = func(counts circuitbreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailures
		}
	}
	if openTimeout > 0 {
		settings.Timeout = openTimeout
	}
	settings.OnStateChange = func(name string, from, to circuitbreaker.State) {
		metrics.AuthBrokerCircuitState.Set(float64(to))
		if to == circuitbreaker.StateClosed && from != circuitbreaker.StateClosed {
			svc.notifyReconnect()
		}
	}
	svc.breaker = circuitbreaker.NewCircuitBreaker(settings)

	return svc
}

// OnReconnect registers a callback invoked when the broker's circuit
// returns to the closed state (a half-open probe request succeeded); the
// move from open to half-open alone does not fire it. The connection
// registry uses this to resume any
// sessions left blocked on an AUTHENTICATE that could not be completed
// while the broker was unreachable.
func (s *ResilientAuthService) OnReconnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReconnect = append(s.onReconnect, fn)
}

func (s *ResilientAuthService) notifyReconnect() {
	s.mu.Lock()
	fns := append([]func(){}, s.onReconnect...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// ProbeReconnect forces the broker's circuit breaker out of the open
// state so the next Authenticate call is actually attempted, rather than
// failing fast. cmd/imap-login's probeAuthBroker calls this when a dial to
// the broker's address succeeds, instead of waiting out the breaker's own
// timeout.
func (s *ResilientAuthService) ProbeReconnect() {
	s.breaker.ForceHalfOpen()
}

// IsConnected reports the circuit breaker's current state: the broker is
// considered connected unless the breaker has tripped open.
func (s *ResilientAuthService) IsConnected() bool {
	return s.breaker.State() != circuitbreaker.StateOpen
}

// Authenticate verifies username/password, retrying transient lookup
// failures and tripping the circuit breaker on sustained failure.
func (s *ResilientAuthService) Authenticate(ctx context.Context, username, password string) (bool, error) {
	var verified bool

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, retry.WithRetry(ctx, func() error {
			hash, found, err := s.store.Lookup(ctx, username)
			if err != nil {
				return err
			}
			if !found {
				verified = false
				return nil
			}
			verified = bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
			return nil
		}, s.retryCfg)
	})
	if err != nil {
		return false, err
	}
	return verified, nil
}
