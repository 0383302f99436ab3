package login

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResilientAuthServiceAcceptsValidCredentials(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)

	store := StaticCredentialStore{"alice": hash}
	svc := NewResilientAuthService(store, 0, 0)

	ok, err := svc.Authenticate(context.Background(), "alice", "correct horse battery staple")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, svc.IsConnected())
}

func TestResilientAuthServiceRejectsWrongPassword(t *testing.T) {
	hash, err := HashPassword("the-real-password")
	require.NoError(t, err)
	store := StaticCredentialStore{"alice": hash}
	svc := NewResilientAuthService(store, 0, 0)

	ok, err := svc.Authenticate(context.Background(), "alice", "wrong")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResilientAuthServiceRejectsUnknownUser(t *testing.T) {
	svc := NewResilientAuthService(StaticCredentialStore{}, 0, 0)

	ok, err := svc.Authenticate(context.Background(), "ghost", "whatever")
	require.NoError(t, err)
	require.False(t, ok)
}

type failingStore struct{ err error }

func (f failingStore) Lookup(context.Context, string) (string, bool, error) {
	return "", false, f.err
}

func TestResilientAuthServiceTripsCircuitOnSustainedFailure(t *testing.T) {
	svc := NewResilientAuthService(failingStore{err: errors.New("backend down")}, 0, 0)
	svc.retryCfg.MaxRetries = 0

	for i := 0; i < 10; i++ {
		_, _ = svc.Authenticate(context.Background(), "alice", "x")
	}

	require.False(t, svc.IsConnected())
}

func TestResilientAuthServiceRecoversAfterBrokerComesBack(t *testing.T) {
	hash, err := HashPassword("secret")
	require.NoError(t, err)
	store := StaticCredentialStore{"alice": hash}
	svc := NewResilientAuthService(store, 0, 0)
	svc.retryCfg.MaxRetries = 0

	fired := make(chan struct{}, 1)
	svc.OnReconnect(func() { fired <- struct{}{} })

	broken := failingStore{err: errors.New("backend down")}
	svc.store = broken
	for i := 0; i < 10; i++ {
		_, _ = svc.Authenticate(context.Background(), "alice", "secret")
	}
	require.False(t, svc.IsConnected())

	svc.store = store
	svc.ProbeReconnect()
	ok, err := svc.Authenticate(context.Background(), "alice", "secret")
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case <-fired:
	default:
		t.Fatal("expected OnReconnect callback to fire once the breaker closed again")
	}
}
