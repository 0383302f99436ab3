package login

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func registeredSession(t *testing.T, registry *Registry) *Session {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })
	go io.Copy(io.Discard, clientConn)

	authSvc := NewStaticAuthService(nil)
	sess := NewSession(serverConn, testSessionConfig(), registry, authSvc, &fakeBackend{}, nil, false)
	registry.Add(sess)
	return sess
}

func TestRegistryAddRemoveTracksLen(t *testing.T) {
	registry := NewRegistry(0)
	s := registeredSession(t, registry)
	require.Equal(t, 1, registry.Len())

	registry.Remove(s.ID())
	require.Equal(t, 0, registry.Len())
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	registry := NewRegistry(0)
	s := registeredSession(t, registry)

	registry.Remove(s.ID())
	registry.Remove(s.ID())
	require.Equal(t, 0, registry.Len())
}

func TestRegistryEvictsOldestWhenFull(t *testing.T) {
	registry := NewRegistry(2)

	first := registeredSession(t, registry)
	time.Sleep(2 * time.Millisecond)
	registeredSession(t, registry)
	require.Equal(t, 2, registry.Len())

	time.Sleep(2 * time.Millisecond)
	registeredSession(t, registry)

	require.Eventually(t, func() bool {
		return first.destroyed.Load()
	}, time.Second, 10*time.Millisecond)
}

func TestRegistryIdleSweepDestroysStaleSessions(t *testing.T) {
	registry := NewRegistry(0)
	s := registeredSession(t, registry)

	registry.mu.Lock()
	entry := registry.sessions[s.ID()]
	entry.lastActive = time.Now().Add(-2 * time.Minute)
	registry.mu.Unlock()

	registry.sweepIdle(time.Now())

	require.Eventually(t, func() bool {
		return s.destroyed.Load()
	}, time.Second, 10*time.Millisecond)
}

func TestRegistryResumeBlockedWakesWaitingSessions(t *testing.T) {
	registry := NewRegistry(0)
	s := registeredSession(t, registry)
	s.blocked.Store(true)

	registry.ResumeBlocked()

	select {
	case <-s.resumeCh:
	case <-time.After(time.Second):
		t.Fatal("expected resumeCh to receive a wakeup")
	}
}
