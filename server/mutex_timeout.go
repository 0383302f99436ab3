package server

import (
	"context"
	"sync"
	"time"

	"github.com/veymail/imap-login/logger"
)

// MutexTimeout bounds how long a caller will wait to acquire a lock
// through MutexTimeoutHelper before giving up rather than blocking the
// event loop indefinitely behind a stuck holder.
const MutexTimeout = 5 * time.Second

// MutexTimeoutHelper wraps a sync.RWMutex with bounded acquisition,
// used by the connection registry's sweep and admission paths so a
// pathological holder (a session's destroy path wedged on a closing fd)
// can never stall the whole registry.
type MutexTimeoutHelper struct {
	mutex *sync.RWMutex
	name  string // component name for logging
}

// NewMutexTimeoutHelper builds a helper for mutex bounded by name for
// logging.
func NewMutexTimeoutHelper(mutex *sync.RWMutex, name string) *MutexTimeoutHelper {
	return &MutexTimeoutHelper{mutex: mutex, name: name}
}

// AcquireReadLockWithTimeout attempts to acquire a read lock before ctx
// is done or MutexTimeout elapses, whichever is first. It reports
// whether the lock was acquired; on success the caller must RUnlock().
func (h *MutexTimeoutHelper) AcquireReadLockWithTimeout(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, MutexTimeout)
	defer cancel()

	acquired := make(chan struct{})
	go func() {
		h.mutex.RLock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return true
	case <-ctx.Done():
		go h.releaseAbandoned(acquired, h.mutex.RUnlock)
		return false
	}
}

// AcquireWriteLockWithTimeout is AcquireReadLockWithTimeout's write-lock
// counterpart; on success the caller must Unlock().
func (h *MutexTimeoutHelper) AcquireWriteLockWithTimeout(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, MutexTimeout)
	defer cancel()

	acquired := make(chan struct{})
	go func() {
		h.mutex.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return true
	case <-ctx.Done():
		go h.releaseAbandoned(acquired, h.mutex.Unlock)
		return false
	}
}

// releaseAbandoned waits for a lock attempt that timed out on the
// caller's side to actually complete, then releases it immediately —
// otherwise a late-arriving lock would be held forever. If it never
// completes, that is a stuck holder worth a log line, not a panic.
func (h *MutexTimeoutHelper) releaseAbandoned(acquired <-chan struct{}, release func()) {
	select {
	case <-acquired:
		release()
	case <-time.After(time.Second):
		logger.Warn("mutex helper: lock attempt did not complete after timeout", "component", h.name)
		<-acquired
		release()
	}
}
