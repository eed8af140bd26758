package session

import (
	"sync"

	"nuclight.org/chat-archiver/pkg/logger"
)

// Tracker follows the platform session. It is ready once the session is both
// authenticated and fully initialised; readiness can be lost and regained.
type Tracker struct {
	Log logger.Logger

	mu            sync.Mutex
	authenticated bool
	initialized   bool
	hooks         []func()
}

// OnReadyFunc registers f to run on every transition to ready.
func (t *Tracker) OnReadyFunc(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, f)
}

func (t *Tracker) OnAuthenticated() {
	t.Log.Info("session authenticated")
	t.set(func() { t.authenticated = true })
}

// OnReady marks the session initialised. Platforms without a separate
// authentication step call it alone.
func (t *Tracker) OnReady(account string) {
	t.Log.Info("session ready", "account", account)
	t.set(func() {
		t.authenticated = true
		t.initialized = true
	})
}

// OnDisconnected is logged only, reconnecting is the platform client's job.
func (t *Tracker) OnDisconnected(reason string) {
	t.Log.Warn("session disconnected", "reason", reason)
	t.set(func() { t.initialized = false })
}

func (t *Tracker) OnLoggedOut(reason string) {
	t.Log.Error("session logged out", "reason", reason)
	t.set(func() {
		t.authenticated = false
		t.initialized = false
	})
}

func (t *Tracker) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.authenticated && t.initialized
}

func (t *Tracker) set(change func()) {
	t.mu.Lock()
	wasReady := t.authenticated && t.initialized
	change()
	ready := t.authenticated && t.initialized
	hooks := append([]func(){}, t.hooks...)
	t.mu.Unlock()

	if ready && !wasReady {
		for _, hook := range hooks {
			hook()
		}
	}
}
