// Package presence derives online/offline status from connection lifecycle.
// Status is reference-counted per user: a user is online while at least one
// connection is live, and goes offline only after the last connection closes
// and a linger window elapses, so multi-tab sessions and reconnect races
// never flicker the status.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/cosmicchat/internal/logger"
)

// StatusStore persists the derived flag (the users table).
type StatusStore interface {
	SetOnline(ctx context.Context, userID string, online bool) error
}

// Notify is invoked outside the tracker's lock on every transition.
type Notify func(userID string, online bool)

type entry struct {
	conns  int
	online bool
	timer  *time.Timer
}

type Tracker struct {
	mu     sync.Mutex
	users  map[string]*entry
	linger time.Duration
	store  StatusStore
	notify Notify
	closed bool
}

func NewTracker(store StatusStore, linger time.Duration, notify Notify) *Tracker {
	return &Tracker{
		users:  make(map[string]*entry),
		linger: linger,
		store:  store,
		notify: notify,
	}
}

// ConnUp records a new live connection. The first connection transitions the
// user online immediately and cancels any pending offline timer.
func (t *Tracker) ConnUp(userID string) {
	t.mu.Lock()
	e, ok := t.users[userID]
	if !ok {
		e = &entry{}
		t.users[userID] = e
	}
	e.conns++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	wentOnline := !e.online
	if wentOnline {
		e.online = true
	}
	t.mu.Unlock()

	if wentOnline {
		t.persistAndNotify(userID, true)
	}
}

// ConnDown records a closed connection. When the count reaches zero the
// offline transition is deferred by the linger window; a reconnect within
// the window cancels it.
func (t *Tracker) ConnDown(userID string) {
	t.mu.Lock()
	e, ok := t.users[userID]
	if !ok || e.conns == 0 {
		t.mu.Unlock()
		return
	}
	e.conns--
	if e.conns > 0 || t.closed {
		t.mu.Unlock()
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(t.linger, func() { t.lingerExpired(userID) })
	t.mu.Unlock()
}

// lingerExpired re-checks the live count after the grace period; a
// connection that arrived meanwhile keeps the user online.
func (t *Tracker) lingerExpired(userID string) {
	t.mu.Lock()
	e, ok := t.users[userID]
	if !ok || e.conns > 0 || !e.online {
		t.mu.Unlock()
		return
	}
	e.online = false
	e.timer = nil
	delete(t.users, userID)
	t.mu.Unlock()

	t.persistAndNotify(userID, false)
}

// Online reports the current derived status.
func (t *Tracker) Online(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.users[userID]
	return ok && e.online
}

func (t *Tracker) persistAndNotify(userID string, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.store.SetOnline(ctx, userID, online); err != nil {
		logger.Errorf("presence set online=%v user=%s: %v", online, userID, err)
	}
	if t.notify != nil {
		t.notify(userID, online)
	}
}

// Close stops all pending offline timers. Remaining users are left as-is;
// the startup reset clears the persisted flags on the next boot.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, e := range t.users {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
}
