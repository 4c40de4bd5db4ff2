package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStatusStore struct {
	mu            sync.Mutex
	transitions   []statusTransition
	SetOnlineFunc func(ctx context.Context, userID string, online bool) error
}

type statusTransition struct {
	userID string
	online bool
}

func (m *mockStatusStore) SetOnline(ctx context.Context, userID string, online bool) error {
	m.mu.Lock()
	m.transitions = append(m.transitions, statusTransition{userID: userID, online: online})
	m.mu.Unlock()
	if m.SetOnlineFunc != nil {
		return m.SetOnlineFunc(ctx, userID, online)
	}
	return nil
}

func (m *mockStatusStore) snapshot() []statusTransition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]statusTransition, len(m.transitions))
	copy(out, m.transitions)
	return out
}

type notifyLog struct {
	mu    sync.Mutex
	calls []statusTransition
}

func (l *notifyLog) record(userID string, online bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, statusTransition{userID: userID, online: online})
}

func (l *notifyLog) snapshot() []statusTransition {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]statusTransition, len(l.calls))
	copy(out, l.calls)
	return out
}

func TestFirstConnGoesOnlineImmediately(t *testing.T) {
	store := &mockStatusStore{}
	log := &notifyLog{}
	tr := NewTracker(store, time.Hour, log.record)
	defer tr.Close()

	tr.ConnUp("u1")

	assert.True(t, tr.Online("u1"))
	require.Len(t, log.snapshot(), 1)
	assert.Equal(t, statusTransition{userID: "u1", online: true}, log.snapshot()[0])
	require.Len(t, store.snapshot(), 1)
}

func TestSecondConnDoesNotReNotify(t *testing.T) {
	store := &mockStatusStore{}
	log := &notifyLog{}
	tr := NewTracker(store, time.Hour, log.record)
	defer tr.Close()

	tr.ConnUp("u1")
	tr.ConnUp("u1")

	assert.Len(t, log.snapshot(), 1)
}

func TestLastConnDownDefersOffline(t *testing.T) {
	store := &mockStatusStore{}
	log := &notifyLog{}
	tr := NewTracker(store, 30*time.Millisecond, log.record)
	defer tr.Close()

	tr.ConnUp("u1")
	tr.ConnUp("u1")
	tr.ConnDown("u1")
	tr.ConnDown("u1")

	// Still inside the linger window.
	assert.True(t, tr.Online("u1"))

	require.Eventually(t, func() bool {
		return !tr.Online("u1")
	}, time.Second, 5*time.Millisecond)

	calls := log.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, statusTransition{userID: "u1", online: false}, calls[1])
}

func TestReconnectWithinLingerAbsorbsFlap(t *testing.T) {
	store := &mockStatusStore{}
	log := &notifyLog{}
	tr := NewTracker(store, 50*time.Millisecond, log.record)
	defer tr.Close()

	tr.ConnUp("u1")
	tr.ConnDown("u1")
	tr.ConnUp("u1") // reconnect before the window elapses

	time.Sleep(120 * time.Millisecond)

	assert.True(t, tr.Online("u1"))
	// Exactly one transition: the initial online. No offline, no re-online.
	assert.Len(t, log.snapshot(), 1)
}

func TestConnDownUnknownUserIsNoop(t *testing.T) {
	store := &mockStatusStore{}
	tr := NewTracker(store, time.Hour, nil)
	defer tr.Close()

	tr.ConnDown("ghost")
	assert.False(t, tr.Online("ghost"))
	assert.Empty(t, store.snapshot())
}
