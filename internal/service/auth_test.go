package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosmicchat/internal/model"
	"github.com/cosmicchat/internal/repository"
	"github.com/cosmicchat/internal/storage/memory"
)

type mockUserStore struct {
	mu      sync.Mutex
	byID    map[string]*model.User
	byEmail map[string]*model.User

	CreateFunc func(ctx context.Context, u *model.User) error
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		byID:    make(map[string]*model.User),
		byEmail: make(map[string]*model.User),
	}
}

func (m *mockUserStore) Create(ctx context.Context, u *model.User) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, u)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[u.ID] = u
	m.byEmail[strings.ToLower(u.Email)] = u
	return nil
}

func (m *mockUserStore) GetByID(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u, nil
}

func (m *mockUserStore) GetByEmail(_ context.Context, email string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u, nil
}

type mockSessionDB struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

func newMockSessionDB() *mockSessionDB {
	return &mockSessionDB{sessions: make(map[string]*model.Session)}
}

func (m *mockSessionDB) Create(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *mockSessionDB) GetByID(_ context.Context, id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.RevokedAt != nil {
		return nil, repository.ErrNotFound
	}
	return s, nil
}

func (m *mockSessionDB) UpdateLastSeen(_ context.Context, sessionID string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok && s.RevokedAt == nil {
		s.LastSeenAt = t
	}
	return nil
}

func (m *mockSessionDB) RevokeByID(_ context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.RevokedAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	s.RevokedAt = &now
	return true, nil
}

func (m *mockSessionDB) RevokeByUserID(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var ids []string
	for id, s := range m.sessions {
		if s.UserID == userID && s.RevokedAt == nil {
			s.RevokedAt = &now
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func newTestAuthService() (*AuthService, *mockUserStore, *mockSessionDB) {
	users := newMockUserStore()
	sessions := newMockSessionDB()
	svc := NewAuthService(users, sessions, memory.New(), time.Hour)
	return svc, users, sessions
}

func TestRegisterAndAuthenticate(t *testing.T) {
	svc, _, _ := newTestAuthService()
	ctx := context.Background()

	res, err := svc.Register(ctx, RegisterRequest{
		Email:       "Alice@Example.com",
		Password:    "correct horse",
		DisplayName: "Alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", res.User.Email)
	assert.NotEmpty(t, res.SessionToken)
	assert.Contains(t, res.SessionToken, ".")

	userID, err := svc.Authenticate(ctx, res.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, userID)
}

func TestRegisterValidation(t *testing.T) {
	svc, _, _ := newTestAuthService()
	ctx := context.Background()

	cases := []RegisterRequest{
		{Email: "not-an-email", Password: "longenough", DisplayName: "X"},
		{Email: "a@b.co", Password: "short", DisplayName: "X"},
		{Email: "a@b.co", Password: "longenough", DisplayName: "   "},
	}
	for _, req := range cases {
		_, err := svc.Register(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidInput, "request %+v", req)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc, _, _ := newTestAuthService()
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{Email: "a@b.co", Password: "longenough", DisplayName: "A"})
	require.NoError(t, err)

	// Same address in different case is still a duplicate.
	_, err = svc.Register(ctx, RegisterRequest{Email: "A@B.CO", Password: "longenough", DisplayName: "A2"})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestLoginWrongPassword(t *testing.T) {
	svc, _, _ := newTestAuthService()
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{Email: "a@b.co", Password: "longenough", DisplayName: "A"})
	require.NoError(t, err)

	res, err := svc.Login(ctx, Credentials{Email: "a@b.co", Password: "wrong password"})
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Nil(t, res, "no token on failure")

	// Unknown email fails with the same opaque error.
	_, err = svc.Login(ctx, Credentials{Email: "nobody@b.co", Password: "longenough"})
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestLoginDisabledUser(t *testing.T) {
	svc, users, _ := newTestAuthService()
	ctx := context.Background()

	res, err := svc.Register(ctx, RegisterRequest{Email: "a@b.co", Password: "longenough", DisplayName: "A"})
	require.NoError(t, err)

	now := time.Now().UTC()
	users.byID[res.User.ID].DisabledAt = &now

	_, err = svc.Login(ctx, Credentials{Email: "a@b.co", Password: "longenough"})
	assert.ErrorIs(t, err, ErrUserDisabled)

	// Existing tokens stop working too.
	_, err = svc.Authenticate(ctx, res.SessionToken)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	svc, _, _ := newTestAuthService()
	ctx := context.Background()

	res, err := svc.Register(ctx, RegisterRequest{Email: "a@b.co", Password: "longenough", DisplayName: "A"})
	require.NoError(t, err)

	sessionID, secret, ok := strings.Cut(res.SessionToken, ".")
	require.True(t, ok)

	bad := []string{
		"",
		"garbage",
		sessionID + ".",
		"." + secret,
		sessionID + ".wrongsecret",
	}
	for _, token := range bad {
		_, err := svc.Authenticate(ctx, token)
		assert.ErrorIs(t, err, ErrUnauthenticated, "token %q", token)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	svc, _, _ := newTestAuthService()
	ctx := context.Background()

	res, err := svc.Register(ctx, RegisterRequest{Email: "a@b.co", Password: "longenough", DisplayName: "A"})
	require.NoError(t, err)

	revoked, err := svc.Logout(ctx, res.SessionToken)
	require.NoError(t, err)
	assert.True(t, revoked)

	_, err = svc.Authenticate(ctx, res.SessionToken)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	// Idempotent.
	revoked, err = svc.Logout(ctx, res.SessionToken)
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevokeAllForUser(t *testing.T) {
	svc, _, _ := newTestAuthService()
	ctx := context.Background()

	res, err := svc.Register(ctx, RegisterRequest{Email: "a@b.co", Password: "longenough", DisplayName: "A"})
	require.NoError(t, err)
	second, err := svc.Login(ctx, Credentials{Email: "a@b.co", Password: "longenough"})
	require.NoError(t, err)

	n, err := svc.RevokeAllForUser(ctx, res.User.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Every token of the user stops working, not just the latest.
	_, err = svc.Authenticate(ctx, res.SessionToken)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = svc.Authenticate(ctx, second.SessionToken)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	// Nothing left to revoke the second time.
	n, err = svc.RevokeAllForUser(ctx, res.User.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSessionExpiry(t *testing.T) {
	users := newMockUserStore()
	sessions := newMockSessionDB()
	svc := NewAuthService(users, sessions, memory.New(), 30*time.Millisecond)
	ctx := context.Background()

	res, err := svc.Register(ctx, RegisterRequest{Email: "a@b.co", Password: "longenough", DisplayName: "A"})
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, res.SessionToken)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	_, err = svc.Authenticate(ctx, res.SessionToken)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
