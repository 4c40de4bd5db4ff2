package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/cosmicchat/internal/logger"
	"github.com/cosmicchat/internal/model"
	"github.com/cosmicchat/internal/repository"
	"github.com/cosmicchat/internal/storage"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmailTaken      = errors.New("email already in use")
	ErrUserDisabled    = errors.New("user disabled")
)

// Simplified email validation (not full RFC).
var emailRegexp = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

const minPasswordLen = 8

// UserStore is the slice of the user repository the verifier needs.
type UserStore interface {
	Create(ctx context.Context, u *model.User) error
	GetByID(ctx context.Context, id string) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
}

// SessionDB is the durable session record store.
type SessionDB interface {
	Create(ctx context.Context, s *model.Session) error
	GetByID(ctx context.Context, id string) (*model.Session, error)
	UpdateLastSeen(ctx context.Context, sessionID string, t time.Time) error
	RevokeByID(ctx context.Context, sessionID string) (bool, error)
	RevokeByUserID(ctx context.Context, userID string) ([]string, error)
}

// AuthService is the credential verifier: it maps an opaque session token to
// a user id, and issues/revokes those tokens.
type AuthService struct {
	users      UserStore
	sessions   SessionDB
	store      storage.SessionStore
	sessionTTL time.Duration
}

func NewAuthService(users UserStore, sessions SessionDB, store storage.SessionStore, sessionTTL time.Duration) *AuthService {
	return &AuthService{users: users, sessions: sessions, store: store, sessionTTL: sessionTTL}
}

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

// AuthResult is returned on successful login/registration.
type AuthResult struct {
	User         model.UserPublic `json:"user"`
	SessionToken string           `json:"session_token"`
}

func maskSessionID(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "***"
}

// Register creates a user and opens a session. Email uniqueness is
// case-insensitive; a duplicate fails with ErrEmailTaken.
func (s *AuthService) Register(ctx context.Context, req RegisterRequest) (*AuthResult, error) {
	email := strings.TrimSpace(strings.ToLower(req.Email))
	name := strings.TrimSpace(req.DisplayName)
	switch {
	case !emailRegexp.MatchString(email):
		return nil, fmt.Errorf("%w: invalid email format", ErrInvalidInput)
	case len(req.Password) < minPasswordLen:
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLen)
	case name == "":
		return nil, fmt.Errorf("%w: display name required", ErrInvalidInput)
	}

	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	u := &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		DisplayName:  name,
		PasswordHash: string(hash),
		AvatarURL:    "https://api.dicebear.com/7.x/avataaars/svg?seed=" + url.QueryEscape(name),
		LastSeenAt:   now,
		CreatedAt:    now,
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}

	token, err := s.openSession(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	return &AuthResult{User: u.ToPublic(), SessionToken: token}, nil
}

// Login verifies credentials and opens a session. Unknown email, wrong
// password and disabled users all fail with the same opaque error; no token
// is issued on failure.
func (s *AuthService) Login(ctx context.Context, creds Credentials) (*AuthResult, error) {
	email := strings.TrimSpace(strings.ToLower(creds.Email))
	if email == "" || creds.Password == "" {
		return nil, ErrUnauthenticated
	}
	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(creds.Password)) != nil {
		return nil, ErrUnauthenticated
	}
	if u.DisabledAt != nil {
		return nil, ErrUserDisabled
	}

	token, err := s.openSession(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	return &AuthResult{User: u.ToPublic(), SessionToken: token}, nil
}

// openSession issues "<sessionID>.<secret>". Only the secret's hash is kept:
// in Postgres for the durable record, in the session store for the live TTL.
func (s *AuthService) openSession(ctx context.Context, userID string) (string, error) {
	sessionID := uuid.New().String()
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", err
	}
	secretB64 := base64.RawURLEncoding.EncodeToString(secret)
	h := sha256.Sum256([]byte(secretB64))
	secretHash := hex.EncodeToString(h[:])

	now := time.Now().UTC()
	sess := &model.Session{ID: sessionID, UserID: userID, SecretHash: secretHash, LastSeenAt: now, CreatedAt: now}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if err := s.store.SetSessionSecret(ctx, sessionID, secretHash, s.sessionTTL); err != nil {
		if _, revokeErr := s.sessions.RevokeByID(ctx, sessionID); revokeErr != nil {
			logger.Errorf("openSession: rollback revoke session_id=%s: %v", maskSessionID(sessionID), revokeErr)
		}
		return "", fmt.Errorf("save session secret: %w", err)
	}
	return sessionID + "." + secretB64, nil
}

// Authenticate maps a session token to a user id. Any failure is
// ErrUnauthenticated; details stay in the log.
func (s *AuthService) Authenticate(ctx context.Context, token string) (string, error) {
	sessionID, secret, ok := strings.Cut(token, ".")
	if !ok || sessionID == "" || secret == "" {
		return "", ErrUnauthenticated
	}
	storedHash, err := s.store.GetSessionSecret(ctx, sessionID)
	if err != nil || storedHash == "" {
		return "", ErrUnauthenticated
	}
	h := sha256.Sum256([]byte(secret))
	if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(h[:])), []byte(storedHash)) != 1 {
		return "", ErrUnauthenticated
	}
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return "", ErrUnauthenticated
	}
	u, err := s.users.GetByID(ctx, sess.UserID)
	if err != nil || u.DisabledAt != nil {
		return "", ErrUnauthenticated
	}
	if err := s.sessions.UpdateLastSeen(ctx, sessionID, time.Now().UTC()); err != nil {
		logger.Errorf("authenticate: UpdateLastSeen session_id=%s: %v", maskSessionID(sessionID), err)
	}
	return sess.UserID, nil
}

// Logout revokes the token's session. Idempotent: revoking twice reports
// false the second time but never errors.
func (s *AuthService) Logout(ctx context.Context, token string) (bool, error) {
	sessionID, _, ok := strings.Cut(token, ".")
	if !ok || sessionID == "" {
		return false, nil
	}
	revoked, err := s.sessions.RevokeByID(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if err := s.store.DeleteSessionSecret(ctx, sessionID); err != nil {
		logger.Errorf("logout: DeleteSessionSecret session_id=%s: %v", maskSessionID(sessionID), err)
	}
	return revoked, nil
}

// RevokeAllForUser revokes every active session of the user and clears the
// live secrets, so existing tokens stop working immediately. Used on account
// deactivation.
func (s *AuthService) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	ids, err := s.sessions.RevokeByUserID(ctx, userID)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := s.store.DeleteSessionSecret(ctx, id); err != nil {
			logger.Errorf("revokeAllForUser: DeleteSessionSecret session_id=%s: %v", maskSessionID(id), err)
		}
	}
	return len(ids), nil
}
