package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cosmicchat/internal/service"
)

type mockAuthenticator struct {
	AuthenticateFunc func(ctx context.Context, token string) (string, error)
}

func (m *mockAuthenticator) Authenticate(ctx context.Context, token string) (string, error) {
	if m.AuthenticateFunc != nil {
		return m.AuthenticateFunc(ctx, token)
	}
	return "", service.ErrUnauthenticated
}

func echoUserID(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(GetUserID(r.Context())))
	})
}

func TestSessionAuthBearerHeader(t *testing.T) {
	auth := &mockAuthenticator{
		AuthenticateFunc: func(_ context.Context, token string) (string, error) {
			assert.Equal(t, "sid.secret", token)
			return "u1", nil
		},
	}
	h := SessionAuth(auth)(echoUserID(t))

	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer sid.secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", rec.Body.String())
}

func TestSessionAuthQueryTokenFallback(t *testing.T) {
	auth := &mockAuthenticator{
		AuthenticateFunc: func(_ context.Context, token string) (string, error) {
			assert.Equal(t, "sid.secret", token)
			return "u1", nil
		},
	}
	h := SessionAuth(auth)(echoUserID(t))

	req := httptest.NewRequest(http.MethodGet, "/ws?token=sid.secret", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", rec.Body.String())
}

func TestSessionAuthMissingToken(t *testing.T) {
	h := SessionAuth(&mockAuthenticator{})(echoUserID(t))

	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
}

func TestSessionAuthInvalidToken(t *testing.T) {
	h := SessionAuth(&mockAuthenticator{})(echoUserID(t))

	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionAuthWrongScheme(t *testing.T) {
	auth := &mockAuthenticator{
		AuthenticateFunc: func(context.Context, string) (string, error) {
			t.Fatal("authenticator must not be called for a non-bearer header")
			return "", nil
		},
	}
	h := SessionAuth(auth)(echoUserID(t))

	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
