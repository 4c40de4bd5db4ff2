package storage

import (
	"context"
	"time"
)

// SessionStore holds live session secrets (hashed) with a TTL. The durable
// session row lives in Postgres; the secret here is what makes a token
// usable, so dropping the key logs the session out everywhere.
// Implementations: redis.Client, memory.Client (for -dev without Redis).
type SessionStore interface {
	SetSessionSecret(ctx context.Context, sessionID, secretHash string, ttl time.Duration) error
	GetSessionSecret(ctx context.Context, sessionID string) (string, error)
	DeleteSessionSecret(ctx context.Context, sessionID string) error
	Close() error
}
