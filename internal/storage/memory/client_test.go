package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetDelete(t *testing.T) {
	c := New()
	ctx := context.Background()

	require.NoError(t, c.SetSessionSecret(ctx, "s1", "hash1", time.Hour))

	got, err := c.GetSessionSecret(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "hash1", got)

	require.NoError(t, c.DeleteSessionSecret(ctx, "s1"))
	got, err = c.GetSessionSecret(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGetUnknownSession(t *testing.T) {
	c := New()
	got, err := c.GetSessionSecret(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTTLExpiry(t *testing.T) {
	c := New()
	ctx := context.Background()

	require.NoError(t, c.SetSessionSecret(ctx, "s1", "hash1", 20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)

	got, err := c.GetSessionSecret(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got, "expired secret must read as absent")
}

func TestSetOverwrites(t *testing.T) {
	c := New()
	ctx := context.Background()

	require.NoError(t, c.SetSessionSecret(ctx, "s1", "old", time.Hour))
	require.NoError(t, c.SetSessionSecret(ctx, "s1", "new", time.Hour))

	got, err := c.GetSessionSecret(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "new", got)
}

func TestDeleteIsIdempotent(t *testing.T) {
	c := New()
	ctx := context.Background()
	require.NoError(t, c.DeleteSessionSecret(ctx, "never-existed"))
}
