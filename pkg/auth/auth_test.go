package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenAuthenticator(t *testing.T) {
	hash, err := HashToken("s3cret")
	require.NoError(t, err)

	a := NewTokenAuthenticator(map[string]string{"u1": hash})
	ctx := context.Background()

	t.Run("valid token", func(t *testing.T) {
		user, err := a.Authenticate(ctx, map[string]interface{}{
			"user_id": "u1",
			"token":   "s3cret",
		})
		require.NoError(t, err)
		assert.Equal(t, "u1", user.ID)
	})

	t.Run("wrong token", func(t *testing.T) {
		_, err := a.Authenticate(ctx, map[string]interface{}{
			"user_id": "u1",
			"token":   "nope",
		})
		assert.ErrorIs(t, err, ErrBadCredentials)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := a.Authenticate(ctx, map[string]interface{}{
			"user_id": "u2",
			"token":   "s3cret",
		})
		assert.ErrorIs(t, err, ErrBadCredentials)
	})

	t.Run("missing fields", func(t *testing.T) {
		_, err := a.Authenticate(ctx, map[string]interface{}{})
		assert.ErrorIs(t, err, ErrBadCredentials)
	})
}

func TestInsecureAuthenticator(t *testing.T) {
	a := InsecureAuthenticator{}
	ctx := context.Background()

	user, err := a.Authenticate(ctx, map[string]interface{}{"user_id": "u1"})
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)

	_, err = a.Authenticate(ctx, map[string]interface{}{})
	assert.ErrorIs(t, err, ErrBadCredentials)
}
