package main

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenManager(t *testing.T) {
	tm := NewTokenManager("secret", time.Hour)
	require.NotNil(t, tm)

	token, err := tm.Issue("alice", "Alice")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := tm.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "Alice", claims.Name)
	assert.Equal(t, tokenIssuer, claims.Issuer)
	require.NotNil(t, claims.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, 5*time.Second)

	_, err = tm.Issue("", "")
	assert.Error(t, err)
}

func TestTokenManagerRejectsForeignTokens(t *testing.T) {
	tm := NewTokenManager("secret", time.Hour)

	t.Run("wrong secret", func(t *testing.T) {
		other := NewTokenManager("another-secret", time.Hour)
		token, err := other.Issue("alice", "")
		require.NoError(t, err)

		_, err = tm.Verify(token)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		expired := NewTokenManager("secret", -time.Minute)
		token, err := expired.Issue("alice", "")
		require.NoError(t, err)

		_, err = tm.Verify(token)
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		claims := UserClaims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		require.NoError(t, err)

		_, err = tm.Verify(token)
		assert.Error(t, err)
	})

	t.Run("no expiry", func(t *testing.T) {
		claims := UserClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", Issuer: tokenIssuer}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		require.NoError(t, err)

		_, err = tm.Verify(token)
		assert.Error(t, err)
	})

	t.Run("no subject", func(t *testing.T) {
		claims := UserClaims{RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		require.NoError(t, err)

		_, err = tm.Verify(token)
		assert.EqualError(t, err, "token has no subject")
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := tm.Verify("not-a-token")
		assert.Error(t, err)
	})
}

func TestTokenManagerAuthenticate(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		var tm *TokenManager
		assert.Nil(t, NewTokenManager("", time.Hour))

		userID, err := tm.Authenticate("alice", "")
		require.NoError(t, err)
		assert.Equal(t, "alice", userID)

		_, err = tm.Authenticate("", "")
		assert.EqualError(t, err, "user_id is required")
	})

	t.Run("enabled", func(t *testing.T) {
		tm := NewTokenManager("secret", time.Hour)
		token, err := tm.Issue("alice", "Alice")
		require.NoError(t, err)

		userID, err := tm.Authenticate("", token)
		require.NoError(t, err)
		assert.Equal(t, "alice", userID)

		userID, err = tm.Authenticate("alice", token)
		require.NoError(t, err)
		assert.Equal(t, "alice", userID)

		_, err = tm.Authenticate("bob", token)
		assert.EqualError(t, err, "token does not match user_id")

		_, err = tm.Authenticate("alice", "")
		assert.EqualError(t, err, "token is required")

		_, err = tm.Authenticate("alice", "bogus")
		assert.EqualError(t, err, "invalid token")
	})
}
