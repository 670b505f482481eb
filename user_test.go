package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDBUserDirectory(t *testing.T) {
	env, cleanup := newTestEnv(t, nil)
	defer cleanup()
	ctx := context.Background()

	user, err := env.users.GetUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "Bob", user.DisplayName())

	_, err = env.users.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)

	user, err = env.users.GetUserByCode(ctx, " bob123 ")
	require.NoError(t, err)
	assert.Equal(t, "bob", user.ID)

	_, err = env.users.GetUserByCode(ctx, "")
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = env.users.GetUserByCode(ctx, "ZZZZZZ")
	assert.ErrorIs(t, err, ErrUserNotFound)

	seedUser(t, env.db, "nameless", "", "NONAME")
	assert.Equal(t, "nameless", displayName(ctx, env.users, "nameless"))
	assert.Equal(t, "ghost", displayName(ctx, env.users, "ghost"))
	assert.Equal(t, "ghost", displayName(ctx, nil, "ghost"))
}
