package main

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChallengeSweeperSweep(t *testing.T) {
	env, cleanup := newTestEnv(t, nil)
	defer cleanup()
	ctx := context.Background()

	env.acceptedChallenge(t)
	stale, _, err := env.ledger.CreateChallenge(ctx, "alice", "bob", 0)
	require.NoError(t, err)
	_, _, err = env.ledger.CreateChallenge(ctx, "bob", "alice", 0)
	require.NoError(t, err)

	sweeper := NewChallengeSweeper(BattleConfig{PendingChallengeTTL: 24 * time.Hour, SweepSchedule: "@every 1h"}, env.db, env.ledger, env.metrics, env.logger)
	// Challenges created now look stale to a clock two days ahead, except the
	// one moved forward below.
	sweeper.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	require.NoError(t, env.db.Model(&Challenge{}).
		Where("challenger_id = ? AND status = ?", "bob", ChallengeStatusPending).
		Update("created_at", time.Now().Add(47*time.Hour)).Error)

	require.NoError(t, sweeper.Sweep(ctx))

	got, err := env.ledger.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, ChallengeStatusCancelled, got.Status)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.ExpiredChallenges))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Challenges.WithLabelValues("cancelled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Challenges.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Challenges.WithLabelValues("accepted")))

	// A second pass finds nothing new to expire.
	require.NoError(t, sweeper.Sweep(ctx))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.ExpiredChallenges))
}

func TestChallengeSweeperSchedule(t *testing.T) {
	env, cleanup := newTestEnv(t, nil)
	defer cleanup()
	_, _, err := env.ledger.CreateChallenge(context.Background(), "alice", "bob", 0)
	require.NoError(t, err)

	bad := NewChallengeSweeper(BattleConfig{SweepSchedule: "not a schedule"}, env.db, env.ledger, env.metrics, env.logger)
	assert.Error(t, bad.Start())

	sweeper := NewChallengeSweeper(BattleConfig{PendingChallengeTTL: time.Hour, SweepSchedule: "*/1 * * * * *"}, env.db, env.ledger, env.metrics, env.logger)
	require.NoError(t, sweeper.Start())
	defer sweeper.Stop()

	require.Eventually(t, func() bool {
		return testutil.CollectAndCount(env.metrics.Challenges) > 0
	}, 3*time.Second, 50*time.Millisecond)
}
